// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haven-notes/haven/keyring"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
data_dir: /var/lib/haven
relay_url: wss://relay.example.com/signal
stun_servers: ["stun:stun.example.com:3478"]
log_level: debug
presence_name: office-node
documents:
  - id: doc-abc
    password: "correct horse"
    salt: "c2FsdHNhbHRzYWx0c2FsdA=="
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataDir != "/var/lib/haven" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.RelayURL != "wss://relay.example.com/signal" {
		t.Errorf("RelayURL = %q", cfg.RelayURL)
	}
	if len(cfg.Documents) != 1 || cfg.Documents[0].ID != "doc-abc" {
		t.Errorf("Documents = %+v", cfg.Documents)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, validConfig+"\nunknown_field: 1\n"))
	if err == nil {
		t.Fatal("config with unknown field accepted, want error")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{
			name:    "missing relay",
			mutate:  func(s string) string { return strings.Replace(s, "relay_url: wss://relay.example.com/signal", "relay_url: \"\"", 1) },
			wantErr: "relay_url is required",
		},
		{
			name:    "missing data dir",
			mutate:  func(s string) string { return strings.Replace(s, "data_dir: /var/lib/haven", "data_dir: \"\"", 1) },
			wantErr: "data_dir is required",
		},
		{
			name:    "password without salt",
			mutate:  func(s string) string { return strings.Replace(s, "    salt: \"c2FsdHNhbHRzYWx0c2FsdA==\"\n", "", 1) },
			wantErr: "salt is required",
		},
		{
			name:    "bad log level",
			mutate:  func(s string) string { return strings.Replace(s, "log_level: debug", "log_level: loud", 1) },
			wantErr: "log_level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.mutate(validConfig)))
			if err == nil {
				t.Fatalf("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestDocumentKeyFromPassword(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("saltsaltsaltsalt"))
	doc := DocumentConfig{ID: "doc-1", Password: "hunter2", Salt: salt}

	first, err := doc.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	defer first.Close()
	second, err := doc.Key()
	if err != nil {
		t.Fatalf("second Key: %v", err)
	}
	defer second.Close()

	// Same password and salt must derive the same key, or peers with
	// shared config would land in different cryptographic rooms.
	if keyring.Fingerprint(first) != keyring.Fingerprint(second) {
		t.Errorf("password derivation is not deterministic")
	}
}
