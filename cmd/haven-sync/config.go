// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haven-notes/haven/keyring"
	"github.com/haven-notes/haven/lib/secret"
)

// Config is the haven-sync configuration file. It is loaded from the
// path given by --config or the HAVEN_CONFIG environment variable;
// there is no automatic discovery.
type Config struct {
	// DataDir is where the document database lives.
	DataDir string `yaml:"data_dir"`

	// RelayURL is the signaling relay websocket endpoint.
	RelayURL string `yaml:"relay_url"`

	// RelayToken, when set, is presented to the relay as a bearer
	// token.
	RelayToken string `yaml:"relay_token,omitempty"`

	// STUNServers lists STUN/TURN URLs for ICE candidate gathering.
	// Empty means host candidates only.
	STUNServers []string `yaml:"stun_servers,omitempty"`

	// LogLevel is debug, info, warn, or error. Defaults to info.
	LogLevel string `yaml:"log_level,omitempty"`

	// PresenceName and PresenceColor describe this node to peers.
	PresenceName  string `yaml:"presence_name,omitempty"`
	PresenceColor string `yaml:"presence_color,omitempty"`

	// Documents lists the documents this node keeps open.
	Documents []DocumentConfig `yaml:"documents"`
}

// DocumentConfig is one document entry. The key comes from exactly one
// of two sources: a password plus salt (argon2id derivation), or an
// exported key file unlocked by the passphrase in the HAVEN_PASSPHRASE
// environment variable.
type DocumentConfig struct {
	// ID is the document identifier, shared by every peer in the room.
	ID string `yaml:"id"`

	// Password derives the room key together with Salt.
	Password string `yaml:"password,omitempty"`

	// Salt is the base64 derivation salt. Every peer must use the same
	// salt or they derive different keys.
	Salt string `yaml:"salt,omitempty"`

	// KeyFile is the path to an exported room key.
	KeyFile string `yaml:"key_file,omitempty"`
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RelayURL == "" {
		return fmt.Errorf("relay_url is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	if len(c.Documents) == 0 {
		return fmt.Errorf("at least one document is required")
	}
	seen := make(map[string]bool)
	for i, doc := range c.Documents {
		if doc.ID == "" {
			return fmt.Errorf("documents[%d]: id is required", i)
		}
		if seen[doc.ID] {
			return fmt.Errorf("documents[%d]: duplicate id %q", i, doc.ID)
		}
		seen[doc.ID] = true

		hasPassword := doc.Password != ""
		hasKeyFile := doc.KeyFile != ""
		if hasPassword == hasKeyFile {
			return fmt.Errorf("documents[%d] (%s): exactly one of password or key_file is required", i, doc.ID)
		}
		if hasPassword && doc.Salt == "" {
			return fmt.Errorf("documents[%d] (%s): salt is required with password", i, doc.ID)
		}
	}
	return nil
}

// Key materializes the room key for one document entry.
func (d *DocumentConfig) Key() (*secret.Buffer, error) {
	if d.Password != "" {
		salt, err := base64.StdEncoding.DecodeString(d.Salt)
		if err != nil {
			return nil, fmt.Errorf("document %s: decoding salt: %w", d.ID, err)
		}
		derived, err := keyring.DeriveFromPassword([]byte(d.Password), salt)
		if err != nil {
			return nil, fmt.Errorf("document %s: deriving key: %w", d.ID, err)
		}
		return derived.Key, nil
	}

	exported, err := os.ReadFile(d.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("document %s: reading key file: %w", d.ID, err)
	}
	passphrase := os.Getenv("HAVEN_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("document %s: HAVEN_PASSPHRASE is required to unlock %s", d.ID, d.KeyFile)
	}
	pass, err := secret.NewFromBytes([]byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("document %s: protecting passphrase: %w", d.ID, err)
	}
	defer pass.Close()

	key, err := keyring.Import(strings.TrimSpace(string(exported)), pass)
	if err != nil {
		return nil, fmt.Errorf("document %s: unlocking key file: %w", d.ID, err)
	}
	return key, nil
}
