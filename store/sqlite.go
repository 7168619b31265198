// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/haven-notes/haven/lib/clock"
)

// compressor and decompressor are shared, stateless-per-call zstd
// codecs (EncodeAll/DecodeAll are safe for concurrent use).
var (
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
)

func init() {
	var err error
	compressor, err = zstd.NewWriter(nil)
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	decompressor, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// DBConfig holds the parameters for opening a document database.
type DBConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist; the file is created if absent.
	// ":memory:" works for tests.
	Path string

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger

	// Clock stamps saved snapshots. If nil, the real clock is used.
	Clock clock.Clock
}

// DB is the shared SQLite database holding every document's persisted
// state. One DB serves the whole workspace; each open document gets
// its own [SQLiteDriver] scoped to a namespace.
//
// DB is safe for concurrent use.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	clock  clock.Clock
	path   string
}

// OpenDB opens (creating if needed) the document database and ensures
// the schema exists. The caller must call Close when done.
func OpenDB(cfg DBConfig) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	poolSize := 4
	if cfg.Path == ":memory:" {
		// Each in-memory connection is an independent database.
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	db := &DB{
		pool:   pool,
		logger: logger,
		clock:  clk,
		path:   cfg.Path,
	}

	if err := db.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("document database opened", "path", cfg.Path)
	return db, nil
}

// Close closes all connections. Blocks until borrowed connections are
// returned.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", db.path, err)
	}
	db.logger.Info("document database closed", "path", db.path)
	return nil
}

// Driver returns a persistence driver scoped to the given document
// identifier. Closing the driver does not close the database.
func (db *DB) Driver(documentID string) *SQLiteDriver {
	return &SQLiteDriver{
		db:        db,
		namespace: Namespace(documentID),
		synced:    make(chan struct{}),
	}
}

func (db *DB) ensureSchema(ctx context.Context) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take connection for schema: %w", err)
	}
	defer db.pool.Put(conn)

	const schema = `CREATE TABLE IF NOT EXISTS document_state (
		namespace TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		saved_at INTEGER NOT NULL
	)`
	if err := sqlitex.ExecuteTransient(conn, schema, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

// prepareConnection applies the standard pragmas. WAL mode gives
// concurrent readers with a single writer, which matches the access
// pattern: many open documents reading, flushes writing.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

// Compile-time interface check.
var _ Driver = (*SQLiteDriver)(nil)

// SQLiteDriver persists one document's state in the shared database.
// Snapshots are zstd-compressed before hitting disk; CRDT state is
// highly repetitive and typically compresses several-fold.
type SQLiteDriver struct {
	db        *DB
	namespace string

	syncOnce sync.Once
	synced   chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// Load returns the stored state, or nil if this document has never
// been saved. The first completed Load (or Save) closes the Synced
// channel.
func (d *SQLiteDriver) Load(ctx context.Context) ([]byte, error) {
	defer d.markSynced()

	conn, err := d.db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	defer d.db.pool.Put(conn)

	var compressed []byte
	err = sqlitex.Execute(conn,
		"SELECT state FROM document_state WHERE namespace = ?",
		&sqlitex.ExecOptions{
			Args: []any{d.namespace},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				buf := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, buf)
				compressed = buf
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: loading %s: %w", d.namespace, err)
	}
	if compressed == nil {
		return nil, nil
	}

	state, err := decompressor.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing %s: %w", d.namespace, err)
	}
	return state, nil
}

// Save replaces the stored state for this document.
func (d *SQLiteDriver) Save(ctx context.Context, state []byte) error {
	defer d.markSynced()

	compressed := compressor.EncodeAll(state, nil)

	conn, err := d.db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take connection: %w", err)
	}
	defer d.db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO document_state (namespace, state, saved_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(namespace) DO UPDATE SET state = excluded.state, saved_at = excluded.saved_at",
		&sqlitex.ExecOptions{
			Args: []any{d.namespace, compressed, d.db.clock.Now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("store: saving %s: %w", d.namespace, err)
	}
	return nil
}

// Synced returns the initial-load handshake channel.
func (d *SQLiteDriver) Synced() <-chan struct{} {
	return d.synced
}

// Close marks the driver released. The shared database stays open.
// Idempotent.
func (d *SQLiteDriver) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	d.closed = true
	return nil
}

func (d *SQLiteDriver) markSynced() {
	d.syncOnce.Do(func() { close(d.synced) })
}
