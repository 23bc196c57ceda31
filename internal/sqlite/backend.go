// Package sqlite implements a DataService store on SQLite. SQLite is the
// query engine; one JSONL file per entity type in the data directory is the
// source of truth and is reloaded on every attach.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// DBFile is the SQLite database file created in the data directory.
const DBFile = "entitycache.db"

// Backend implements types.Store.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	dataDir  string
	db       *sql.DB
	services map[string]*service

	syncStrategy  string
	batchSize     int
	batchInterval time.Duration
	pendingWrites []pendingWrite
	batchTimer    *time.Timer
	batchMu       sync.Mutex
}

// pendingWrite is a deferred JSONL write, used by the on_close and batch
// sync strategies.
type pendingWrite struct {
	file      string
	operation string
}

// NewBackend returns a detached backend. Call Attach before use.
func NewBackend() *Backend {
	return &Backend{services: make(map[string]*service)}
}

// Attach creates the data directory if needed, builds a fresh database and
// loads every JSONL file into it. Returns ErrAlreadyAttached if attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// The database is rebuilt from JSONL on every attach.
	dbPath := filepath.Join(dataDir, DBFile)
	_ = os.Remove(dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", DBFile, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schemaDDL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	if err := loadAllJSONL(db, dataDir); err != nil {
		db.Close()
		return fmt.Errorf("load JSONL: %w", err)
	}

	b.db = db
	b.config = config
	b.dataDir = dataDir
	b.syncStrategy = config.SQLiteConfig.GetSyncStrategy()
	b.batchSize = config.SQLiteConfig.GetBatchSize()
	b.batchInterval = time.Duration(config.SQLiteConfig.GetBatchInterval()) * time.Second
	b.pendingWrites = nil
	b.attached = true

	if b.syncStrategy == types.SyncBatch && b.batchInterval > 0 {
		b.startBatchTimer()
	}
	return nil
}

// Detach flushes pending JSONL writes and closes the database. After Detach
// every service call returns ErrDetached. Idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	b.stopBatchTimer()
	if err := b.flushPendingWritesLocked(); err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}

	if err := b.db.Close(); err != nil {
		return err
	}
	b.db = nil
	b.attached = false
	b.services = make(map[string]*service)
	return nil
}

// Service returns the DataService for entityName. A nil keyFn uses
// types.DefaultKeyFunc. Returns ErrDetached if the backend is not attached.
func (b *Backend) Service(entityName string, keyFn types.KeyFunc) (types.DataService, error) {
	if entityName == "" {
		return nil, types.ErrInvalidEntityName
	}
	if keyFn == nil {
		keyFn = types.DefaultKeyFunc
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return nil, types.ErrDetached
	}
	svc, ok := b.services[entityName]
	if !ok {
		svc = &service{backend: b, name: entityName, keyFn: keyFn}
		b.services[entityName] = svc
	}
	return svc, nil
}

// Names returns the entity types that have at least one stored record.
func (b *Backend) Names() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrDetached
	}

	rows, err := b.db.Query(`SELECT DISTINCT entity_name FROM entities ORDER BY entity_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// newKey generates a UUID v7 key for entities added without one.
func newKey() types.Key {
	id, err := uuid.NewV7()
	if err != nil {
		return types.Key(uuid.New().String())
	}
	return types.Key(id.String())
}

// persist writes the JSONL file holding entityName, now or later according
// to the sync strategy. The caller must hold b.mu.
func (b *Backend) persist(entityName, operation string) error {
	file := jsonlFile(entityName)
	if b.syncStrategy == types.SyncImmediate || b.syncStrategy == "" {
		return b.writeFile(file)
	}
	b.queueWrite(file, operation)
	return nil
}

// writeFile rewrites one JSONL file from the database. Entity names that
// share a file are written together. The caller must hold b.mu.
func (b *Backend) writeFile(file string) error {
	rows, err := b.db.Query(`SELECT entity_name, entity_key, body, created_at, updated_at
        FROM entities ORDER BY entity_name, created_at, entity_key`)
	if err != nil {
		return fmt.Errorf("reading entities for JSONL: %w", err)
	}
	defer rows.Close()

	var records []json.RawMessage
	for rows.Next() {
		var rec entityRecord
		var body string
		if err := rows.Scan(&rec.Entity, &rec.Key, &body, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return fmt.Errorf("scanning entity for JSONL: %w", err)
		}
		if jsonlFile(rec.Entity) != file {
			continue
		}
		rec.Body = json.RawMessage(body)
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", rec.Entity, rec.Key, err)
		}
		records = append(records, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeJSONL(filepath.Join(b.dataDir, file), records)
}

// queueWrite records a deferred write. A batch flushes once it reaches the
// batch size.
func (b *Backend) queueWrite(file, operation string) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	b.pendingWrites = append(b.pendingWrites, pendingWrite{file: file, operation: operation})
	if b.syncStrategy == types.SyncBatch && b.batchSize > 0 && len(b.pendingWrites) >= b.batchSize {
		_ = b.flushPendingWritesBatchLocked()
	}
}

// flushPendingWritesLocked writes every file with a pending write. The
// caller must hold b.mu.
func (b *Backend) flushPendingWritesLocked() error {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return b.flushPendingWritesBatchLocked()
}

// flushPendingWritesBatchLocked writes each pending file once. The caller
// must hold b.batchMu.
func (b *Backend) flushPendingWritesBatchLocked() error {
	if len(b.pendingWrites) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(b.pendingWrites))
	for _, pw := range b.pendingWrites {
		if seen[pw.file] {
			continue
		}
		seen[pw.file] = true
		if err := b.writeFile(pw.file); err != nil {
			return fmt.Errorf("flush %s %s: %w", pw.file, pw.operation, err)
		}
	}
	b.pendingWrites = nil
	return nil
}

// startBatchTimer starts periodic flushing for the batch strategy.
func (b *Backend) startBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		return
	}
	b.batchTimer = time.AfterFunc(b.batchInterval, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.attached {
			return
		}
		_ = b.flushPendingWritesLocked()

		b.batchMu.Lock()
		if b.batchTimer != nil {
			b.batchTimer.Reset(b.batchInterval)
		}
		b.batchMu.Unlock()
	})
}

// stopBatchTimer stops periodic flushing.
func (b *Backend) stopBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
}

// PendingWrites reports the number of queued JSONL writes.
func (b *Backend) PendingWrites() int {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	return len(b.pendingWrites)
}
