package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
)

// loadAllJSONL reads every JSONL file in dataDir into the entities table.
// Loading is transactional: all files load or the table stays empty.
// Malformed lines and records without an entity name or key are skipped;
// unknown fields are ignored.
func loadAllJSONL(db *sql.DB, dataDir string) error {
	paths, err := filepath.Glob(filepath.Join(dataDir, "*"+jsonlExt))
	if err != nil {
		return fmt.Errorf("listing JSONL files: %w", err)
	}
	sort.Strings(paths)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO entities
        (entity_name, entity_key, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing load insert: %w", err)
	}
	defer stmt.Close()

	for _, path := range paths {
		records, err := readJSONL(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
		}
		for _, raw := range records {
			var rec entityRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if rec.Entity == "" || rec.Key == "" || len(rec.Body) == 0 {
				continue
			}
			if _, err := stmt.Exec(rec.Entity, rec.Key, string(rec.Body), rec.CreatedAt, rec.UpdatedAt); err != nil {
				return fmt.Errorf("loading %s: %w", filepath.Base(path), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing load transaction: %w", err)
	}
	return nil
}
