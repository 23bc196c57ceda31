// Package sqlite provides the public API for the SQLite entity store.
// It exposes the factory for creating backends while keeping the
// implementation internal.
package sqlite

import (
	"github.com/mesh-intelligence/entitycache/internal/sqlite"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// NewBackend creates a new SQLite store. The store is not attached; call
// Attach with a Config to initialize it.
//
// Example:
//
//	store := sqlite.NewBackend()
//	err := store.Attach(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".entcache-db",
//	})
//	defer store.Detach()
//	heroes, err := store.Service("Hero", types.DefaultKeyFunc)
func NewBackend() types.Store {
	return sqlite.NewBackend()
}
