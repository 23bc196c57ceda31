package types

import "context"

// DataService provides the persistence operations for a single entity type.
// Each call completes exactly once with a result or an error.
type DataService interface {
	// Add creates the entity and returns the stored record. A nil result
	// means the backend returned no body.
	Add(ctx context.Context, entity Entity) (Entity, error)

	// Delete removes the entity with the given key. An empty result means
	// the backend returned no body.
	Delete(ctx context.Context, key Key) (Key, error)

	// GetAll returns every entity.
	GetAll(ctx context.Context) ([]Entity, error)

	// GetByID returns the entity with the given key.
	GetByID(ctx context.Context, key Key) (Entity, error)

	// GetWithQuery returns the entities matching params.
	GetWithQuery(ctx context.Context, params QueryParams) ([]Entity, error)

	// Update applies the partial update and returns the stored record. A nil
	// result means the backend returned no body.
	Update(ctx context.Context, update Update) (Entity, error)
}

// Store is a backend that serves DataServices by entity name.
// Callers attach to a backend, obtain services, and detach when done.
type Store interface {
	// Attach connects the store to the backend described by config.
	// Returns ErrAlreadyAttached if called while already attached.
	Attach(config Config) error

	// Detach releases backend resources. Idempotent.
	Detach() error

	// Service returns the DataService for the entity name.
	Service(entityName string, keyFn KeyFunc) (DataService, error)
}
