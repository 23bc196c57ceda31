// Package dispatcher is the command-issuing API for a single entity type.
// Every method builds exactly one command, publishes it, and returns it so
// the caller can await its completion by correlation ID. Dispatchers never
// touch local state; the reconciler does that by observing the same bus.
package dispatcher

import (
	"fmt"

	"github.com/mesh-intelligence/entitycache/internal/command"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// Publisher accepts commands. *bus.Bus satisfies it.
type Publisher interface {
	Publish(cmd types.Command) error
}

// Dispatcher issues commands for one entity type.
type Dispatcher struct {
	entityName string
	factory    *command.Factory
	pub        Publisher
	keyFn      types.KeyFunc
}

// New returns a Dispatcher bound to entityName. A nil keyFn uses
// types.DefaultKeyFunc.
func New(entityName string, factory *command.Factory, pub Publisher, keyFn types.KeyFunc) *Dispatcher {
	if keyFn == nil {
		keyFn = types.DefaultKeyFunc
	}
	return &Dispatcher{entityName: entityName, factory: factory, pub: pub, keyFn: keyFn}
}

// EntityName returns the bound entity type.
func (d *Dispatcher) EntityName() string {
	return d.entityName
}

// Save operations.

// Add saves a new entity. Pessimistic unless overridden.
func (d *Dispatcher) Add(entity types.Entity, opts ...command.Option) (types.Command, error) {
	if entity == nil {
		return types.Command{}, fmt.Errorf("%w: nil entity", types.ErrInvalidData)
	}
	return d.dispatch(types.OpSaveAddOne, entity, opts)
}

// Update saves changes to an existing entity as an Update record.
// Pessimistic unless overridden.
func (d *Dispatcher) Update(entity types.Entity, opts ...command.Option) (types.Command, error) {
	u, err := d.ToUpdate(entity)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpSaveUpdateOne, u, opts)
}

// Delete removes an entity given the entity itself or its key.
// Optimistic unless overridden.
func (d *Dispatcher) Delete(entityOrKey any, opts ...command.Option) (types.Command, error) {
	key, err := d.resolveKey(entityOrKey)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpSaveDeleteOne, key, opts)
}

// Query operations. Merge strategy defaults to PreserveChanges.

// GetAll queries every entity.
func (d *Dispatcher) GetAll(opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpQueryAll, nil, opts)
}

// GetByKey queries one entity.
func (d *Dispatcher) GetByKey(key any, opts ...command.Option) (types.Command, error) {
	k, ok := types.KeyOf(key)
	if !ok {
		return types.Command{}, types.ErrMissingKey
	}
	return d.dispatch(types.OpQueryByKey, k, opts)
}

// GetWithQuery queries the entities matching structured params.
func (d *Dispatcher) GetWithQuery(params types.QueryParams, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpQueryMany, params, opts)
}

// GetWithQueryString queries with a pre-encoded query string.
func (d *Dispatcher) GetWithQueryString(raw string, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpQueryMany, raw, opts)
}

// Load replaces the collection with every entity from the backend.
func (d *Dispatcher) Load(opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpQueryLoad, nil, opts)
}

// Cache-only operations.

// AddAllToCache replaces the cached collection.
func (d *Dispatcher) AddAllToCache(entities []types.Entity, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpAddAll, entities, opts)
}

// AddManyToCache adds entities not already cached.
func (d *Dispatcher) AddManyToCache(entities []types.Entity, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpAddMany, entities, opts)
}

// AddOneToCache adds an entity if not already cached.
func (d *Dispatcher) AddOneToCache(entity types.Entity, opts ...command.Option) (types.Command, error) {
	if _, ok := d.keyFn(entity); !ok {
		return types.Command{}, types.ErrMissingKey
	}
	return d.dispatch(types.OpAddOne, entity, opts)
}

// RemoveOneFromCache removes an entity given the entity or its key.
func (d *Dispatcher) RemoveOneFromCache(entityOrKey any, opts ...command.Option) (types.Command, error) {
	key, err := d.resolveKey(entityOrKey)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpRemoveOne, key, opts)
}

// RemoveManyFromCache removes entities given a slice of entities or keys.
func (d *Dispatcher) RemoveManyFromCache(entitiesOrKeys any, opts ...command.Option) (types.Command, error) {
	keys, err := d.resolveKeys(entitiesOrKeys)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpRemoveMany, keys, opts)
}

// ClearCache removes every cached entity.
func (d *Dispatcher) ClearCache(opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpRemoveAll, nil, opts)
}

// UpdateOneInCache applies a partial entity to a cached entity.
func (d *Dispatcher) UpdateOneInCache(entity types.Entity, opts ...command.Option) (types.Command, error) {
	u, err := d.ToUpdate(entity)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpUpdateOne, u, opts)
}

// UpdateManyInCache applies partial entities to cached entities.
func (d *Dispatcher) UpdateManyInCache(entities []types.Entity, opts ...command.Option) (types.Command, error) {
	updates, err := d.toUpdates(entities)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpUpdateMany, updates, opts)
}

// UpsertOneInCache adds or updates a cached entity.
func (d *Dispatcher) UpsertOneInCache(entity types.Entity, opts ...command.Option) (types.Command, error) {
	u, err := d.ToUpdate(entity)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpUpsertOne, u, opts)
}

// UpsertManyInCache adds or updates cached entities.
func (d *Dispatcher) UpsertManyInCache(entities []types.Entity, opts ...command.Option) (types.Command, error) {
	updates, err := d.toUpdates(entities)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpUpsertMany, updates, opts)
}

// SetCollection replaces the cached collection and clears change tracking.
func (d *Dispatcher) SetCollection(entities []types.Entity, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpSetCollection, entities, opts)
}

// CommitOne accepts the tracked change for a key as permanent.
func (d *Dispatcher) CommitOne(entityOrKey any, opts ...command.Option) (types.Command, error) {
	key, err := d.resolveKey(entityOrKey)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpCommitOne, key, opts)
}

// CommitMany accepts the tracked changes for several keys.
func (d *Dispatcher) CommitMany(entitiesOrKeys any, opts ...command.Option) (types.Command, error) {
	keys, err := d.resolveKeys(entitiesOrKeys)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpCommitMany, keys, opts)
}

// CommitAll accepts every tracked change.
func (d *Dispatcher) CommitAll(opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpCommitAll, nil, opts)
}

// UndoOne reverts the tracked change for a key.
func (d *Dispatcher) UndoOne(entityOrKey any, opts ...command.Option) (types.Command, error) {
	key, err := d.resolveKey(entityOrKey)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpUndoOne, key, opts)
}

// UndoMany reverts the tracked changes for several keys.
func (d *Dispatcher) UndoMany(entitiesOrKeys any, opts ...command.Option) (types.Command, error) {
	keys, err := d.resolveKeys(entitiesOrKeys)
	if err != nil {
		return types.Command{}, err
	}
	return d.dispatch(types.OpUndoMany, keys, opts)
}

// UndoAll reverts every tracked change.
func (d *Dispatcher) UndoAll(opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpUndoAll, nil, opts)
}

// SetFilter sets the collection's active filter expression.
func (d *Dispatcher) SetFilter(filter string, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpSetFilter, filter, opts)
}

// SetLoaded sets the collection's loaded flag.
func (d *Dispatcher) SetLoaded(loaded bool, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpSetLoaded, loaded, opts)
}

// SetLoading sets the collection's loading flag.
func (d *Dispatcher) SetLoading(loading bool, opts ...command.Option) (types.Command, error) {
	return d.dispatch(types.OpSetLoading, loading, opts)
}

// ToUpdate converts a partial entity to an Update record keyed by the bound
// key function. Returns ErrMissingKey if the key cannot be resolved.
func (d *Dispatcher) ToUpdate(entity types.Entity) (types.Update, error) {
	key, ok := d.keyFn(entity)
	if !ok {
		return types.Update{}, types.ErrMissingKey
	}
	return types.Update{ID: key, Changes: entity}, nil
}

func (d *Dispatcher) toUpdates(entities []types.Entity) ([]types.Update, error) {
	updates := make([]types.Update, 0, len(entities))
	for _, e := range entities {
		u, err := d.ToUpdate(e)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// resolveKey reduces an entity to its key, or normalizes a raw key.
func (d *Dispatcher) resolveKey(entityOrKey any) (types.Key, error) {
	if e, ok := entityOrKey.(types.Entity); ok {
		key, ok := d.keyFn(e)
		if !ok {
			return "", types.ErrMissingKey
		}
		return key, nil
	}
	if m, ok := entityOrKey.(map[string]any); ok {
		return d.resolveKey(types.Entity(m))
	}
	key, ok := types.KeyOf(entityOrKey)
	if !ok {
		return "", types.ErrMissingKey
	}
	return key, nil
}

func (d *Dispatcher) resolveKeys(entitiesOrKeys any) ([]types.Key, error) {
	var items []any
	switch v := entitiesOrKeys.(type) {
	case []types.Entity:
		for _, e := range v {
			items = append(items, e)
		}
	case []types.Key:
		for _, k := range v {
			items = append(items, k)
		}
	case []string:
		for _, k := range v {
			items = append(items, k)
		}
	case []int:
		for _, k := range v {
			items = append(items, k)
		}
	case []any:
		items = v
	default:
		return nil, fmt.Errorf("%w: expected entities or keys, got %T", types.ErrInvalidData, entitiesOrKeys)
	}

	keys := make([]types.Key, 0, len(items))
	for _, it := range items {
		k, err := d.resolveKey(it)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (d *Dispatcher) dispatch(kind types.OpKind, data any, opts []command.Option) (types.Command, error) {
	cmd, err := d.factory.Create(d.entityName, types.NewOp(kind), data, opts...)
	if err != nil {
		return types.Command{}, err
	}
	if err := d.pub.Publish(cmd); err != nil {
		return types.Command{}, err
	}
	return cmd, nil
}
