// Package reconciler keeps one collection per entity type in step with the
// command stream. It applies cache-only and optimistic mutations when they
// are dispatched, tracks each pending local change with the value it
// replaced, and merges success and error completions according to the
// command's merge strategy.
package reconciler

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// Reconciler holds every collection. It implements bus.Reducer and is safe
// to read from other goroutines while the bus reduces.
type Reconciler struct {
	mu          sync.RWMutex
	keyFns      map[string]types.KeyFunc
	collections map[string]*types.Collection
	programs    map[string]*vm.Program
}

// New returns a Reconciler with no collections.
func New() *Reconciler {
	return &Reconciler{
		keyFns:      make(map[string]types.KeyFunc),
		collections: make(map[string]*types.Collection),
		programs:    make(map[string]*vm.Program),
	}
}

// Register defines an entity type and its key function. Unregistered names
// use types.DefaultKeyFunc and get a collection on first use.
func (r *Reconciler) Register(entityName string, keyFn types.KeyFunc) {
	if keyFn == nil {
		keyFn = types.DefaultKeyFunc
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyFns[entityName] = keyFn
	r.collectionLocked(entityName)
}

// Snapshot returns a deep copy of the named collection.
func (r *Reconciler) Snapshot(entityName string) (*types.Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[entityName]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Names returns the entity types that have a collection.
func (r *Reconciler) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.collections))
	for n := range r.collections {
		names = append(names, n)
	}
	return names
}

// Filtered returns the entities of the named collection that satisfy its
// filter, in ID order. The filter is an expr boolean expression evaluated
// with the entity's fields as variables; an empty filter matches all.
func (r *Reconciler) Filtered(entityName string) ([]types.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[entityName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntity, entityName)
	}
	if c.Filter == "" {
		return cloneAll(c.List()), nil
	}
	program, err := r.programLocked(c.Filter)
	if err != nil {
		return nil, err
	}

	var out []types.Entity
	for _, e := range c.List() {
		match, err := expr.Run(program, map[string]any(e))
		if err != nil {
			return nil, fmt.Errorf("evaluate filter %q: %w", c.Filter, err)
		}
		if ok, _ := match.(bool); ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (r *Reconciler) programLocked(filter string) (*vm.Program, error) {
	if p, ok := r.programs[filter]; ok {
		return p, nil
	}
	p, err := expr.Compile(filter,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", types.ErrInvalidData, filter, err)
	}
	r.programs[filter] = p
	return p, nil
}

func cloneAll(in []types.Entity) []types.Entity {
	out := make([]types.Entity, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}

func (r *Reconciler) collectionLocked(entityName string) *types.Collection {
	c, ok := r.collections[entityName]
	if !ok {
		c = types.NewCollection(entityName)
		r.collections[entityName] = c
	}
	return c
}

func (r *Reconciler) keyFnLocked(entityName string) types.KeyFunc {
	if fn, ok := r.keyFns[entityName]; ok {
		return fn
	}
	return types.DefaultKeyFunc
}

// Reduce applies cmd to its collection as a single transition. Commands
// without an entity name or with an invalid op are ignored.
func (r *Reconciler) Reduce(cmd types.Command) {
	if cmd.EntityName == "" || !cmd.Op.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &tracker{
		c:     r.collectionLocked(cmd.EntityName),
		keyFn: r.keyFnLocked(cmd.EntityName),
		track: cmd.MergeStrategy != types.IgnoreChanges,
	}
	switch cmd.Op.Outcome {
	case types.OutcomeSuccess:
		t.success(cmd)
	case types.OutcomeError:
		t.failure(cmd)
	default:
		t.pending(cmd)
	}
}

// pending applies a freshly dispatched command.
func (t *tracker) pending(cmd types.Command) {
	c := t.c
	switch cmd.Op.Kind {
	case types.OpQueryAll, types.OpQueryLoad, types.OpQueryMany, types.OpQueryByKey:
		c.Loading = true

	case types.OpSaveAddOne:
		c.Loading = true
		if cmd.IsOptimistic {
			if e, ok := asEntity(cmd.Data); ok {
				t.addOne(e)
			}
		}
	case types.OpSaveUpdateOne:
		c.Loading = true
		if cmd.IsOptimistic {
			if u, ok := cmd.Data.(types.Update); ok {
				t.updateOne(u)
			}
		}
	case types.OpSaveDeleteOne:
		c.Loading = true
		if cmd.IsOptimistic {
			if key, ok := types.KeyOf(cmd.Data); ok {
				t.removeOne(key)
			}
		}

	case types.OpAddAll:
		t.replace(asEntities(cmd.Data))
		c.Loaded = true
		c.Loading = false
	case types.OpSetCollection:
		t.replace(asEntities(cmd.Data))
	case types.OpAddMany:
		for _, e := range asEntities(cmd.Data) {
			t.addOne(e)
		}
	case types.OpAddOne:
		if e, ok := asEntity(cmd.Data); ok {
			t.addOne(e)
		}

	case types.OpRemoveAll:
		t.removeAll()
	case types.OpRemoveMany:
		for _, k := range asKeys(cmd.Data) {
			t.removeOne(k)
		}
	case types.OpRemoveOne:
		if key, ok := types.KeyOf(cmd.Data); ok {
			t.removeOne(key)
		}

	case types.OpUpdateMany:
		for _, u := range asUpdates(cmd.Data) {
			t.updateOne(u)
		}
	case types.OpUpdateOne:
		if u, ok := cmd.Data.(types.Update); ok {
			t.updateOne(u)
		}
	case types.OpUpsertMany:
		for _, u := range asUpdates(cmd.Data) {
			t.upsertOne(u)
		}
	case types.OpUpsertOne:
		if u, ok := cmd.Data.(types.Update); ok {
			t.upsertOne(u)
		}

	case types.OpCommitAll:
		t.commitAll()
	case types.OpCommitMany:
		for _, k := range asKeys(cmd.Data) {
			t.commit(k)
		}
	case types.OpCommitOne:
		if key, ok := types.KeyOf(cmd.Data); ok {
			t.commit(key)
		}
	case types.OpUndoAll:
		t.undoAll()
	case types.OpUndoMany:
		for _, k := range asKeys(cmd.Data) {
			t.undo(k)
		}
	case types.OpUndoOne:
		if key, ok := types.KeyOf(cmd.Data); ok {
			t.undo(key)
		}

	case types.OpSetChangeState:
		if cs, ok := cmd.Data.(types.ChangeStateMap); ok {
			c.ChangeState = make(types.ChangeStateMap, len(cs))
			for k, v := range cs {
				c.ChangeState[k] = types.ChangeState{ChangeType: v.ChangeType, OriginalValue: v.OriginalValue.Clone()}
			}
		}
	case types.OpSetFilter:
		if f, ok := cmd.Data.(string); ok {
			c.Filter = f
		}
	case types.OpSetLoaded:
		if v, ok := cmd.Data.(bool); ok {
			c.Loaded = v
		}
	case types.OpSetLoading:
		if v, ok := cmd.Data.(bool); ok {
			c.Loading = v
		}
	}
}

func asEntity(data any) (types.Entity, bool) {
	switch e := data.(type) {
	case types.Entity:
		return e, e != nil
	case map[string]any:
		return types.Entity(e), e != nil
	}
	return nil, false
}

func asEntities(data any) []types.Entity {
	switch v := data.(type) {
	case []types.Entity:
		return v
	case []any:
		out := make([]types.Entity, 0, len(v))
		for _, it := range v {
			if e, ok := asEntity(it); ok {
				out = append(out, e)
			}
		}
		return out
	}
	if e, ok := asEntity(data); ok {
		return []types.Entity{e}
	}
	return nil
}

func asUpdates(data any) []types.Update {
	switch v := data.(type) {
	case []types.Update:
		return v
	case types.Update:
		return []types.Update{v}
	}
	return nil
}

func asKeys(data any) []types.Key {
	switch v := data.(type) {
	case []types.Key:
		return v
	case []any:
		out := make([]types.Key, 0, len(v))
		for _, it := range v {
			if k, ok := types.KeyOf(it); ok {
				out = append(out, k)
			}
		}
		return out
	}
	return nil
}
