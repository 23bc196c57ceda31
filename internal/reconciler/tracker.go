package reconciler

import (
	"slices"
	"sort"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// tracker applies mutations to one collection and records them in its change
// state. When track is false, mutations leave the change state alone.
type tracker struct {
	c     *types.Collection
	keyFn types.KeyFunc
	track bool
}

func (t *tracker) exists(key types.Key) bool {
	_, ok := t.c.Entities[key]
	return ok
}

// put stores a copy of e under key, appending key to IDs when new.
func (t *tracker) put(key types.Key, e types.Entity) {
	if !t.exists(key) {
		t.c.IDs = append(t.c.IDs, key)
	}
	t.c.Entities[key] = e.Clone()
}

// drop removes the entity for key. Tracking is untouched.
func (t *tracker) drop(key types.Key) {
	if !t.exists(key) {
		return
	}
	delete(t.c.Entities, key)
	if i := slices.Index(t.c.IDs, key); i >= 0 {
		t.c.IDs = slices.Delete(t.c.IDs, i, i+1)
	}
}

// replace swaps in entities and clears tracking.
func (t *tracker) replace(entities []types.Entity) {
	t.c.IDs = make([]types.Key, 0, len(entities))
	t.c.Entities = make(map[types.Key]types.Entity, len(entities))
	t.c.ChangeState = make(types.ChangeStateMap)
	for _, e := range entities {
		if key, ok := t.keyFn(e); ok {
			t.put(key, e)
		}
	}
}

// addOne adds e unless its key is already cached.
func (t *tracker) addOne(e types.Entity) {
	key, ok := t.keyFn(e)
	if !ok || t.exists(key) {
		return
	}
	if t.track {
		t.trackAdd(key)
	}
	t.put(key, e)
}

// updateOne merges u into an existing entity. Missing keys are ignored.
func (t *tracker) updateOne(u types.Update) {
	cur, ok := t.c.Entities[u.ID]
	if !ok {
		return
	}
	if t.track {
		t.trackUpdate(u.ID)
	}
	t.put(u.ID, cur.Merge(u.Changes))
}

// upsertOne updates an existing entity or adds the changes as a new one.
func (t *tracker) upsertOne(u types.Update) {
	if t.exists(u.ID) {
		t.updateOne(u)
		return
	}
	if t.track {
		t.trackAdd(u.ID)
	}
	t.put(u.ID, u.Changes.Clone())
}

// removeOne deletes the entity for key.
func (t *tracker) removeOne(key types.Key) {
	if t.track {
		t.trackDelete(key)
	}
	t.drop(key)
}

func (t *tracker) removeAll() {
	t.c.IDs = []types.Key{}
	t.c.Entities = make(map[types.Key]types.Entity)
	t.c.ChangeState = make(types.ChangeStateMap)
	t.c.Loaded = false
	t.c.Loading = false
}

// trackAdd records an addition. A key re-added after a tracked delete
// becomes an update of the captured original.
func (t *tracker) trackAdd(key types.Key) {
	cs, tracked := t.c.ChangeState[key]
	switch {
	case !tracked:
		t.c.ChangeState[key] = types.ChangeState{ChangeType: types.Added}
	case cs.ChangeType == types.Deleted:
		t.c.ChangeState[key] = types.ChangeState{ChangeType: types.Updated, OriginalValue: cs.OriginalValue}
	}
}

// trackUpdate records an update of an existing key. Only the first
// transition out of Unchanged captures the original value.
func (t *tracker) trackUpdate(key types.Key) {
	if _, tracked := t.c.ChangeState[key]; tracked {
		return
	}
	cur, ok := t.c.Entities[key]
	if !ok {
		return
	}
	t.c.ChangeState[key] = types.ChangeState{ChangeType: types.Updated, OriginalValue: cur.Clone()}
}

// trackDelete records a deletion. Deleting an Added key forgets it entirely.
func (t *tracker) trackDelete(key types.Key) {
	cs, tracked := t.c.ChangeState[key]
	switch {
	case !tracked:
		if cur, ok := t.c.Entities[key]; ok {
			t.c.ChangeState[key] = types.ChangeState{ChangeType: types.Deleted, OriginalValue: cur.Clone()}
		}
	case cs.ChangeType == types.Added:
		delete(t.c.ChangeState, key)
	case cs.ChangeType == types.Updated:
		t.c.ChangeState[key] = types.ChangeState{ChangeType: types.Deleted, OriginalValue: cs.OriginalValue}
	}
}

// commit accepts the current value for key. No-op when untracked.
func (t *tracker) commit(key types.Key) {
	delete(t.c.ChangeState, key)
}

func (t *tracker) commitAll() {
	t.c.ChangeState = make(types.ChangeStateMap)
}

// undo restores the value key had before it was tracked. No-op when
// untracked.
func (t *tracker) undo(key types.Key) {
	cs, tracked := t.c.ChangeState[key]
	if !tracked {
		return
	}
	delete(t.c.ChangeState, key)
	switch cs.ChangeType {
	case types.Added:
		t.drop(key)
	case types.Updated, types.Deleted:
		if cs.OriginalValue != nil {
			t.put(key, cs.OriginalValue)
		}
	}
}

// undoAll reverts every tracked key. Restored deletions are appended in key
// order.
func (t *tracker) undoAll() {
	keys := make([]types.Key, 0, len(t.c.ChangeState))
	for k := range t.c.ChangeState {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		t.undo(k)
	}
}
