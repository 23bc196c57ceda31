package reconciler

import (
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// success applies a success completion.
func (t *tracker) success(cmd types.Command) {
	c := t.c
	c.Loading = false

	switch cmd.Op.Kind {
	case types.OpQueryLoad:
		t.replace(asEntities(cmd.Data))
		c.Loaded = true
	case types.OpQueryAll, types.OpQueryMany, types.OpQueryByKey:
		t.mergeQuery(asEntities(cmd.Data), cmd.MergeStrategy)
		c.Loaded = true

	case types.OpSaveAddOne:
		if e, ok := asEntity(cmd.Data); ok {
			if key, ok := t.keyFn(e); ok {
				t.mergeSaved(key, e, cmd.MergeStrategy)
			}
		}
	case types.OpSaveUpdateOne:
		u, ok := cmd.Data.(types.Update)
		if !ok {
			return
		}
		base, ok := c.Entities[u.ID]
		if cs, tracked := c.ChangeState[u.ID]; tracked && cs.OriginalValue != nil {
			base, ok = cs.OriginalValue, true
		}
		if !ok {
			return
		}
		t.mergeSaved(u.ID, base.Merge(u.Changes), cmd.MergeStrategy)
	case types.OpSaveDeleteOne:
		if key, ok := types.KeyOf(cmd.Data); ok {
			t.drop(key)
			delete(c.ChangeState, key)
		}
	}
}

// mergeSaved reconciles the server's copy of a saved entity.
func (t *tracker) mergeSaved(key types.Key, server types.Entity, strategy types.MergeStrategy) {
	c := t.c
	switch strategy {
	case types.PreserveChanges:
		cs, tracked := c.ChangeState[key]
		if !tracked {
			t.put(key, server)
			return
		}
		c.ChangeState[key] = types.ChangeState{ChangeType: preservedType(cs.ChangeType), OriginalValue: server.Clone()}
		if cs.ChangeType != types.Deleted && !t.exists(key) {
			t.put(key, server)
		}
	case types.IgnoreChanges:
		if c.ChangeTypeOf(key) != types.Deleted {
			t.put(key, server)
		}
	default:
		t.put(key, server)
		t.commit(key)
	}
}

// mergeQuery merges query results into the collection.
func (t *tracker) mergeQuery(incoming []types.Entity, strategy types.MergeStrategy) {
	c := t.c
	for _, e := range incoming {
		key, ok := t.keyFn(e)
		if !ok {
			continue
		}
		cs, tracked := c.ChangeState[key]
		if !tracked {
			t.put(key, e)
			continue
		}
		switch strategy {
		case types.OverwriteChanges:
			t.put(key, e)
			delete(c.ChangeState, key)
		case types.IgnoreChanges:
		default:
			c.ChangeState[key] = types.ChangeState{ChangeType: preservedType(cs.ChangeType), OriginalValue: e.Clone()}
		}
	}
}

// preservedType is the change type a tracked key keeps once the server is
// known to hold a copy: a local addition becomes a local update.
func preservedType(ct types.ChangeType) types.ChangeType {
	if ct == types.Added {
		return types.Updated
	}
	return ct
}

// failure applies an error completion. A failed save rolls its key back to
// the state it had before the save was dispatched.
func (t *tracker) failure(cmd types.Command) {
	t.c.Loading = false
	if cmd.Op.Family() != types.FamilySave {
		return
	}
	ed, ok := cmd.Data.(types.ErrorData)
	if !ok {
		return
	}
	if key, ok := t.savedKey(ed.OriginalCommand); ok {
		t.undo(key)
	}
}

// savedKey resolves the key a save command targeted.
func (t *tracker) savedKey(orig types.Command) (types.Key, bool) {
	switch orig.Op.Kind {
	case types.OpSaveAddOne:
		if e, ok := asEntity(orig.Data); ok {
			return t.keyFn(e)
		}
	case types.OpSaveUpdateOne:
		if u, ok := orig.Data.(types.Update); ok {
			return u.ID, u.ID != ""
		}
	case types.OpSaveDeleteOne:
		return types.KeyOf(orig.Data)
	}
	return "", false
}
