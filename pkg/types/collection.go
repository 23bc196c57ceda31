package types

// ChangeType is the tracked state of a single key.
type ChangeType int

const (
	Unchanged ChangeType = iota
	Added
	Updated
	Deleted
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

// ChangeState records a pending local mutation and the value it replaced.
// OriginalValue is nil for Added.
type ChangeState struct {
	ChangeType    ChangeType `json:"changeType"`
	OriginalValue Entity     `json:"originalValue,omitempty"`
}

// ChangeStateMap maps tracked keys to their change state.
type ChangeStateMap map[Key]ChangeState

// Collection is the cached state of one entity type. IDs preserves
// insertion order; Entities holds the records.
type Collection struct {
	EntityName  string         `json:"entityName"`
	IDs         []Key          `json:"ids"`
	Entities    map[Key]Entity `json:"entities"`
	Filter      string         `json:"filter,omitempty"`
	Loaded      bool           `json:"loaded"`
	Loading     bool           `json:"loading"`
	ChangeState ChangeStateMap `json:"changeState"`
}

// NewCollection returns an empty collection.
func NewCollection(entityName string) *Collection {
	return &Collection{
		EntityName:  entityName,
		IDs:         []Key{},
		Entities:    make(map[Key]Entity),
		ChangeState: make(ChangeStateMap),
	}
}

// Clone returns a copy that shares no maps or slices with c.
func (c *Collection) Clone() *Collection {
	out := &Collection{
		EntityName:  c.EntityName,
		IDs:         append([]Key(nil), c.IDs...),
		Entities:    make(map[Key]Entity, len(c.Entities)),
		Filter:      c.Filter,
		Loaded:      c.Loaded,
		Loading:     c.Loading,
		ChangeState: make(ChangeStateMap, len(c.ChangeState)),
	}
	for k, e := range c.Entities {
		out.Entities[k] = e.Clone()
	}
	for k, cs := range c.ChangeState {
		out.ChangeState[k] = ChangeState{ChangeType: cs.ChangeType, OriginalValue: cs.OriginalValue.Clone()}
	}
	return out
}

// List returns the entities in ID order.
func (c *Collection) List() []Entity {
	out := make([]Entity, 0, len(c.IDs))
	for _, k := range c.IDs {
		out = append(out, c.Entities[k])
	}
	return out
}

// Get returns the entity for key.
func (c *Collection) Get(key Key) (Entity, bool) {
	e, ok := c.Entities[key]
	return e, ok
}

// ChangeTypeOf returns the tracked change type for key.
func (c *Collection) ChangeTypeOf(key Key) ChangeType {
	if cs, ok := c.ChangeState[key]; ok {
		return cs.ChangeType
	}
	return Unchanged
}
