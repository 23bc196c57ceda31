package types

import (
	"fmt"
	"maps"
	"math"
	"net/url"
	"sort"
	"strconv"
)

// Entity is a JSON-shaped record. Field names are the record's JSON keys.
type Entity map[string]any

// Clone returns a shallow copy of the entity. Nested values are shared.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return maps.Clone(e)
}

// Merge returns a copy of e with every field of changes applied on top.
func (e Entity) Merge(changes Entity) Entity {
	out := make(Entity, len(e)+len(changes))
	maps.Copy(out, e)
	maps.Copy(out, changes)
	return out
}

// Key identifies an entity within its collection.
type Key string

// KeyFunc extracts the key of an entity. It reports false when the entity
// carries no resolvable key.
type KeyFunc func(Entity) (Key, bool)

// DefaultKeyFunc reads the "id" field.
func DefaultKeyFunc(e Entity) (Key, bool) {
	v, ok := e["id"]
	if !ok {
		return "", false
	}
	return KeyOf(v)
}

// FieldKeyFunc returns a KeyFunc reading the named field.
func FieldKeyFunc(field string) KeyFunc {
	return func(e Entity) (Key, bool) {
		v, ok := e[field]
		if !ok {
			return "", false
		}
		return KeyOf(v)
	}
}

// KeyOf normalizes a raw key value. Integers and integral floats render
// without a fractional part so 42 and 42.0 name the same record.
func KeyOf(v any) (Key, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case Key:
		return k, k != ""
	case string:
		return Key(k), k != ""
	case int:
		return Key(strconv.Itoa(k)), true
	case int32:
		return Key(strconv.FormatInt(int64(k), 10)), true
	case int64:
		return Key(strconv.FormatInt(k, 10)), true
	case uint:
		return Key(strconv.FormatUint(uint64(k), 10)), true
	case uint64:
		return Key(strconv.FormatUint(k, 10)), true
	case float64:
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return "", false
		}
		if math.Trunc(k) == k && math.Abs(k) < 1<<63 {
			return Key(strconv.FormatInt(int64(k), 10)), true
		}
		return Key(strconv.FormatFloat(k, 'f', -1, 64)), true
	case fmt.Stringer:
		s := k.String()
		return Key(s), s != ""
	default:
		return "", false
	}
}

// Update is a partial change to the entity identified by ID.
type Update struct {
	ID      Key    `json:"id"`
	Changes Entity `json:"changes"`
}

// QueryParams are structured query parameters for GetWithQuery.
type QueryParams map[string]string

// Encode renders the params as a URL query string with sorted keys.
func (q QueryParams) Encode() string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v := url.Values{}
	for _, k := range keys {
		v.Set(k, q[k])
	}
	return v.Encode()
}

// ParseQueryParams decodes a pre-encoded query string such as "name=B".
// Repeated keys keep their first value.
func ParseQueryParams(raw string) (QueryParams, error) {
	v, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: query %q: %v", ErrInvalidData, raw, err)
	}
	q := make(QueryParams, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			q[k] = vals[0]
		}
	}
	return q, nil
}
