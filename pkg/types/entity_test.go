package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   Key
		wantOK bool
	}{
		{"int", 42, "42", true},
		{"int64", int64(7), "7", true},
		{"integral float", float64(42), "42", true},
		{"fractional float", 1.5, "1.5", true},
		{"float beyond int64", 1e20, "100000000000000000000", true},
		{"negative integral float", float64(-3), "-3", true},
		{"NaN", math.NaN(), "", false},
		{"infinity", math.Inf(1), "", false},
		{"string", "abc", "abc", true},
		{"key", Key("k"), "k", true},
		{"empty string", "", "", false},
		{"nil", nil, "", false},
		{"unsupported", []int{1}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := KeyOf(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyFuncs(t *testing.T) {
	k, ok := DefaultKeyFunc(Entity{"id": 1, "name": "A"})
	assert.True(t, ok)
	assert.Equal(t, Key("1"), k)

	_, ok = DefaultKeyFunc(Entity{"name": "A"})
	assert.False(t, ok)

	byCode := FieldKeyFunc("code")
	k, ok = byCode(Entity{"id": 1, "code": "X1"})
	assert.True(t, ok)
	assert.Equal(t, Key("X1"), k)
}

func TestEntityMergeDoesNotMutate(t *testing.T) {
	base := Entity{"id": 1, "name": "A", "saying": "hi"}
	merged := base.Merge(Entity{"name": "B"})

	assert.Equal(t, Entity{"id": 1, "name": "B", "saying": "hi"}, merged)
	assert.Equal(t, "A", base["name"])
}

func TestQueryParams(t *testing.T) {
	q := QueryParams{"name": "B", "age": "3"}
	assert.Equal(t, "age=3&name=B", q.Encode())

	got, err := ParseQueryParams("name=B&age=3")
	require.NoError(t, err)
	assert.Equal(t, q, got)

	_, err = ParseQueryParams("%zz")
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestCollectionCloneIsDeep(t *testing.T) {
	c := NewCollection("Hero")
	c.IDs = append(c.IDs, "1")
	c.Entities["1"] = Entity{"id": 1, "name": "A"}
	c.ChangeState["1"] = ChangeState{ChangeType: Updated, OriginalValue: Entity{"id": 1, "name": "Z"}}

	cp := c.Clone()
	cp.Entities["1"]["name"] = "B"
	cp.ChangeState["1"].OriginalValue["name"] = "Y"
	cp.IDs[0] = "2"

	assert.Equal(t, "A", c.Entities["1"]["name"])
	assert.Equal(t, "Z", c.ChangeState["1"].OriginalValue["name"])
	assert.Equal(t, Key("1"), c.IDs[0])
	assert.Equal(t, []Entity{{"id": 1, "name": "A"}}, c.List())
	assert.Equal(t, Updated, c.ChangeTypeOf("1"))
	assert.Equal(t, Unchanged, c.ChangeTypeOf("2"))
}

func TestDataServiceErrorUnwraps(t *testing.T) {
	cause := &TransportError{Status: 404, Err: ErrNotFound}
	err := NewDataServiceError(cause, &RequestData{Method: MethodDelete, URL: "api/hero/42", Data: Key("42")})

	assert.ErrorIs(t, err, ErrNotFound)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 404, te.Status)
	assert.Equal(t, "DELETE api/hero/42: status 404: entity not found", err.Error())
}
