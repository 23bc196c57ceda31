package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpKind identifies what a command does, independent of its outcome.
type OpKind int

// Query ops are read-only and complete with a success or error outcome.
const (
	OpQueryAll OpKind = iota + 1
	OpQueryLoad
	OpQueryMany
	OpQueryByKey
)

// Save ops mutate the remote store and complete with a success or error
// outcome. Each may run optimistically or pessimistically.
const (
	OpSaveAddOne OpKind = iota + 100
	OpSaveDeleteOne
	OpSaveUpdateOne
)

// Cache-only ops mutate local state synchronously and never complete.
const (
	OpAddAll OpKind = iota + 200
	OpAddMany
	OpAddOne
	OpRemoveAll
	OpRemoveMany
	OpRemoveOne
	OpUpdateMany
	OpUpdateOne
	OpUpsertMany
	OpUpsertOne
	OpCommitAll
	OpCommitMany
	OpCommitOne
	OpUndoAll
	OpUndoMany
	OpUndoOne
	OpSetChangeState
	OpSetCollection
	OpSetFilter
	OpSetLoaded
	OpSetLoading
)

// Family partitions op kinds.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyQuery
	FamilySave
	FamilyCache
)

// Outcome discriminates a base op from its completions.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeError
)

// Canonical name prefix and reserved outcome suffixes.
const (
	opPrefix      = "entity/"
	SuffixSuccess = "/success"
	SuffixError   = "/error"
)

var kindNames = map[OpKind]string{
	OpQueryAll:       "query-all",
	OpQueryLoad:      "query-load",
	OpQueryMany:      "query-many",
	OpQueryByKey:     "query-by-key",
	OpSaveAddOne:     "save/add-one",
	OpSaveDeleteOne:  "save/delete-one",
	OpSaveUpdateOne:  "save/update-one",
	OpAddAll:         "add-all",
	OpAddMany:        "add-many",
	OpAddOne:         "add-one",
	OpRemoveAll:      "remove-all",
	OpRemoveMany:     "remove-many",
	OpRemoveOne:      "remove-one",
	OpUpdateMany:     "update-many",
	OpUpdateOne:      "update-one",
	OpUpsertMany:     "upsert-many",
	OpUpsertOne:      "upsert-one",
	OpCommitAll:      "commit-all",
	OpCommitMany:     "commit-many",
	OpCommitOne:      "commit-one",
	OpUndoAll:        "undo-all",
	OpUndoMany:       "undo-many",
	OpUndoOne:        "undo-one",
	OpSetChangeState: "set-change-state",
	OpSetCollection:  "set-collection",
	OpSetFilter:      "set-filter",
	OpSetLoaded:      "set-loaded",
	OpSetLoading:     "set-loading",
}

// kindsByName is the inverse of kindNames.
var kindsByName = func() map[string]OpKind {
	m := make(map[string]OpKind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

// Family returns the family the kind belongs to.
func (k OpKind) Family() Family {
	switch {
	case k >= OpQueryAll && k <= OpQueryByKey:
		return FamilyQuery
	case k >= OpSaveAddOne && k <= OpSaveUpdateOne:
		return FamilySave
	case k >= OpAddAll && k <= OpSetLoading:
		return FamilyCache
	default:
		return FamilyUnknown
	}
}

func (k OpKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is a base kind tagged with an outcome. The zero value is invalid.
type Op struct {
	Kind    OpKind
	Outcome Outcome
}

// NewOp returns the pending op for kind.
func NewOp(kind OpKind) Op {
	return Op{Kind: kind}
}

// Valid reports whether the op is a recognized member of the enumeration.
// Cache-only kinds are only valid with a pending outcome.
func (o Op) Valid() bool {
	switch o.Kind.Family() {
	case FamilyQuery, FamilySave:
		return o.Outcome >= OutcomePending && o.Outcome <= OutcomeError
	case FamilyCache:
		return o.Outcome == OutcomePending
	default:
		return false
	}
}

// Family returns the family of the op's kind.
func (o Op) Family() Family {
	return o.Kind.Family()
}

// IsPersistable reports whether the op must be sent to a persistence service.
func (o Op) IsPersistable() bool {
	f := o.Kind.Family()
	return (f == FamilyQuery || f == FamilySave) && o.Outcome == OutcomePending
}

// IsCompletion reports whether the op is a success or error completion.
func (o Op) IsCompletion() bool {
	return o.Valid() && o.Outcome != OutcomePending
}

// Base returns the pending op of the same kind.
func (o Op) Base() Op {
	return Op{Kind: o.Kind}
}

// Success derives the success completion op. It fails for cache-only kinds
// and for ops that are already completions.
func (o Op) Success() (Op, error) {
	return o.derive(OutcomeSuccess)
}

// Failure derives the error completion op. It fails for cache-only kinds and
// for ops that are already completions.
func (o Op) Failure() (Op, error) {
	return o.derive(OutcomeError)
}

func (o Op) derive(outcome Outcome) (Op, error) {
	if !o.IsPersistable() {
		return Op{}, fmt.Errorf("%w: cannot derive completion of %s", ErrInvalidOperation, o)
	}
	return Op{Kind: o.Kind, Outcome: outcome}, nil
}

// String returns the canonical op name, e.g. "entity/save/add-one/success".
func (o Op) String() string {
	name, ok := kindNames[o.Kind]
	if !ok {
		return fmt.Sprintf("entity/invalid(%d)", int(o.Kind))
	}
	switch o.Outcome {
	case OutcomeSuccess:
		return opPrefix + name + SuffixSuccess
	case OutcomeError:
		return opPrefix + name + SuffixError
	default:
		return opPrefix + name
	}
}

// ParseOp parses a canonical op name. Returns ErrInvalidOperation when the
// name is not a member of the enumeration.
func ParseOp(name string) (Op, error) {
	rest, ok := strings.CutPrefix(name, opPrefix)
	if !ok {
		return Op{}, fmt.Errorf("%w: %q", ErrInvalidOperation, name)
	}
	outcome := OutcomePending
	if base, found := strings.CutSuffix(rest, SuffixSuccess); found {
		rest, outcome = base, OutcomeSuccess
	} else if base, found := strings.CutSuffix(rest, SuffixError); found {
		rest, outcome = base, OutcomeError
	}
	kind, ok := kindsByName[rest]
	if !ok {
		return Op{}, fmt.Errorf("%w: %q", ErrInvalidOperation, name)
	}
	op := Op{Kind: kind, Outcome: outcome}
	if !op.Valid() {
		return Op{}, fmt.Errorf("%w: %q", ErrInvalidOperation, name)
	}
	return op, nil
}

// MarshalJSON encodes the op as its canonical name.
func (o Op) MarshalJSON() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, o)
	}
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes a canonical op name.
func (o *Op) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	op, err := ParseOp(name)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// AllKinds lists every op kind in declaration order.
func AllKinds() []OpKind {
	kinds := []OpKind{OpQueryAll, OpQueryLoad, OpQueryMany, OpQueryByKey,
		OpSaveAddOne, OpSaveDeleteOne, OpSaveUpdateOne}
	for k := OpAddAll; k <= OpSetLoading; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}
