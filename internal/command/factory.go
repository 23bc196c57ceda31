// Package command builds correlated commands, either from explicit
// parameters or by deriving a new command from an existing one.
package command

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// IDGenerator produces correlation IDs.
type IDGenerator func() string

// NewCorrelationID returns a UUID v7 string, falling back to v4.
func NewCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Option adjusts a command built by Create.
type Option func(*options)

type options struct {
	tag           string
	correlationID string
	isOptimistic  *bool
	mergeStrategy types.MergeStrategy
}

// WithTag sets the diagnostic tag. Defaults to the entity name.
func WithTag(tag string) Option {
	return func(o *options) { o.tag = tag }
}

// WithCorrelationID reuses a caller-supplied correlation ID, e.g. for an
// idempotent retry.
func WithCorrelationID(id string) Option {
	return func(o *options) { o.correlationID = id }
}

// WithOptimistic overrides the per-op optimism default.
func WithOptimistic(v bool) Option {
	return func(o *options) { o.isOptimistic = &v }
}

// WithMergeStrategy overrides the per-op merge strategy default.
func WithMergeStrategy(m types.MergeStrategy) Option {
	return func(o *options) { o.mergeStrategy = m }
}

// Factory creates commands.
type Factory struct {
	newID IDGenerator
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithIDGenerator replaces the correlation ID generator.
func WithIDGenerator(gen IDGenerator) FactoryOption {
	return func(f *Factory) {
		if gen != nil {
			f.newID = gen
		}
	}
}

// NewFactory returns a Factory generating UUID v7 correlation IDs.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{newID: NewCorrelationID}
	for _, o := range opts {
		o(f)
	}
	return f
}

// DefaultOptimistic reports the optimism default for op: only deletes are
// optimistic.
func DefaultOptimistic(op types.Op) bool {
	return op.Kind == types.OpSaveDeleteOne
}

// DefaultMergeStrategy reports the merge strategy default for op: queries
// preserve local changes, everything else is unset.
func DefaultMergeStrategy(op types.Op) types.MergeStrategy {
	if op.Family() == types.FamilyQuery {
		return types.PreserveChanges
	}
	return types.MergeUnset
}

// Create builds a command from explicit parameters. Missing options take
// their defaults. Returns ErrInvalidEntityName or ErrInvalidOperation.
func (f *Factory) Create(entityName string, op types.Op, data any, opts ...Option) (types.Command, error) {
	if err := validate(entityName, op); err != nil {
		return types.Command{}, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cmd := types.Command{
		EntityName:    entityName,
		Op:            op,
		Data:          data,
		CorrelationID: o.correlationID,
		IsOptimistic:  DefaultOptimistic(op),
		MergeStrategy: o.mergeStrategy,
		Tag:           o.tag,
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = f.newID()
	}
	if o.isOptimistic != nil {
		cmd.IsOptimistic = *o.isOptimistic
	}
	if cmd.MergeStrategy == types.MergeUnset {
		cmd.MergeStrategy = DefaultMergeStrategy(op)
	}
	if cmd.Tag == "" {
		cmd.Tag = entityName
	}
	return cmd, nil
}

// CreateFrom derives a command from src, copying its entity name,
// correlation ID, optimism, merge strategy and tag, and replacing op and data.
func (f *Factory) CreateFrom(src types.Carrier, op types.Op, data any) (types.Command, error) {
	if src == nil {
		return types.Command{}, fmt.Errorf("%w: no source command", types.ErrInvalidEntityName)
	}
	base := src.EntityCommand()
	if err := validate(base.EntityName, op); err != nil {
		return types.Command{}, err
	}
	cmd := base
	cmd.Op = op
	cmd.Data = data
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = f.newID()
	}
	if cmd.Tag == "" {
		cmd.Tag = cmd.EntityName
	}
	return cmd, nil
}

// Success derives the success completion of src carrying data.
func (f *Factory) Success(src types.Carrier, data any) (types.Command, error) {
	if src == nil {
		return types.Command{}, fmt.Errorf("%w: no source command", types.ErrInvalidEntityName)
	}
	op, err := src.EntityCommand().Op.Success()
	if err != nil {
		return types.Command{}, err
	}
	return f.CreateFrom(src, op, data)
}

// Failure derives the error completion of src. Its data is an ErrorData
// holding the original command and err.
func (f *Factory) Failure(src types.Carrier, err *types.DataServiceError) (types.Command, error) {
	if src == nil {
		return types.Command{}, fmt.Errorf("%w: no source command", types.ErrInvalidEntityName)
	}
	orig := src.EntityCommand()
	op, opErr := orig.Op.Failure()
	if opErr != nil {
		return types.Command{}, opErr
	}
	return f.CreateFrom(src, op, types.ErrorData{OriginalCommand: orig, Error: err})
}

func validate(entityName string, op types.Op) error {
	if entityName == "" {
		return types.ErrInvalidEntityName
	}
	if !op.Valid() {
		return fmt.Errorf("%w: %s", types.ErrInvalidOperation, op)
	}
	return nil
}
