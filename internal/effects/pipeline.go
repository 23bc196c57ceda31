// Package effects runs persistable commands against their data services and
// publishes exactly one success or error completion for each.
//
// Non-persistable commands (cache-only ops, completions, commands without an
// entity name) pass through without any service call or emission. Failures,
// including panics inside a service, become error completions; nothing a
// service does can stop the pipeline from observing the stream.
package effects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mesh-intelligence/entitycache/internal/bus"
	"github.com/mesh-intelligence/entitycache/internal/command"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

const tracerName = "github.com/mesh-intelligence/entitycache/internal/effects"

// Stream is the bus surface the pipeline needs. *bus.Bus satisfies it.
type Stream interface {
	Publish(cmd types.Command) error
	Subscribe() *bus.Subscription
}

// Pipeline observes a stream and persists what it sees.
type Pipeline struct {
	stream   Stream
	factory  *command.Factory
	registry *Registry
	logger   types.Logger
	urlRoot  string
	tracer   trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the diagnostics sink. Defaults to types.NopLogger.
func WithLogger(l types.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithURLRoot sets the root used when describing failed requests.
func WithURLRoot(root string) Option {
	return func(p *Pipeline) {
		if root != "" {
			p.urlRoot = root
		}
	}
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// New returns a pipeline that publishes completions to stream.
func New(stream Stream, factory *command.Factory, registry *Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:   stream,
		factory:  factory,
		registry: registry,
		logger:   types.NopLogger{},
		urlRoot:  types.DefaultURLRoot,
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run subscribes to the stream and persists every persistable command on its
// own goroutine. It returns nil when the stream closes and ctx.Err() when ctx
// is cancelled; in both cases only after in-flight calls have published their
// completions. In-flight calls are not cancelled with ctx.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.Serve(ctx, p.stream.Subscribe())
}

// Serve is Run over a subscription the caller already holds, so that nothing
// published between subscribing and serving is missed. Serve closes sub.
func (p *Pipeline) Serve(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Close()

	callCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-sub.C():
			if !ok {
				return nil
			}
			if !persistable(cmd) {
				continue
			}
			wg.Add(1)
			go func(cmd types.Command) {
				defer wg.Done()
				p.handle(callCtx, cmd)
			}(cmd)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, cmd types.Command) {
	completion, ok := p.Persist(ctx, cmd)
	if !ok {
		return
	}
	if err := p.stream.Publish(completion); err != nil {
		p.logger.Error(fmt.Sprintf("publish %s for %s (%s): %v",
			completion.Op, completion.EntityName, completion.CorrelationID, err))
	}
}

// Persist performs the service call for cmd and returns its completion. It
// reports false, and calls nothing, when cmd is not persistable.
func (p *Pipeline) Persist(ctx context.Context, cmd types.Command) (types.Command, bool) {
	if !persistable(cmd) {
		return types.Command{}, false
	}

	ctx, span := p.tracer.Start(ctx, "entitycache "+cmd.Op.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("entity.name", cmd.EntityName),
			attribute.String("entity.op", cmd.Op.String()),
			attribute.String("entity.correlation_id", cmd.CorrelationID),
			attribute.Bool("entity.optimistic", cmd.IsOptimistic),
		))
	defer span.End()

	result, err := p.call(ctx, cmd)
	if err != nil {
		dse := p.serviceError(cmd, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, dse.Message)
		p.logger.Warn(fmt.Sprintf("%s %s (%s): %v", cmd.Op, cmd.EntityName, cmd.CorrelationID, dse))

		out, ferr := p.factory.Failure(cmd, dse)
		if ferr != nil {
			p.logger.Error(fmt.Sprintf("derive failure for %s: %v", cmd.Op, ferr))
			return types.Command{}, false
		}
		return out, true
	}

	out, serr := p.factory.Success(cmd, result)
	if serr != nil {
		p.logger.Error(fmt.Sprintf("derive success for %s: %v", cmd.Op, serr))
		return types.Command{}, false
	}
	return out, true
}

func persistable(cmd types.Command) bool {
	return cmd.EntityName != "" && cmd.Op.IsPersistable()
}

// call invokes the service method matching cmd's op. A panic inside the
// service is returned as an error.
func (p *Pipeline) call(ctx context.Context, cmd types.Command) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("data service panic: %v", r)
		}
	}()

	svc, ok := p.registry.Lookup(cmd.EntityName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrNoDataService, cmd.EntityName)
	}

	switch cmd.Op.Kind {
	case types.OpSaveAddOne:
		entity, err := asEntity(cmd.Data)
		if err != nil {
			return nil, err
		}
		saved, err := svc.Add(ctx, entity)
		if err != nil {
			return nil, err
		}
		if saved == nil {
			return entity, nil
		}
		return saved, nil

	case types.OpSaveDeleteOne:
		key, ok := types.KeyOf(cmd.Data)
		if !ok {
			return nil, types.ErrMissingKey
		}
		deleted, err := svc.Delete(ctx, key)
		if err != nil {
			return nil, err
		}
		if deleted == "" {
			return key, nil
		}
		return deleted, nil

	case types.OpSaveUpdateOne:
		update, ok := cmd.Data.(types.Update)
		if !ok {
			return nil, fmt.Errorf("%w: expected update record, got %T", types.ErrInvalidData, cmd.Data)
		}
		saved, err := svc.Update(ctx, update)
		if err != nil {
			return nil, err
		}
		if saved == nil {
			return update, nil
		}
		return types.Update{ID: update.ID, Changes: saved}, nil

	case types.OpQueryAll, types.OpQueryLoad:
		return svc.GetAll(ctx)

	case types.OpQueryByKey:
		key, ok := types.KeyOf(cmd.Data)
		if !ok {
			return nil, types.ErrMissingKey
		}
		return svc.GetByID(ctx, key)

	case types.OpQueryMany:
		params, err := asQueryParams(cmd.Data)
		if err != nil {
			return nil, err
		}
		return svc.GetWithQuery(ctx, params)

	default:
		return nil, fmt.Errorf("%w: %s is not persistable", types.ErrInvalidOperation, cmd.Op)
	}
}

func asEntity(data any) (types.Entity, error) {
	switch e := data.(type) {
	case types.Entity:
		if e != nil {
			return e, nil
		}
	case map[string]any:
		if e != nil {
			return types.Entity(e), nil
		}
	}
	return nil, fmt.Errorf("%w: expected entity, got %T", types.ErrInvalidData, data)
}

func asQueryParams(data any) (types.QueryParams, error) {
	switch q := data.(type) {
	case nil:
		return types.QueryParams{}, nil
	case types.QueryParams:
		return q, nil
	case map[string]string:
		return types.QueryParams(q), nil
	case string:
		return types.ParseQueryParams(q)
	default:
		return nil, fmt.Errorf("%w: expected query params, got %T", types.ErrInvalidData, data)
	}
}

// serviceError wraps a failure with the request that produced it. An
// existing DataServiceError is returned as is.
func (p *Pipeline) serviceError(cmd types.Command, err error) *types.DataServiceError {
	var dse *types.DataServiceError
	if errors.As(err, &dse) {
		return dse
	}
	req := &types.RequestData{
		Method: MethodOf(cmd.Op.Kind),
		URL:    URLFor(p.urlRoot, cmd),
		Data:   cmd.Data,
	}
	var te *types.TransportError
	if errors.As(err, &te) && te.URL != "" {
		req.URL = te.URL
	}
	return types.NewDataServiceError(err, req)
}

// MethodOf classifies an op kind by the HTTP method a REST transport would use.
func MethodOf(kind types.OpKind) types.HTTPMethod {
	switch kind {
	case types.OpSaveAddOne:
		return types.MethodPost
	case types.OpSaveUpdateOne:
		return types.MethodPut
	case types.OpSaveDeleteOne:
		return types.MethodDelete
	default:
		return types.MethodGet
	}
}

// URLFor describes the resource targeted by cmd as
// "<root>/<entity>[/<key>]", with a query string for QueryMany.
func URLFor(root string, cmd types.Command) string {
	base := strings.TrimSuffix(root, "/") + "/" + strings.ToLower(cmd.EntityName)

	switch cmd.Op.Kind {
	case types.OpSaveDeleteOne, types.OpQueryByKey:
		if key, ok := types.KeyOf(cmd.Data); ok {
			return base + "/" + string(key)
		}
	case types.OpSaveUpdateOne:
		if u, ok := cmd.Data.(types.Update); ok && u.ID != "" {
			return base + "/" + string(u.ID)
		}
	case types.OpQueryMany:
		if params, err := asQueryParams(cmd.Data); err == nil && len(params) > 0 {
			return base + "?" + params.Encode()
		}
	}
	return base
}
