// Package entitycache is the public entry point of the entity cache. A Cache
// owns one command bus and wires the reconciler, the persistence pipeline
// and the completion registry onto it. Callers register entity types,
// obtain a Dispatcher per type, and read collection snapshots.
//
// Example:
//
//	c := entitycache.New()
//	_ = c.Register("Hero", types.DefaultKeyFunc, heroService)
//	_ = c.Start(ctx)
//	defer c.Close()
//
//	heroes, _ := c.Dispatcher("Hero")
//	cmd, _ := heroes.GetAll()
//	done, _ := c.Await(ctx, cmd)
package entitycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mesh-intelligence/entitycache/internal/bus"
	"github.com/mesh-intelligence/entitycache/internal/command"
	"github.com/mesh-intelligence/entitycache/internal/completion"
	"github.com/mesh-intelligence/entitycache/internal/dispatcher"
	"github.com/mesh-intelligence/entitycache/internal/effects"
	"github.com/mesh-intelligence/entitycache/internal/reconciler"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// Version is the library version reported by the CLI.
const Version = "0.1.0"

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("cache is already started")
	ErrClosed         = errors.New("cache is closed")
)

// Dispatcher issues commands for one entity type.
type Dispatcher = dispatcher.Dispatcher

// CommandOption adjusts a command built by a Dispatcher.
type CommandOption = command.Option

// Per-command options.
var (
	WithTag           = command.WithTag
	WithCorrelationID = command.WithCorrelationID
	WithOptimistic    = command.WithOptimistic
	WithMergeStrategy = command.WithMergeStrategy
)

// Option configures a Cache.
type Option func(*settings)

type settings struct {
	logger        types.Logger
	urlRoot       string
	completionTTL time.Duration
	tp            trace.TracerProvider
	newID         command.IDGenerator
}

// WithLogger sets the logger used by the persistence pipeline.
func WithLogger(l types.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithConfig applies the cache parameters of cfg.
func WithConfig(cfg types.Config) Option {
	return func(s *settings) {
		s.urlRoot = cfg.GetURLRoot()
		s.completionTTL = cfg.GetCompletionTTL()
	}
}

// WithURLRoot sets the root used to build request URLs in error reports.
func WithURLRoot(root string) Option {
	return func(s *settings) { s.urlRoot = root }
}

// WithCompletionTTL sets how long unclaimed completions are kept for Await.
func WithCompletionTTL(ttl time.Duration) Option {
	return func(s *settings) { s.completionTTL = ttl }
}

// WithTracerProvider sets the provider for persistence spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) { s.tp = tp }
}

// WithIDGenerator replaces the correlation ID generator.
func WithIDGenerator(gen command.IDGenerator) Option {
	return func(s *settings) { s.newID = gen }
}

// Cache is an entity cache bound to one command bus.
type Cache struct {
	bus         *bus.Bus
	factory     *command.Factory
	reconciler  *reconciler.Reconciler
	services    *effects.Registry
	pipeline    *effects.Pipeline
	completions *completion.Registry
	logger      types.Logger

	mu          sync.Mutex
	dispatchers map[string]*dispatcher.Dispatcher
	cancel      context.CancelFunc
	done        chan error
	closed      bool
}

// New builds a Cache. The pipeline does not run until Start.
func New(opts ...Option) *Cache {
	s := settings{
		logger:        types.NopLogger{},
		urlRoot:       types.DefaultURLRoot,
		completionTTL: types.DefaultCompletionTTL,
	}
	for _, o := range opts {
		o(&s)
	}

	c := &Cache{
		bus:         bus.New(),
		factory:     command.NewFactory(command.WithIDGenerator(s.newID)),
		reconciler:  reconciler.New(),
		services:    effects.NewRegistry(),
		completions: completion.New(s.completionTTL),
		logger:      s.logger,
		dispatchers: make(map[string]*dispatcher.Dispatcher),
	}
	// The reconciler runs first so that a completion is already applied to
	// the collection when Await returns it.
	c.bus.AddReducer(c.reconciler)
	c.bus.AddReducer(c.completions)

	popts := []effects.Option{effects.WithLogger(s.logger), effects.WithURLRoot(s.urlRoot)}
	if s.tp != nil {
		popts = append(popts, effects.WithTracerProvider(s.tp))
	}
	c.pipeline = effects.New(c.bus, c.factory, c.services, popts...)
	return c
}

// Register defines an entity type. keyFn defaults to types.DefaultKeyFunc.
// A nil svc makes the type cache-only; its persistence commands fail with
// ErrNoDataService. Registering a name again replaces its key function and
// service but keeps the collection.
func (c *Cache) Register(entityName string, keyFn types.KeyFunc, svc types.DataService) error {
	if entityName == "" {
		return types.ErrInvalidEntityName
	}
	if keyFn == nil {
		keyFn = types.DefaultKeyFunc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if svc != nil {
		if err := c.services.Register(entityName, svc); err != nil {
			return fmt.Errorf("register service %q: %w", entityName, err)
		}
	}
	c.reconciler.Register(entityName, keyFn)
	c.dispatchers[entityName] = dispatcher.New(entityName, c.factory, c.bus, keyFn)
	return nil
}

// Dispatcher returns the dispatcher of a registered entity type.
func (c *Cache) Dispatcher(entityName string) (*Dispatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dispatchers[entityName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntity, entityName)
	}
	return d, nil
}

// Names returns the registered entity names in sorted order.
func (c *Cache) Names() []string {
	return c.reconciler.Names()
}

// Start runs the persistence pipeline until ctx is cancelled or Close is
// called. Commands published before Start are cached but never persisted.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	sub := c.bus.Subscribe()
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan error, 1)
	go func() {
		c.done <- c.pipeline.Serve(ctx, sub)
	}()
	return nil
}

// Close stops the pipeline after in-flight calls have completed, then
// closes the bus. Idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		if serr := <-done; serr != nil && !errors.Is(serr, context.Canceled) {
			err = fmt.Errorf("pipeline: %w", serr)
		}
	}
	c.bus.Close()
	c.completions.Close()
	return err
}

// Snapshot returns a deep copy of the named collection.
func (c *Cache) Snapshot(entityName string) (*types.Collection, error) {
	col, ok := c.reconciler.Snapshot(entityName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntity, entityName)
	}
	return col, nil
}

// Filtered returns the entities of the named collection that match its
// filter, in collection order.
func (c *Cache) Filtered(entityName string) ([]types.Entity, error) {
	return c.reconciler.Filtered(entityName)
}

// Await waits for the completion of cmd. The completion is returned even
// when it is an error; use Err to extract the DataServiceError.
func (c *Cache) Await(ctx context.Context, cmd types.Command) (types.Command, error) {
	if !cmd.Op.IsPersistable() {
		return types.Command{}, fmt.Errorf("%w: %s never completes", types.ErrInvalidOperation, cmd.Op)
	}
	return c.completions.Await(ctx, cmd.CorrelationID)
}

// Err returns the DataServiceError carried by an error completion, or nil.
func Err(cmd types.Command) error {
	return completion.Err(cmd)
}
