package cli

import (
	"context"
	"errors"
	"log"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/entitycache/pkg/entitycache"
	"github.com/mesh-intelligence/entitycache/pkg/sqlite"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// session is one entity type served by a started Cache over an attached store.
type session struct {
	store  types.Store
	cache  *entitycache.Cache
	d      *entitycache.Dispatcher
	name   string
	keyFn  types.KeyFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// openSession loads config, attaches the SQLite store and starts a cache
// with entityName registered. The caller must close the session.
func openSession(cmd *cobra.Command, f *rootFlags, entityName string) (*session, error) {
	if entityName == "" {
		return nil, userError("%w", types.ErrInvalidEntityName)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, userError("%w", err)
	}

	store := sqlite.NewBackend()
	if err := store.Attach(cfg); err != nil {
		return nil, sysError("attach store: %w", err)
	}

	keyFn := types.FieldKeyFunc(f.keyField)
	svc, err := store.Service(entityName, keyFn)
	if err != nil {
		_ = store.Detach()
		return nil, sysError("open service: %w", err)
	}

	logger := types.NewStdLogger(log.New(cmd.ErrOrStderr(), "entcache: ", log.LstdFlags))
	cache := entitycache.New(entitycache.WithConfig(cfg), entitycache.WithLogger(logger))
	if err := cache.Register(entityName, keyFn, svc); err != nil {
		_ = store.Detach()
		return nil, userError("register %q: %w", entityName, err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	if err := cache.Start(ctx); err != nil {
		cancel()
		_ = store.Detach()
		return nil, sysError("start cache: %w", err)
	}
	d, err := cache.Dispatcher(entityName)
	if err != nil {
		cancel()
		_ = cache.Close()
		_ = store.Detach()
		return nil, sysError("%w", err)
	}

	return &session{
		store:  store,
		cache:  cache,
		d:      d,
		name:   entityName,
		keyFn:  keyFn,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// close stops the cache before detaching the store so that in-flight calls
// finish against an open database.
func (s *session) close() error {
	defer s.cancel()
	cerr := s.cache.Close()
	derr := s.store.Detach()
	return errors.Join(cerr, derr)
}

// await waits for the completion of cmd and converts an error completion
// into a CLI error with an exit code that matches its transport status.
func (s *session) await(cmd types.Command, dispatchErr error) (types.Command, error) {
	if dispatchErr != nil {
		if errors.Is(dispatchErr, types.ErrMissingKey) || errors.Is(dispatchErr, types.ErrInvalidData) {
			return types.Command{}, userError("%w", dispatchErr)
		}
		return types.Command{}, sysError("%w", dispatchErr)
	}
	done, err := s.cache.Await(s.ctx, cmd)
	if err != nil {
		return types.Command{}, sysError("wait for %s: %w", cmd.Op, err)
	}
	if err := entitycache.Err(done); err != nil {
		return done, classify(err)
	}
	return done, nil
}

// classify maps client-side transport statuses to user errors.
func classify(err error) error {
	var te *types.TransportError
	if errors.As(err, &te) && te.Status >= 400 && te.Status < 500 {
		return userError("%w", err)
	}
	return sysError("%w", err)
}

// entity returns the cached entity for key.
func (s *session) entity(key types.Key) (types.Entity, error) {
	col, err := s.cache.Snapshot(s.name)
	if err != nil {
		return nil, sysError("%w", err)
	}
	e, ok := col.Entities[key]
	if !ok {
		return nil, userError("%s %q: %w", s.name, key, types.ErrNotFound)
	}
	return e, nil
}

// entities returns the cached entities that pass the collection filter.
func (s *session) entities() ([]types.Entity, error) {
	list, err := s.cache.Filtered(s.name)
	if err != nil {
		if errors.Is(err, types.ErrInvalidData) {
			return nil, userError("%w", err)
		}
		return nil, sysError("%w", err)
	}
	return list, nil
}

