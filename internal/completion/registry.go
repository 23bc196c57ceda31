// Package completion lets callers wait for the completion of a command by
// its correlation ID. Completions are kept for a TTL so that a caller who
// starts waiting after the completion arrived still receives it.
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// Registry records completions. It implements bus.Reducer.
type Registry struct {
	completed *ttlcache.Cache

	mu      sync.Mutex
	waiters map[string][]chan types.Command
}

// New returns a Registry that retains unclaimed completions for ttl.
func New(ttl time.Duration) *Registry {
	c := ttlcache.NewCache()
	if ttl <= 0 {
		ttl = types.DefaultCompletionTTL
	}
	c.SetTTL(ttl)
	c.SkipTtlExtensionOnHit(true)
	return &Registry{
		completed: c,
		waiters:   make(map[string][]chan types.Command),
	}
}

// Reduce records cmd if it is a completion and wakes its waiters. A new
// persistable command forgets any completion kept under its correlation ID,
// so a retry that reuses the ID waits for its own completion.
func (r *Registry) Reduce(cmd types.Command) {
	if cmd.CorrelationID == "" {
		return
	}
	if cmd.Op.IsPersistable() {
		r.mu.Lock()
		r.completed.Remove(cmd.CorrelationID)
		r.mu.Unlock()
		return
	}
	if !cmd.Op.IsCompletion() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed.Set(cmd.CorrelationID, cmd)
	for _, ch := range r.waiters[cmd.CorrelationID] {
		ch <- cmd
	}
	delete(r.waiters, cmd.CorrelationID)
}

// Await returns the completion for correlationID, waiting until it arrives
// or ctx is done.
func (r *Registry) Await(ctx context.Context, correlationID string) (types.Command, error) {
	r.mu.Lock()
	if v, ok := r.completed.Get(correlationID); ok {
		r.mu.Unlock()
		return v.(types.Command), nil
	}
	ch := make(chan types.Command, 1)
	r.waiters[correlationID] = append(r.waiters[correlationID], ch)
	r.mu.Unlock()

	select {
	case cmd := <-ch:
		return cmd, nil
	case <-ctx.Done():
		r.abandon(correlationID, ch)
		return types.Command{}, ctx.Err()
	}
}

func (r *Registry) abandon(correlationID string, ch chan types.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.waiters[correlationID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(r.waiters, correlationID)
	} else {
		r.waiters[correlationID] = chans
	}
}

// Forget drops a retained completion.
func (r *Registry) Forget(correlationID string) {
	r.completed.Remove(correlationID)
}

// Pending reports how many correlation IDs have callers waiting.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Close stops the TTL janitor.
func (r *Registry) Close() {
	r.completed.Close()
}

// Err returns the DataServiceError carried by an error completion, or nil
// for anything else.
func Err(cmd types.Command) error {
	if cmd.Op.Outcome != types.OutcomeError {
		return nil
	}
	if ed, ok := cmd.Data.(types.ErrorData); ok && ed.Error != nil {
		return ed.Error
	}
	return types.NewDataServiceError(nil, nil)
}
