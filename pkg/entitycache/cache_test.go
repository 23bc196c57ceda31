package entitycache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mesh-intelligence/entitycache/pkg/sqlite"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// memService is an in-memory DataService.
type memService struct {
	mu    sync.Mutex
	data  map[types.Key]types.Entity
	err   error
	block chan struct{}
}

func newMemService() *memService {
	return &memService{data: make(map[types.Key]types.Entity)}
}

func (m *memService) Add(_ context.Context, e types.Entity) (types.Entity, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	k, _ := types.DefaultKeyFunc(e)
	stored := e.Clone()
	stored["stored"] = true
	m.data[k] = stored
	return stored.Clone(), nil
}

func (m *memService) Delete(_ context.Context, k types.Key) (types.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	delete(m.data, k)
	return k, nil
}

func (m *memService) GetAll(_ context.Context) ([]types.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]types.Entity, 0, len(m.data))
	for _, e := range m.data {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (m *memService) GetByID(_ context.Context, k types.Key) (types.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[k]
	if !ok {
		return nil, &types.TransportError{Status: 404, Err: types.ErrNotFound}
	}
	return e.Clone(), nil
}

func (m *memService) GetWithQuery(ctx context.Context, _ types.QueryParams) ([]types.Entity, error) {
	return m.GetAll(ctx)
}

func (m *memService) Update(_ context.Context, u types.Update) (types.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	merged := m.data[u.ID].Merge(u.Changes)
	m.data[u.ID] = merged
	return merged.Clone(), nil
}

func startCache(t *testing.T, svc types.DataService) *Cache {
	t.Helper()
	c := New(WithCompletionTTL(time.Minute))
	require.NoError(t, c.Register("Hero", types.DefaultKeyFunc, svc))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCache_PessimisticAddRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := startCache(t, newMemService())
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	cmd, err := heroes.Add(types.Entity{"id": "1", "name": "A"})
	require.NoError(t, err)

	done, err := c.Await(awaitCtx(t), cmd)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, done.Op.Outcome)
	assert.NoError(t, Err(done))

	col, err := c.Snapshot("Hero")
	require.NoError(t, err)
	assert.Equal(t, []types.Key{"1"}, col.IDs)
	assert.Equal(t, true, col.Entities["1"]["stored"])
	assert.False(t, col.Loading)
	assert.Empty(t, col.ChangeState)
	require.NoError(t, c.Close())
}

func TestCache_OptimisticFailureRollsBack(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := newMemService()
	svc.err = &types.TransportError{Status: 500, Err: errors.New("boom")}
	c := startCache(t, svc)
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	cmd, err := heroes.Add(types.Entity{"id": "7", "name": "G"}, WithOptimistic(true))
	require.NoError(t, err)

	col, err := c.Snapshot("Hero")
	require.NoError(t, err)
	assert.Contains(t, col.Entities, types.Key("7"), "optimistic add applies before completion")

	done, err := c.Await(awaitCtx(t), cmd)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeError, done.Op.Outcome)

	var dse *types.DataServiceError
	require.ErrorAs(t, Err(done), &dse)
	assert.Equal(t, types.MethodPost, dse.Request.Method)
	assert.Equal(t, "api/hero", dse.Request.URL)

	col, err = c.Snapshot("Hero")
	require.NoError(t, err)
	assert.NotContains(t, col.Entities, types.Key("7"))
	assert.Empty(t, col.ChangeState)
	require.NoError(t, c.Close())
}

func TestCache_RetryWithSameCorrelationID(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := newMemService()
	svc.err = &types.TransportError{Status: 503, Err: errors.New("unavailable")}
	c := startCache(t, svc)
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	first, err := heroes.Add(types.Entity{"id": "1"}, WithCorrelationID("retry-1"))
	require.NoError(t, err)
	done, err := c.Await(awaitCtx(t), first)
	require.NoError(t, err)
	require.Error(t, Err(done))

	release := make(chan struct{})
	svc.mu.Lock()
	svc.err = nil
	svc.block = release
	svc.mu.Unlock()

	retry, err := heroes.Add(types.Entity{"id": "1"}, WithCorrelationID("retry-1"))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Await(short, retry)
	require.ErrorIs(t, err, context.DeadlineExceeded, "retry must not see the earlier failure")

	close(release)
	done, err = c.Await(awaitCtx(t), retry)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, done.Op.Outcome)
	assert.NoError(t, Err(done))
	require.NoError(t, c.Close())
}

func TestCache_CompletionDataIsNotShared(t *testing.T) {
	svc := newMemService()
	svc.data["1"] = types.Entity{"id": "1", "name": "A"}
	c := startCache(t, svc)
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	cmd, err := heroes.GetAll()
	require.NoError(t, err)
	done, err := c.Await(awaitCtx(t), cmd)
	require.NoError(t, err)
	list, ok := done.Data.([]types.Entity)
	require.True(t, ok)
	require.Len(t, list, 1)
	list[0]["name"] = "MUTATED"

	added := types.Entity{"id": "2", "name": "B"}
	_, err = heroes.AddOneToCache(added)
	require.NoError(t, err)
	added["name"] = "MUTATED"

	col, err := c.Snapshot("Hero")
	require.NoError(t, err)
	assert.Equal(t, "A", col.Entities["1"]["name"])
	assert.Equal(t, "B", col.Entities["2"]["name"])
}

func TestCache_QueryLoadAndFilter(t *testing.T) {
	svc := newMemService()
	svc.data["1"] = types.Entity{"id": "1", "power": 3}
	svc.data["2"] = types.Entity{"id": "2", "power": 9}
	c := startCache(t, svc)
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	cmd, err := heroes.Load()
	require.NoError(t, err)
	_, err = c.Await(awaitCtx(t), cmd)
	require.NoError(t, err)

	_, err = heroes.SetFilter("power > 5")
	require.NoError(t, err)

	got, err := c.Filtered("Hero")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0]["id"])

	col, err := c.Snapshot("Hero")
	require.NoError(t, err)
	assert.True(t, col.Loaded)
	assert.Len(t, col.IDs, 2)
}

func TestCache_CacheOnlyType(t *testing.T) {
	c := startCache(t, nil)
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	_, err = heroes.AddOneToCache(types.Entity{"id": "1"})
	require.NoError(t, err)

	cmd, err := heroes.GetAll()
	require.NoError(t, err)
	done, err := c.Await(awaitCtx(t), cmd)
	require.NoError(t, err)
	assert.ErrorIs(t, Err(done), types.ErrNoDataService)

	col, err := c.Snapshot("Hero")
	require.NoError(t, err)
	assert.Equal(t, []types.Key{"1"}, col.IDs, "failed query leaves the collection intact")
}

func TestCache_AwaitRejectsCacheOnlyCommand(t *testing.T) {
	c := startCache(t, newMemService())
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	cmd, err := heroes.ClearCache()
	require.NoError(t, err)
	_, err = c.Await(awaitCtx(t), cmd)
	assert.ErrorIs(t, err, types.ErrInvalidOperation)
}

func TestCache_AwaitHonoursContext(t *testing.T) {
	c := New()
	require.NoError(t, c.Register("Hero", nil, newMemService()))
	defer func() { _ = c.Close() }()
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	// Not started: the command is never persisted.
	cmd, err := heroes.GetAll()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Await(ctx, cmd)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New()
	assert.ErrorIs(t, c.Register("", nil, nil), types.ErrInvalidEntityName)

	_, err := c.Dispatcher("Villain")
	assert.ErrorIs(t, err, types.ErrUnknownEntity)
	_, err = c.Snapshot("Villain")
	assert.ErrorIs(t, err, types.ErrUnknownEntity)

	require.NoError(t, c.Register("Hero", nil, nil))
	require.NoError(t, c.Register("Villain", nil, nil))
	assert.Equal(t, []string{"Hero", "Villain"}, c.Names())

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Register("Other", nil, nil), ErrClosed)

	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)
	_, err = heroes.GetAll()
	assert.ErrorIs(t, err, types.ErrBusClosed)
}

func TestCache_ContextCancelStopsPipeline(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New()
	require.NoError(t, c.Register("Hero", nil, newMemService()))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()
	require.NoError(t, c.Close())
}

func TestCache_WithSQLiteStore(t *testing.T) {
	store := sqlite.NewBackend()
	require.NoError(t, store.Attach(types.Config{
		Backend: types.BackendSQLite,
		DataDir: t.TempDir(),
	}))
	defer func() { _ = store.Detach() }()

	svc, err := store.Service("Hero", types.DefaultKeyFunc)
	require.NoError(t, err)
	c := startCache(t, svc)
	heroes, err := c.Dispatcher("Hero")
	require.NoError(t, err)

	add, err := heroes.Add(types.Entity{"id": "42", "name": "Ada"})
	require.NoError(t, err)
	done, err := c.Await(awaitCtx(t), add)
	require.NoError(t, err)
	require.NoError(t, Err(done))

	_, err = heroes.ClearCache()
	require.NoError(t, err)

	get, err := heroes.GetByKey("42")
	require.NoError(t, err)
	done, err = c.Await(awaitCtx(t), get)
	require.NoError(t, err)
	require.NoError(t, Err(done))

	col, err := c.Snapshot("Hero")
	require.NoError(t, err)
	assert.Equal(t, "Ada", col.Entities["42"]["name"])

	missing, err := heroes.GetByKey("nope")
	require.NoError(t, err)
	done, err = c.Await(awaitCtx(t), missing)
	require.NoError(t, err)
	var te *types.TransportError
	require.ErrorAs(t, Err(done), &te)
	assert.Equal(t, 404, te.Status)
}
