package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

func attach(t *testing.T, dir string, sq types.SQLiteConfig) *Backend {
	t.Helper()
	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: dir, SQLiteConfig: sq}))
	t.Cleanup(func() { _ = b.Detach() })
	return b
}

func heroes(t *testing.T, b *Backend) types.DataService {
	t.Helper()
	svc, err := b.Service("Hero", nil)
	require.NoError(t, err)
	return svc
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestBackend_Attach(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend()
	cfg := types.Config{Backend: types.BackendSQLite, DataDir: filepath.Join(dir, "nested")}

	require.NoError(t, b.Attach(cfg))
	assert.FileExists(t, filepath.Join(dir, "nested", DBFile))
	assert.ErrorIs(t, b.Attach(cfg), types.ErrAlreadyAttached)
	require.NoError(t, b.Detach())
}

func TestBackend_AttachRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  types.Config
		want error
	}{
		{"empty backend", types.Config{}, types.ErrBackendEmpty},
		{"unknown backend", types.Config{Backend: "postgres"}, types.ErrBackendUnknown},
		{"unknown strategy", types.Config{Backend: types.BackendSQLite, SQLiteConfig: types.SQLiteConfig{SyncStrategy: "never"}}, types.ErrSyncStrategyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.DataDir = t.TempDir()
			assert.ErrorIs(t, NewBackend().Attach(tt.cfg), tt.want)
		})
	}
}

func TestBackend_Detach(t *testing.T) {
	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	svc := heroes(t, b)

	require.NoError(t, b.Detach())
	require.NoError(t, b.Detach(), "Detach is idempotent")

	_, err := b.Service("Hero", nil)
	assert.ErrorIs(t, err, types.ErrDetached)
	_, err = svc.GetAll(context.Background())
	assert.ErrorIs(t, err, types.ErrDetached)
}

func TestBackend_ServiceRequiresName(t *testing.T) {
	b := attach(t, t.TempDir(), types.SQLiteConfig{})
	_, err := b.Service("", nil)
	assert.ErrorIs(t, err, types.ErrInvalidEntityName)
}

func TestBackend_ReloadsJSONLOnAttach(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b := NewBackend()
	cfg := types.Config{Backend: types.BackendSQLite, DataDir: dir}
	require.NoError(t, b.Attach(cfg))
	svc := heroes(t, b)
	_, err := svc.Add(ctx, types.Entity{"id": "1", "name": "A"})
	require.NoError(t, err)
	villains, err := b.Service("Villain", types.FieldKeyFunc("code"))
	require.NoError(t, err)
	_, err = villains.Add(ctx, types.Entity{"code": "V1"})
	require.NoError(t, err)
	require.NoError(t, b.Detach())

	b2 := attach(t, dir, types.SQLiteConfig{})
	got, err := heroes(t, b2).GetByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "A", got["name"])

	names, err := b2.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"Hero", "Villain"}, names)
}

func TestSyncStrategy_ImmediateDefault(t *testing.T) {
	dir := t.TempDir()
	b := attach(t, dir, types.SQLiteConfig{})
	_, err := heroes(t, b).Add(context.Background(), types.Entity{"id": "1"})
	require.NoError(t, err)

	assert.Len(t, readLines(t, filepath.Join(dir, "hero.jsonl")), 1)
	assert.Equal(t, 0, b.PendingWrites())
}

func TestSyncStrategy_OnCloseDefersWrites(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend()
	require.NoError(t, b.Attach(types.Config{
		Backend:      types.BackendSQLite,
		DataDir:      dir,
		SQLiteConfig: types.SQLiteConfig{SyncStrategy: types.SyncOnClose},
	}))
	svc := heroes(t, b)
	ctx := context.Background()

	_, err := svc.Add(ctx, types.Entity{"id": "1"})
	require.NoError(t, err)
	_, err = svc.Add(ctx, types.Entity{"id": "2"})
	require.NoError(t, err)
	_, err = svc.Delete(ctx, "1")
	require.NoError(t, err)

	assert.Empty(t, readLines(t, filepath.Join(dir, "hero.jsonl")))
	assert.Equal(t, 3, b.PendingWrites())

	require.NoError(t, b.Detach())
	lines := readLines(t, filepath.Join(dir, "hero.jsonl"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"key":"2"`)
}

func TestSyncStrategy_BatchFlushAtThreshold(t *testing.T) {
	dir := t.TempDir()
	b := attach(t, dir, types.SQLiteConfig{SyncStrategy: types.SyncBatch, BatchSize: 2, BatchInterval: 3600})
	svc := heroes(t, b)
	ctx := context.Background()

	_, err := svc.Add(ctx, types.Entity{"id": "1"})
	require.NoError(t, err)
	assert.Empty(t, readLines(t, filepath.Join(dir, "hero.jsonl")))

	_, err = svc.Add(ctx, types.Entity{"id": "2"})
	require.NoError(t, err)
	assert.Len(t, readLines(t, filepath.Join(dir, "hero.jsonl")), 2)
	assert.Equal(t, 0, b.PendingWrites())
}

func TestJSONLFile(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Hero", "hero.jsonl"},
		{"super_hero", "super_hero.jsonl"},
		{"Hero Team/2", "hero_team_2.jsonl"},
		{"../etc", "___etc.jsonl"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, jsonlFile(tt.name), tt.name)
	}
}
