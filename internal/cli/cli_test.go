package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/entitycache/internal/paths"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// env is an isolated config and data directory pair.
type env struct {
	configDir string
	dataDir   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	t.Setenv(paths.EnvConfigDir, "")
	t.Setenv(paths.EnvDataDir, "")
	t.Setenv("ENTCACHE_BACKEND", "")
	t.Setenv("ENTCACHE_SQLITE_SYNC_STRATEGY", "")
	root := t.TempDir()
	return env{
		configDir: filepath.Join(root, "config"),
		dataDir:   filepath.Join(root, "data"),
	}
}

// run executes the CLI and returns stdout, stderr and the exit code.
func (e env) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...))
	err := root.Execute()
	if err != nil {
		stderr.WriteString(err.Error())
	}
	return stdout.String(), stderr.String(), exitCode(err)
}

func (e env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, code := e.run(t, args...)
	require.Equal(t, exitSuccess, code, "args %v: %s", args, errOut)
	return out
}

func decodeEntity(t *testing.T, out string) types.Entity {
	t.Helper()
	var got types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &got), "output %q", out)
	return got
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "version")
	assert.Contains(t, out, "entcache v")
	assert.Contains(t, out, modulePath)
}

func TestInit(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "init")
	assert.Contains(t, out, "initialized successfully")

	assert.FileExists(t, paths.ConfigFile(e.configDir))
	assert.FileExists(t, filepath.Join(e.dataDir, "entitycache.db"))

	// Idempotent and keeps an edited config.
	require.NoError(t, os.WriteFile(paths.ConfigFile(e.configDir), []byte("backend: sqlite\nurl_root: v1\n"), 0o644))
	e.mustRun(t, "init")
	data, err := os.ReadFile(paths.ConfigFile(e.configDir))
	require.NoError(t, err)
	assert.Contains(t, string(data), "url_root: v1")
}

func TestInit_InvalidConfig(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.MkdirAll(e.configDir, 0o755))
	require.NoError(t, os.WriteFile(paths.ConfigFile(e.configDir), []byte("backend: postgres\n"), 0o644))

	_, errOut, code := e.run(t, "init")
	assert.Equal(t, exitUserError, code)
	assert.Contains(t, errOut, "unknown backend")
}

func TestEntityLifecycle(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "init")

	added := decodeEntity(t, e.mustRun(t, "add", "Hero", `{"id": 42, "name": "Ada", "power": 3}`))
	assert.Equal(t, "Ada", added["name"])

	e.mustRun(t, "add", "Hero", `{"id": 7, "name": "Grace", "power": 9}`)

	got := decodeEntity(t, e.mustRun(t, "get", "Hero", "42"))
	assert.Equal(t, "Ada", got["name"])

	updated := decodeEntity(t, e.mustRun(t, "update", "Hero", `{"id": 42, "power": 10}`))
	assert.Equal(t, "Ada", updated["name"], "update merges into the stored record")
	assert.EqualValues(t, 10, updated["power"])

	lines := strings.Split(strings.TrimSpace(e.mustRun(t, "get", "Hero")), "\n")
	assert.Len(t, lines, 2)

	out := e.mustRun(t, "query", "Hero", "name=Grace")
	assert.Equal(t, "Grace", decodeEntity(t, strings.TrimSpace(out))["name"])

	out = e.mustRun(t, "--json", "query", "Hero", "--filter", "power > 5")
	var list []types.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)

	out = e.mustRun(t, "delete", "Hero", "42")
	assert.Equal(t, "Deleted Hero/42\n", out)

	_, _, code := e.run(t, "get", "Hero", "42")
	assert.Equal(t, exitUserError, code)
}

func TestAdd_GeneratesKey(t *testing.T) {
	e := newEnv(t)
	added := decodeEntity(t, e.mustRun(t, "add", "Note", `{"text": "hi"}`))
	id, ok := added["id"].(string)
	require.True(t, ok, "generated id in %v", added)
	assert.NotEmpty(t, id)
}

func TestUserErrors(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "add", "Hero", `{"id": 1}`)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad json", []string{"add", "Hero", `{"id":`}, "invalid entity JSON"},
		{"json null", []string{"add", "Hero", `null`}, "expected an object"},
		{"duplicate key", []string{"add", "Hero", `{"id": 1}`}, "already exists"},
		{"update missing key", []string{"update", "Hero", `{"name": "x"}`}, "key is missing"},
		{"update unknown entity", []string{"update", "Hero", `{"id": 99}`}, "not found"},
		{"delete unknown entity", []string{"delete", "Hero", "99"}, "not found"},
		{"bad query arg", []string{"query", "Hero", "nofield"}, "want field=value"},
		{"bad filter", []string{"query", "Hero", "--filter", "power >"}, "filter"},
		{"wrong arity", []string{"delete", "Hero"}, "accepts 2 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errOut, code := e.run(t, tt.args...)
			assert.Equal(t, exitUserError, code, errOut)
			assert.Contains(t, errOut, tt.want)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitSuccess, exitCode(nil))
	assert.Equal(t, exitSysError, exitCode(sysError("boom")))
	assert.Equal(t, exitUserError, exitCode(userError("bad")))
	assert.Equal(t, exitUserError, exitCode(assert.AnError))

	assert.Equal(t, exitUserError, exitCode(classify(&types.TransportError{Status: 404})))
	assert.Equal(t, exitSysError, exitCode(classify(&types.TransportError{Status: 503})))
}
