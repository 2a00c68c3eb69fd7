package scripts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/not-empty/omniq-go/internal/errors"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestResolveDirDefault(t *testing.T) {
	t.Setenv(EnvScriptsDir, "")

	dir, err := ResolveDir()
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(dir))
	require.True(t, strings.HasSuffix(dir, filepath.Join("dist", "core", "scripts")))

	for _, name := range Names {
		_, err := os.Stat(filepath.Join(dir, name+".lua"))
		require.NoError(t, err, "bundle must ship %s.lua", name)
	}
}

func TestResolveDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvScriptsDir, dir)

	got, err := ResolveDir()
	require.NoError(t, err)
	require.Equal(t, dir, got)
}

func TestResolveDirEnvOverrideNotADir(t *testing.T) {
	t.Setenv(EnvScriptsDir, filepath.Join(t.TempDir(), "nope"))

	_, err := ResolveDir()
	require.Error(t, err)
	require.Equal(t, errors.Config, errors.CanonicalCode(err))
}

func TestLoadRegistersEveryScript(t *testing.T) {
	client := newTestRedis(t)
	dir, err := ResolveDir()
	require.NoError(t, err)

	b, err := Load(context.Background(), client, dir)
	require.NoError(t, err)
	require.Equal(t, dir, b.Dir())

	for _, name := range Names {
		sc := b.Get(name)
		require.Equal(t, name, sc.Name)
		require.NotEmpty(t, sc.SHA)
		require.NotEmpty(t, sc.Src)

		exists, err := client.ScriptExists(context.Background(), sc.SHA).Result()
		require.NoError(t, err)
		require.Equal(t, []bool{true}, exists)
	}
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	client := newTestRedis(t)
	dir := t.TempDir() // empty: every script file is missing

	_, err := Load(context.Background(), client, dir)
	require.Error(t, err)
	require.Equal(t, errors.Config, errors.CanonicalCode(err))
}

func TestGetPanicsOnUnknownName(t *testing.T) {
	client := newTestRedis(t)
	dir, err := ResolveDir()
	require.NoError(t, err)
	b, err := Load(context.Background(), client, dir)
	require.NoError(t, err)

	require.Panics(t, func() { b.Get("no_such_script") })
}
