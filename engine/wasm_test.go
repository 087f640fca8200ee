package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/ncruces/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeConfig(t *testing.T) {
	ctx := context.Background()

	rc, err := runtimeConfig(ctx, LoadConfig{})
	require.NoError(t, err)
	assert.Nil(t, rc, "defaults leave the engine's own runtime config alone")

	rc, err = runtimeConfig(ctx, LoadConfig{Interpreter: true, MemoryLimitPages: 256})
	require.NoError(t, err)
	assert.NotNil(t, rc)

	rc, err = runtimeConfig(ctx, LoadConfig{CompilationCacheDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, rc)
}

func TestWasmInstantiator_LocateBinaryFailure(t *testing.T) {
	missing := errors.New("no binary here")
	_, err := WasmInstantiator(context.Background(), LoadConfig{
		LocateBinary: func() ([]byte, error) { return nil, missing },
	})
	assert.ErrorIs(t, err, missing)
	assert.ErrorContains(t, err, "locate sqlite binary")
}

func TestWasmInstantiator_BadBinaryCanBeRetried(t *testing.T) {
	embedded := sqlite3.Binary
	require.NotEmpty(t, embedded)

	var bad bool
	loader := NewLoader(LoaderOptions{RetryOnFailure: true})
	cfg := LoadConfig{LocateBinary: func() ([]byte, error) {
		if bad {
			return []byte("not wasm"), nil
		}
		return embedded, nil
	}}

	bad = true
	_, err := loader.Acquire(cfg).Wait(context.Background())
	require.ErrorIs(t, err, ErrLoadFailure)
	assert.ErrorContains(t, err, "compile sqlite")
	assert.Equal(t, LoadFailed, loader.State())
	assert.Equal(t, embedded, sqlite3.Binary, "a rejected binary is never installed")

	bad = false
	mod, err := loader.Acquire(cfg).Wait(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, mod.Version())
	assert.Equal(t, LoadReady, loader.State())
}

func TestWasmInstantiator_EmptyBinary(t *testing.T) {
	_, err := WasmInstantiator(context.Background(), LoadConfig{
		LocateBinary: func() ([]byte, error) { return nil, nil },
	})
	assert.ErrorContains(t, err, "no sqlite binary")
}

func TestWasmInstantiator_LaterOptionsIgnored(t *testing.T) {
	_, err := WasmInstantiator(context.Background(), LoadConfig{})
	require.NoError(t, err)

	mod, err := WasmInstantiator(context.Background(), LoadConfig{Interpreter: true, MemoryLimitPages: 64})
	require.NoError(t, err, "a compiled engine is reused, not rebuilt")
	assert.NotEmpty(t, mod.Version())
}
