package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed" // embedded SQLite Wasm binary
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// compiled tracks the one compile the engine package allows per process.
// sqlite3.Initialize caches its first outcome, so nothing reaches it until
// the binary has been checked.
var compiled struct {
	sync.Mutex
	done    bool
	bin     []byte
	runtime runtimeOpts
}

// runtimeOpts are the LoadConfig fields that shape the compiled runtime.
type runtimeOpts struct {
	MemoryLimitPages    uint32
	CompilationCacheDir string
	Interpreter         bool
}

// WasmInstantiator checks and compiles the SQLite Wasm binary and probes it
// by opening an in-memory database.
//
// A binary that fails to compile is rejected without touching the engine's
// process-wide cache, so a later attempt with a corrected LocateBinary can
// still succeed. Once a compile has succeeded, the binary and runtime
// options of later calls are ignored and a warning is logged.
func WasmInstantiator(ctx context.Context, cfg LoadConfig) (*Module, error) {
	bin := sqlite3.Binary
	if cfg.LocateBinary != nil {
		var err error
		bin, err = cfg.LocateBinary()
		if err != nil {
			return nil, fmt.Errorf("locate sqlite binary: %w", err)
		}
	}
	if err := checkBinary(ctx, bin); err != nil {
		return nil, fmt.Errorf("compile sqlite: %w", err)
	}

	if err := initialize(ctx, bin, cfg); err != nil {
		return nil, fmt.Errorf("compile sqlite: %w", err)
	}

	version, err := probeVersion()
	if err != nil {
		return nil, fmt.Errorf("probe sqlite: %w", err)
	}
	return newModule(version), nil
}

// checkBinary compiles bin on a throwaway interpreter runtime.
func checkBinary(ctx context.Context, bin []byte) error {
	if len(bin) == 0 {
		return errors.New("no sqlite binary")
	}
	rc := wazero.NewRuntimeConfigInterpreter().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	defer r.Close(ctx)

	mod, err := r.CompileModule(ctx, bin)
	if err != nil {
		return err
	}
	return mod.Close(ctx)
}

func initialize(ctx context.Context, bin []byte, cfg LoadConfig) error {
	compiled.Lock()
	defer compiled.Unlock()

	opts := runtimeOptions(cfg)
	if compiled.done {
		if opts != compiled.runtime || !bytes.Equal(bin, compiled.bin) {
			slog.Default().Warn("sqlite already compiled in this process, ignoring binary and runtime options",
				"component", "engine-wasm",
				"interpreter", opts.Interpreter,
				"memory_limit_pages", opts.MemoryLimitPages,
				"compilation_cache_dir", opts.CompilationCacheDir,
			)
		}
		return nil
	}

	rc, err := runtimeConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if rc != nil {
		sqlite3.RuntimeConfig = rc
	}
	sqlite3.Binary = bin
	if err := sqlite3.Initialize(); err != nil {
		return err
	}

	compiled.done = true
	compiled.bin = bin
	compiled.runtime = opts
	return nil
}

func runtimeOptions(cfg LoadConfig) runtimeOpts {
	return runtimeOpts{
		MemoryLimitPages:    cfg.MemoryLimitPages,
		CompilationCacheDir: cfg.CompilationCacheDir,
		Interpreter:         cfg.Interpreter,
	}
}

func runtimeConfig(_ context.Context, cfg LoadConfig) (wazero.RuntimeConfig, error) {
	if cfg.MemoryLimitPages == 0 && cfg.CompilationCacheDir == "" && !cfg.Interpreter {
		return nil, nil
	}

	var rc wazero.RuntimeConfig
	if cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}
	rc = rc.WithCoreFeatures(api.CoreFeaturesV2)

	if cfg.MemoryLimitPages != 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.CompilationCacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CompilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("open compilation cache: %w", err)
		}
		rc = rc.WithCompilationCache(cache)
	}
	return rc, nil
}

func probeVersion() (string, error) {
	conn, err := sqlite3.Open(":memory:")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stmt, _, err := conn.Prepare("SELECT sqlite_version()")
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	if !stmt.Step() {
		if err := stmt.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("sqlite_version() returned no rows")
	}
	return stmt.ColumnText(0), nil
}
