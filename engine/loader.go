package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LoadConfig is handed to the Instantiator on the first Acquire. Later
// Acquire calls return the cached Future and their config is ignored.
type LoadConfig struct {
	// OnAbort is called when instantiation fails, after the loader has
	// resolved the Future and updated its cache.
	OnAbort func(reason error)

	// LocateBinary supplies the SQLite Wasm binary. Optional, defaults to
	// the embedded build.
	LocateBinary func() ([]byte, error)

	// MemoryLimitPages caps the linear memory of each engine instance in
	// 64KiB pages. Optional, defaults to the engine's own limit.
	MemoryLimitPages uint32

	// CompilationCacheDir keeps compiled machine code between runs.
	CompilationCacheDir string

	// Interpreter forces the wazero interpreter instead of the compiler.
	Interpreter bool
}

// Instantiator builds a Module from a LoadConfig. It is called at most once
// per Future.
type Instantiator func(ctx context.Context, cfg LoadConfig) (*Module, error)

// LoadState describes the loader's cache slot.
type LoadState int

const (
	LoadNotStarted LoadState = iota
	LoadInFlight
	LoadReady
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadInFlight:
		return "loading"
	case LoadReady:
		return "ready"
	case LoadFailed:
		return "failed"
	default:
		return "not_started"
	}
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Instantiator Instantiator // Optional, defaults to WasmInstantiator
	Logger       *slog.Logger // Optional, defaults to slog.Default()

	// RetryOnFailure releases a failed Future once it resolves so the next
	// Acquire starts a fresh attempt. When false a failure is cached for the
	// lifetime of the Loader.
	RetryOnFailure bool

	// OnLoaded is called once per attempt with its outcome and duration.
	OnLoaded func(err error, elapsed time.Duration)
}

// Loader instantiates the engine at most once and shares the pending or
// resolved Future between all callers.
type Loader struct {
	mu     sync.Mutex
	future *Future
	// lastFailed is the released Future of a failed attempt under
	// RetryOnFailure. State reports it until the next attempt starts.
	lastFailed *Future

	instantiate    Instantiator
	retryOnFailure bool
	onLoaded       func(err error, elapsed time.Duration)
	logger         *slog.Logger
}

// NewLoader creates a Loader with an empty cache slot.
func NewLoader(opts LoaderOptions) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instantiate := opts.Instantiator
	if instantiate == nil {
		instantiate = WasmInstantiator
	}
	return &Loader{
		instantiate:    instantiate,
		retryOnFailure: opts.RetryOnFailure,
		onLoaded:       opts.OnLoaded,
		logger:         logger.With("component", "engine-loader"),
	}
}

// Acquire returns the Future for the engine module, starting instantiation
// on the first call. Concurrent and later callers get the same Future.
func (l *Loader) Acquire(cfg LoadConfig) *Future {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.future != nil {
		return l.future
	}

	f := newFuture()
	l.future = f
	l.lastFailed = nil
	l.logger.Debug("starting engine instantiation")
	go l.load(f, cfg)
	return f
}

// State reports whether the engine is loading, loaded or failed.
func (l *Loader) State() LoadState {
	l.mu.Lock()
	f := l.future
	if f == nil {
		f = l.lastFailed
	}
	l.mu.Unlock()

	if f == nil {
		return LoadNotStarted
	}
	select {
	case <-f.done:
		if f.err != nil {
			return LoadFailed
		}
		return LoadReady
	default:
		return LoadInFlight
	}
}

func (l *Loader) load(f *Future, cfg LoadConfig) {
	start := time.Now()
	mod, err := l.safeInstantiate(cfg)
	elapsed := time.Since(start)

	if l.onLoaded != nil {
		l.onLoaded(err, elapsed)
	}

	if err == nil {
		l.logger.Info("engine ready", "version", mod.Version(), "elapsed", elapsed)
		f.resolve(mod, nil)
		return
	}

	loadErr := &Error{Kind: KindLoadFailure, Message: err.Error(), Cause: err}

	l.mu.Lock()
	f.resolve(nil, loadErr)
	if l.retryOnFailure && l.future == f {
		l.future = nil
		l.lastFailed = f
	}
	l.mu.Unlock()

	l.logger.Error("engine instantiation failed",
		"error", err,
		"elapsed", elapsed,
		"retry_on_failure", l.retryOnFailure,
	)

	if cfg.OnAbort != nil {
		cfg.OnAbort(loadErr)
	}
}

func (l *Loader) safeInstantiate(cfg LoadConfig) (mod *Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			mod, err = nil, fmt.Errorf("engine aborted: %v", r)
		}
	}()

	mod, err = l.instantiate(context.Background(), cfg)
	if err == nil && mod == nil {
		err = fmt.Errorf("instantiator returned no module")
	}
	return mod, err
}

// Future is the pending or resolved result of one instantiation attempt.
type Future struct {
	done   chan struct{}
	module *Module
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(mod *Module, err error) {
	f.module = mod
	f.err = err
	close(f.done)
}

// Done is closed once the Future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Future resolves or ctx is done. A cancelled wait
// does not affect the instantiation itself.
func (f *Future) Wait(ctx context.Context) (*Module, error) {
	select {
	case <-f.done:
		return f.module, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
