package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingInstantiator returns a fake Instantiator that blocks until release
// is closed and records how many times it ran.
func countingInstantiator(calls *atomic.Int32, release <-chan struct{}, results ...error) Instantiator {
	return func(ctx context.Context, cfg LoadConfig) (*Module, error) {
		n := calls.Add(1)
		if release != nil {
			<-release
		}
		if int(n) <= len(results) && results[n-1] != nil {
			return nil, results[n-1]
		}
		return newModule("fake"), nil
	}
}

func TestLoaderAcquire_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	loader := NewLoader(LoaderOptions{Instantiator: countingInstantiator(&calls, release)})

	const callers = 32
	futures := make([]*Future, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures[i] = loader.Acquire(LoadConfig{})
		}()
	}
	wg.Wait()

	assert.Equal(t, LoadInFlight, loader.State())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := futures[0].Wait(ctx)
	require.NoError(t, err)
	for i, f := range futures {
		assert.Same(t, futures[0], f, "caller %d got a different future", i)
		mod, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Same(t, first, mod)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, LoadReady, loader.State())
}

func TestLoaderAcquire_AfterResolve(t *testing.T) {
	var calls atomic.Int32
	loader := NewLoader(LoaderOptions{Instantiator: countingInstantiator(&calls, nil)})

	f1 := loader.Acquire(LoadConfig{})
	_, err := f1.Wait(context.Background())
	require.NoError(t, err)

	f2 := loader.Acquire(LoadConfig{MemoryLimitPages: 16})
	assert.Same(t, f1, f2)

	select {
	case <-f2.Done():
	default:
		t.Fatal("resolved future should be done immediately")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoaderFailure_CachedByDefault(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("wasm validation failed")
	loader := NewLoader(LoaderOptions{Instantiator: countingInstantiator(&calls, nil, boom, nil)})

	_, err := loader.Acquire(LoadConfig{}).Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "wasm validation failed", err.Error())

	_, err2 := loader.Acquire(LoadConfig{}).Wait(context.Background())
	assert.Same(t, err, err2)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, LoadFailed, loader.State())
}

func TestLoaderFailure_RetryOnFailure(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("transient")
	loader := NewLoader(LoaderOptions{
		Instantiator:   countingInstantiator(&calls, nil, boom, nil),
		RetryOnFailure: true,
	})

	failed := loader.Acquire(LoadConfig{})
	_, err := failed.Wait(context.Background())
	require.ErrorIs(t, err, ErrLoadFailure)
	// released for a retry, but still reported as failed
	assert.Equal(t, LoadFailed, loader.State())
	assert.Equal(t, LoadFailed, loader.State(), "State does not start an attempt")
	assert.Equal(t, int32(1), calls.Load())

	retried := loader.Acquire(LoadConfig{})
	assert.NotSame(t, failed, retried)
	mod, err := retried.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", mod.Version())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, LoadReady, loader.State())

	// the failed future keeps its result
	_, err = failed.Wait(context.Background())
	assert.ErrorIs(t, err, ErrLoadFailure)
}

func TestLoaderFailure_ConcurrentCallersSeeSameError(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	loader := NewLoader(LoaderOptions{
		Instantiator: countingInstantiator(&calls, release, errors.New("out of memory")),
	})

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = loader.Acquire(LoadConfig{}).Wait(context.Background())
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.Same(t, errs[0], err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoaderOnAbort_RunsAfterBookkeeping(t *testing.T) {
	for _, retry := range []bool{false, true} {
		var calls atomic.Int32
		loader := NewLoader(LoaderOptions{
			Instantiator:   countingInstantiator(&calls, nil, errors.New("abort")),
			RetryOnFailure: retry,
		})

		var (
			seenState LoadState
			seenErr   error
			fired     = make(chan struct{})
		)
		f := loader.Acquire(LoadConfig{OnAbort: func(reason error) {
			seenState = loader.State()
			seenErr = reason
			close(fired)
		}})

		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("OnAbort was not called")
		}

		select {
		case <-f.Done():
		default:
			t.Fatal("future must be resolved before OnAbort runs")
		}
		_, err := f.Wait(context.Background())
		assert.Same(t, err, seenErr)
		assert.Equal(t, LoadFailed, seenState)
	}
}

func TestLoaderPanicBecomesLoadFailure(t *testing.T) {
	loader := NewLoader(LoaderOptions{Instantiator: func(context.Context, LoadConfig) (*Module, error) {
		panic("unreachable executed")
	}})

	_, err := loader.Acquire(LoadConfig{}).Wait(context.Background())
	require.ErrorIs(t, err, ErrLoadFailure)
	assert.Contains(t, err.Error(), "unreachable executed")
}

func TestLoaderNilModuleIsFailure(t *testing.T) {
	loader := NewLoader(LoaderOptions{Instantiator: func(context.Context, LoadConfig) (*Module, error) {
		return nil, nil
	}})

	_, err := loader.Acquire(LoadConfig{}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrLoadFailure)
}

func TestFutureWait_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	loader := NewLoader(LoaderOptions{Instantiator: countingInstantiator(&calls, release)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := loader.Acquire(LoadConfig{}).Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, LoadInFlight, loader.State())
}

func TestLoaderOnLoaded(t *testing.T) {
	var (
		mu      sync.Mutex
		outcome []error
	)
	loader := NewLoader(LoaderOptions{
		Instantiator:   countingInstantiator(new(atomic.Int32), nil, errors.New("first"), nil),
		RetryOnFailure: true,
		OnLoaded: func(err error, _ time.Duration) {
			mu.Lock()
			outcome = append(outcome, err)
			mu.Unlock()
		},
	})

	_, _ = loader.Acquire(LoadConfig{}).Wait(context.Background())
	_, err := loader.Acquire(LoadConfig{}).Wait(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcome, 2)
	assert.Error(t, outcome[0])
	assert.NoError(t, outcome[1])
}

func TestLoaderState_RetryInFlightAfterFailure(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	first := true
	loader := NewLoader(LoaderOptions{
		Instantiator: func(ctx context.Context, cfg LoadConfig) (*Module, error) {
			if first {
				first = false
				return nil, errors.New("transient")
			}
			return countingInstantiator(&calls, release)(ctx, cfg)
		},
		RetryOnFailure: true,
	})
	assert.Equal(t, LoadNotStarted, loader.State())

	_, err := loader.Acquire(LoadConfig{}).Wait(context.Background())
	require.ErrorIs(t, err, ErrLoadFailure)
	assert.Equal(t, LoadFailed, loader.State())

	f := loader.Acquire(LoadConfig{})
	assert.Equal(t, LoadInFlight, loader.State())
	close(release)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LoadReady, loader.State())
}
