package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/protocol"
)

var sharedLoader = engine.NewLoader(engine.LoaderOptions{})

func startWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	if cfg.Loader == nil {
		cfg.Loader = sharedLoader
	}
	w, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	return w
}

func do(t *testing.T, w *Worker, req protocol.Request) []protocol.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var out Collector
	require.NoError(t, w.Do(ctx, req, &out))
	require.NotEmpty(t, out.Responses)
	return out.Responses
}

func exec(t *testing.T, w *Worker, id, sql string) protocol.Response {
	t.Helper()
	resps := do(t, w, protocol.Exec{ID: protocol.StringID(id), SQL: sql})
	require.Len(t, resps, 1)
	return resps[0]
}

func sharedModule(t *testing.T) *engine.Module {
	t.Helper()
	mod, err := sharedLoader.Acquire(engine.LoadConfig{}).Wait(context.Background())
	require.NoError(t, err)
	return mod
}

func TestNew_RequiresLoader(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoLoader)
}

func TestWorker_OpenExecSelect(t *testing.T) {
	w := startWorker(t, Config{})
	assert.Equal(t, StateUninitialized, w.State())

	resps := do(t, w, protocol.Open{ID: protocol.StringID("open")})
	require.Len(t, resps, 1)
	assert.Equal(t, protocol.Ready(protocol.StringID("open")), resps[0])
	assert.Equal(t, StateReady, w.State())

	resp := exec(t, w, "q", "CREATE TABLE t(a); INSERT INTO t VALUES (1); SELECT * FROM t;")
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `"q"`, string(resp.ID))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, []string{"a"}, resp.Results[0].Columns)
	assert.Equal(t, [][]any{{int64(1)}}, resp.Results[0].Values)
}

func TestWorker_ExportThenOpenRestoresRows(t *testing.T) {
	w := startWorker(t, Config{})

	resp := exec(t, w, "1", "CREATE TABLE t(a, b); INSERT INTO t VALUES (1, 'one'), (2, 'two');")
	require.Empty(t, resp.Error)

	resps := do(t, w, protocol.Export{ID: protocol.StringID("2")})
	require.Len(t, resps, 1)
	buf := resps[0].Buffer
	require.NotEmpty(t, buf)

	// the handle stays usable after export
	resp = exec(t, w, "3", "INSERT INTO t VALUES (3, 'three')")
	require.Empty(t, resp.Error)

	resps = do(t, w, protocol.Open{ID: protocol.StringID("4"), Buffer: buf})
	require.True(t, resps[0].Ready)

	resp = exec(t, w, "5", "SELECT a, b FROM t ORDER BY a")
	require.Empty(t, resp.Error)
	assert.Equal(t, [][]any{{int64(1), "one"}, {int64(2), "two"}}, resp.Results[0].Values)
}

func TestWorker_EachStreamsRowsThenFinished(t *testing.T) {
	w := startWorker(t, Config{})
	exec(t, w, "setup", "CREATE TABLE t(a); INSERT INTO t VALUES (1), (2), (3);")

	resps := do(t, w, protocol.Each{ID: protocol.StringID("each"), SQL: "SELECT a FROM t ORDER BY a"})
	require.Len(t, resps, 4)
	for i, resp := range resps[:3] {
		assert.JSONEq(t, `"each"`, string(resp.ID))
		assert.Equal(t, engine.Row{"a": int64(i + 1)}, resp.Row)
		require.NotNil(t, resp.Finished)
		assert.False(t, *resp.Finished)
	}
	last := resps[3]
	require.NotNil(t, last.Finished)
	assert.True(t, *last.Finished)
	assert.Nil(t, last.Row)
}

func TestWorker_EachNoRows(t *testing.T) {
	w := startWorker(t, Config{})

	resps := do(t, w, protocol.Each{ID: protocol.StringID("e"), SQL: "SELECT 1 WHERE 0"})
	require.Len(t, resps, 1)
	assert.Equal(t, protocol.Finished(protocol.StringID("e")), resps[0])
}

func TestWorker_ExecMissingSQLKeepsHandle(t *testing.T) {
	w := startWorker(t, Config{})
	exec(t, w, "setup", "CREATE TABLE t(a); INSERT INTO t VALUES (7);")

	resp := exec(t, w, "bad", "")
	assert.JSONEq(t, `"bad"`, string(resp.ID))
	assert.Equal(t, "exec: Missing query string", resp.Error)
	assert.Equal(t, "InvalidArgument", resp.Kind)
	assert.ErrorIs(t, resp.Err(), engine.ErrInvalidArgument)

	resp = exec(t, w, "after", "SELECT a FROM t")
	require.Empty(t, resp.Error)
	assert.Equal(t, [][]any{{int64(7)}}, resp.Results[0].Values)
}

func TestWorker_EngineErrorIsReported(t *testing.T) {
	w := startWorker(t, Config{})

	resp := exec(t, w, "bad", "SELECT * FROM missing_table")
	assert.Equal(t, "EngineError", resp.Kind)
	assert.Contains(t, resp.Error, "no such table")
}

func TestWorker_OpenTwiceReleasesFirst(t *testing.T) {
	mod := sharedModule(t)
	w := startWorker(t, Config{})
	before := mod.OpenHandles()

	do(t, w, protocol.Open{ID: protocol.StringID("1")})
	exec(t, w, "2", "CREATE TABLE first(a)")
	assert.Equal(t, before+1, mod.OpenHandles())

	do(t, w, protocol.Open{ID: protocol.StringID("3")})
	assert.Equal(t, before+1, mod.OpenHandles())

	resp := exec(t, w, "4", "SELECT count(*) FROM sqlite_master")
	assert.Equal(t, [][]any{{int64(0)}}, resp.Results[0].Values)
}

func TestWorker_FailedOpenKeepsCurrentHandle(t *testing.T) {
	w := startWorker(t, Config{})
	exec(t, w, "1", "CREATE TABLE keep(a); INSERT INTO keep VALUES (1);")

	resps := do(t, w, protocol.Open{ID: protocol.StringID("2"), Buffer: []byte("this is not a database image at all")})
	assert.Equal(t, "EngineError", resps[0].Kind)

	resp := exec(t, w, "3", "SELECT a FROM keep")
	require.Empty(t, resp.Error)
	assert.Equal(t, [][]any{{int64(1)}}, resp.Results[0].Values)
}

func TestWorker_ExportWithoutDatabase(t *testing.T) {
	w := startWorker(t, Config{})

	resps := do(t, w, protocol.Export{ID: protocol.StringID("x")})
	require.Len(t, resps, 1)
	assert.Equal(t, "StateError", resps[0].Kind)

	do(t, w, protocol.Open{ID: protocol.StringID("o")})
	do(t, w, protocol.Close{ID: protocol.StringID("c")})
	resps = do(t, w, protocol.Export{ID: protocol.StringID("y")})
	assert.ErrorIs(t, resps[0].Err(), engine.ErrState)
}

func TestWorker_CloseThenExecOpensFreshDatabase(t *testing.T) {
	w := startWorker(t, Config{})
	exec(t, w, "1", "CREATE TABLE t(a)")

	resps := do(t, w, protocol.Close{ID: protocol.StringID("2")})
	assert.Equal(t, protocol.Closed(protocol.StringID("2")), resps[0])
	assert.Equal(t, StateClosed, w.State())

	// closing again is fine
	resps = do(t, w, protocol.Close{ID: protocol.StringID("3")})
	assert.Empty(t, resps[0].Error)

	resp := exec(t, w, "4", "SELECT count(*) FROM sqlite_master")
	require.Empty(t, resp.Error)
	assert.Equal(t, [][]any{{int64(0)}}, resp.Results[0].Values)
	assert.Equal(t, StateReady, w.State())
}

func TestWorker_HandlePayload(t *testing.T) {
	w := startWorker(t, Config{})
	ctx := context.Background()

	var out Collector
	require.NoError(t, w.HandlePayload(ctx, []byte(`{"id":11,"action":"drop_everything"}`), &out))
	require.Len(t, out.Responses, 1)
	assert.JSONEq(t, `11`, string(out.Responses[0].ID))
	assert.Equal(t, "InvalidArgument", out.Responses[0].Kind)
	assert.Contains(t, out.Responses[0].Error, "drop_everything")

	out = Collector{}
	require.NoError(t, w.HandlePayload(ctx, []byte(`{"id":12,"action":"exec","sql":"SELECT ? + ?","params":[40,2]}`), &out))
	require.Len(t, out.Responses, 1)
	assert.Equal(t, [][]any{{int64(42)}}, out.Responses[0].Results[0].Values)
}

func TestWorker_ConcurrentSubmittersAreSerialized(t *testing.T) {
	w := startWorker(t, Config{QueueSize: 4})
	exec(t, w, "setup", "CREATE TABLE t(n INTEGER)")

	const n = 50
	var wg sync.WaitGroup
	errs := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out Collector
			req := protocol.Exec{
				ID:     protocol.StringID(fmt.Sprint(i)),
				SQL:    "INSERT INTO t VALUES (?); SELECT count(*) FROM t WHERE n = ?",
				Params: engine.Params{Positional: []any{i}},
			}
			if err := w.Do(context.Background(), req, &out); err != nil {
				errs[i] = err.Error()
				return
			}
			resp := out.Last()
			if resp.Error != "" {
				errs[i] = resp.Error
			} else if string(resp.ID) != string(protocol.StringID(fmt.Sprint(i))) {
				errs[i] = "mismatched id " + string(resp.ID)
			}
		}()
	}
	wg.Wait()
	for i, e := range errs {
		assert.Empty(t, e, "request %d", i)
	}

	resp := exec(t, w, "count", "SELECT count(*), count(DISTINCT n) FROM t")
	assert.Equal(t, [][]any{{int64(n), int64(n)}}, resp.Results[0].Values)
}

func TestWorker_ExportToPlainSinkCopies(t *testing.T) {
	w := startWorker(t, Config{})
	exec(t, w, "1", "CREATE TABLE t(a)")

	var got []byte
	sink := SinkFunc(func(resp protocol.Response) error {
		got = resp.Buffer
		return nil
	})
	require.NoError(t, w.Do(context.Background(), protocol.Export{ID: protocol.StringID("2")}, sink))
	require.GreaterOrEqual(t, len(got), 16)
	assert.Equal(t, "SQLite format 3\x00", string(got[:16]))
}

func TestWorker_SinkFailureDoesNotStopLoop(t *testing.T) {
	w := startWorker(t, Config{})
	exec(t, w, "1", "CREATE TABLE t(a); INSERT INTO t VALUES (1), (2);")

	var posts atomic.Int32
	broken := SinkFunc(func(protocol.Response) error {
		posts.Add(1)
		return errors.New("connection reset")
	})
	require.NoError(t, w.Do(context.Background(), protocol.Each{ID: protocol.StringID("2"), SQL: "SELECT a FROM t"}, broken))
	assert.Equal(t, int32(1), posts.Load(), "iteration stops at the first failed post")

	resp := exec(t, w, "3", "SELECT count(*) FROM t")
	assert.Equal(t, [][]any{{int64(2)}}, resp.Results[0].Values)
}

func TestWorker_PanicBecomesErrorResponse(t *testing.T) {
	w := startWorker(t, Config{})

	var (
		once sync.Once
		out  Collector
	)
	sink := SinkFunc(func(resp protocol.Response) error {
		panicked := false
		once.Do(func() { panicked = true })
		if panicked {
			panic("sink exploded")
		}
		return out.Post(resp)
	})
	require.NoError(t, w.Do(context.Background(), protocol.Exec{ID: protocol.StringID("p"), SQL: "SELECT 1"}, sink))
	require.Len(t, out.Responses, 1)
	assert.Equal(t, "EngineError", out.Responses[0].Kind)
	assert.Contains(t, out.Responses[0].Error, "sink exploded")

	resp := exec(t, w, "after", "SELECT 2")
	assert.Equal(t, [][]any{{int64(2)}}, resp.Results[0].Values)
}

func TestWorker_LoadFailureAnswersEveryRequest(t *testing.T) {
	var calls atomic.Int32
	loader := engine.NewLoader(engine.LoaderOptions{
		Instantiator: func(context.Context, engine.LoadConfig) (*engine.Module, error) {
			calls.Add(1)
			return nil, errors.New("no wasm for you")
		},
	})
	w := startWorker(t, Config{Loader: loader})

	for _, req := range []protocol.Request{
		protocol.Open{ID: protocol.StringID("1")},
		protocol.Exec{ID: protocol.StringID("2"), SQL: "SELECT 1"},
	} {
		resps := do(t, w, req)
		require.Len(t, resps, 1)
		assert.Equal(t, "LoadFailure", resps[0].Kind)
		assert.Equal(t, "no wasm for you", resps[0].Error)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, engine.LoadFailed, w.LoadState())
}

func TestWorker_LoadRetry(t *testing.T) {
	var calls atomic.Int32
	loader := engine.NewLoader(engine.LoaderOptions{
		RetryOnFailure: true,
		Instantiator: func(ctx context.Context, cfg engine.LoadConfig) (*engine.Module, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return engine.WasmInstantiator(ctx, cfg)
		},
	})
	w := startWorker(t, Config{Loader: loader})

	// The attempt started by Run fails; whichever request observes it gets
	// the failure and the next one loads again.
	resp := exec(t, w, "q1", "SELECT 1")
	if resp.Error != "" {
		assert.Equal(t, "LoadFailure", resp.Kind)
		resp = exec(t, w, "q2", "SELECT 1")
	}
	require.Empty(t, resp.Error)
	assert.Equal(t, [][]any{{int64(1)}}, resp.Results[0].Values)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWorker_StopRejectsNewRequests(t *testing.T) {
	w, err := New(Config{Loader: sharedLoader})
	require.NoError(t, err)

	go func() { _ = w.Run(context.Background()) }()
	exec(t, w, "1", "SELECT 1")

	w.Stop()
	<-w.Done()
	assert.Equal(t, StateClosed, w.State())

	err = w.Submit(context.Background(), protocol.Close{}, &Collector{})
	assert.ErrorIs(t, err, ErrStopped)

	var out Collector
	err = w.HandlePayload(context.Background(), []byte(`{"id":2,"action":"close"}`), &out)
	assert.ErrorIs(t, err, ErrStopped)
	require.Len(t, out.Responses, 1)
	assert.Equal(t, "StateError", out.Responses[0].Kind)

	assert.ErrorIs(t, w.Run(context.Background()), ErrAlreadyRunning)
}
