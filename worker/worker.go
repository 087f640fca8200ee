package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/observability"
	"github.com/tomyedwab/sqlworker/protocol"
)

const defaultQueueSize = 64

// State of the worker's database slot.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Config holds configuration options for a Worker.
type Config struct {
	Loader     *engine.Loader
	LoadConfig engine.LoadConfig      // Optional, passed to the first Acquire
	Logger     *slog.Logger           // Optional, defaults to slog.Default()
	QueueSize  int                    // Optional, defaults to 64
	Metrics    *observability.Metrics // Optional
}

// Worker owns at most one open database and serves requests against it one
// at a time, in the order they were submitted. Any number of goroutines may
// submit; only the goroutine running Run touches the database.
type Worker struct {
	loader  *engine.Loader
	loadCfg engine.LoadConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	queue    chan *job
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	mu      sync.RWMutex // guards stopped against enqueue
	stopped bool

	state atomic.Int32

	// Owned by the Run goroutine.
	module *engine.Module
	db     *engine.Database
}

type job struct {
	ctx  context.Context
	req  protocol.Request
	sink Sink
	done chan struct{}
}

// New creates a Worker. Call Run to start serving.
func New(cfg Config) (*Worker, error) {
	if cfg.Loader == nil {
		return nil, ErrNoLoader
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Worker{
		loader:  cfg.Loader,
		loadCfg: cfg.LoadConfig,
		logger:  logger.With("component", "worker"),
		metrics: cfg.Metrics,
		queue:   make(chan *job, queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run serves requests until ctx is cancelled or Stop is called. On return
// the open database is closed and queued requests are answered with an
// error.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(w.done)
	defer w.shutdown()

	// Start loading now; the first request waits for it.
	w.loader.Acquire(w.loadCfg)
	w.logger.Info("Worker running.", "queue_size", cap(w.queue))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled.")
			return nil
		case <-w.quit:
			w.logger.Info("Worker received stop signal.")
			return nil
		case j := <-w.queue:
			w.metrics.QueueChanged(ctx, -1)
			w.handle(ctx, j)
		}
	}
}

// Stop signals Run to return. It does not wait; use Done for that.
func (w *Worker) Stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// State reports whether a database is open.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// LoadState reports the state of the engine loader.
func (w *Worker) LoadState() engine.LoadState {
	return w.loader.State()
}

// Submit queues req. Responses are posted to sink from the worker goroutine.
// It blocks while the queue is full.
func (w *Worker) Submit(ctx context.Context, req protocol.Request, sink Sink) error {
	_, err := w.enqueue(ctx, req, sink)
	return err
}

// Do queues req and waits until every response for it has been posted.
func (w *Worker) Do(ctx context.Context, req protocol.Request, sink Sink) error {
	j, err := w.enqueue(ctx, req, sink)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePayload decodes a JSON request and runs it. Undecodable payloads and
// requests refused because the worker stopped are answered on sink.
func (w *Worker) HandlePayload(ctx context.Context, payload []byte, sink Sink) error {
	req, err := protocol.Decode(payload)
	if err != nil {
		var id protocol.ID
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			id = de.ID
		}
		w.logger.Debug("Rejected request", "error", err)
		return sink.Post(protocol.ErrorResponse(id, err))
	}

	err = w.Do(ctx, req, sink)
	if errors.Is(err, ErrStopped) {
		if perr := sink.Post(protocol.ErrorResponse(req.RequestID(), stoppedError())); perr != nil {
			return perr
		}
	}
	return err
}

func (w *Worker) enqueue(ctx context.Context, req protocol.Request, sink Sink) (*job, error) {
	if req == nil || sink == nil {
		return nil, fmt.Errorf("worker: request and sink are required")
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return nil, ErrStopped
	}

	j := &job{ctx: ctx, req: req, sink: sink, done: make(chan struct{})}
	select {
	case w.queue <- j:
		w.metrics.QueueChanged(ctx, 1)
		return j, nil
	case <-w.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) shutdown() {
	w.quitOnce.Do(func() { close(w.quit) })

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

drain:
	for {
		select {
		case j := <-w.queue:
			w.metrics.QueueChanged(context.Background(), -1)
			if err := j.sink.Post(protocol.ErrorResponse(j.req.RequestID(), stoppedError())); err != nil {
				w.logger.Warn("Failed to reject queued request", "error", err)
			}
			close(j.done)
		default:
			break drain
		}
	}

	if err := w.closeDatabase(); err != nil {
		w.logger.Error("Error closing database during shutdown", "error", err)
	}
	w.logger.Info("Worker stopped.")
}

func stoppedError() error {
	return &engine.Error{Kind: engine.KindState, Message: ErrStopped.Error(), Cause: ErrStopped}
}

func (w *Worker) handle(ctx context.Context, j *job) {
	defer close(j.done)

	if j.ctx.Err() != nil {
		w.logger.Debug("Dropping request, submitter went away", "action", j.req.Action())
		return
	}

	start := time.Now()
	action := j.req.Action()
	err := w.dispatch(ctx, j.req, j.sink)

	var kind string
	if err != nil {
		var se *sinkError
		if errors.As(err, &se) {
			kind = "SinkError"
			w.logger.Warn("Failed to deliver response", "action", action, "error", err)
		} else {
			kind = engine.KindOf(err).String()
			w.logger.Debug("Request failed", "action", action, "kind", kind, "error", err)
			if perr := j.sink.Post(protocol.ErrorResponse(j.req.RequestID(), err)); perr != nil {
				w.logger.Warn("Failed to deliver error response", "action", action, "error", perr)
			}
		}
	}
	w.metrics.RecordRequest(ctx, string(action), kind, time.Since(start))
}

func (w *Worker) dispatch(ctx context.Context, req protocol.Request, sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic in request handler", "action", req.Action(), "panic", r, "stack", string(debug.Stack()))
			err = engine.Errorf(engine.KindEngine, "internal error: %v", r)
		}
	}()

	if err := w.ensureModule(ctx); err != nil {
		return err
	}

	switch r := req.(type) {
	case protocol.Open:
		return w.handleOpen(r, sink)
	case protocol.Exec:
		return w.handleExec(r, sink)
	case protocol.Each:
		return w.handleEach(ctx, r, sink)
	case protocol.Export:
		return w.handleExport(ctx, r, sink)
	case protocol.Close:
		return w.handleClose(r, sink)
	default:
		return engine.Errorf(engine.KindInvalidArgument, "Invalid action : %s", req.Action())
	}
}

// ensureModule waits for the loader. A failed load is retried on the next
// request only when the loader releases failures.
func (w *Worker) ensureModule(ctx context.Context) error {
	if w.module != nil {
		return nil
	}
	mod, err := w.loader.Acquire(w.loadCfg).Wait(ctx)
	if err != nil {
		if engine.KindOf(err) == engine.KindUnknown {
			return &engine.Error{Kind: engine.KindLoadFailure, Message: "waiting for engine: " + err.Error(), Cause: err}
		}
		return err
	}
	w.module = mod
	return nil
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) closeDatabase() error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	w.setState(StateClosed)
	return err
}

// database returns the open database, opening an empty one if needed.
func (w *Worker) database() (*engine.Database, error) {
	if w.db != nil {
		return w.db, nil
	}
	db, err := w.module.Open(nil)
	if err != nil {
		return nil, err
	}
	w.db = db
	w.setState(StateReady)
	return db, nil
}

func (w *Worker) handleOpen(r protocol.Open, sink Sink) error {
	// The new handle is built first so a failed open keeps the current one.
	db, err := w.module.Open(r.Buffer)
	if err != nil {
		return err
	}
	if err := w.closeDatabase(); err != nil {
		w.logger.Warn("Error closing previous database", "error", err)
	}
	w.db = db
	w.setState(StateReady)
	w.logger.Debug("Database opened", "restored_bytes", len(r.Buffer))
	return post(sink, protocol.Ready(r.ID))
}

func (w *Worker) handleExec(r protocol.Exec, sink Sink) error {
	db, err := w.database()
	if err != nil {
		return err
	}
	results, err := db.Exec(r.SQL, r.Params, r.Options)
	if err != nil {
		return err
	}
	return post(sink, protocol.Results(r.ID, results))
}

func (w *Worker) handleEach(ctx context.Context, r protocol.Each, sink Sink) error {
	db, err := w.database()
	if err != nil {
		return err
	}

	var rows int64
	err = db.Each(r.SQL, r.Params, r.Options, func(row engine.Row) error {
		rows++
		return post(sink, protocol.RowResponse(r.ID, row))
	})
	w.metrics.RecordRows(ctx, rows)
	if err != nil {
		return err
	}
	return post(sink, protocol.Finished(r.ID))
}

func (w *Worker) handleExport(ctx context.Context, r protocol.Export, sink Sink) error {
	if w.db == nil {
		return engine.NewError(engine.KindState, "export: no database open")
	}
	data, err := w.db.Export()
	if err != nil {
		return err
	}
	w.metrics.RecordExport(ctx, len(data))
	return deliverBuffer(sink, protocol.Exported(r.ID, data))
}

func (w *Worker) handleClose(r protocol.Close, sink Sink) error {
	if err := w.closeDatabase(); err != nil {
		return err
	}
	return post(sink, protocol.Closed(r.ID))
}
