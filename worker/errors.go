package worker

import "errors"

var (
	// ErrStopped is returned by Submit once the worker has stopped.
	ErrStopped = errors.New("worker stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrNoLoader is returned by New when Config.Loader is nil.
	ErrNoLoader = errors.New("worker: loader is required")
)
