package isotp

import (
	"errors"
	"sync"
	"time"
)

// Worker drives an Engine's Process() loop from a dedicated goroutine,
// sleeping between passes for the duration Engine.SleepTime() reports.
// It mirrors the accept-loop lifecycle of a listening server: Start
// launches exactly one goroutine, Stop waits for it to exit.
type Worker struct {
	lock sync.Mutex

	engine  *Engine
	logger  LeveledLogger
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerOption configures a Worker under construction.
type WorkerOption func(*Worker)

// WithWorkerLogger overrides the worker's log sink.
func WithWorkerLogger(l LeveledLogger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker wraps engine with a background driver goroutine. The
// worker is not started automatically; call Start.
func NewWorker(engine *Engine, opts ...WorkerOption) *Worker {
	w := &Worker{
		engine: engine,
		logger: newLogger("isotp-worker"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start launches the driver goroutine. Returns an error if the worker
// is already running.
func (w *Worker) Start() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.running {
		return errors.New("worker already started")
	}

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	go w.run()

	w.logger.Info("worker started")

	return nil
}

// Stop signals the driver goroutine to exit and waits for it to do so.
// Returns an error if the worker was not running.
func (w *Worker) Stop() error {
	w.lock.Lock()
	if !w.running {
		w.lock.Unlock()
		return errors.New("worker not started")
	}
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.running = false
	w.lock.Unlock()

	close(stopCh)
	<-doneCh

	w.logger.Info("worker stopped")

	return nil
}

// run is the goroutine body: alternate one Process() pass with an
// adaptive idle sleep until Stop closes stopCh.
func (w *Worker) run() {
	defer close(w.doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-timer.C:
		}

		w.engine.Process()

		timer.Reset(w.engine.SleepTime())
	}
}
