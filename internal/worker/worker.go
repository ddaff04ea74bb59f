package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/modelstats/internal/analyzer"
	"github.com/Faultbox/modelstats/internal/resource"
)

// State is the lifecycle position of one request id.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Analyzer computes statistics for one asset.
type Analyzer interface {
	Analyze(ctx context.Context, url string, fileMap map[string]string) (analyzer.Stats, error)
}

// Observer is notified of every stats response before it is posted.
type Observer interface {
	OnStats(id int64, url string, stats analyzer.Stats)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(id int64, url string, stats analyzer.Stats)

// OnStats calls f.
func (f ObserverFunc) OnStats(id int64, url string, stats analyzer.Stats) {
	f(id, url, stats)
}

// ErrClosed is returned by Submit once Run has returned.
var ErrClosed = errors.New("worker closed")

const (
	defaultQueueSize = 16
	// finished ids whose terminal state is retained for State queries
	historyLimit = 1024
)

// Options configure a Worker.
type Options struct {
	Logger    *zap.Logger
	Observer  Observer
	QueueSize int
}

type run struct {
	id     int64
	state  State
	cancel context.CancelFunc
}

// Worker dispatches requests to an Analyzer. Each analysis runs in its own
// goroutine under its own cancellation context; nothing is shared between
// analyses.
type Worker struct {
	analyzer Analyzer
	observer Observer
	log      *zap.Logger

	requests  chan Request
	responses chan Response
	done      chan struct{}

	mu       sync.Mutex
	runs     map[int64]*run
	finished []int64
	wg       sync.WaitGroup
}

// New creates a worker. Call Run to start processing.
func New(a Analyzer, opts Options) *Worker {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		analyzer:  a,
		observer:  opts.Observer,
		log:       log,
		requests:  make(chan Request, size),
		responses: make(chan Response, size),
		done:      make(chan struct{}),
		runs:      make(map[int64]*run),
	}
}

// Submit queues a request. It blocks while the queue is full.
func (w *Worker) Submit(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses returns the outbound channel. It is closed when Run returns.
func (w *Worker) Responses() <-chan Response {
	return w.responses
}

// State returns the current state of request id.
func (w *Worker) State(id int64) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.runs[id]; ok {
		return r.state
	}
	return StateUnknown
}

// Run processes requests until ctx is cancelled. On return every running
// analysis has been cancelled and has finished, and Responses is closed.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		close(w.done)
		w.cancelAll()
		w.wg.Wait()
		close(w.responses)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) {
	switch req.Type {
	case TypeAnalyze:
		w.startAnalyze(ctx, req)
	case TypeCancel:
		w.cancel(req.RequestID)
	}
}

func (w *Worker) startAnalyze(ctx context.Context, req Request) {
	w.mu.Lock()
	if r, ok := w.runs[req.RequestID]; ok && !r.state.Terminal() {
		w.mu.Unlock()
		w.log.Warn("duplicate request id", zap.Int64("request_id", req.RequestID))
		w.post(ctx, ErrorResponse(req.RequestID, fmt.Sprintf("request %d is already %s", req.RequestID, r.state)))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{id: req.RequestID, state: StatePending, cancel: cancel}
	w.runs[req.RequestID] = r
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer cancel()
		w.execute(ctx, runCtx, req, r)
	}()
}

func (w *Worker) execute(ctx, runCtx context.Context, req Request, r *run) {
	id := req.RequestID
	log := w.log.With(zap.Int64("request_id", id), zap.String("url", req.URL))

	if !w.transition(r, StatePending, StateRunning) {
		return
	}
	log.Info("analysis started")
	start := time.Now()

	stats, err := w.analyzer.Analyze(runCtx, req.URL, req.FileMap)

	if err != nil {
		if resource.IsCancelled(err) || runCtx.Err() != nil {
			w.transition(r, StateRunning, StateCancelled)
			log.Info("analysis cancelled", zap.Duration("elapsed", time.Since(start)))
			return
		}
		if !w.transition(r, StateRunning, StateFailed) {
			return
		}
		log.Warn("analysis failed", zap.Error(err))
		w.post(ctx, ErrorResponse(id, err.Error()))
		return
	}

	if !w.transition(r, StateRunning, StateCompleted) {
		log.Info("analysis result dropped after cancel")
		return
	}
	log.Info("analysis completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("meshes", stats.MeshCount),
		zap.Int("triangles", stats.TriangleCount),
		zap.Int("textures", stats.TextureCount),
	)
	if w.observer != nil {
		w.observer.OnStats(id, req.URL, stats)
	}
	w.post(ctx, StatsResponse(id, stats))
}

// transition moves r from one state to another. It fails when r has left
// the from state, which is how a cancel suppresses a late result.
func (w *Worker) transition(r *run, from, to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	if to.Terminal() {
		w.retire(r)
	}
	return true
}

// retire records a finished run and forgets the oldest finished ids beyond
// historyLimit. Must be called with mu held.
func (w *Worker) retire(r *run) {
	w.finished = append(w.finished, r.id)
	for len(w.finished) > historyLimit {
		oldest := w.finished[0]
		w.finished = w.finished[1:]
		if cur, ok := w.runs[oldest]; ok && cur.state.Terminal() && cur != r {
			delete(w.runs, oldest)
		}
	}
}

func (w *Worker) cancel(id int64) {
	w.mu.Lock()
	r, ok := w.runs[id]
	if !ok || r.state.Terminal() {
		w.mu.Unlock()
		w.log.Debug("cancel ignored", zap.Int64("request_id", id))
		return
	}
	r.state = StateCancelled
	w.retire(r)
	w.mu.Unlock()

	r.cancel()
	w.log.Info("analysis cancel requested", zap.Int64("request_id", id))
}

func (w *Worker) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.runs {
		if !r.state.Terminal() {
			r.state = StateCancelled
			r.cancel()
		}
	}
}

// post delivers a response unless the worker is shutting down.
func (w *Worker) post(ctx context.Context, resp Response) {
	select {
	case w.responses <- resp:
	case <-ctx.Done():
		w.log.Debug("response dropped on shutdown", zap.Int64("request_id", resp.RequestID))
	}
}

// Once runs a private worker for a single analyze request and returns its
// response. It returns ctx.Err() if ctx ends first.
func Once(ctx context.Context, a Analyzer, req Request, opts Options) (Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := New(a, opts)
	go w.Run(ctx)

	if err := w.Submit(ctx, req); err != nil {
		return Response{}, err
	}
	for resp := range w.Responses() {
		if resp.RequestID == req.RequestID {
			return resp, nil
		}
	}
	return Response{}, ctx.Err()
}
