// Package concurrency bounds how many inference requests run at once. A
// fixed worker pool admits at most P requests concurrently, queues up to Q
// more in FIFO order, and rejects the rest immediately so the node degrades
// predictably under load.
package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
)

// TaskFunc is the work an admitted request performs. Tokens passed to emit
// are forwarded to the handle's stream in order; a non-nil emit result means
// the consumer is gone and the task should stop.
type TaskFunc func(ctx context.Context, emit func(token string) error) error

// Request wraps a task for admission. Priority is carried but unused; FIFO
// is the only order for now.
type Request struct {
	Priority int
	Task     TaskFunc
}

// Stats is a point-in-time snapshot of the core's counters.
type Stats struct {
	Active         int64 `json:"active"`
	Queued         int64 `json:"queued"`
	CompletedTotal int64 `json:"completed_total"`
	RejectedTotal  int64 `json:"rejected_total"`
}

// Handle position sentinels.
const (
	PositionComplete = -1
	PositionUnknown  = -2
)

type handleState int32

const (
	statePending handleState = iota
	stateActive
	stateDone
	stateCancelled
)

// Handle tracks one submitted request: its token stream, queue position,
// terminal error, and cancellation.
type Handle struct {
	core *Core
	seq  int64
	run  TaskFunc

	tokens chan string
	done   chan struct{}

	state atomic.Int32
	err   error

	cancelOnce sync.Once
	cancelled  chan struct{}
	timer      *time.Timer
}

// Tokens returns the ordered response stream. It is closed when the request
// reaches a terminal state.
func (h *Handle) Tokens() <-chan string {
	return h.tokens
}

// Done is closed once the request is terminal. Err is valid afterwards.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error, nil on success. Valid only after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// QueuePosition reports 0 while executing, the number of requests ahead
// while waiting, -1 when complete, and -2 when no longer tracked.
func (h *Handle) QueuePosition() int {
	switch handleState(h.state.Load()) {
	case stateActive:
		return 0
	case stateDone:
		return PositionComplete
	case stateCancelled:
		return PositionUnknown
	default:
		ahead := h.seq - h.core.started.Load()
		if ahead < 1 {
			ahead = 1
		}
		return int(ahead)
	}
}

// Cancel stops the request at the next safe boundary. A queued request is
// dropped without ever occupying a permit. Idempotent.
func (h *Handle) Cancel() {
	h.cancelWith(errors.New(errors.KindCancelled, "request cancelled by caller"))
}

func (h *Handle) cancelWith(err error) {
	h.cancelOnce.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		// An executing request keeps its stream open until the worker
		// observes the cancellation; a waiting one terminates here.
		if h.state.CompareAndSwap(int32(statePending), int32(stateCancelled)) {
			h.err = err
			close(h.done)
			close(h.tokens)
		}
		close(h.cancelled)
	})
}

func (h *Handle) finish(err error) {
	h.state.Store(int32(stateDone))
	h.err = err
	close(h.tokens)
	close(h.done)
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Core is the admission controller. Workers pull handles off a bounded FIFO
// queue; the queue length and worker count come from config.
type Core struct {
	queue        chan *Handle
	maxQueue     int64
	workerCount  int
	queueTimeout time.Duration
	logger       logging.Logger

	queued    atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	submitSeq atomic.Int64
	started   atomic.Int64

	// avgLatencyMs is an exponential moving average of task durations,
	// feeding the retry hint on rejection.
	avgLatencyMs atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCore builds the core and starts its worker pool.
func NewCore(cfg *config.ConcurrencyConfig, logger logging.Logger) *Core {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = 5
	}
	maxQueue := cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	timeout := time.Duration(cfg.QueueTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &Core{
		queue:        make(chan *Handle, maxQueue),
		maxQueue:     int64(maxQueue),
		workerCount:  workers,
		queueTimeout: timeout,
		logger:       logger.WithComponent("concurrency"),
		stop:         make(chan struct{}),
	}
	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.worker()
	}
	return c
}

// Submit admits or queues a request. A full queue fails immediately with a
// QueueFull error carrying an estimated retry delay.
func (c *Core) Submit(req *Request) (*Handle, error) {
	if req == nil || req.Task == nil {
		return nil, errors.New(errors.KindValidation, "request task is required")
	}
	select {
	case <-c.stop:
		return nil, errors.New(errors.KindUnavailable, "core is shut down")
	default:
	}

	if c.queued.Load() >= c.maxQueue {
		return nil, c.reject()
	}

	h := &Handle{
		core:      c,
		seq:       c.submitSeq.Add(1),
		run:       req.Task,
		tokens:    make(chan string, 16),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	h.timer = time.AfterFunc(c.queueTimeout, func() {
		h.cancelWith(errors.Newf(errors.KindTimeout,
			"request waited longer than %s in queue", c.queueTimeout))
	})

	c.queued.Add(1)
	select {
	case c.queue <- h:
		return h, nil
	default:
		// The counter check raced with other submitters.
		c.queued.Add(-1)
		h.timer.Stop()
		return nil, c.reject()
	}
}

func (c *Core) reject() error {
	c.rejected.Add(1)
	hint := c.retryHint()
	c.logger.Warn("request rejected, queue full",
		"queued", c.queued.Load(), "retry_hint", hint.String())
	return errors.Newf(errors.KindQueueFull,
		"request queue is full, retry in about %s", hint)
}

// retryHint estimates how long the caller should wait before retrying: the
// recent average task latency scaled by the queue depth per worker.
func (c *Core) retryHint() time.Duration {
	avg := time.Duration(c.avgLatencyMs.Load()) * time.Millisecond
	if avg <= 0 {
		avg = 2 * time.Second
	}
	perWorker := c.queued.Load()/int64(c.workerCount) + 1
	hint := avg * time.Duration(perWorker)
	if hint > c.queueTimeout {
		hint = c.queueTimeout
	}
	return hint.Round(time.Second)
}

// Stats returns the current counters.
func (c *Core) Stats() Stats {
	return Stats{
		Active:         c.active.Load(),
		Queued:         c.queued.Load(),
		CompletedTotal: c.completed.Load(),
		RejectedTotal:  c.rejected.Load(),
	}
}

// Close stops accepting submissions, cancels in-flight work, and waits for
// the workers to exit.
func (c *Core) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Core) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case h := <-c.queue:
			c.queued.Add(-1)
			c.started.Add(1)
			// Cancelled or timed out while waiting: already terminal.
			if !h.state.CompareAndSwap(int32(statePending), int32(stateActive)) {
				continue
			}
			h.timer.Stop()
			c.execute(h)
		}
	}
}

func (c *Core) execute(h *Handle) {
	c.active.Add(1)
	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-h.cancelled:
			cancel()
		case <-h.done:
		case <-c.stop:
			cancel()
		}
	}()

	emit := func(token string) error {
		select {
		case h.tokens <- token:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := h.run(ctx, emit)
	cancel()
	select {
	case <-h.cancelled:
		err = errors.New(errors.KindCancelled, "request cancelled by caller")
	default:
	}
	h.finish(err)

	c.active.Add(-1)
	c.completed.Add(1)
	c.observeLatency(time.Since(start))
}

// observeLatency folds a task duration into the moving average with a 0.2
// smoothing factor.
func (c *Core) observeLatency(d time.Duration) {
	ms := d.Milliseconds()
	for {
		old := c.avgLatencyMs.Load()
		var next int64
		if old == 0 {
			next = ms
		} else {
			next = old + (ms-old)/5
		}
		if c.avgLatencyMs.CompareAndSwap(old, next) {
			return
		}
	}
}
