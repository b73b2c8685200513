package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrClosed is returned by Submit once draining has started.
	ErrClosed = errors.New("dispatcher closed")
	// ErrQueueFull is returned by Submit when the queue cannot take another task.
	ErrQueueFull = errors.New("dispatch queue full")
)

type State int32

const (
	Running State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Func is one unit of work. Its error becomes the task's terminal error.
type Func func(ctx context.Context) error

// Task is a tracked unit of work. It stays in the dispatcher's set from
// Submit until a reap observes it in a terminal state.
type Task struct {
	ID       string
	Label    string
	Enqueued time.Time

	fn    Func
	state atomic.Int32
	err   error
	done  chan struct{}
}

func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is valid after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

type taskKey struct{}

// FromContext returns the task a Func is running as, or nil.
func FromContext(ctx context.Context) *Task {
	task, _ := ctx.Value(taskKey{}).(*Task)
	return task
}

type Options struct {
	Workers      int
	QueueSize    int
	ReapInterval time.Duration
}

// Dispatcher runs tasks on a fixed pool of workers and reaps finished ones
// on a fixed interval.
type Dispatcher struct {
	opts  Options
	log   *slog.Logger
	queue chan *Task
	stop  chan struct{}

	mu      sync.Mutex
	tracked map[string]*Task
	closed  bool

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	meter  metric.Meter
	reaped metric.Int64Counter
}

func New(opts Options, log *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 200 * time.Millisecond
	}
	d := &Dispatcher{
		opts:    opts,
		log:     log.With(slog.String("component", "dispatcher")),
		queue:   make(chan *Task, opts.QueueSize),
		stop:    make(chan struct{}),
		tracked: make(map[string]*Task),
		meter:   otel.Meter("github.com/loqalabs/loqa-tts/dispatch"),
	}
	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

// Start launches the worker pool. Tasks receive a context carrying the values
// of ctx but not its cancellation, so in-flight work survives shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		taskCtx := context.WithoutCancel(ctx)
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker(taskCtx)
		}
		d.log.Info("dispatcher started", slog.Int("workers", d.opts.Workers), slog.Int("queue_size", d.opts.QueueSize))
	})
}

// Submit tracks and enqueues fn. It never blocks.
func (d *Dispatcher) Submit(label string, fn Func) (*Task, error) {
	task := &Task{
		ID:       uuid.NewString(),
		Label:    label,
		Enqueued: time.Now(),
		fn:       fn,
		done:     make(chan struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	select {
	case d.queue <- task:
	default:
		return nil, ErrQueueFull
	}
	d.tracked[task.ID] = task
	return task, nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case task := <-d.queue:
			d.execute(ctx, task)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, task *Task) {
	defer close(task.done)
	defer func() {
		if r := recover(); r != nil {
			task.err = fmt.Errorf("task panicked: %v", r)
			task.state.Store(int32(Failed))
			d.log.Error("task panicked", slog.String("task_id", task.ID), slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := task.fn(context.WithValue(ctx, taskKey{}, task)); err != nil {
		task.err = err
		task.state.Store(int32(Failed))
		return
	}
	task.state.Store(int32(Completed))
}

// Reap removes every terminal task from the tracked set, logs failures and
// returns how many were removed.
func (d *Dispatcher) Reap() int {
	var finished []*Task
	d.mu.Lock()
	for id, task := range d.tracked {
		if task.State() == Running {
			continue
		}
		delete(d.tracked, id)
		finished = append(finished, task)
	}
	d.mu.Unlock()

	for _, task := range finished {
		state := task.State()
		if state == Failed {
			d.log.Error("task failed",
				slog.String("task_id", task.ID),
				slog.String("label", task.Label),
				slog.Duration("age", time.Since(task.Enqueued)),
				slogError(task.err),
			)
		} else {
			d.log.Debug("task completed", slog.String("task_id", task.ID), slog.String("label", task.Label))
		}
		if d.reaped != nil {
			d.reaped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", state.String())))
		}
	}
	return len(finished)
}

// Tracked is the number of submitted tasks not yet reaped.
func (d *Dispatcher) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked)
}

// Run reaps on every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Reap()
		}
	}
}

// Drain stops accepting work, keeps reaping until nothing is tracked and then
// stops the workers. If ctx ends first the remaining tasks are abandoned.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	remaining := len(d.tracked)
	d.mu.Unlock()
	d.log.Info("draining tasks", slog.Int("tracked", remaining))

	ticker := time.NewTicker(d.opts.ReapInterval)
	defer ticker.Stop()
	for {
		d.Reap()
		if d.Tracked() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			d.log.Warn("drain interrupted", slog.Int("tracked", d.Tracked()), slogError(ctx.Err()))
			d.stopWorkers()
			return ctx.Err()
		case <-ticker.C:
		}
	}

	d.stopWorkers()
	d.wg.Wait()
	d.log.Info("dispatcher drained")
	return nil
}

func (d *Dispatcher) stopWorkers() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Snapshot lists tracked tasks for introspection.
func (d *Dispatcher) Snapshot() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Task, 0, len(d.tracked))
	for _, task := range d.tracked {
		out = append(out, task)
	}
	return out
}

func (d *Dispatcher) initMetrics() error {
	inflight, err := d.meter.Int64ObservableGauge("loqa.tts.tasks.inflight", metric.WithDescription("Tasks submitted and not yet reaped"))
	if err != nil {
		return err
	}
	if _, err := d.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(inflight, int64(d.Tracked()))
		return nil
	}, inflight); err != nil {
		return err
	}
	d.reaped, err = d.meter.Int64Counter("loqa.tts.tasks.reaped", metric.WithDescription("Tasks removed from the in-flight set"))
	return err
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
