package dispatch

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattjoyce/formbroker/internal/log"
)

// DefaultDelay is applied to every task unless the config says otherwise.
const DefaultDelay = 20 * time.Millisecond

var (
	tasksPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formbroker_dispatch_tasks_posted_total",
		Help: "Outbound tasks accepted by the dispatcher.",
	}, []string{"task"})
	tasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formbroker_dispatch_tasks_executed_total",
		Help: "Outbound tasks run by the dispatcher worker.",
	}, []string{"task"})
	tasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formbroker_dispatch_tasks_dropped_total",
		Help: "Tasks posted while the dispatcher was not running or dropped on stop.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "formbroker_dispatch_queue_depth",
		Help: "Tasks waiting for the dispatcher worker.",
	})
)

// Task is one outbound call. ctx is cancelled when the dispatcher stops.
type Task func(ctx context.Context)

type item struct {
	name string
	due  time.Time
	seq  uint64
	task Task
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any) { *h = append(*h, x.(*item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Dispatcher runs posted tasks on a single worker goroutine.
type Dispatcher struct {
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	items   taskHeap
	seq     uint64
	running bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Dispatcher that adds delay to every task. A negative delay means zero.
func New(delay time.Duration) *Dispatcher {
	if delay < 0 {
		delay = 0
	}
	return &Dispatcher{
		delay:  delay,
		logger: log.WithComponent("dispatch"),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the worker. It returns immediately; the worker runs until
// ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.loop(wctx, d.done)
	d.logger.Info("dispatch worker started", "delay", d.delay)
}

// Stop cancels the worker, drops queued tasks and waits for the running task to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	dropped := len(d.items)
	d.items = nil
	queueDepth.Set(0)
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if dropped > 0 {
		tasksDropped.Add(float64(dropped))
		d.logger.Warn("dispatch worker stopping with queued tasks", "dropped", dropped)
	}
	cancel()
	<-done
	d.logger.Info("dispatch worker stopped")
}

// Ready reports whether Post will accept tasks.
func (d *Dispatcher) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Len returns the number of tasks waiting to run.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Post queues task to run after the default delay plus extra. It never blocks.
// When the worker is not running the task is dropped.
func (d *Dispatcher) Post(name string, task Task, extra time.Duration) {
	if task == nil {
		return
	}
	if extra < 0 {
		extra = 0
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		tasksDropped.Inc()
		d.logger.Debug("dispatcher not running, task dropped", "task", name)
		return
	}
	d.seq++
	heap.Push(&d.items, &item{
		name: name,
		due:  time.Now().Add(d.delay + extra),
		seq:  d.seq,
		task: task,
	})
	queueDepth.Set(float64(len(d.items)))
	d.mu.Unlock()

	tasksPosted.WithLabelValues(name).Inc()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer d.exited(done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(d.items) == 0 {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}

		next := d.items[0]
		if wait := time.Until(next.due); wait > 0 {
			d.mu.Unlock()
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		heap.Pop(&d.items)
		queueDepth.Set(float64(len(d.items)))
		d.mu.Unlock()

		d.run(ctx, next)
	}
}

// exited marks the worker stopped when its context ends without Stop, so
// Post stops queueing tasks nothing will run.
func (d *Dispatcher) exited(done chan struct{}) {
	d.mu.Lock()
	if !d.running || d.done != done {
		d.mu.Unlock()
		return
	}
	d.running = false
	dropped := len(d.items)
	d.items = nil
	queueDepth.Set(0)
	d.mu.Unlock()

	if dropped > 0 {
		tasksDropped.Add(float64(dropped))
	}
	d.logger.Info("dispatch worker exited", "dropped", dropped)
}

func (d *Dispatcher) run(ctx context.Context, it *item) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked", "task", it.name, "panic", r)
		}
	}()
	it.task(ctx)
	tasksExecuted.WithLabelValues(it.name).Inc()
}
