package polling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcdaq/internal/coreerr"
	"mcdaq/internal/dlog"
	"mcdaq/internal/ringbuf"
)

const defaultMaxRunning = 10

// Engine is the polling coordinator: it owns the worker registry, the data
// queue, and the group-status map, enforces the running-group capacity
// limit, and isolates worker panics from each other and from itself.
type Engine struct {
	mu      sync.Mutex
	configs map[string]GroupConfig
	workers map[string]*worker
	cancel  map[string]context.CancelFunc
	done    map[string]chan struct{}
	running map[string]bool

	maxRunning int

	queue      *Queue
	reader     Reader
	writer     Writer
	failureLog *dlog.FailureLog
	buffer     *ringbuf.Buffer[Sample]

	consumerCancel context.CancelFunc
	consumerDone   chan struct{}
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

func WithMaxRunning(n int) EngineOption {
	return func(e *Engine) { e.maxRunning = n }
}

// NewEngine constructs an Engine. Workers are not started until LoadGroups
// followed by StartGroup/StartAll.
func NewEngine(reader Reader, writer Writer, queue *Queue, failureLog *dlog.FailureLog, buffer *ringbuf.Buffer[Sample], opts ...EngineOption) *Engine {
	e := &Engine{
		configs:    make(map[string]GroupConfig),
		workers:    make(map[string]*worker),
		cancel:     make(map[string]context.CancelFunc),
		done:       make(map[string]chan struct{}),
		running:    make(map[string]bool),
		maxRunning: defaultMaxRunning,
		queue:      queue,
		reader:     reader,
		writer:     writer,
		failureLog: failureLog,
		buffer:     buffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadGroups validates and registers groups, constructing but not starting
// their workers.
func (e *Engine) LoadGroups(configs []GroupConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if _, dup := e.configs[cfg.Name]; dup {
			return coreerr.Configuration("load_groups", fmt.Errorf("duplicate group name %q", cfg.Name))
		}
		if cfg.Mode == ModeFixed && cfg.Interval < 100*time.Millisecond {
			return coreerr.Configuration("load_groups", fmt.Errorf("group %q: fixed interval %s below 100ms minimum", cfg.Name, cfg.Interval))
		}
		if cfg.Mode == ModeHandshake && cfg.TriggerAddress.Device == "" {
			return coreerr.Configuration("load_groups", fmt.Errorf("group %q: handshake mode requires a trigger bit address", cfg.Name))
		}

		e.configs[cfg.Name] = cfg
		e.workers[cfg.Name] = newWorker(cfg, e.reader, e.writer, e.queue, e.failureLog)
	}
	return nil
}

// StartGroup starts a loaded group's worker. Starting an already-running
// group returns ErrAlreadyRunning and changes nothing.
func (e *Engine) StartGroup(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[name]
	if !ok {
		return coreerr.Configuration("start_group", fmt.Errorf("unknown group %q", name))
	}
	if e.running[name] {
		return coreerr.Configuration("start_group", coreerr.ErrAlreadyRunning)
	}

	runningCount := 0
	for _, r := range e.running {
		if r {
			runningCount++
		}
	}
	if runningCount >= e.maxRunning {
		return coreerr.Configuration("start_group", coreerr.ErrCapacityExceeded)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel[name] = cancel
	e.done[name] = done
	e.running[name] = true

	w.publish(StateRunning, time.Time{})
	go e.runWorker(w, ctx, done)
	return nil
}

// runWorker runs w.run under panic isolation: a panic inside one worker
// transitions its group to Error and never terminates the engine.
func (e *Engine) runWorker(w *worker, ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.lastError = fmt.Sprintf("panic: %v", r)
			w.publish(StateError, w.Status().LastPollTime)
			e.mu.Lock()
			e.running[w.cfg.Name] = false
			e.mu.Unlock()
		}
	}()
	w.run(ctx)
}

// StopGroup requests a group's worker to exit, waiting up to timeout
// (default 5s). On timeout the worker is detached and the group marked
// Error rather than reporting a clean stop.
func (e *Engine) StopGroup(name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	e.mu.Lock()
	w, ok := e.workers[name]
	if !ok {
		e.mu.Unlock()
		return coreerr.Configuration("stop_group", fmt.Errorf("unknown group %q", name))
	}
	if !e.running[name] {
		e.mu.Unlock()
		return coreerr.Configuration("stop_group", coreerr.ErrNotRunning)
	}
	w.publish(StateStopping, w.Status().LastPollTime)
	cancel := e.cancel[name]
	done := e.done[name]
	e.mu.Unlock()

	cancel()

	select {
	case <-done:
		e.mu.Lock()
		e.running[name] = false
		e.mu.Unlock()
		return nil
	case <-time.After(timeout):
		w.publish(StateError, w.Status().LastPollTime)
		e.mu.Lock()
		e.running[name] = false
		e.mu.Unlock()
		return coreerr.Fatal("stop_group", fmt.Errorf("group %q did not stop within %s; detached", name, timeout))
	}
}

// Trigger arms a handshake group's single-slot trigger. Valid only on
// Handshake groups that are currently running.
func (e *Engine) Trigger(name string) error {
	e.mu.Lock()
	w, ok := e.workers[name]
	running := e.running[name]
	e.mu.Unlock()
	if !ok {
		return coreerr.Configuration("trigger", fmt.Errorf("unknown group %q", name))
	}
	if w.cfg.Mode != ModeHandshake {
		return coreerr.Configuration("trigger", fmt.Errorf("group %q is not a handshake group", name))
	}
	if !running {
		return coreerr.Configuration("trigger", coreerr.ErrNotRunning)
	}
	w.Trigger()
	return nil
}

// StartAll starts every loaded group, best-effort, returning per-group
// results.
func (e *Engine) StartAll() map[string]error {
	e.mu.Lock()
	names := make([]string, 0, len(e.workers))
	for name := range e.workers {
		names = append(names, name)
	}
	e.mu.Unlock()

	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = e.StartGroup(name)
	}
	return results
}

// StopAll stops every running group, best-effort.
func (e *Engine) StopAll(timeout time.Duration) map[string]error {
	e.mu.Lock()
	names := make([]string, 0, len(e.running))
	for name, running := range e.running {
		if running {
			names = append(names, name)
		}
	}
	e.mu.Unlock()

	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = e.StopGroup(name, timeout)
	}
	return results
}

// Status returns one group's current snapshot.
func (e *Engine) Status(name string) (*GroupStatus, error) {
	e.mu.Lock()
	w, ok := e.workers[name]
	e.mu.Unlock()
	if !ok {
		return nil, coreerr.Configuration("status", fmt.Errorf("unknown group %q", name))
	}
	return w.Status(), nil
}

// StatusAll returns an O(groups) snapshot of every loaded group. Every
// worker's status is an atomically-loaded pointer, so this never blocks on
// a worker's hot path.
func (e *Engine) StatusAll() []*GroupStatus {
	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	out := make([]*GroupStatus, len(workers))
	for i, w := range workers {
		out[i] = w.Status()
	}
	return out
}

// RunningCount reports how many groups are currently in state Running.
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.running {
		if r {
			n++
		}
	}
	return n
}

// StartBufferConsumer starts the single goroutine that drains the data
// queue into the circular buffer. The queue has exactly one reader; this
// is it.
func (e *Engine) StartBufferConsumer() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.consumerCancel = cancel
	e.consumerDone = done

	go func() {
		defer close(done)
		for {
			sample, err := e.queue.Get(ctx)
			if err != nil {
				return
			}
			e.buffer.Put(sample)
		}
	}()
}

// StopBufferConsumer signals the buffer consumer to exit and waits for it.
func (e *Engine) StopBufferConsumer() {
	if e.consumerCancel == nil {
		return
	}
	e.consumerCancel()
	<-e.consumerDone
}
