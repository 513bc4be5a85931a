package polling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mcdaq/internal/dlog"
	"mcdaq/internal/mc3e"
)

// emaAlpha weights the most recent poll duration into the exponential
// moving average.
const emaAlpha = 0.2

// worker runs one polling group's timing loop, in either Fixed or Handshake
// mode. A worker has a single owner goroutine; its status is published as
// an immutable snapshot at the end of every cycle, so the control surface
// never contends with the hot path.
type worker struct {
	cfg        GroupConfig
	reader     Reader
	writer     Writer
	queue      *Queue
	failureLog *dlog.FailureLog

	snapshot atomic.Pointer[GroupStatus]

	triggerMu     sync.Mutex
	lastTriggerAt time.Time
	triggerCh     chan struct{}

	// fields below are owned exclusively by the worker goroutine.
	totalPolls, successCount, errorCount int64
	consecutiveFailures                  int
	avgDuration                          time.Duration
	lastError                            string
}

func newWorker(cfg GroupConfig, reader Reader, writer Writer, queue *Queue, failureLog *dlog.FailureLog) *worker {
	w := &worker{
		cfg:        cfg,
		reader:     reader,
		writer:     writer,
		queue:      queue,
		failureLog: failureLog,
		triggerCh:  make(chan struct{}, 1),
	}
	w.publish(StateIdle, time.Time{})
	return w
}

// Status returns the most recently published snapshot.
func (w *worker) Status() *GroupStatus {
	return w.snapshot.Load()
}

func (w *worker) publish(state State, lastPoll time.Time) {
	s := &GroupStatus{
		Name:                w.cfg.Name,
		Mode:                w.cfg.Mode,
		State:               state,
		TotalPolls:          atomic.LoadInt64(&w.totalPolls),
		SuccessCount:        atomic.LoadInt64(&w.successCount),
		ErrorCount:          atomic.LoadInt64(&w.errorCount),
		LastPollTime:        lastPoll,
		AvgPollDuration:     w.avgDuration,
		ConsecutiveFailures: w.consecutiveFailures,
		LastError:           w.lastError,
	}
	if s.LastPollTime.IsZero() {
		if prev := w.snapshot.Load(); prev != nil {
			s.LastPollTime = prev.LastPollTime
		}
	}
	w.snapshot.Store(s)
}

// Trigger arms the handshake slot. Two triggers within 1s dedup to one —
// the second is dropped. The slot is one deep: a trigger arriving while
// one is already queued is dropped, not blocked on.
func (w *worker) Trigger() {
	w.triggerMu.Lock()
	now := time.Now()
	if !w.lastTriggerAt.IsZero() && now.Sub(w.lastTriggerAt) < time.Second {
		w.triggerMu.Unlock()
		return
	}
	w.lastTriggerAt = now
	w.triggerMu.Unlock()

	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// run dispatches to the mode-specific loop and exits when ctx is cancelled.
func (w *worker) run(ctx context.Context) {
	w.publish(StateRunning, time.Time{})
	switch w.cfg.Mode {
	case ModeHandshake:
		w.runHandshake(ctx)
	default:
		w.runFixed(ctx)
	}
	w.publish(StateIdle, w.Status().LastPollTime)
}

// runFixed implements the grid-tick drift-corrected loop: the next tick is
// start_time + cycle_index*interval; if a cycle overruns, the worker skips
// to the smallest on-grid tick still in the future rather than bursting to
// catch up.
func (w *worker) runFixed(ctx context.Context) {
	start := time.Now()
	var cycleIndex int64

	for {
		target := start.Add(time.Duration(cycleIndex) * w.cfg.Interval)
		now := time.Now()
		if !target.After(now) {
			elapsed := now.Sub(start)
			cycleIndex = int64(elapsed/w.cfg.Interval) + 1
			target = start.Add(time.Duration(cycleIndex) * w.cfg.Interval)
		}

		timer := time.NewTimer(time.Until(target))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		w.pollCycle(ctx, target)
		cycleIndex++
	}
}

// runHandshake blocks on the single-slot trigger channel.
func (w *worker) runHandshake(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.triggerCh:
			now := time.Now()
			w.pollCycle(ctx, now)
			if w.cfg.AutoResetTrigger {
				if err := w.writer.WriteBit(w.cfg.PLCCode, w.cfg.TriggerAddress, false); err != nil {
					w.lastError = fmt.Sprintf("auto-reset write failed: %v", err)
				}
			}
		}
	}
}

// pollCycle performs one read-classify-emit-update pass identical across
// both modes. cycleStart is the logical start time used as every emitted
// sample's timestamp.
func (w *worker) pollCycle(ctx context.Context, cycleStart time.Time) {
	addrs := make([]mc3e.Address, len(w.cfg.Tags))
	byAddr := make(map[mc3e.Address]Tag, len(w.cfg.Tags))
	for i, t := range w.cfg.Tags {
		addrs[i] = t.Address
		byAddr[t.Address] = t
	}

	pollStart := time.Now()
	values, failures, err := w.reader.ReadBatch(w.cfg.PLCCode, addrs)
	duration := time.Since(pollStart)

	atomic.AddInt64(&w.totalPolls, 1)
	w.avgDuration = time.Duration(emaAlpha*float64(duration) + (1-emaAlpha)*float64(w.avgDuration))

	if err != nil {
		atomic.AddInt64(&w.errorCount, 1)
		w.consecutiveFailures++
		w.lastError = err.Error()
		w.logFailure(dlog.ErrorConnectionFailed, err.Error(), addrs, duration, nil, nil)
		w.publish(StateRunning, cycleStart)
		return
	}

	failedAddrs := make(map[mc3e.Address]bool, len(failures))
	for _, f := range failures {
		for _, a := range f.Addresses {
			failedAddrs[a] = true
		}
		w.logFailure(dlog.ErrorRead, f.Err.Error(), f.Addresses, duration, nil, nil)
	}

	emitted := 0
	for addr, v := range values {
		if failedAddrs[addr] {
			continue
		}
		tag, ok := byAddr[addr]
		if !ok {
			continue
		}
		s := buildSample(w.cfg.Name, tag, v, cycleStart)
		if putErr := w.queue.Put(ctx, s); putErr != nil {
			w.lastError = fmt.Sprintf("queue put failed: %v", putErr)
			continue
		}
		emitted++
	}

	if len(failures) > 0 {
		atomic.AddInt64(&w.errorCount, 1)
		w.consecutiveFailures++
	} else {
		atomic.AddInt64(&w.successCount, 1)
		w.consecutiveFailures = 0
	}

	w.publish(StateRunning, cycleStart)
}

func (w *worker) logFailure(kind dlog.ErrorType, message string, addrs []mc3e.Address, duration time.Duration, request, response []byte) {
	if w.failureLog == nil {
		return
	}
	tags := make([]string, len(addrs))
	for i, a := range addrs {
		tags[i] = a.String()
	}
	ev := dlog.FailureEvent{
		PLCCode:        w.cfg.PLCCode,
		GroupName:      w.cfg.Name,
		ErrorType:      kind,
		ErrorMessage:   message,
		TagAddresses:   tags,
		TagCount:       len(tags),
		PollDurationMS: duration.Milliseconds(),
	}
	if request != nil {
		ev.Request = string(request)
	}
	if response != nil {
		ev.Response = string(response)
	}
	w.failureLog.Write(ev)
}

// tagName builds the deterministic destination-table name for a sample,
// {plc}.{kind-label}.{machine_code}.{address} — not the tag's configured
// display name, which is carried separately for operator-facing status
// only.
func tagName(tag Tag) string {
	return fmt.Sprintf("%s.%s.%s.%s", tag.PLCCode, tag.Kind.Label(), tag.MachineCode, tag.Address.String())
}

func buildSample(groupName string, tag Tag, v Value, at time.Time) Sample {
	s := Sample{
		Timestamp:   at,
		GroupName:   groupName,
		PLCCode:     tag.PLCCode,
		Address:     tag.Address,
		TagName:     tagName(tag),
		Kind:        tag.Kind,
		MachineCode: tag.MachineCode,
		Quality:     QualityGood,
	}
	if v.IsBit {
		s.Raw = uint16(v.Bit)
		s.Scaled = float64(v.Bit)
		return s
	}
	s.Raw = v.Word
	scale := tag.Scale
	if scale == 0 {
		scale = 1
	}
	s.Scaled = float64(v.Word) * scale
	return s
}
