// Package control implements the control surface: the lifecycle and
// observability operations a host (CLI, web UI, websocket) drives the core
// through. Wire framing is out of scope for this package — it exposes
// plain Go methods so internal/control/httpapi (or any other transport) is
// a thin adapter over it.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcdaq/internal/coreerr"
	"mcdaq/internal/dlog"
	"mcdaq/internal/mc3e"
	"mcdaq/internal/oraclestore"
	"mcdaq/internal/plcpool"
	"mcdaq/internal/polling"
	"mcdaq/internal/ringbuf"
)

// BufferStats is the control surface's view of the circular buffer.
type BufferStats struct {
	Size          int
	Capacity      int
	Utilisation   float64
	OverflowCount int
	OverflowRate  float64
	AlarmActive   bool
}

// SystemStatus aggregates engine + buffer + writer state. It carries no
// pool-manager state; per-PLC pool figures come from PoolStats.
type SystemStatus struct {
	Running      bool
	RunningGroups int
	Buffer       BufferStats
	Writer       oraclestore.Metrics
}

// Surface is the control plane over one composed Engine/Manager/Writer/
// Buffer set. There is no global mutable state: everything is constructed
// once in the composition root and passed by reference.
type Surface struct {
	engine     *polling.Engine
	poolMgr    *plcpool.Manager
	writer     *oraclestore.Writer
	buffer     *ringbuf.Buffer[polling.Sample]
	failureLog *dlog.FailureLog

	mu            sync.Mutex
	running       bool
	writerCancel  context.CancelFunc
	writerDone    chan struct{}
}

// NewSurface wires a Surface over an already-composed engine/pool-manager/
// writer/buffer. Nothing starts until SystemStart/GroupStart are called
// explicitly; process boot never starts anything on its own.
func NewSurface(engine *polling.Engine, poolMgr *plcpool.Manager, writer *oraclestore.Writer, buffer *ringbuf.Buffer[polling.Sample], failureLog *dlog.FailureLog) *Surface {
	return &Surface{engine: engine, poolMgr: poolMgr, writer: writer, buffer: buffer, failureLog: failureLog}
}

// GroupStart starts one polling group.
func (s *Surface) GroupStart(name string) error { return s.engine.StartGroup(name) }

// GroupStop stops one polling group, waiting up to timeout.
func (s *Surface) GroupStop(name string, timeout time.Duration) error {
	return s.engine.StopGroup(name, timeout)
}

// GroupRestart stops then starts a group, propagating the stop error if
// it fails rather than masking it with a start attempt. A configuration-
// kind stop error (e.g. the group is not running) is ignored and the start
// is attempted.
func (s *Surface) GroupRestart(name string, timeout time.Duration) error {
	if err := s.engine.StopGroup(name, timeout); err != nil && !coreerr.Is(err, coreerr.KindConfiguration) {
		return err
	}
	return s.engine.StartGroup(name)
}

// GroupTrigger fires a handshake group's trigger.
func (s *Surface) GroupTrigger(name string) error { return s.engine.Trigger(name) }

// GroupStatus returns one group's snapshot.
func (s *Surface) GroupStatus(name string) (*polling.GroupStatus, error) { return s.engine.Status(name) }

// GroupStatusAll returns every loaded group's snapshot. Snapshots are
// atomically-loaded pointers, so this stays well under the 200ms status
// budget regardless of polling load.
func (s *Surface) GroupStatusAll() []*polling.GroupStatus { return s.engine.StatusAll() }

// SystemStart brings up the buffer consumer and the Oracle writer loop.
// It does not start any polling group — that is always a separate
// GroupStart call.
func (s *Surface) SystemStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return coreerr.Configuration("system_start", coreerr.ErrAlreadyRunning)
	}

	s.engine.StartBufferConsumer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.writerCancel = cancel
	s.writerDone = done
	go func() {
		defer close(done)
		s.writer.Run(ctx)
	}()

	s.running = true
	return nil
}

// SystemStop stops every running group, then the buffer consumer, then
// the writer. Best-effort: group stop failures are collected but do not
// prevent the writer/buffer shutdown from running.
func (s *Surface) SystemStop() (map[string]error, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, coreerr.Configuration("system_stop", coreerr.ErrNotRunning)
	}
	cancel := s.writerCancel
	done := s.writerDone
	s.running = false
	s.mu.Unlock()

	results := s.engine.StopAll(5 * time.Second)
	s.engine.StopBufferConsumer()

	cancel()
	<-done

	return results, nil
}

// SystemStatus aggregates engine + buffer + writer state.
func (s *Surface) SystemStatus() SystemStatus {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SystemStatus{
		Running:       running,
		RunningGroups: s.engine.RunningCount(),
		Buffer:        s.BufferStats(),
		Writer:        *s.writer.Metrics(),
	}
}

// BufferStats reports the circular buffer's current health.
func (s *Surface) BufferStats() BufferStats {
	return BufferStats{
		Size:          s.buffer.Size(),
		Capacity:      s.buffer.Capacity(),
		Utilisation:   s.buffer.Utilisation(),
		OverflowCount: s.buffer.OverflowCount(),
		OverflowRate:  s.buffer.OverflowRate(),
		AlarmActive:   s.buffer.Alarm() == ringbuf.AlarmActive,
	}
}

// WriterMetrics reports the Oracle writer's rolling metrics.
func (s *Surface) WriterMetrics() oraclestore.Metrics { return *s.writer.Metrics() }

// PoolStats reports one PLC pool's size/idle/in-use counts.
func (s *Surface) PoolStats(plcCode string) plcpool.Stats { return s.poolMgr.PoolStats(plcCode) }

// ReactivatePLC clears a PLC's in-memory inactive flag so reads may flow
// again after an operator has resolved the underlying fault.
func (s *Surface) ReactivatePLC(plcCode string) { s.poolMgr.ReactivatePLC(plcCode) }

// ReapFailureLogs removes failure-log directories older than olderThan.
// Reaping only ever happens through this operation, never on a timer.
func (s *Surface) ReapFailureLogs(olderThan time.Duration) (int, error) {
	if s.failureLog == nil {
		return 0, nil
	}
	return s.failureLog.Reap(olderThan)
}

// PLCTestResult is the outcome of a one-shot plc.test call.
type PLCTestResult struct {
	Connected bool
	Values    map[mc3e.Address]plcpool.Value
	Err       string
}

// PLCTest builds a throwaway connection from cfg, connects, reads addrs,
// and disconnects — bypassing the pool manager entirely, so an operator
// can validate a candidate PLC config before it is ever persisted.
func PLCTest(cfg plcpool.Config, addrs []mc3e.Address) PLCTestResult {
	conn := plcpool.NewConnection(cfg, nil)
	defer conn.Disconnect()

	if err := conn.Connect(); err != nil {
		return PLCTestResult{Err: err.Error()}
	}
	if len(addrs) == 0 {
		return PLCTestResult{Connected: true}
	}

	values, failures, err := conn.ReadBatch(addrs)
	if err != nil {
		return PLCTestResult{Connected: true, Err: err.Error()}
	}
	if len(failures) > 0 {
		return PLCTestResult{Connected: true, Values: values, Err: fmt.Sprintf("%d run(s) failed", len(failures))}
	}
	return PLCTestResult{Connected: true, Values: values}
}
