// Package oraclestore implements the remote-store writer: it drains the
// circular buffer into time/size-triggered batches, partitions each batch
// by destination table, sends each partition as one pgx.Batch of
// single-row parametrized INSERTs committed together (not one multi-row
// INSERT statement), retries failed commits with exponential backoff, and spills
// to CSV on final failure.
package oraclestore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"mcdaq/internal/dlog"
	"mcdaq/internal/polling"
	"mcdaq/internal/ringbuf"
)

const (
	defaultWriteInterval = time.Second
	defaultBatchSize     = 500
	defaultRetryCount    = 3
	defaultBackupDir     = "backup"
	pollGranularity      = 50 * time.Millisecond
	latencyWindow        = 200
)

// Config holds the writer's tunables.
type Config struct {
	WriteInterval  time.Duration
	BatchSize      int
	RetryCount     int
	BackupDir      string
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteInterval <= 0 {
		c.WriteInterval = defaultWriteInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.BackupDir == "" {
		c.BackupDir = defaultBackupDir
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	return c
}

// Metrics is an immutable snapshot of the writer's rolling counters,
// published the same lock-free way polling.GroupStatus is.
type Metrics struct {
	TotalBatches     int64
	SuccessBatches   int64
	FailedBatches    int64
	TotalRows        int64
	TotalItemsFailed int64
	RowsSpilled      int64
	P50LatencyMS     float64
	P95LatencyMS     float64
	ThroughputRowsPS float64
}

// Writer runs the single drain-batch-insert-retry-spill loop. It has one
// owner goroutine; Metrics() is safe to call concurrently.
type Writer struct {
	pool       Pool
	buffer     *ringbuf.Buffer[polling.Sample]
	failureLog *dlog.FailureLog
	cfg        Config

	snapshot  atomic.Pointer[Metrics]
	latencies []float64
	latMu     sync.Mutex
	spillSeq  int64

	totalBatches, successBatches, failedBatches int64
	totalRows, totalItemsFailed, rowsSpilled     int64

	windowStart time.Time
	windowRows  int64
}

// New constructs a Writer. Run must be called to start its goroutine.
func New(pool Pool, buffer *ringbuf.Buffer[polling.Sample], failureLog *dlog.FailureLog, cfg Config) *Writer {
	w := &Writer{
		pool:        pool,
		buffer:      buffer,
		failureLog:  failureLog,
		cfg:         cfg.withDefaults(),
		windowStart: time.Now(),
	}
	w.snapshot.Store(&Metrics{})
	return w
}

// Metrics returns the most recently published rolling metrics snapshot.
func (w *Writer) Metrics() *Metrics { return w.snapshot.Load() }

// Run drives the writer loop until ctx is cancelled, then performs the
// shutdown drain: whatever remains buffered is flushed straight to CSV
// rather than attempting the remote store again.
func (w *Writer) Run(ctx context.Context) {
	for {
		if w.waitForBatch(ctx) {
			w.drainAndWrite(ctx)
			continue
		}
		w.shutdownFlush()
		return
	}
}

// waitForBatch blocks until either cfg.WriteInterval elapses or the buffer
// holds at least BatchSize entries, whichever first. Returns false if ctx
// was cancelled first.
func (w *Writer) waitForBatch(ctx context.Context) bool {
	deadline := time.Now().Add(w.cfg.WriteInterval)
	ticker := time.NewTicker(pollGranularity)
	defer ticker.Stop()
	for {
		if w.buffer.Size() >= w.cfg.BatchSize {
			return true
		}
		if !time.Now().Before(deadline) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// drainAndWrite takes one batch from the buffer, partitions it, and writes
// each partition.
func (w *Writer) drainAndWrite(ctx context.Context) {
	entries := w.buffer.Drain(w.cfg.BatchSize)
	if len(entries) == 0 {
		return
	}

	datatagRows, operationRows := partition(entries)
	start := time.Now()

	if len(datatagRows) > 0 {
		w.writePartition(ctx, TableDatatagLog, datatagRows)
	}
	if len(operationRows) > 0 {
		w.writePartition(ctx, TableOperation, operationRows)
	}

	w.recordLatency(time.Since(start))
	w.recordThroughput(int64(len(entries)))
}

// writePartition is an explicit retry state machine: attempt, classify
// the outcome, sleep (scaled), re-attempt, or spill.
func (w *Writer) writePartition(ctx context.Context, table Table, rows []Row) {
	atomic.AddInt64(&w.totalBatches, 1)

	backoff := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	var lastErr error

	for attempt := 0; attempt <= w.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(backoff) {
				idx = len(backoff) - 1
			}
			wait := backoff[idx]
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}

		acqCtx, cancel := context.WithTimeout(ctx, w.cfg.AcquireTimeout)
		session, err := w.pool.Acquire(acqCtx)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("acquire session: %w", err)
			continue
		}

		rowErrs, insertErr := session.InsertBatch(ctx, table, rows)
		if insertErr != nil || len(rowErrs) > 0 {
			session.Discard()
			if insertErr == nil {
				insertErr = fmt.Errorf("%d of %d rows failed", len(rowErrs), len(rows))
			}
			lastErr = insertErr
			continue
		}

		session.Release()
		atomic.AddInt64(&w.successBatches, 1)
		atomic.AddInt64(&w.totalRows, int64(len(rows)))
		return
	}

	// All attempts exhausted: spill to CSV and log the write failure.
	// Every row of the batch lands in exactly one spill file.
	atomic.AddInt64(&w.failedBatches, 1)
	atomic.AddInt64(&w.totalItemsFailed, int64(len(rows)))
	w.spill(table, rows, lastErr, w.cfg.RetryCount)
}

func (w *Writer) spill(table Table, rows []Row, cause error, retries int) {
	seq := int(atomic.AddInt64(&w.spillSeq, 1))
	path, err := Spill(w.cfg.BackupDir, table, rows, time.Now(), seq)
	if err == nil {
		atomic.AddInt64(&w.rowsSpilled, int64(len(rows)))
	}
	if w.failureLog == nil {
		return
	}
	msg := fmt.Sprintf("commit to %s failed after %d retries, spilled to %s", table, retries, path)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	w.failureLog.Write(dlog.FailureEvent{
		ErrorType:    dlog.ErrorWrite,
		ErrorMessage: msg,
		TagCount:     len(rows),
		RetryCount:   retries,
	})
}

// shutdownFlush drains whatever remains in the buffer on shutdown and
// writes it straight to CSV without attempting the remote store again.
func (w *Writer) shutdownFlush() {
	entries := w.buffer.Drain(0)
	if len(entries) == 0 {
		return
	}
	datatagRows, operationRows := partition(entries)
	if len(datatagRows) > 0 {
		w.spill(TableDatatagLog, datatagRows, nil, 0)
	}
	if len(operationRows) > 0 {
		w.spill(TableOperation, operationRows, nil, 0)
	}
}

func (w *Writer) recordLatency(d time.Duration) {
	w.latMu.Lock()
	w.latencies = append(w.latencies, float64(d.Milliseconds()))
	if len(w.latencies) > latencyWindow {
		w.latencies = w.latencies[len(w.latencies)-latencyWindow:]
	}
	p50, p95 := percentiles(w.latencies)
	w.latMu.Unlock()

	w.publish(p50, p95)
}

func (w *Writer) recordThroughput(rows int64) {
	w.latMu.Lock()
	w.windowRows += rows
	elapsed := time.Since(w.windowStart).Seconds()
	var rowsPS float64
	if elapsed > 0 {
		rowsPS = float64(w.windowRows) / elapsed
	}
	w.latMu.Unlock()

	snap := *w.Metrics()
	snap.ThroughputRowsPS = rowsPS
	w.snapshot.Store(&snap)
}

func (w *Writer) publish(p50, p95 float64) {
	w.snapshot.Store(&Metrics{
		TotalBatches:     atomic.LoadInt64(&w.totalBatches),
		SuccessBatches:   atomic.LoadInt64(&w.successBatches),
		FailedBatches:    atomic.LoadInt64(&w.failedBatches),
		TotalRows:        atomic.LoadInt64(&w.totalRows),
		TotalItemsFailed: atomic.LoadInt64(&w.totalItemsFailed),
		RowsSpilled:      atomic.LoadInt64(&w.rowsSpilled),
		P50LatencyMS:     p50,
		P95LatencyMS:     p95,
		ThroughputRowsPS: w.Metrics().ThroughputRowsPS,
	})
}

func percentiles(samples []float64) (p50, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	p50 = sorted[int(math.Floor(0.50*float64(len(sorted)-1)))]
	p95 = sorted[int(math.Floor(0.95*float64(len(sorted)-1)))]
	return p50, p95
}

// partition splits buffered samples by destination table: Operation-kind
// samples go to XSCADA_OPERATION, every other kind goes to
// XSCADA_DATATAG_LOG.
func partition(entries []polling.Sample) (datatagRows, operationRows []Row) {
	for _, e := range entries {
		if e.Kind == polling.KindOperation {
			operationRows = append(operationRows, Row{
				Table:    TableOperation,
				OTime:    e.Timestamp,
				Name:     e.TagName,
				ValueNum: e.Scaled,
			})
			continue
		}
		datatagRows = append(datatagRows, Row{
			Table:    TableDatatagLog,
			OTime:    e.Timestamp,
			Name:     e.TagName,
			Kind:     e.Kind.DatatagType(),
			ValueStr: strconv.FormatFloat(e.Scaled, 'f', -1, 64),
			ValueNum: e.Scaled,
			ValueRaw: e.Raw,
		})
	}
	return datatagRows, operationRows
}
