package oraclestore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcdaq/internal/dlog"
	"mcdaq/internal/polling"
	"mcdaq/internal/ringbuf"
)

// fakeSession lets tests control whether InsertBatch succeeds, and counts
// how many rows it has been asked to insert in total.
type fakeSession struct {
	mu       *sync.Mutex
	fail     bool
	inserted *[]Row
	discards *int
}

func (s *fakeSession) InsertBatch(_ context.Context, table Table, rows []Row) ([]RowError, error) {
	if s.fail {
		return nil, assertErr
	}
	s.mu.Lock()
	for _, r := range rows {
		r.Table = table
		*s.inserted = append(*s.inserted, r)
	}
	s.mu.Unlock()
	return nil, nil
}

func (s *fakeSession) Release() {}
func (s *fakeSession) Discard() {
	s.mu.Lock()
	*s.discards++
	s.mu.Unlock()
}

var assertErr = &fakeErr{"remote store unreachable"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

// fakePool always succeeds or always fails, for the happy-path and
// unreachable-store tests respectively.
type fakePool struct {
	mu       sync.Mutex
	fail     bool
	inserted []Row
	discards int
}

func (p *fakePool) Acquire(ctx context.Context) (Session, error) {
	return &fakeSession{mu: &p.mu, fail: p.fail, inserted: &p.inserted, discards: &p.discards}, nil
}
func (p *fakePool) Close() {}

func samplesOf(n int, kind polling.TagKind, plc, group string) []polling.Sample {
	out := make([]polling.Sample, n)
	now := time.Now()
	for i := range out {
		out[i] = polling.Sample{
			Timestamp: now,
			GroupName: group,
			PLCCode:   plc,
			TagName:   "tag",
			Kind:      kind,
			Raw:       uint16(i),
			Scaled:    float64(i),
			Quality:   polling.QualityGood,
		}
	}
	return out
}

func TestWriterHappyPathInsertsAllRows(t *testing.T) {
	buf := ringbuf.New[polling.Sample](2000)
	for _, s := range samplesOf(300, polling.KindWordHost, "PLC1", "G1") {
		buf.Put(s)
	}
	for _, s := range samplesOf(200, polling.KindOperation, "PLC1", "G1") {
		buf.Put(s)
	}

	pool := &fakePool{}
	w := New(pool, buf, nil, Config{WriteInterval: 20 * time.Millisecond, BatchSize: 500})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return buf.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Len(t, pool.inserted, 500)

	m := w.Metrics()
	assert.EqualValues(t, 2, m.SuccessBatches) // one batch per destination partition
	assert.EqualValues(t, 500, m.TotalRows)
	assert.EqualValues(t, 0, m.TotalItemsFailed)
}

// TestWriterSpillsOnUnreachableStore runs the writer against an
// unreachable store with 1200 buffered entries across both kinds (600 each).
// Expect 3 retries then spill; at least two CSV files under backup/, one
// per destination dispatched; row counts sum to 1200; buffer ends empty.
func TestWriterSpillsOnUnreachableStore(t *testing.T) {
	dir := t.TempDir()
	backup := filepath.Join(dir, "backup")

	buf := ringbuf.New[polling.Sample](2000)
	for _, s := range samplesOf(600, polling.KindWordHost, "PLC1", "G1") {
		buf.Put(s)
	}
	for _, s := range samplesOf(600, polling.KindOperation, "PLC1", "G1") {
		buf.Put(s)
	}

	pool := &fakePool{fail: true}
	fl := dlog.NewFailureLog(dir)
	w := New(pool, buf, fl, Config{
		WriteInterval: 20 * time.Millisecond,
		BatchSize:     1200,
		BackupDir:     backup,
		RetryCount:    3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return buf.Size() == 0 }, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	entries, err := os.ReadDir(backup)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2)

	total := 0
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(backup, e.Name()))
		require.NoError(t, err)
		lines := countDataLines(data)
		total += lines
	}
	assert.Equal(t, 1200, total)

	m := w.Metrics()
	assert.EqualValues(t, 1200, m.TotalItemsFailed)
	assert.EqualValues(t, 1200, m.RowsSpilled)

	pool.mu.Lock()
	assert.GreaterOrEqual(t, pool.discards, 2)
	pool.mu.Unlock()
}

// countDataLines counts CSV data rows (total lines minus the BOM-prefixed
// header line), tolerant of a trailing newline.
func countDataLines(data []byte) int {
	s := string(data)
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF {
		s = s[3:]
	}
	lines := 0
	for _, r := range []byte(s) {
		if r == '\n' {
			lines++
		}
	}
	return lines - 1 // minus header row
}
