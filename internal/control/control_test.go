package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcdaq/internal/dlog"
	"mcdaq/internal/mc3e"
	"mcdaq/internal/oraclestore"
	"mcdaq/internal/plcpool"
	"mcdaq/internal/polling"
	"mcdaq/internal/ringbuf"
)

type fakeReader struct {
	fn func(plc string, addrs []mc3e.Address) (map[mc3e.Address]polling.Value, []polling.RunFailure, error)
}

func (f *fakeReader) ReadBatch(plc string, addrs []mc3e.Address) (map[mc3e.Address]polling.Value, []polling.RunFailure, error) {
	return f.fn(plc, addrs)
}

type fakeWriter struct{}

func (fakeWriter) WriteBit(string, mc3e.Address, bool) error { return nil }

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	reader := &fakeReader{fn: func(plc string, addrs []mc3e.Address) (map[mc3e.Address]polling.Value, []polling.RunFailure, error) {
		out := make(map[mc3e.Address]polling.Value, len(addrs))
		for i, a := range addrs {
			out[a] = polling.Value{Word: uint16(i)}
		}
		return out, nil, nil
	}}
	queue := polling.NewQueue(100)
	buffer := ringbuf.New[polling.Sample](1000)
	engine := polling.NewEngine(reader, fakeWriter{}, queue, nil, buffer)

	poolMgr := plcpool.NewManager(nil)
	writer := oraclestore.New(noopPool{}, buffer, nil, oraclestore.Config{WriteInterval: time.Hour})

	return NewSurface(engine, poolMgr, writer, buffer, dlog.NewFailureLog(t.TempDir()))
}

type noopPool struct{}

func (noopPool) Acquire(context.Context) (oraclestore.Session, error) {
	return nil, errors.New("remote store not reachable in this test")
}
func (noopPool) Close() {}

func TestSurfaceGroupLifecycle(t *testing.T) {
	s := newTestSurface(t)
	require.NoError(t, s.engine.LoadGroups([]polling.GroupConfig{
		{Name: "G1", PLCCode: "PLC1", Mode: polling.ModeFixed, Interval: 100 * time.Millisecond, Enabled: true,
			Tags: []polling.Tag{{PLCCode: "PLC1", Address: mc3e.Address{Device: "D", Offset: 100}, Kind: polling.KindWordHost}}},
	}))

	require.NoError(t, s.GroupStart("G1"))
	status, err := s.GroupStatus("G1")
	require.NoError(t, err)
	assert.Equal(t, polling.StateRunning, status.State)

	require.NoError(t, s.GroupStop("G1", time.Second))
	status, err = s.GroupStatus("G1")
	require.NoError(t, err)
	assert.Equal(t, polling.StateIdle, status.State)
}

func TestSurfaceBufferStats(t *testing.T) {
	s := newTestSurface(t)
	stats := s.BufferStats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, 1000, stats.Capacity)
}

func TestSurfaceSystemStartStopIdempotent(t *testing.T) {
	s := newTestSurface(t)
	require.NoError(t, s.SystemStart())
	err := s.SystemStart()
	assert.Error(t, err)

	_, err = s.SystemStop()
	require.NoError(t, err)
	_, err = s.SystemStop()
	assert.Error(t, err)
}

func TestPLCTestUnreachableHost(t *testing.T) {
	res := PLCTest(plcpool.Config{Code: "PLC1", Host: "127.0.0.1", Port: 1, ConnectTimeout: 50 * time.Millisecond}, nil)
	assert.False(t, res.Connected)
	assert.NotEmpty(t, res.Err)
}
