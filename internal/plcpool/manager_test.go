package plcpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcdaq/internal/coreerr"
	"mcdaq/internal/mc3e"
)

func mustAddr(t *testing.T, s string) mc3e.Address {
	t.Helper()
	a, err := mc3e.ParseAddress(s)
	require.NoError(t, err)
	return a
}

func TestManagerReadBatchUnknownPLC(t *testing.T) {
	m := NewManager(nil)
	_, _, err := m.ReadBatch("NOPE", []mc3e.Address{mustAddr(t, "D100")})
	assert.True(t, coreerr.Is(err, coreerr.KindConfiguration))
}

func TestManagerReadBatchDisabledPLC(t *testing.T) {
	m := NewManager([]Config{{Code: "PLC1", Enabled: false}})
	_, _, err := m.ReadBatch("PLC1", []mc3e.Address{mustAddr(t, "D100")})
	assert.True(t, coreerr.Is(err, coreerr.KindConfiguration))
}

func TestManagerReadBatchSuccess(t *testing.T) {
	d100 := mustAddr(t, "D100")
	ft := &fakeTransport{
		roundTrip: func(frame []byte) ([]byte, error) {
			return mc3e.EncodeWordResponse(0, 0xFF, 0x03FF, 0, []uint16{42}), nil
		},
	}
	m := NewManager(
		[]Config{{Code: "PLC1", Enabled: true, PoolSize: 1}},
		WithPoolOptions(WithTransportFactory(func() Transport { return ft }), WithReapInterval(time.Hour)),
	)
	defer m.Shutdown()

	values, failures, err := m.ReadBatch("PLC1", []mc3e.Address{d100})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, Value{Kind: mc3e.KindWord, Word: 42}, values[d100])
}

func TestManagerInactivatesUnreachablePLC(t *testing.T) {
	old := reconnectBackoff
	reconnectBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { reconnectBackoff = old })

	d100 := mustAddr(t, "D100")
	m := NewManager(
		[]Config{{Code: "PLC1", Host: "10.0.0.9", Enabled: true, PoolSize: 1}},
		WithPoolOptions(
			WithTransportFactory(func() Transport { return &fakeTransport{dialErr: assertErr} }),
			WithReapInterval(time.Hour),
		),
		WithInactivationThreshold(2),
	)
	defer m.Shutdown()

	// Every poll fails at connect inside Acquire; each failure schedules a
	// reconnect cycle (at most one in flight), and two failed cycles cross
	// the threshold.
	require.Eventually(t, func() bool {
		_, _, err := m.ReadBatch("PLC1", []mc3e.Address{d100})
		assert.Error(t, err)
		return !m.IsActive("PLC1")
	}, 5*time.Second, 5*time.Millisecond)

	_, _, err := m.ReadBatch("PLC1", []mc3e.Address{d100})
	assert.True(t, coreerr.Is(err, coreerr.KindPLCInactivation))

	m.ReactivatePLC("PLC1")
	assert.True(t, m.IsActive("PLC1"))
}

func TestManagerReconnectCycleClearsAfterTransportRecovery(t *testing.T) {
	old := reconnectBackoff
	reconnectBackoff = []time.Duration{time.Millisecond}
	t.Cleanup(func() { reconnectBackoff = old })

	d100 := mustAddr(t, "D100")
	ft := &fakeTransport{
		roundTrip: func(frame []byte) ([]byte, error) {
			return nil, assertErr
		},
	}
	m := NewManager(
		[]Config{{Code: "PLC1", Enabled: true, PoolSize: 1}},
		WithPoolOptions(WithTransportFactory(func() Transport { return ft }), WithReapInterval(time.Hour)),
		WithInactivationThreshold(1),
	)
	defer m.Shutdown()

	// Three transport errors on the pooled connection error it out and
	// schedule a reconnect cycle. Dialing still works, so the cycle
	// succeeds and the PLC stays active even at threshold 1.
	for i := 0; i < 3; i++ {
		m.ReadBatch("PLC1", []mc3e.Address{d100})
	}
	require.Eventually(t, func() bool { return !m.Reconnecting("PLC1") }, time.Second, 2*time.Millisecond)
	assert.True(t, m.IsActive("PLC1"))
}

var assertErr = &fakeRoundTripError{}

type fakeRoundTripError struct{}

func (e *fakeRoundTripError) Error() string { return "fake transport failure" }
