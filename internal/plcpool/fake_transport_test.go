package plcpool

import (
	"fmt"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport used by pool/connection/manager
// tests so they exercise ReadBatch/Reconnect/Acquire logic without sockets.
type fakeTransport struct {
	mu sync.Mutex

	dialErr   error
	connected bool

	// roundTrip, if set, is called for every RoundTrip; it lets tests script
	// per-call success/failure sequences.
	roundTrip func(frame []byte) ([]byte, error)

	dialCount int
}

func (f *fakeTransport) Dial(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCount++
	if f.dialErr != nil {
		return f.dialErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) RoundTrip(frame []byte, _ time.Duration) ([]byte, error) {
	if f.roundTrip == nil {
		return nil, fmt.Errorf("fakeTransport: no roundTrip configured")
	}
	return f.roundTrip(frame)
}
