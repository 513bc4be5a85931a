package plcpool

import (
	"fmt"
	"sync"
	"time"

	"mcdaq/internal/coreerr"
	"mcdaq/internal/dlog"
	"mcdaq/internal/mc3e"
)

// Manager is the pool-manager registry: one Pool per enabled PLC,
// constructed lazily on first use. Connection-level failures schedule a
// background reconnect cycle for the PLC; after inactivationThreshold
// consecutive cycles fail, the PLC is marked inactive and reads fail fast
// until an operator reactivates it.
type Manager struct {
	mu      sync.Mutex
	configs map[string]Config
	pools   map[string]*Pool

	inactive            map[string]bool
	consecutiveFailures map[string]int
	reconnecting        map[string]bool
	closed              bool

	poolOpts        []PoolOption
	shutdownTimeout time.Duration

	inactivationThreshold int
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

func WithPoolOptions(opts ...PoolOption) ManagerOption {
	return func(m *Manager) { m.poolOpts = append(m.poolOpts, opts...) }
}

func WithShutdownTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.shutdownTimeout = d }
}

func WithInactivationThreshold(n int) ManagerOption {
	return func(m *Manager) { m.inactivationThreshold = n }
}

// NewManager builds a registry over the given PLC configs. Only configs
// with Enabled == true are eligible to acquire a pool; others always fail
// with a configuration error. Configuration is read once at start, so
// re-enabling a PLC happens through the control surface's in-memory
// reactivation, not by editing config.
func NewManager(configs []Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		configs:               make(map[string]Config, len(configs)),
		pools:                 make(map[string]*Pool),
		inactive:              make(map[string]bool),
		consecutiveFailures:   make(map[string]int),
		reconnecting:          make(map[string]bool),
		shutdownTimeout:       10 * time.Second,
		inactivationThreshold: 3,
	}
	for _, cfg := range configs {
		m.configs[cfg.Code] = cfg
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) poolFor(plcCode string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[plcCode]
	if !ok {
		return nil, coreerr.Configuration(plcCode, fmt.Errorf("unknown plc %q", plcCode))
	}
	if !cfg.Enabled {
		return nil, coreerr.Configuration(plcCode, fmt.Errorf("plc %q is disabled", plcCode))
	}
	if m.inactive[plcCode] {
		return nil, coreerr.PLCInactivation(plcCode, coreerr.ErrPLCInactive)
	}
	if p, ok := m.pools[plcCode]; ok {
		return p, nil
	}
	p := NewPool(cfg, m.poolOpts...)
	m.pools[plcCode] = p
	return p, nil
}

// ReadBatch acquires a pooled connection for plcCode, reads addrs, and
// releases the connection. A connection-level failure — the acquire/connect
// failing, or the connection going Errored mid-batch — schedules a
// background reconnect cycle; the cycle's outcome drives inactivation, see
// scheduleReconnect.
func (m *Manager) ReadBatch(plcCode string, addrs []mc3e.Address) (map[mc3e.Address]Value, []RunResult, error) {
	pool, err := m.poolFor(plcCode)
	if err != nil {
		return nil, nil, err
	}

	conn, err := pool.Acquire()
	if err != nil {
		m.scheduleReconnect(plcCode, pool)
		return nil, nil, coreerr.PoolExhaustion(plcCode, err)
	}

	values, failures, batchErr := conn.ReadBatch(addrs)
	pool.Release(conn)

	if batchErr != nil {
		m.scheduleReconnect(plcCode, pool)
		return values, failures, coreerr.Transport(plcCode, batchErr)
	}
	if len(failures) == 0 {
		m.recordSuccess(plcCode)
	}
	return values, failures, nil
}

// ReadSingle reads exactly one address for plcCode.
func (m *Manager) ReadSingle(plcCode string, addr mc3e.Address) (Value, error) {
	values, failures, err := m.ReadBatch(plcCode, []mc3e.Address{addr})
	if err != nil {
		return Value{}, err
	}
	if len(failures) > 0 {
		return Value{}, failures[0].Error
	}
	v, ok := values[addr]
	if !ok {
		return Value{}, fmt.Errorf("plcpool: no value returned for %s", addr)
	}
	return v, nil
}

// WriteBit acquires a pooled connection for plcCode and writes a single bit
// device, counting failures toward inactivation the same way ReadBatch does.
func (m *Manager) WriteBit(plcCode string, addr mc3e.Address, on bool) error {
	pool, err := m.poolFor(plcCode)
	if err != nil {
		return err
	}

	conn, err := pool.Acquire()
	if err != nil {
		m.scheduleReconnect(plcCode, pool)
		return coreerr.PoolExhaustion(plcCode, err)
	}

	writeErr := conn.WriteBit(addr, on)
	pool.Release(conn)

	if writeErr != nil {
		m.scheduleReconnect(plcCode, pool)
		return coreerr.Write(plcCode, writeErr)
	}
	m.recordSuccess(plcCode)
	return nil
}

// scheduleReconnect launches one background reconnect cycle for plcCode
// unless one is already running or the PLC is already inactive. At most
// one cycle runs per PLC at a time, so a worker polling every interval
// cannot pile up cycles while one is mid-backoff.
func (m *Manager) scheduleReconnect(plcCode string, pool *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.inactive[plcCode] || m.reconnecting[plcCode] {
		return
	}
	m.reconnecting[plcCode] = true
	go m.runReconnectCycle(plcCode, pool)
}

// runReconnectCycle dials a throwaway probe connection with Reconnect's
// backoff schedule. A successful cycle clears the failure counter; a
// failed one counts toward inactivation. Inactivation is the only path
// that stops the probing: while the PLC stays below the threshold, the
// next poll failure schedules the next cycle.
func (m *Manager) runReconnectCycle(plcCode string, pool *Pool) {
	probe := pool.newConnection()
	err := probe.Reconnect()
	probe.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reconnecting, plcCode)
	if err == nil {
		m.consecutiveFailures[plcCode] = 0
		return
	}
	m.consecutiveFailures[plcCode]++
	if m.consecutiveFailures[plcCode] >= m.inactivationThreshold {
		m.inactive[plcCode] = true
		dlog.Global().Log("[%s] marked inactive after %d failed reconnect cycles", plcCode, m.consecutiveFailures[plcCode])
	}
}

// recordSuccess resets the inactivation counter after a fully clean batch.
// A batch with some failed runs but a live connection neither counts as a
// cycle failure nor resets the counter.
func (m *Manager) recordSuccess(plcCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures[plcCode] = 0
}

// Reconnecting reports whether a reconnect cycle is currently running for
// plcCode.
func (m *Manager) Reconnecting(plcCode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting[plcCode]
}

// IsActive reports whether plcCode is currently eligible to acquire a
// connection (known, enabled, and not inactivated).
func (m *Manager) IsActive(plcCode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[plcCode]
	return ok && cfg.Enabled && !m.inactive[plcCode]
}

// ReactivatePLC clears a PLC's inactive flag and failure count, allowing
// the control surface's manual re-enable to bring it back into rotation
// without restarting the daemon.
func (m *Manager) ReactivatePLC(plcCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inactive, plcCode)
	m.consecutiveFailures[plcCode] = 0
}

// PoolStats reports the per-PLC pool stats for the control surface's
// pool.stats operation. Unknown or not-yet-constructed pools report the
// zero value.
func (m *Manager) PoolStats(plcCode string) Stats {
	m.mu.Lock()
	p := m.pools[plcCode]
	m.mu.Unlock()
	if p == nil {
		return Stats{}
	}
	return p.Stats()
}

// Shutdown drains every constructed pool, each bounded by the manager's
// shutdown timeout. No further reconnect cycles are scheduled; an in-flight
// cycle is left to finish on its own.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Shutdown(m.shutdownTimeout)
		}(p)
	}
	wg.Wait()
}
