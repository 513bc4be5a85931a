package plcpool

import (
	"fmt"
	"sync"
	"time"

	"mcdaq/internal/dlog"
	"mcdaq/internal/grouper"
	"mcdaq/internal/mc3e"
)

// Status is the PLC connection's state machine:
// Disconnected -> Connecting -> Connected -> (Disconnected | Errored).
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Config describes one PLC's connection parameters.
type Config struct {
	Code           string
	Host           string
	Port           int
	Network        byte
	PC             byte
	DestModuleIO   uint16
	DestStation    byte
	ConnectTimeout time.Duration // default 5s
	ReadTimeout    time.Duration // overrides ConnectTimeout per-read when set
	CallerDeadline time.Duration // default 10s, wraps every request end-to-end
	PoolSize       int           // default 5
	Enabled        bool
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 5 * time.Second
}

func (c Config) socketTimeout() time.Duration {
	if c.ReadTimeout > 0 {
		return c.ReadTimeout
	}
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 5 * time.Second
}

func (c Config) callerDeadline() time.Duration {
	if c.CallerDeadline > 0 {
		return c.CallerDeadline
	}
	return 10 * time.Second
}

// Value is one address's decoded sample value.
type Value struct {
	Kind mc3e.Kind
	Word uint16
	Bit  byte
}

// Connection owns one TCP socket to one PLC.
type Connection struct {
	cfg       Config
	transport Transport

	mu                sync.Mutex
	status            Status
	createdAt         time.Time
	lastUsedAt        time.Time
	consecutiveErrors int
}

// NewConnection constructs a Connection in Disconnected state. transport
// may be a fake for tests; production callers pass nil to get the real
// TCP transport.
func NewConnection(cfg Config, transport Transport) *Connection {
	if transport == nil {
		transport = newTCPTransport(cfg.Code, cfg.Host, cfg.Port)
	}
	return &Connection{cfg: cfg, transport: transport, status: StatusDisconnected}
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Connect opens the transport. Idempotent while already connected.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	err := c.transport.Dial(c.cfg.connectTimeout())

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.status = StatusErrored
		return mc3e.NewTransportError("connect", err)
	}
	c.status = StatusConnected
	c.createdAt = time.Now()
	c.lastUsedAt = c.createdAt
	c.consecutiveErrors = 0
	return nil
}

// Disconnect is idempotent: closes the socket and clears error counters.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusDisconnected {
		return nil
	}
	err := c.transport.Close()
	c.status = StatusDisconnected
	c.consecutiveErrors = 0
	return err
}

// reconnectBackoff is the per-attempt backoff schedule for Reconnect; one
// attempt per entry. Package-level so tests can shorten the waits.
var reconnectBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Reconnect retries Connect with exponential backoff (5s, 10s, 20s),
// capped at 3 attempts, logging each attempt. Each attempt waits its
// backoff delay before dialing.
func (c *Connection) Reconnect() error {
	var lastErr error
	for attempt, delay := range reconnectBackoff {
		time.Sleep(delay)
		dlog.Global().Log("[%s] reconnect attempt %d/%d", c.cfg.Code, attempt+1, len(reconnectBackoff))
		if err := c.Connect(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("plcpool: reconnect failed after %d attempts: %w", len(reconnectBackoff), lastErr)
}

func (c *Connection) markErrored() {
	c.mu.Lock()
	c.status = StatusErrored
	c.mu.Unlock()
}

// RunResult is the outcome of reading one contiguous address run.
type RunResult struct {
	Run   grouper.Run
	Error error // set for both transport and protocol errors on this run
}

// ReadBatch groups addrs via the address grouper, issues one codec call per
// run, and merges responses into an address->value map. A transport or
// protocol error within one run fails only that run; other runs are
// unaffected. Three consecutive transport errors (tracked across calls on
// this connection) mark it Errored — the pool discards it on release and
// the manager schedules a reconnect cycle for the PLC.
func (c *Connection) ReadBatch(addrs []mc3e.Address) (map[mc3e.Address]Value, []RunResult, error) {
	runs := grouper.Group(addrs)
	values := make(map[mc3e.Address]Value, len(addrs))
	var failures []RunResult

	// Two timeout tiers: each run's round trip is bounded by the socket
	// timeout, and the whole batch by the caller deadline.
	deadline := time.Now().Add(c.cfg.callerDeadline())

	for _, run := range runs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			failures = append(failures, RunResult{Run: run, Error: mc3e.NewTransportError("read_batch", errCallerDeadline)})
			continue
		}
		vals, err := c.readRun(run, remaining)
		if err != nil {
			failures = append(failures, RunResult{Run: run, Error: err})
			if _, isTransport := err.(*mc3e.TransportError); isTransport {
				c.mu.Lock()
				c.consecutiveErrors++
				tooMany := c.consecutiveErrors >= 3
				c.mu.Unlock()
				if tooMany {
					c.markErrored()
					return values, failures, fmt.Errorf("plcpool: %s: %w", c.cfg.Code, err)
				}
			}
			continue
		}
		c.mu.Lock()
		c.consecutiveErrors = 0
		c.lastUsedAt = time.Now()
		c.mu.Unlock()

		for offset, addr := range addressesInRun(run) {
			values[addr] = vals[offset]
		}
	}
	return values, failures, nil
}

// ReadSingle reads exactly one address.
func (c *Connection) ReadSingle(addr mc3e.Address) (Value, error) {
	values, failures, err := c.ReadBatch([]mc3e.Address{addr})
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

func addressesInRun(r grouper.Run) []mc3e.Address {
	out := make([]mc3e.Address, r.Count)
	for i := 0; i < r.Count; i++ {
		out[i] = mc3e.Address{Device: r.Device, Offset: r.Start + i}
	}
	return out
}

var errCallerDeadline = fmt.Errorf("caller deadline exceeded")

func (c *Connection) readRun(run grouper.Run, remaining time.Duration) ([]Value, error) {
	kind := mc3eKindOf(run.Device)
	req := mc3e.ReadRequest{
		Network:      c.cfg.Network,
		PC:           c.cfg.PC,
		DestModuleIO: c.cfg.DestModuleIO,
		DestStation:  c.cfg.DestStation,
		Timer:        40, // 10s at 250ms units, matches callerDeadline default
		Device:       run.Device,
		HeadAddress:  run.Start,
		Count:        run.Count,
	}
	frame, err := mc3e.EncodeReadRequest(req)
	if err != nil {
		return nil, err
	}

	timeout := c.cfg.socketTimeout()
	if remaining < timeout {
		timeout = remaining
	}
	resp, err := c.transport.RoundTrip(frame, timeout)
	if err != nil {
		return nil, mc3e.NewTransportError("read_batch", err)
	}

	payload, err := mc3e.DecodeReadResponse(resp)
	if err != nil {
		return nil, err // *ProtocolError or framing error
	}

	if kind == mc3e.KindBit {
		bits, err := mc3e.ExtractBits(payload, run.Count)
		if err != nil {
			return nil, err
		}
		out := make([]Value, run.Count)
		for i, b := range bits {
			out[i] = Value{Kind: mc3e.KindBit, Bit: b}
		}
		return out, nil
	}

	words, err := mc3e.ExtractWords(payload, run.Count)
	if err != nil {
		return nil, err
	}
	out := make([]Value, run.Count)
	for i, w := range words {
		out[i] = Value{Kind: mc3e.KindWord, Word: w}
	}
	return out, nil
}

// WriteBit writes a single bit device to the given value, always as a
// distinct round-trip: the handshake auto-reset write-back is never folded
// into a read frame.
func (c *Connection) WriteBit(addr mc3e.Address, on bool) error {
	if addr.Kind() != mc3e.KindBit {
		return fmt.Errorf("plcpool: %s is not bit-addressable", addr)
	}

	req := mc3e.WriteBitRequest{
		Network:      c.cfg.Network,
		PC:           c.cfg.PC,
		DestModuleIO: c.cfg.DestModuleIO,
		DestStation:  c.cfg.DestStation,
		Timer:        40,
		Device:       addr.Device,
		HeadAddress:  addr.Offset,
		On:           on,
	}
	frame, err := mc3e.EncodeWriteBitRequest(req)
	if err != nil {
		return err
	}

	resp, err := c.transport.RoundTrip(frame, c.cfg.socketTimeout())
	if err != nil {
		c.mu.Lock()
		c.consecutiveErrors++
		tooMany := c.consecutiveErrors >= 3
		c.mu.Unlock()
		if tooMany {
			c.markErrored()
		}
		return mc3e.NewTransportError("write_bit", err)
	}

	if err := mc3e.DecodeWriteResponse(resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.consecutiveErrors = 0
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// mc3eKindOf re-parses a device string's kind; devices are validated at
// configuration load, so this never errors in practice once addresses have
// passed ParseAddress.
func mc3eKindOf(device string) mc3e.Kind {
	a := mc3e.Address{Device: device}
	return a.Kind()
}
