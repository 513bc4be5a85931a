package plcpool

import (
	"container/list"
	"sync"
	"time"

	"mcdaq/internal/coreerr"
)

// Pool is a bounded per-PLC pool of Connections. Acquire
// returns an idle connection if one exists, else constructs a new one up
// to max_size, else blocks up to the acquire timeout and fails with
// PoolExhausted. Release returns a connection to the idle list unless it
// is Errored, in which case it is discarded and total_connections
// decremented.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	idle    *list.List // of *Connection
	inUse   map[*Connection]bool
	total   int
	closing bool
	cond    *sync.Cond

	acquireTimeout time.Duration
	idleTimeout    time.Duration
	reapInterval   time.Duration

	stopReap chan struct{}
	reapWG   sync.WaitGroup

	// newTransport lets tests inject fakes; nil in production.
	newTransport func() Transport
}

// PoolOption configures a Pool at construction.
type PoolOption func(*Pool)

func WithAcquireTimeout(d time.Duration) PoolOption { return func(p *Pool) { p.acquireTimeout = d } }
func WithIdleTimeout(d time.Duration) PoolOption     { return func(p *Pool) { p.idleTimeout = d } }
func WithReapInterval(d time.Duration) PoolOption    { return func(p *Pool) { p.reapInterval = d } }
func WithTransportFactory(f func() Transport) PoolOption {
	return func(p *Pool) { p.newTransport = f }
}

// NewPool constructs a pool for a single PLC and starts its idle reaper.
func NewPool(cfg Config, opts ...PoolOption) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	p := &Pool{
		cfg:            cfg,
		idle:           list.New(),
		inUse:          make(map[*Connection]bool),
		acquireTimeout: 5 * time.Second,
		idleTimeout:    600 * time.Second,
		reapInterval:   60 * time.Second,
		stopReap:       make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.reapWG.Add(1)
	go p.reapLoop()
	return p
}

type idleEntry struct {
	conn     *Connection
	lastUsed time.Time
}

// Acquire returns an idle connection, builds a new one if under max_size,
// or blocks up to the acquire timeout before failing with PoolExhausted.
func (p *Pool) Acquire() (*Connection, error) {
	deadline := time.Now().Add(p.acquireTimeout)

	p.mu.Lock()
	for {
		if el := p.idle.Front(); el != nil {
			entry := p.idle.Remove(el).(idleEntry)
			p.inUse[entry.conn] = true
			p.mu.Unlock()
			return entry.conn, nil
		}

		if p.total < p.cfg.PoolSize {
			p.total++
			p.mu.Unlock()

			conn := p.newConnection()
			if err := conn.Connect(); err != nil {
				p.mu.Lock()
				p.total-- // constructor failures decrement the attempted count
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.inUse[conn] = true
			p.mu.Unlock()
			return conn, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, coreerr.PoolExhaustion(p.cfg.Code, coreerr.ErrPoolExhausted)
		}
		// Release signals the cond; the timer wakes us at the deadline so
		// the loop can fail with PoolExhausted instead of waiting forever.
		timer := time.AfterFunc(remaining, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
	}
}

func (p *Pool) newConnection() *Connection {
	var t Transport
	if p.newTransport != nil {
		t = p.newTransport()
	}
	return NewConnection(p.cfg, t)
}

// Release returns conn to the idle list, unless it is Errored, in which
// case it is discarded and total decremented.
func (p *Pool) Release(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.cond.Signal()

	delete(p.inUse, conn)

	if conn.Status() == StatusErrored {
		p.total--
		conn.Disconnect()
		return
	}
	p.idle.PushBack(idleEntry{conn: conn, lastUsed: time.Now()})
}

// Stats reports the pool's current counts.
type Stats struct {
	Total int
	Idle  int
	InUse int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Total: p.total, Idle: p.idle.Len(), InUse: len(p.inUse)}
}

func (p *Pool) reapLoop() {
	defer p.reapWG.Done()
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.idleTimeout)
	var next *list.Element
	for el := p.idle.Front(); el != nil; el = next {
		next = el.Next()
		entry := el.Value.(idleEntry)
		if entry.lastUsed.Before(cutoff) {
			p.idle.Remove(el)
			p.total--
			entry.conn.Disconnect()
		}
	}
}

// Shutdown closes the idle reaper and every connection (idle and in-use).
// In-use connections are waited on up to timeout before being forcibly
// closed.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	close(p.stopReap)
	p.mu.Unlock()
	p.reapWG.Wait()

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		if len(p.inUse) == 0 || time.Now().After(deadline) {
			break
		}
		p.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}

	for el := p.idle.Front(); el != nil; el = el.Next() {
		el.Value.(idleEntry).conn.Disconnect()
	}
	for conn := range p.inUse {
		conn.Disconnect()
	}
	p.mu.Unlock()
}
