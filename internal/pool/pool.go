// Package pool implements the per-server pool of NNTP sessions: limits,
// idle reuse, reconnection, and handshake/auth (spec §4.3). Grounded on
// the teacher's internal/provider/manager.go semaphore-gated fetch
// pattern, generalized from "one semaphore slot per in-flight fetch" to
// an explicit connection-state machine (Connecting/Handshaking/Idle/
// CheckedOut/Dead) since the Queue needs to check sessions in and out
// across many tasks rather than one fetch call holding a slot for its
// whole lifetime. Uses golang.org/x/sync/semaphore to gate concurrent
// connection attempts per server and sourcegraph/conc to run each
// dial+handshake off the scheduler goroutine (spec §5: "one connect/
// TLS-handshake thread per server pool").
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/pan2/engine/internal/health"
	"github.com/pan2/engine/internal/nntp"
	"github.com/pan2/engine/internal/quark"
	"github.com/pan2/engine/internal/socket"
)

// connState is where one pool slot sits in its lifecycle.
type connState int

const (
	stateConnecting connState = iota
	stateHandshaking
	stateIdle
	statePinging
	stateCheckedOut
	stateDead
)

// ServerConfig configures one server's pool.
type ServerConfig struct {
	Server         quark.Quark
	Addr           string
	TLS            bool
	Username       string
	Password       string
	MaxConnections int
	IdleTimeout    time.Duration
	BytesPerSecond int
}

// Listener receives pool-level signals (spec §4.3's pool_error and the
// Queue's pool_has_nntp_available event).
type Listener interface {
	OnNntpAvailable(server quark.Quark)
	OnPoolError(server quark.Quark, message string)
}

type conn struct {
	state     connState
	sock      *socket.Socket
	session   *nntp.Session
	idleSince time.Time
}

// Pool manages connections to a single server.
type Pool struct {
	cfg ServerConfig
	log health.Log
	l   Listener

	sem *semaphore.Weighted
	wg  conc.WaitGroup

	mu      sync.Mutex
	conns   []*conn
	backoff int           // consecutive failed connect/handshake attempts; fail caps the delay exponent at maxBackoffN
	until   time.Time     // don't attempt new connections before this time
	ctx     context.Context
	cancel  context.CancelFunc
}

const (
	backoffBase = time.Second
	maxBackoffN = 5 // spec §11: exponential backoff capped at 5 attempts

	defaultIdleTimeout = 5 * time.Minute
	noopTimeout        = 10 * time.Second // spec §4.3: drop unresponsive idle sessions
)

// New creates a pool for one server. RequestConnection starts dialing;
// Close tears down every live session.
func New(cfg ServerConfig, log health.Log, l Listener) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		log:    log,
		l:      l,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RequestConnection asks the pool to have a session ready; it dials and
// handshakes in the background and notifies the Listener via
// OnNntpAvailable once a session reaches Idle. It is safe to call this
// repeatedly; a pool at capacity with no idle sessions is a no-op.
func (p *Pool) RequestConnection() {
	p.mu.Lock()
	if time.Now().Before(p.until) {
		p.mu.Unlock()
		return
	}
	for _, c := range p.conns {
		if c.state == stateIdle {
			p.mu.Unlock()
			p.l.OnNntpAvailable(p.cfg.Server)
			return
		}
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return
	}
	c := &conn{state: stateConnecting}
	p.conns = append(p.conns, c)
	p.mu.Unlock()

	p.wg.Go(func() { p.connect(c) })
}

func (p *Pool) connect(c *conn) {
	sock, err := socket.Dial(p.ctx, socket.Config{
		Addr: p.cfg.Addr, TLS: p.cfg.TLS, BytesPerSecond: p.cfg.BytesPerSecond,
	})
	if err != nil {
		p.fail(c, err.Error())
		return
	}

	p.mu.Lock()
	c.state = stateHandshaking
	c.sock = sock
	session := nntp.New(p.cfg.Server, sock, p.cfg.Username, p.cfg.Password)
	c.session = session
	p.mu.Unlock()

	go sock.Run(p.ctx, session)

	done := make(chan health.Health, 1)
	session.Handshake(&handshakeListener{done: done})

	select {
	case h := <-done:
		if h != health.OK {
			p.fail(c, "handshake: "+h.String())
			return
		}
	case <-p.ctx.Done():
		return
	}

	p.mu.Lock()
	c.state = stateIdle
	c.idleSince = time.Now()
	p.backoff = 0
	p.mu.Unlock()
	p.l.OnNntpAvailable(p.cfg.Server)
}

type handshakeListener struct {
	nntp.BaseListener
	done chan health.Health
}

func (h *handshakeListener) OnDone(_ *nntp.Session, hl health.Health, _ string) {
	h.done <- hl
}

func (p *Pool) fail(c *conn, msg string) {
	p.mu.Lock()
	c.state = stateDead
	p.sem.Release(1)
	p.backoff++
	n := p.backoff
	if n > maxBackoffN {
		n = maxBackoffN
	}
	p.until = time.Now().Add(backoffBase * time.Duration(1<<uint(n-1)))
	p.mu.Unlock()

	p.log.Warn("pool %s: connect failed: %s", quark.MustResolve(p.cfg.Server), msg)
	p.l.OnPoolError(p.cfg.Server, msg)
}

// CheckOut hands an Idle session to a caller, marking it CheckedOut.
// Returns false if no session is currently Idle.
func (p *Pool) CheckOut() (*nntp.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.state == stateIdle {
			c.state = stateCheckedOut
			return c.session, true
		}
	}
	return nil, false
}

// CheckIn returns a session after a Task is done with it. A non-reusable
// Health discards the session and frees its semaphore slot.
func (p *Pool) CheckIn(session *nntp.Session, h health.Health) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.session != session {
			continue
		}
		if h.Reusable() {
			c.state = stateIdle
			c.idleSince = time.Now()
			return
		}
		p.dropLocked(c)
		return
	}
}

// dropLocked marks c dead, closes its socket, removes it from p.conns,
// and frees its semaphore slot. Callers must hold p.mu.
func (p *Pool) dropLocked(c *conn) {
	if c.state == stateDead {
		return
	}
	c.state = stateDead
	if c.sock != nil {
		_ = c.sock.Close()
	}
	for i, other := range p.conns {
		if other == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.sem.Release(1)
}

// IdleUpkeep pings every idle session that has sat unused for longer
// than IdleTimeout with a MODE READER no-op (spec §4.3), and drops any
// that doesn't answer within noopTimeout or answers unhealthily. Called
// periodically by the Queue's upkeep tick (spec §4.3/§4.7).
func (p *Pool) IdleUpkeep() {
	p.mu.Lock()
	var stale []*conn
	for _, c := range p.conns {
		if c.state == stateIdle && time.Since(c.idleSince) >= p.cfg.IdleTimeout {
			c.state = statePinging
			stale = append(stale, c)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		c := c
		p.wg.Go(func() { p.pingIdle(c) })
	}
}

// pingIdle sends the no-op and waits for a response, refreshing c's
// idle clock on a healthy reply and dropping it otherwise — including
// on a timeout, which is the only signal an unresponsive server gives.
func (p *Pool) pingIdle(c *conn) {
	done := make(chan health.Health, 1)
	c.session.Noop(&handshakeListener{done: done})

	select {
	case h := <-done:
		p.mu.Lock()
		if c.state == statePinging {
			if h.Reusable() {
				c.state = stateIdle
				c.idleSince = time.Now()
			} else {
				p.dropLocked(c)
			}
		}
		p.mu.Unlock()
	case <-time.After(noopTimeout):
		p.mu.Lock()
		if c.state == statePinging {
			p.dropLocked(c)
		}
		p.mu.Unlock()
	case <-p.ctx.Done():
	}
}

// Counts reports (idle, active, max) for the Queue's best-server scoring
// (spec §4.7: score = idle*10 + empty_slots).
func (p *Pool) Counts() (idle, active, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		switch c.state {
		case stateIdle:
			idle++
		case stateCheckedOut, stateConnecting, stateHandshaking, statePinging:
			active++
		}
	}
	return idle, active, p.cfg.MaxConnections
}

// Close tears down every session and stops accepting new connections.
func (p *Pool) Close() error {
	p.cancel()
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		if c.sock != nil {
			_ = c.sock.Close()
		}
	}
	p.wg.Wait()
	return nil
}

// Score implements spec §4.7's best-server scoring.
func Score(idle, active, max int) int {
	emptySlots := max - (idle + active)
	if emptySlots < 0 {
		emptySlots = 0
	}
	return idle*10 + emptySlots
}
