// Package apppool provides a minimal concrete Session pool for application
// backends, adapted from the teacher's pkg/transport.hostPool: idle LIFO
// slice, WaitTimeout-bounded blocking, MaxIdleConnsPerGroup/
// MaxConnsPerGroup, and stale-connection checks, generalized from "HTTP
// origin pool" to "application backend pool" (checkout returns a
// session.Session, not an HTTP net.Conn wrapper). It exists only so the
// Lifecycle State Machine has a realistic Session to drive end to end
// (spec.md §6, SPEC_FULL.md §5/§6); it is not a reimplementation of
// Passenger's ApplicationPool/SpawningKit.
//
// Waiting for a freed slot uses a channel that is closed and replaced on
// every Release/Discard, instead of the teacher's sync.Cond: a closed
// channel composes with select/time.After for the WaitTimeout deadline
// without the goroutine-leak and lock-handoff hazards of pairing
// sync.Cond.Wait with an external timeout.
package apppool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fanyer/passenger/internal/session"
)

// Config mirrors the teacher's transport.PoolConfig.
type Config struct {
	MaxIdleConnsPerGroup int
	MaxConnsPerGroup     int
	MaxIdleTime          time.Duration
	WaitTimeout          time.Duration
	StaleCheckThreshold  time.Duration
}

// DefaultConfig matches the teacher's DefaultPoolConfig defaults.
func DefaultConfig() Config {
	return Config{
		MaxIdleConnsPerGroup: 2,
		MaxConnsPerGroup:     0,
		MaxIdleTime:          90 * time.Second,
		StaleCheckThreshold:  1 * time.Second,
	}
}

// GroupSpec identifies one application group's backend socket.
type GroupSpec struct {
	Network     string // "unix" or "tcp"
	Address     string
	Protocol    session.Protocol
	GroupSecret []byte
	// TLS is nil for the common case; see maybeWrapTLS.
	TLS *tls.Config
}

// ErrPoolExhausted is returned by Checkout when MaxConnsPerGroup is
// reached and WaitTimeout elapses (or is zero).
var ErrPoolExhausted = errors.New("apppool: exhausted, wait timed out")

type pooledSession struct {
	sess     *concreteSession
	lastUsed time.Time
}

type groupPool struct {
	mu        sync.Mutex
	idle      []*pooledSession
	numActive int
	// wake is closed and replaced every time a slot might have freed up
	// (Release, Discard). Waiters select on the channel they observed at
	// the time they started waiting.
	wake chan struct{}
}

func newGroupPool() *groupPool {
	return &groupPool{idle: make([]*pooledSession, 0, 4), wake: make(chan struct{})}
}

// signalSlotFreed must be called with gp.mu held.
func (gp *groupPool) signalSlotFreed() {
	close(gp.wake)
	gp.wake = make(chan struct{})
}

// Pool checks out Sessions for application groups, keyed by network+address.
type Pool struct {
	cfg    Config
	dialer *Dialer
	groups sync.Map // map[string]*groupPool
}

// New creates a Pool. A nil dialer uses a plain net.Dialer with no proxy.
func New(cfg Config, dialer *Dialer) *Pool {
	if cfg.MaxIdleConnsPerGroup <= 0 {
		cfg.MaxIdleConnsPerGroup = 2
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 90 * time.Second
	}
	if cfg.StaleCheckThreshold <= 0 {
		cfg.StaleCheckThreshold = 1 * time.Second
	}
	if dialer == nil {
		dialer = &Dialer{}
	}
	return &Pool{cfg: cfg, dialer: dialer}
}

func (p *Pool) groupPoolFor(key string) *groupPool {
	v, _ := p.groups.LoadOrStore(key, newGroupPool())
	return v.(*groupPool)
}

// Checkout returns a Session for spec: a reused idle connection when one is
// live, otherwise a freshly dialed one.
func (p *Pool) Checkout(ctx context.Context, spec GroupSpec) (session.Session, error) {
	key := spec.Network + ":" + spec.Address
	gp := p.groupPoolFor(key)

	reused, err := p.acquireSlot(gp)
	if err != nil {
		return nil, err
	}
	if reused != nil {
		return reused, nil
	}

	conn, err := p.dialer.Dial(ctx, spec.Network, spec.Address)
	if err == nil && spec.TLS != nil {
		conn, err = maybeWrapTLS(ctx, conn, spec.TLS)
	}
	if err != nil {
		gp.mu.Lock()
		gp.numActive--
		gp.mu.Unlock()
		return nil, err
	}
	return &concreteSession{conn: conn, protocol: spec.Protocol, secret: spec.GroupSecret, key: key}, nil
}

// acquireSlot either returns a reused, still-live idle session, or
// reserves an active slot for the caller to dial a fresh connection into
// (returned session is nil, error is nil). It blocks up to WaitTimeout when
// MaxConnsPerGroup is already saturated.
func (p *Pool) acquireSlot(gp *groupPool) (session.Session, error) {
	var deadline time.Time
	for {
		gp.mu.Lock()
		for len(gp.idle) > 0 {
			n := len(gp.idle)
			ps := gp.idle[n-1]
			gp.idle = gp.idle[:n-1]

			if time.Since(ps.lastUsed) > p.cfg.MaxIdleTime {
				ps.sess.conn.Close()
				continue
			}
			if time.Since(ps.lastUsed) >= p.cfg.StaleCheckThreshold && !isAlive(ps.sess.conn) {
				ps.sess.conn.Close()
				continue
			}
			gp.numActive++
			gp.mu.Unlock()
			return ps.sess, nil
		}

		if p.cfg.MaxConnsPerGroup > 0 && gp.numActive >= p.cfg.MaxConnsPerGroup {
			if p.cfg.WaitTimeout <= 0 {
				gp.mu.Unlock()
				return nil, ErrPoolExhausted
			}
			if deadline.IsZero() {
				deadline = time.Now().Add(p.cfg.WaitTimeout)
			}
			wake := gp.wake
			gp.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-time.After(time.Until(deadline)):
				return nil, ErrPoolExhausted
			}
		}

		gp.numActive++
		gp.mu.Unlock()
		return nil, nil
	}
}

// Release returns sess to its group's idle pool, or closes it outright if
// the idle pool is already full.
func (p *Pool) Release(sess session.Session) {
	cs, ok := sess.(*concreteSession)
	if !ok {
		sess.Conn().Close()
		return
	}
	gp := p.groupPoolFor(cs.key)
	gp.mu.Lock()
	gp.numActive--
	if len(gp.idle) >= p.cfg.MaxIdleConnsPerGroup {
		gp.signalSlotFreed()
		gp.mu.Unlock()
		cs.conn.Close()
		return
	}
	gp.idle = append(gp.idle, &pooledSession{sess: cs, lastUsed: time.Now()})
	gp.signalSlotFreed()
	gp.mu.Unlock()
}

// Discard removes sess from the pool's active count and closes it, for use
// after a fatal write error instead of Release.
func (p *Pool) Discard(sess session.Session) {
	cs, ok := sess.(*concreteSession)
	if !ok {
		sess.Conn().Close()
		return
	}
	gp := p.groupPoolFor(cs.key)
	gp.mu.Lock()
	gp.numActive--
	gp.signalSlotFreed()
	gp.mu.Unlock()
	cs.conn.Close()
}

func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	_, err := conn.Read(one)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// concreteSession is the only session.Session implementation this pool
// hands out.
type concreteSession struct {
	conn     net.Conn
	protocol session.Protocol
	secret   []byte
	key      string
}

func (s *concreteSession) Conn() net.Conn             { return s.conn }
func (s *concreteSession) Protocol() session.Protocol { return s.protocol }
func (s *concreteSession) GroupSecret() []byte        { return s.secret }
