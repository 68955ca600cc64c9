package apppool

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fanyer/passenger/internal/session"
)

func startEchoListener(t *testing.T) (addr string, accepts *int32, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var count int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&count, 1)
			go func(c net.Conn) {
				buf := make([]byte, 1024)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), &count, func() { ln.Close() }
}

func TestCheckoutDialsFreshConnection(t *testing.T) {
	addr, accepts, closeFn := startEchoListener(t)
	defer closeFn()

	p := New(DefaultConfig(), nil)
	sess, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr, Protocol: session.ProtocolHTTP})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer sess.Conn().Close()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(accepts) != 1 {
		t.Fatalf("accepts = %d, want 1", atomic.LoadInt32(accepts))
	}
}

func TestReleaseThenCheckoutReusesConnection(t *testing.T) {
	addr, accepts, closeFn := startEchoListener(t)
	defer closeFn()

	p := New(DefaultConfig(), nil)
	sess, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	p.Release(sess)

	sess2, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("second Checkout: %v", err)
	}
	defer sess2.Conn().Close()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(accepts) != 1 {
		t.Fatalf("accepts = %d, want 1 (expected reuse, not a fresh dial)", atomic.LoadInt32(accepts))
	}
	if sess.Conn() != sess2.Conn() {
		t.Fatalf("expected the same underlying connection to be reused")
	}
}

func TestDiscardClosesConnectionAndFreesSlot(t *testing.T) {
	addr, _, closeFn := startEchoListener(t)
	defer closeFn()

	cfg := DefaultConfig()
	cfg.MaxConnsPerGroup = 1
	cfg.WaitTimeout = time.Second
	p := New(cfg, nil)

	sess, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	p.Discard(sess)

	// The slot must be free again immediately; a second checkout should not
	// have to wait.
	start := time.Now()
	sess2, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("second Checkout: %v", err)
	}
	defer sess2.Conn().Close()
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("checkout took too long after Discard freed the slot: %v", time.Since(start))
	}
}

func TestCheckoutWaitsThenTimesOutWhenExhausted(t *testing.T) {
	addr, _, closeFn := startEchoListener(t)
	defer closeFn()

	cfg := DefaultConfig()
	cfg.MaxConnsPerGroup = 1
	cfg.WaitTimeout = 100 * time.Millisecond
	p := New(cfg, nil)

	sess, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer sess.Conn().Close()

	start := time.Now()
	_, err = p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	elapsed := time.Since(start)
	if err != ErrPoolExhausted {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if elapsed < 80*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestCheckoutUnblocksOnRelease(t *testing.T) {
	addr, _, closeFn := startEchoListener(t)
	defer closeFn()

	cfg := DefaultConfig()
	cfg.MaxConnsPerGroup = 1
	cfg.WaitTimeout = 2 * time.Second
	p := New(cfg, nil)

	sess, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(sess)
	}()

	start := time.Now()
	sess2, err := p.Checkout(context.Background(), GroupSpec{Network: "tcp", Address: addr})
	if err != nil {
		t.Fatalf("second Checkout: %v", err)
	}
	defer sess2.Conn().Close()
	if time.Since(start) > 2*time.Second {
		t.Fatalf("checkout did not unblock promptly after Release")
	}
}
