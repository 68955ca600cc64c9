package apppool

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	netproxy "golang.org/x/net/proxy"
)

// ProxyConfig configures dialing an application-group socket through a
// local forward proxy — rare, but real in containerized deployments where
// the app backend sits behind a sidecar. Grounded on the teacher's
// pkg/transport.ProxyConfig SOCKS5 dialing, generalized from "origin
// server" to "application backend".
type ProxyConfig struct {
	Address  string
	Username string
	Password string
}

// Dialer establishes the raw connection for a Group: directly via
// net.Dialer, or through a SOCKS5 proxy.Dialer when Proxy is set.
type Dialer struct {
	Timeout time.Duration
	Proxy   *ProxyConfig
}

// Dial connects to address over network ("unix" or "tcp").
func (d *Dialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := &net.Dialer{Timeout: timeout}

	if d.Proxy == nil {
		return base.DialContext(ctx, network, address)
	}

	var auth *netproxy.Auth
	if d.Proxy.Username != "" {
		auth = &netproxy.Auth{User: d.Proxy.Username, Password: d.Proxy.Password}
	}
	pd, err := netproxy.SOCKS5("tcp", d.Proxy.Address, auth, base)
	if err != nil {
		return nil, err
	}
	if cd, ok := pd.(netproxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}
	return pd.Dial(network, address)
}

// maybeWrapTLS upgrades conn to TLS when cfg is non-nil. Guarded path: app
// sockets are plain Unix/TCP by default (spec.md §3); this only runs for
// the rare application backend that terminates TLS on its own listener.
func maybeWrapTLS(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
