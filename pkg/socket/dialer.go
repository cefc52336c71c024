package socket

import (
	"context"
	"crypto/tls"
	"net"

	"golang.org/x/net/proxy"
)

// Dialer opens outbound connections and instruments them.
type Dialer struct {
	// Registry receives the counts. Defaults to Default().
	Registry *Registry

	// Base performs the actual dial. Defaults to a zero net.Dialer. Any
	// proxy.ContextDialer works, e.g. the result of ProxyFromEnvironment.
	Base proxy.ContextDialer
}

// Dial connects to the address on the named network.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to the address on the named network using the
// provided context. Errors from the base dialer are returned unchanged.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c, err := d.base().DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	ic := Instrument(d.registry(), c)
	ic.Connected()
	return ic, nil
}

func (d *Dialer) base() proxy.ContextDialer {
	if d == nil || d.Base == nil {
		return &net.Dialer{}
	}
	return d.Base
}

func (d *Dialer) registry() *Registry {
	if d == nil || d.Registry == nil {
		return Default()
	}
	return d.Registry
}

// TLSDialer opens outbound TLS connections. Bytes are counted below the TLS
// layer, so handshake and record overhead are included.
type TLSDialer struct {
	// NetDialer opens the underlying connection. Defaults to a zero Dialer.
	NetDialer *Dialer

	// Config is the TLS configuration for new connections. A nil Config is
	// equivalent to the zero configuration.
	Config *tls.Config
}

// Dial connects to the address on the named network and performs the TLS
// handshake.
func (d *TLSDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to the address on the named network and performs the
// TLS handshake using the provided context. The returned connection is a
// *tls.Conn.
func (d *TLSDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	raw, err := d.NetDialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	cfg := d.config()
	if cfg.ServerName == "" {
		// Same default as crypto/tls.Dial.
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	if s, ok := raw.(Securable); ok {
		s.Secured()
	}
	return tc, nil
}

func (d *TLSDialer) config() *tls.Config {
	if d.Config == nil {
		return &tls.Config{}
	}
	return d.Config
}

// ProxyFromEnvironment returns a base dialer that honours ALL_PROXY and
// NO_PROXY, falling back to forward for direct connections.
func ProxyFromEnvironment(forward *net.Dialer) proxy.ContextDialer {
	if forward == nil {
		forward = &net.Dialer{}
	}
	pd := proxy.FromEnvironmentUsing(forward)
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd
	}
	return contextDialer{pd}
}

// contextDialer adapts a proxy.Dialer without context support.
type contextDialer struct {
	d proxy.Dialer
}

func (c contextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.d.Dial(network, address)
}
