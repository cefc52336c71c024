package socket

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/irctrakz/tcpmetrics/pkg/core"
	"github.com/irctrakz/tcpmetrics/pkg/logging"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/net/proxy"
)

var (
	defaultRegistry = NewRegistry()
	defaultDialer   = atomic.NewPointer(&Dialer{Registry: defaultRegistry})

	installOnce sync.Once
)

// Default returns the process-wide registry used by the package-level
// helpers.
func Default() *Registry {
	return defaultRegistry
}

// installOptions configures Install.
type installOptions struct {
	base      proxy.ContextDialer
	transport *http.Transport
	hookHTTP  bool
}

// InstallOption configures Install.
type InstallOption func(*installOptions)

// WithBaseDialer makes the package-level dialers connect through d.
func WithBaseDialer(d proxy.ContextDialer) InstallOption {
	return func(o *installOptions) { o.base = d }
}

// WithHTTPTransport hooks t instead of http.DefaultTransport.
func WithHTTPTransport(t *http.Transport) InstallOption {
	return func(o *installOptions) {
		o.transport = t
		o.hookHTTP = t != nil
	}
}

// WithoutHTTP leaves HTTP transports untouched.
func WithoutHTTP() InstallOption {
	return func(o *installOptions) { o.hookHTTP = false }
}

// Install sets up process-wide instrumentation: the package-level dialers use
// the configured base dialer, and the dial hooks of http.DefaultTransport are
// routed through the default registry so HTTP clients are counted without
// changes at their call sites. Only the first call has an effect; it reports
// whether this call performed the installation. Call it at process start,
// before any HTTP traffic.
func Install(opts ...InstallOption) bool {
	installed := false
	installOnce.Do(func() {
		o := installOptions{hookHTTP: true}
		if t, ok := http.DefaultTransport.(*http.Transport); ok {
			o.transport = t
		}
		for _, opt := range opts {
			opt(&o)
		}

		d := &Dialer{Registry: defaultRegistry, Base: o.base}
		defaultDialer.Store(d)

		if o.hookHTTP && o.transport != nil {
			hookTransport(o.transport, d)
		}
		installed = true
		logging.DebugWithFields(logrus.Fields{"http": o.hookHTTP && o.transport != nil}, "socket instrumentation installed")
	})
	return installed
}

// hookTransport routes the plain dials of t through d. TLS dials made by the
// transport itself run on top of the instrumented connection and are counted
// at the wire level; a custom DialTLSContext is counted above its TLS layer.
func hookTransport(t *http.Transport, d *Dialer) {
	if prev := t.DialContext; prev != nil {
		d = &Dialer{Registry: d.Registry, Base: dialFunc(prev)}
	}
	t.DialContext = d.DialContext
	if t.DialTLSContext != nil {
		prev := t.DialTLSContext
		t.DialTLSContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			c, err := prev(ctx, network, address)
			if err != nil {
				return nil, err
			}
			ic := Instrument(d.Registry, c)
			ic.Connected()
			if tc, ok := c.(*tls.Conn); ok && tc.ConnectionState().HandshakeComplete {
				ic.Secured()
			}
			return ic, nil
		}
	}
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Dial connects to the address on the named network through the default
// registry.
func Dial(network, address string) (net.Conn, error) {
	return defaultDialer.Load().Dial(network, address)
}

// DialContext is Dial with a context.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return defaultDialer.Load().DialContext(ctx, network, address)
}

// DialTLS connects to the address and performs a TLS handshake, counting the
// traffic in the default registry.
func DialTLS(network, address string, config *tls.Config) (net.Conn, error) {
	return DialTLSContext(context.Background(), network, address, config)
}

// DialTLSContext is DialTLS with a context.
func DialTLSContext(ctx context.Context, network, address string, config *tls.Config) (net.Conn, error) {
	d := &TLSDialer{NetDialer: defaultDialer.Load(), Config: config}
	return d.DialContext(ctx, network, address)
}

// Listen announces on the local network address, counting accepted
// connections in the default registry.
func Listen(network, address string) (net.Listener, error) {
	return defaultRegistry.Listen(network, address)
}

// ListenTLS is Listen serving TLS with config.
func ListenTLS(network, address string, config *tls.Config) (net.Listener, error) {
	return defaultRegistry.ListenTLS(network, address, config)
}

// Totals returns the default registry's snapshot.
func Totals() core.Snapshot {
	return defaultRegistry.Totals()
}

// On subscribes fn to an event of the default registry.
func On(event string, fn SummaryFunc) error {
	return defaultRegistry.On(event, fn)
}
