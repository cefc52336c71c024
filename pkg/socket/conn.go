package socket

import (
	"errors"
	"net"
	"sync"

	"github.com/irctrakz/tcpmetrics/pkg/core"
	"github.com/irctrakz/tcpmetrics/pkg/logging"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Conn is a net.Conn that counts the bytes read from and written to the
// connection it wraps. Apart from the counting it behaves exactly like the
// wrapped connection.
type Conn struct {
	net.Conn

	reg *Registry

	connectOnce sync.Once
	secureOnce  sync.Once
	closeOnce   sync.Once
	secured     atomic.Bool

	// guarded by reg.mu
	finalized bool
}

// Ensure Conn keeps the optional interfaces callers commonly probe for.
var (
	_ net.Conn                        = (*Conn)(nil)
	_ Securable                       = (*Conn)(nil)
	_ interface{ CloseWrite() error } = (*Conn)(nil)
)

// Securable is implemented by connections that can be told a TLS handshake
// completed on top of them.
type Securable interface {
	Secured()
}

// errHalfCloseUnsupported is returned by CloseRead/CloseWrite when the wrapped
// connection cannot half-close.
var errHalfCloseUnsupported = errors.New("half-close not supported by underlying connection")

// Instrument wraps c so its traffic is counted by reg. Wrapping a connection
// already instrumented by reg returns it unchanged.
func Instrument(reg *Registry, c net.Conn) *Conn {
	if c == nil {
		return nil
	}
	if ic, ok := c.(*Conn); ok && ic.reg == reg {
		return ic
	}
	return &Conn{Conn: c, reg: reg}
}

// Read reads from the wrapped connection and counts the bytes delivered.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.account("read", b[:n], false)
	}
	return n, err
}

// Write counts the payload and then writes it to the wrapped connection,
// returning its result unchanged.
func (c *Conn) Write(b []byte) (int, error) {
	c.account("write", b, true)
	return c.Conn.Write(b)
}

// WriteString writes s like Write does.
func (c *Conn) WriteString(s string) (int, error) {
	c.account("write", s, true)
	if sw, ok := c.Conn.(interface{ WriteString(string) (int, error) }); ok {
		return sw.WriteString(s)
	}
	return c.Conn.Write([]byte(s))
}

// Close closes the wrapped connection and, the first time it is called,
// publishes the connection's summary and stops tracking it.
func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		defer c.recoverAccounting("close")
		c.reg.finalize(c)
	})
	return err
}

// CloseRead shuts down the reading side if the wrapped connection supports it.
func (c *Conn) CloseRead() error {
	if hc, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return hc.CloseRead()
	}
	return errHalfCloseUnsupported
}

// CloseWrite shuts down the writing side if the wrapped connection supports it.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return errHalfCloseUnsupported
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn {
	return c.Conn
}

// Connected records that the remote peer is known. Dialers call it once the
// dial completes; later calls are no-ops.
func (c *Conn) Connected() {
	c.connectOnce.Do(func() {
		defer c.recoverAccounting("connect")
		c.reg.relabel(c)
	})
}

// Secured records that a TLS handshake completed over the connection. Later
// calls are no-ops.
func (c *Conn) Secured() {
	c.secureOnce.Do(func() {
		defer c.recoverAccounting("secure")
		c.secured.Store(true)
		c.reg.relabel(c)
	})
}

// IsSecured reports whether Secured has been called.
func (c *Conn) IsSecured() bool {
	return c.secured.Load()
}

// Stats returns the connection's current counters. The boolean is false when
// the connection is not tracked (no traffic yet, or already closed).
func (c *Conn) Stats() (core.SocketStats, bool) {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	e, ok := c.reg.entries[c]
	if !ok {
		return core.SocketStats{}, false
	}
	return e.stats(), true
}

func (c *Conn) account(op string, unit any, sent bool) {
	defer c.recoverAccounting(op)
	n := ByteLen(unit)
	if n <= 0 {
		return
	}
	if sent {
		c.reg.addSent(c, n)
	} else {
		c.reg.addReceived(c, n)
	}
}

func (c *Conn) recoverAccounting(op string) {
	if v := recover(); v != nil {
		logging.DebugWithFields(logrus.Fields{"op": op}, "socket accounting failed: %v", v)
	}
}
