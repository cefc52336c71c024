package socket

import (
	"crypto/tls"
	"errors"
	"net"

	"golang.org/x/net/netutil"
)

// errMissingCertificate mirrors the check done by crypto/tls.Listen.
var errMissingCertificate = errors.New("tls: neither Certificates, GetCertificate, nor GetConfigForClient set in Config")

// Listener instruments every connection accepted by the listener it wraps.
type Listener struct {
	net.Listener

	reg *Registry
}

// WrapListener returns ln with accepted connections counted by reg. A nil reg
// means Default().
func WrapListener(reg *Registry, ln net.Listener) *Listener {
	if reg == nil {
		reg = Default()
	}
	if l, ok := ln.(*Listener); ok && l.reg == reg {
		return l
	}
	return &Listener{Listener: ln, reg: reg}
}

// Accept waits for the next connection and returns it instrumented, before
// any caller sees it.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Instrument(l.reg, c), nil
}

// Listen announces on the local network address like net.Listen.
func (r *Registry) Listen(network, address string) (net.Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return WrapListener(r, ln), nil
}

// ListenLimited is Listen with at most n simultaneously open accepted
// connections. n <= 0 means unlimited.
func (r *Registry) ListenLimited(network, address string, n int) (net.Listener, error) {
	ln, err := r.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return netutil.LimitListener(ln, n), nil
	}
	return ln, nil
}

// ListenTLS announces on the local network address and serves TLS with
// config. Bytes are counted below the TLS layer.
func (r *Registry) ListenTLS(network, address string, config *tls.Config) (net.Listener, error) {
	if config == nil || (len(config.Certificates) == 0 &&
		config.GetCertificate == nil && config.GetConfigForClient == nil) {
		return nil, errMissingCertificate
	}
	ln, err := r.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, config), nil
}
