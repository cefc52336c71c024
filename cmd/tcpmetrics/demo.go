package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/irctrakz/tcpmetrics/pkg/config"
	"github.com/irctrakz/tcpmetrics/pkg/logging"
	"github.com/irctrakz/tcpmetrics/pkg/socket"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// runDemo pushes the configured payload through a local instrumented echo
// server, then optionally contacts a TLS target.
func runDemo(ctx context.Context, reg *socket.Registry, cfg *config.Config) error {
	if cfg.Demo.Connections > 0 {
		if err := runEcho(ctx, reg, cfg.Demo.Connections, cfg.Demo.PayloadBytes, cfg.Dial.MaxInbound); err != nil {
			return err
		}
	}
	if cfg.Demo.TLSAddr != "" {
		if err := probeTLS(ctx, cfg.Demo.TLSAddr); err != nil {
			return fmt.Errorf("tls target %s: %w", cfg.Demo.TLSAddr, err)
		}
	}
	return nil
}

func runEcho(ctx context.Context, reg *socket.Registry, conns, size, maxInbound int) error {
	ln, err := reg.ListenLimited("tcp", "127.0.0.1:0", maxInbound)
	if err != nil {
		return fmt.Errorf("echo listen: %w", err)
	}
	defer ln.Close()

	var served sync.WaitGroup
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			served.Add(1)
			go func() {
				defer served.Done()
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	dialer := &socket.Dialer{Registry: reg}
	payload := bytes.Repeat([]byte("tcpmetrics "), size/11+1)[:size]
	var errs error
	for i := 0; i < conns; i++ {
		n, err := echoOnce(ctx, dialer, ln.Addr().String(), payload)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		logging.DebugWithFields(logrus.Fields{"conn": i, "bytes": n}, "echo round trip done")
	}
	served.Wait()
	return errs
}

// echoOnce writes payload, half-closes and reads the echo back.
func echoOnce(ctx context.Context, d *socket.Dialer, addr string, payload []byte) (int64, error) {
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("echo dial: %w", err)
	}
	defer c.Close()

	// Cancel unblocks the copy loops below
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	werr := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		if cw, ok := c.(interface{ CloseWrite() error }); ok && err == nil {
			err = cw.CloseWrite()
		}
		werr <- err
	}()

	n, err := io.Copy(io.Discard, c)
	if err := multierr.Append(err, <-werr); err != nil {
		return n, fmt.Errorf("echo: %w", err)
	}
	if n != int64(len(payload)) {
		return n, fmt.Errorf("echo: got %d bytes back, sent %d", n, len(payload))
	}
	return n, nil
}

// probeTLS performs a handshake with addr and a minimal HTTP/1.0 request.
func probeTLS(ctx context.Context, addr string) error {
	c, err := socket.DialTLSContext(ctx, "tcp", addr, &tls.Config{MinVersion: tls.VersionTLS12})
	if err != nil {
		return err
	}
	defer c.Close()

	host, _, _ := net.SplitHostPort(addr)
	if _, err := fmt.Fprintf(c, "HEAD / HTTP/1.0\r\nHost: %s\r\n\r\n", host); err != nil {
		return err
	}
	n, err := io.Copy(io.Discard, c)
	if err != nil {
		return err
	}
	logging.DebugWithFields(logrus.Fields{"addr": addr, "bytes": n}, "tls target done")
	return nil
}
