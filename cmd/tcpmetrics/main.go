package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/tcpmetrics/pkg/config"
	"github.com/irctrakz/tcpmetrics/pkg/core"
	"github.com/irctrakz/tcpmetrics/pkg/exporter"
	"github.com/irctrakz/tcpmetrics/pkg/logging"
	"github.com/irctrakz/tcpmetrics/pkg/socket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	// Environment overrides the file
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}

	// Route the package-level factories and the default HTTP transport through
	// the process-wide registry before any traffic happens.
	var opts []socket.InstallOption
	base := &net.Dialer{Timeout: cfg.DialTimeout(), KeepAlive: 30 * time.Second}
	if cfg.Dial.ProxyFromEnv {
		opts = append(opts, socket.WithBaseDialer(socket.ProxyFromEnvironment(base)))
	} else {
		opts = append(opts, socket.WithBaseDialer(base))
	}
	if !cfg.Dial.HookHTTP {
		opts = append(opts, socket.WithoutHTTP())
	}
	socket.Install(opts...)

	reg := socket.Default()
	if err := socket.On(core.EventSocketSummary, logSummary); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Health check and Prometheus endpoint
	if cfg.Metrics.ListenAddr != "" {
		srv, err := startHTTPServer(reg, cfg)
		if err != nil {
			log.Fatalf("metrics endpoint: %v", err)
		}
		defer srv.Close()
	}

	// Optional periodic totals reporter
	if iv := cfg.MetricsInterval(); iv > 0 {
		go runMetricsReporter(ctx, reg, iv, cfg.Metrics.Format, cfg.Metrics.Sockets)
	}

	// Optional: check egress through the instrumented default transport
	if config.Truthy(os.Getenv("HEALTHCHECK")) {
		go runDirectEgressHealth(ctx)
	}

	if err := runDemo(ctx, reg, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Errorf("demo: %v", err)
	}
	dumpMetrics(reg, cfg.Metrics.Format, cfg.Metrics.Sockets)

	if hold := cfg.DemoHold(); hold > 0 {
		logging.Infof("holding for %s", hold)
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
		return
	}

	// Without a hold, keep serving the endpoint until terminated
	if cfg.Metrics.ListenAddr != "" {
		<-ctx.Done()
	}
}

// logSummary logs the totals of a closed socket.
func logSummary(s core.Summary) {
	logging.InfoWithFields(logrus.Fields{
		"label": s.Label,
		"rx":    s.Received,
		"tx":    s.Sent,
	}, "socket closed")
}

// startHTTPServer serves /health and /metrics on an instrumented listener, so
// scrapes show up in the totals like any other inbound socket.
func startHTTPServer(reg *socket.Registry, cfg *config.Config) (*http.Server, error) {
	ln, err := reg.ListenLimited("tcp", cfg.Metrics.ListenAddr, cfg.Dial.MaxInbound)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	promReg := exporter.NewPrometheusRegistry(reg)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{
		ErrorLog:      logging.WithFields(logrus.Fields{"component": "promhttp"}),
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      promReg,
	}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("metrics endpoint: %v", err)
		}
	}()
	logging.Infof("serving /health and /metrics on %s", ln.Addr())
	return srv, nil
}
