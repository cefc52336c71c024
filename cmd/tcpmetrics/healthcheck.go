package main

import (
    "context"
    "net"
    "net/http"
    "os"
    "time"

    "github.com/irctrakz/tcpmetrics/pkg/logging"
)

// healthHandler answers liveness probes.
func healthHandler(w http.ResponseWriter, r *http.Request) {
    w.WriteHeader(http.StatusOK)
    _, _ = w.Write([]byte("ok"))
}

// runDirectEgressHealth performs DNS and HTTP through the default transport,
// which Install has instrumented, so the probe also appears in the totals.
func runDirectEgressHealth(ctx context.Context) {
    target := os.Getenv("HEALTH_HTTP_URL")
    if target == "" { target = "https://httpbin.org/ip" }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
    if err != nil { logging.Warnf("Health: bad HEALTH_HTTP_URL %q: %v", target, err); return }
    if resp, err := http.DefaultClient.Do(req); err != nil {
        logging.Warnf("Health: direct HTTP GET failed: %v", err)
    } else {
        _ = resp.Body.Close()
        logging.Infof("Health: direct HTTP GET ok: %s (%s)", target, resp.Status)
    }
    // DNS resolve
    host := os.Getenv("HEALTH_DNS_NAME")
    if host == "" { host = "example.com" }
    if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
        logging.Warnf("Health: direct DNS lookup failed: %v", err)
    } else {
        logging.Infof("Health: direct DNS lookup ok: %s", host)
    }
}
