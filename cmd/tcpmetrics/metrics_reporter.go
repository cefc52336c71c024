package main

import (
    "context"
    "encoding/json"
    "os"
    "runtime"
    "strconv"
    "strings"
    "sync"
    "syscall"
    "time"

    "github.com/irctrakz/tcpmetrics/pkg/core"
    "github.com/irctrakz/tcpmetrics/pkg/logging"
    "github.com/irctrakz/tcpmetrics/pkg/socket"
)

type metricsSnapshot struct {
    Timestamp string              `json:"ts"`
    Total     core.Totals         `json:"total"`
    Open      int                 `json:"open"`
    Sockets   []core.SocketStats  `json:"sockets,omitempty"`
    RT        map[string]uint64   `json:"rt"`
    Srv       map[string]uint64   `json:"srv_limits"`
}

func runMetricsReporter(ctx context.Context, reg *socket.Registry, interval time.Duration, format string, sockets bool) {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            dumpMetrics(reg, format, sockets)
        }
    }
}

// lastTotal keeps the previous totals to compute per-interval deltas.
var (
    lastMu    sync.Mutex
    lastTotal core.Totals
)

func dumpMetrics(reg *socket.Registry, format string, sockets bool) {
    snap := buildSnapshot(reg.Totals(), sockets)
    lastMu.Lock()
    dRx := snap.Total.Received - lastTotal.Received
    dTx := snap.Total.Sent - lastTotal.Sent
    lastTotal = snap.Total
    lastMu.Unlock()

    switch format {
    case "json":
        b, err := json.Marshal(snap)
        if err != nil { logging.Warnf("metrics: marshal: %v", err); return }
        logging.Infof("metrics: %s", string(b))
    default:
        logging.Infof("metrics: ts=%s total: rx=%d tx=%d | interval: rx=%d tx=%d | open=%d | srv: fds=%d/%d eph=%d | rt: heap=%dMi gor=%d gc=%d",
            snap.Timestamp,
            snap.Total.Received, snap.Total.Sent,
            dRx, dTx,
            snap.Open,
            snap.Srv["open_fds"], snap.Srv["nofile_soft"], snap.Srv["eph_size"],
            snap.RT["heap_alloc"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"],
        )
        for _, s := range snap.Sockets {
            logging.Infof("metrics: socket %s", s)
        }
    }
}

func buildSnapshot(totals core.Snapshot, sockets bool) metricsSnapshot {
    var ms runtime.MemStats
    runtime.ReadMemStats(&ms)
    snap := metricsSnapshot{
        Timestamp: time.Now().UTC().Format(time.RFC3339),
        Total:     totals.Total,
        Open:      len(totals.Sockets),
        RT: map[string]uint64{
            "heap_alloc": ms.HeapAlloc,
            "heap_inuse": ms.HeapInuse,
            "sys":        ms.Sys,
            "num_gc":     uint64(ms.NumGC),
            "goroutines": uint64(runtime.NumGoroutine()),
        },
        Srv: buildServerLimits(),
    }
    if sockets { snap.Sockets = totals.Sockets }
    return snap
}

// buildServerLimits collects best-effort limits on how many sockets the
// process can hold open.
func buildServerLimits() map[string]uint64 {
    out := map[string]uint64{}
    var rl syscall.Rlimit
    if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
        out["nofile_soft"] = rl.Cur
        out["nofile_hard"] = rl.Max
    }
    if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
        out["open_fds"] = uint64(len(ents))
    }
    if low, high, ok := readPortRange("/proc/sys/net/ipv4/ip_local_port_range"); ok && high > low {
        out["eph_low"] = low
        out["eph_high"] = high
        out["eph_size"] = high - low + 1
    }
    return out
}

func readPortRange(path string) (low, high uint64, ok bool) {
    b, err := os.ReadFile(path)
    if err != nil { return 0, 0, false }
    f := strings.Fields(string(b))
    if len(f) < 2 { return 0, 0, false }
    lo, err1 := strconv.ParseUint(f[0], 10, 64)
    hi, err2 := strconv.ParseUint(f[1], 10, 64)
    if err1 != nil || err2 != nil { return 0, 0, false }
    return lo, hi, true
}
