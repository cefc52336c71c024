// Package socket counts the bytes flowing through every connection created by
// its dialers or accepted by its listeners.
//
// Connections are wrapped in a Conn decorator that behaves exactly like the
// original net.Conn. Counts are kept per connection and in aggregate by a
// Registry; when a connection closes its final counts are published to the
// Registry's subscribers and the connection is forgotten.
package socket

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/irctrakz/tcpmetrics/pkg/core"
	"github.com/irctrakz/tcpmetrics/pkg/logging"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var (
	// ErrUnknownEvent is returned by Registry.On for event names other than
	// core.EventSocketSummary.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrNilListener is returned by Registry.On when no callback is given.
	ErrNilListener = errors.New("nil listener")
)

// SummaryFunc receives the summary of a closed socket.
type SummaryFunc func(core.Summary)

// entry holds the counters of one tracked socket.
type entry struct {
	seq      uint64
	received atomic.Uint64
	sent     atomic.Uint64
	label    atomic.String
}

func (e *entry) stats() core.SocketStats {
	return core.SocketStats{
		Received: e.received.Load(),
		Sent:     e.sent.Load(),
		Label:    e.label.Load(),
	}
}

// Registry tracks aggregate byte totals and the stats of every live socket.
//
// Counter increments hold the read lock; entry creation, eviction and
// snapshots hold the write lock, so Totals never observes a half-applied
// increment.
type Registry struct {
	mu       sync.RWMutex
	entries  map[*Conn]*entry
	seq      uint64
	received atomic.Uint64
	sent     atomic.Uint64

	subsMu sync.Mutex
	subs   []SummaryFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[*Conn]*entry),
	}
}

// Totals returns the aggregate counters and a copy of every tracked socket, in
// the order the sockets were first observed.
func (r *Registry) Totals() core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	type ordered struct {
		seq   uint64
		stats core.SocketStats
	}
	tmp := make([]ordered, 0, len(r.entries))
	for _, e := range r.entries {
		tmp = append(tmp, ordered{seq: e.seq, stats: e.stats()})
	}
	sort.Slice(tmp, func(i, j int) bool { return tmp[i].seq < tmp[j].seq })

	snap := core.Snapshot{
		Total: core.Totals{
			Received: r.received.Load(),
			Sent:     r.sent.Load(),
		},
		Sockets: make([]core.SocketStats, len(tmp)),
	}
	for i := range tmp {
		snap.Sockets[i] = tmp[i].stats
	}
	return snap
}

// Tracked returns the number of sockets currently held by the registry.
func (r *Registry) Tracked() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// On registers fn for the named event. The only supported event is
// core.EventSocketSummary.
func (r *Registry) On(event string, fn SummaryFunc) error {
	if event != core.EventSocketSummary {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if fn == nil {
		return ErrNilListener
	}
	r.OnSummary(fn)
	return nil
}

// OnSummary registers fn to be called once for every socket that closes with
// tracked stats. Subscribers run in registration order on the goroutine that
// closed the socket.
func (r *Registry) OnSummary(fn SummaryFunc) {
	if fn == nil {
		return
	}
	r.subsMu.Lock()
	r.subs = append(r.subs, fn)
	r.subsMu.Unlock()
}

func (r *Registry) addReceived(c *Conn, n int) { r.add(c, uint64(n), false) }
func (r *Registry) addSent(c *Conn, n int)     { r.add(c, uint64(n), true) }

func (r *Registry) add(c *Conn, n uint64, sent bool) {
	r.mu.RLock()
	if e, ok := r.entries[c]; ok {
		r.apply(e, n, sent)
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.ensureLocked(c); e != nil {
		r.apply(e, n, sent)
	}
}

func (r *Registry) apply(e *entry, n uint64, sent bool) {
	if sent {
		e.sent.Add(n)
		r.sent.Add(n)
		return
	}
	e.received.Add(n)
	r.received.Add(n)
}

// ensureLocked returns the entry of c, creating it if needed. It returns nil
// once c has been finalized so a closed socket is never tracked again.
func (r *Registry) ensureLocked(c *Conn) *entry {
	if e, ok := r.entries[c]; ok {
		return e
	}
	if c.finalized {
		return nil
	}
	r.seq++
	e := &entry{seq: r.seq}
	e.label.Store(core.LabelFor(c.RemoteAddr()))
	r.entries[c] = e
	return e
}

// relabel refreshes the label of c from its current remote address.
func (r *Registry) relabel(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensureLocked(c)
	if e == nil {
		return
	}
	next := core.LabelFor(c.RemoteAddr())
	if next == core.UnknownPeer || next == e.label.Load() {
		return
	}
	logging.DebugWithFields(logrus.Fields{"from": e.label.Load(), "to": next}, "socket relabeled")
	e.label.Store(next)
}

// finalize evicts c and publishes its summary if it was tracked.
func (r *Registry) finalize(c *Conn) {
	r.mu.Lock()
	c.finalized = true
	e, ok := r.entries[c]
	if ok {
		delete(r.entries, c)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.publish(e.stats())
}

func (r *Registry) publish(s core.Summary) {
	r.subsMu.Lock()
	subs := r.subs
	r.subsMu.Unlock()

	for _, fn := range subs {
		r.notify(fn, s)
	}
}

func (r *Registry) notify(fn SummaryFunc, s core.Summary) {
	defer func() {
		if v := recover(); v != nil {
			logging.WarnWithFields(logrus.Fields{"label": s.Label}, "socket summary subscriber panicked: %v", v)
		}
	}()
	fn(s)
}
