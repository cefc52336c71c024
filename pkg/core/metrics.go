package core

import "fmt"

// UnknownPeer is the label carried by a socket whose remote address is not
// known yet.
const UnknownPeer = "unconnected:0"

// EventSocketSummary is the event name under which per-socket summaries are
// published when a socket closes.
const EventSocketSummary = "socketSummary"

// Totals contains process-wide byte counters.
type Totals struct {
	// Received is the number of bytes read from all instrumented sockets.
	Received uint64 `json:"rx" yaml:"rx"`

	// Sent is the number of bytes handed to all instrumented sockets for writing.
	Sent uint64 `json:"tx" yaml:"tx"`
}

// SocketStats contains the counters of a single instrumented socket.
type SocketStats struct {
	// Received is the number of bytes read from the socket.
	Received uint64 `json:"rx" yaml:"rx"`

	// Sent is the number of bytes written to the socket.
	Sent uint64 `json:"tx" yaml:"tx"`

	// Label identifies the remote peer as "<address>:<port>".
	Label string `json:"label" yaml:"label"`
}

// Summary is the immutable record published once when a socket closes.
type Summary = SocketStats

// Snapshot is the result of a totals query: aggregate counters plus a copy of
// every socket currently tracked.
type Snapshot struct {
	Total   Totals        `json:"total" yaml:"total"`
	Sockets []SocketStats `json:"sockets" yaml:"sockets"`
}

// String renders the stats the way the reporter prints them.
func (s SocketStats) String() string {
	return fmt.Sprintf("%s rx=%d tx=%d", s.Label, s.Received, s.Sent)
}
