package socket

import (
	"fmt"
	"testing"

	"github.com/irctrakz/tcpmetrics/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_On(t *testing.T) {
	reg := NewRegistry()

	err := reg.On("close", func(core.Summary) {})
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.ErrorIs(t, reg.On(core.EventSocketSummary, nil), ErrNilListener)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, reg.On(core.EventSocketSummary, func(core.Summary) {
			order = append(order, i)
		}))
	}

	c := Instrument(reg, newFakeConn(tcpAddr("10.0.0.1", 1)))
	_, _ = c.Write([]byte("x"))
	require.NoError(t, c.Close())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRegistry_PanickingSubscriber(t *testing.T) {
	reg := NewRegistry()
	var delivered bool
	reg.OnSummary(func(core.Summary) { panic("subscriber bug") })
	reg.OnSummary(func(core.Summary) { delivered = true })

	c := Instrument(reg, newFakeConn(tcpAddr("10.0.0.1", 1)))
	_, _ = c.Write([]byte("x"))
	assert.NotPanics(t, func() { _ = c.Close() })
	assert.True(t, delivered)
}

func TestRegistry_TotalsOrderAndCopies(t *testing.T) {
	reg := NewRegistry()
	ports := []int{3, 1, 2}
	conns := make([]*Conn, len(ports))
	for i, p := range ports {
		conns[i] = Instrument(reg, newFakeConn(tcpAddr(fmt.Sprintf("10.0.0.%d", p), p)))
		_, _ = conns[i].Write(make([]byte, i+1))
	}

	snap := reg.Totals()
	require.Len(t, snap.Sockets, 3)
	for i, s := range snap.Sockets {
		assert.Equal(t, fmt.Sprintf("10.0.0.%d:%d", ports[i], ports[i]), s.Label)
		assert.Equal(t, uint64(i+1), s.Sent)
	}

	// The snapshot is a copy.
	snap.Sockets[0].Sent = 999
	assert.Equal(t, uint64(1), reg.Totals().Sockets[0].Sent)

	for _, c := range conns {
		_ = c.Close()
	}
}

func TestRegistry_NoGrowthAcrossManyConnections(t *testing.T) {
	reg := NewRegistry()
	rec := newSummaryRecorder(reg)
	const k = 1000

	for i := 0; i < k; i++ {
		c := Instrument(reg, newFakeConn(tcpAddr("10.9.0.1", i)))
		_, _ = c.Write([]byte("payload"))
		require.NoError(t, c.Close())
		<-rec.seen
	}

	assert.Zero(t, reg.Tracked())
	assert.Empty(t, reg.Totals().Sockets)
	assert.Equal(t, uint64(k*len("payload")), reg.Totals().Total.Sent)
}

func TestRegistry_AggregateMatchesEntries(t *testing.T) {
	reg := NewRegistry()
	var closedSent, closedRecv uint64
	reg.OnSummary(func(s core.Summary) {
		closedSent += s.Sent
		closedRecv += s.Received
	})

	live := Instrument(reg, newFakeConn(tcpAddr("10.0.0.1", 1)))
	gone := Instrument(reg, newFakeConn(tcpAddr("10.0.0.2", 2)))
	_, _ = live.Write(make([]byte, 7))
	_, _ = gone.Write(make([]byte, 11))
	gone.NetConn().(*fakeConn).feed(make([]byte, 5))
	_, _ = gone.Read(make([]byte, 16))
	require.NoError(t, gone.Close())

	snap := reg.Totals()
	var liveSent, liveRecv uint64
	for _, s := range snap.Sockets {
		liveSent += s.Sent
		liveRecv += s.Received
	}
	assert.Equal(t, snap.Total.Sent, liveSent+closedSent)
	assert.Equal(t, snap.Total.Received, liveRecv+closedRecv)
	_ = live.Close()
}
