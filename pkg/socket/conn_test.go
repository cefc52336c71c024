package socket

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/irctrakz/tcpmetrics/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_SendReceiveClose(t *testing.T) {
	reg := NewRegistry()
	rec := newSummaryRecorder(reg)

	fc := newFakeConn(tcpAddr("10.0.0.7", 27017))
	c := Instrument(reg, fc)

	n, err := c.Write(make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	fc.feed(make([]byte, 50))
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Len(t, got, 50)

	require.NoError(t, c.Close())
	rec.wait(t, 1)

	sums := rec.summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, core.Summary{Sent: 100, Received: 50, Label: "10.0.0.7:27017"}, sums[0])

	snap := reg.Totals()
	assert.Equal(t, core.Totals{Sent: 100, Received: 50}, snap.Total)
	assert.Empty(t, snap.Sockets)
}

func TestConn_TwoConnections(t *testing.T) {
	reg := NewRegistry()
	rec := newSummaryRecorder(reg)

	a := Instrument(reg, newFakeConn(tcpAddr("10.0.0.1", 1)))
	b := Instrument(reg, newFakeConn(tcpAddr("10.0.0.2", 2)))
	for _, c := range []*Conn{a, b} {
		_, err := c.Write([]byte("0123456789"))
		require.NoError(t, err)
	}
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	rec.wait(t, 2)

	assert.Equal(t, uint64(20), reg.Totals().Total.Sent)
	for _, s := range rec.summaries() {
		assert.Equal(t, uint64(10), s.Sent)
		assert.Zero(t, s.Received)
	}
}

func TestConn_NoTrafficNoSummary(t *testing.T) {
	reg := NewRegistry()
	rec := newSummaryRecorder(reg)

	c := Instrument(reg, newFakeConn(tcpAddr("10.0.0.1", 80)))
	assert.Zero(t, reg.Tracked(), "entries must be created lazily")

	_, err := c.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, reg.Tracked(), "empty writes must not create entries")

	require.NoError(t, c.Close())
	assert.Empty(t, rec.summaries())
}

func TestConn_CloseTwicePublishesOnce(t *testing.T) {
	reg := NewRegistry()
	rec := newSummaryRecorder(reg)

	c := Instrument(reg, newFakeConn(tcpAddr("10.0.0.1", 80)))
	_, _ = c.Write([]byte("x"))
	require.NoError(t, c.Close())
	assert.Error(t, c.Close(), "second close must report the underlying error")
	rec.wait(t, 1)
	assert.Len(t, rec.summaries(), 1)
}

func TestConn_Relabel(t *testing.T) {
	reg := NewRegistry()
	fc := newFakeConn(nil)
	c := Instrument(reg, fc)

	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	st, ok := c.Stats()
	require.True(t, ok)
	assert.Equal(t, core.UnknownPeer, st.Label)

	fc.setRemote(tcpAddr("192.0.2.10", 443))
	c.Connected()
	st, _ = c.Stats()
	assert.Equal(t, "192.0.2.10:443", st.Label)
	assert.Equal(t, uint64(5), st.Sent, "relabeling must not touch counters")

	fc.setRemote(tcpAddr("192.0.2.20", 8443))
	c.Secured()
	st, _ = c.Stats()
	assert.Equal(t, "192.0.2.20:8443", st.Label)

	// Both events fire at most once.
	fc.setRemote(tcpAddr("192.0.2.30", 1))
	c.Connected()
	c.Secured()
	st, _ = c.Stats()
	assert.Equal(t, "192.0.2.20:8443", st.Label)
	assert.Equal(t, uint64(5), st.Sent)
	assert.Zero(t, st.Received)
}

func TestConn_RelabelNeverReverts(t *testing.T) {
	reg := NewRegistry()
	fc := newFakeConn(tcpAddr("198.51.100.1", 5432))
	c := Instrument(reg, fc)
	_, _ = c.Write([]byte("q"))

	fc.setRemote(nil)
	c.Connected()
	st, ok := c.Stats()
	require.True(t, ok)
	assert.Equal(t, "198.51.100.1:5432", st.Label)
}

func TestConn_RelabelCreatesEntry(t *testing.T) {
	reg := NewRegistry()
	rec := newSummaryRecorder(reg)
	c := Instrument(reg, newFakeConn(tcpAddr("203.0.113.5", 22)))

	c.Connected()
	assert.Equal(t, 1, reg.Tracked())

	require.NoError(t, c.Close())
	rec.wait(t, 1)
	assert.Equal(t, core.Summary{Label: "203.0.113.5:22"}, rec.summaries()[0])
}

func TestConn_WriteErrorPassesThrough(t *testing.T) {
	reg := NewRegistry()
	fc := newFakeConn(tcpAddr("10.0.0.1", 80))
	fc.writeErr = errors.New("connection reset by peer")
	c := Instrument(reg, fc)

	n, err := c.Write([]byte("abc"))
	assert.Equal(t, 0, n)
	assert.Same(t, fc.writeErr, err)
	assert.Equal(t, uint64(3), reg.Totals().Total.Sent, "payload is counted before delegation")
}

func TestConn_WriteString(t *testing.T) {
	reg := NewRegistry()
	fc := newFakeConn(tcpAddr("10.0.0.1", 80))
	c := Instrument(reg, fc)

	n, err := c.WriteString("héllo")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, uint64(6), reg.Totals().Total.Sent)
	assert.Equal(t, "héllo", fc.out.String())
}

func TestConn_ReadAfterCloseNotCounted(t *testing.T) {
	reg := NewRegistry()
	fc := newFakeConn(tcpAddr("10.0.0.1", 80))
	c := Instrument(reg, fc)
	_, _ = c.Write([]byte("ping"))
	require.NoError(t, c.Close())

	fc.feed([]byte("late"))
	buf := make([]byte, 8)
	n, _ := c.Read(buf)
	assert.Equal(t, 4, n)

	snap := reg.Totals()
	assert.Zero(t, snap.Total.Received)
	assert.Empty(t, snap.Sockets, "closed sockets must not be tracked again")
}

func TestConn_HalfClose(t *testing.T) {
	reg := NewRegistry()
	c := Instrument(reg, newFakeConn(nil))
	assert.ErrorIs(t, c.CloseWrite(), errHalfCloseUnsupported)
	assert.ErrorIs(t, c.CloseRead(), errHalfCloseUnsupported)
}

func TestInstrument_Idempotent(t *testing.T) {
	reg := NewRegistry()
	c := Instrument(reg, newFakeConn(nil))
	assert.Same(t, c, Instrument(reg, c))
	assert.Nil(t, Instrument(reg, nil))

	other := NewRegistry()
	wrapped := Instrument(other, c)
	assert.NotSame(t, c, wrapped)
	assert.Same(t, c, wrapped.NetConn())
}

func TestConn_Concurrent(t *testing.T) {
	const (
		conns  = 16
		writes = 500
	)
	reg := NewRegistry()
	rec := newSummaryRecorder(reg)

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fc := newFakeConn(tcpAddr("10.1.0.1", 1000+i))
			c := Instrument(reg, fc)
			for j := 0; j < writes; j++ {
				_, _ = c.Write([]byte("0123456789"))
				fc.feed([]byte("abc"))
				_, _ = c.Read(make([]byte, 3))
			}
			_ = c.Close()
		}(i)
	}

	// Snapshots taken while traffic flows must stay internally consistent.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for k := 0; k < 100; k++ {
			snap := reg.Totals()
			var sent uint64
			for _, s := range snap.Sockets {
				sent += s.Sent
			}
			assert.LessOrEqual(t, sent, snap.Total.Sent)
		}
	}()

	wg.Wait()
	<-done
	rec.wait(t, conns)

	snap := reg.Totals()
	assert.Equal(t, uint64(conns*writes*10), snap.Total.Sent)
	assert.Equal(t, uint64(conns*writes*3), snap.Total.Received)
	assert.Zero(t, reg.Tracked())

	var sent, received uint64
	for _, s := range rec.summaries() {
		sent += s.Sent
		received += s.Received
	}
	assert.Equal(t, snap.Total.Sent, sent)
	assert.Equal(t, snap.Total.Received, received)
}
