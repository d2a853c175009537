package tcp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evse-controller/internal/clock"
	"evse-controller/internal/ipv6"
	"evse-controller/internal/stats"
)

var (
	pevMAC   = [6]byte{0xFE, 0xED, 0xBE, 0xEF, 0xAF, 0xFE}
	slacMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x42}
	pevIP    = ipv6.LinkLocal(pevMAC)
	peerPort = uint16(50001)
)

type sentSegment struct {
	dst     ipv6.Addr
	dstMAC  net.HardwareAddr
	segment []byte
}

func (s sentSegment) flags() byte   { return s.segment[13] }
func (s sentSegment) seq() uint32   { return binary.BigEndian.Uint32(s.segment[4:8]) }
func (s sentSegment) ack() uint32   { return binary.BigEndian.Uint32(s.segment[8:12]) }
func (s sentSegment) hdrLen() int   { return int(s.segment[12]>>4) * 4 }
func (s sentSegment) data() []byte  { return s.segment[s.hdrLen():] }
func (s sentSegment) dport() uint16 { return binary.BigEndian.Uint16(s.segment[2:4]) }

type captureSender struct {
	sent []sentSegment
}

func (c *captureSender) SendTCP(dst ipv6.Addr, dstMAC net.HardwareAddr, segment []byte) error {
	c.sent = append(c.sent, sentSegment{
		dst:     dst,
		dstMAC:  append(net.HardwareAddr(nil), dstMAC...),
		segment: append([]byte(nil), segment...),
	})
	return nil
}

func (c *captureSender) take() []sentSegment {
	s := c.sent
	c.sent = nil
	return s
}

type recordingApp struct {
	stack     *Stack
	received  [][]byte
	connected int
	resets    int
	reply     []byte
	replyErr  error
}

func (a *recordingApp) Receive(payload []byte) {
	a.received = append(a.received, append([]byte(nil), payload...))
	if a.reply != nil {
		a.replyErr = a.stack.Send(a.reply)
	}
}

func (a *recordingApp) Connected() { a.connected++ }
func (a *recordingApp) Reset()     { a.resets++ }

func segment(seq, ack uint32, flags byte, payload []byte) []byte {
	b := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(b[0:2], peerPort)
	binary.BigEndian.PutUint16(b[2:4], DefaultPort)
	binary.BigEndian.PutUint32(b[4:8], seq)
	binary.BigEndian.PutUint32(b[8:12], ack)
	b[12] = 0x50
	b[13] = flags
	copy(b[20:], payload)
	return b
}

func newTestStack(t *testing.T) (*Stack, *captureSender, *recordingApp, *clock.Manual, *stats.Collector) {
	t.Helper()
	tx := &captureSender{}
	clk := clock.NewManual(5000)
	collector := stats.NewCollector()
	s := NewStack(DefaultConfig(), tx, clk, collector)
	app := &recordingApp{stack: s}
	s.SetApplication(app)
	return s, tx, app, clk, collector
}

// establish completes the handshake. The peer's next sequence number is 101.
func establish(t *testing.T, s *Stack, tx *captureSender) {
	t.Helper()
	s.HandleSegment(pevIP, pevMAC, segment(100, 0, FlagSYN, nil))
	s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+1, FlagACK, nil))
	require.Equal(t, StateEstablished, s.State())
	tx.take()
}

func TestStack_Handshake(t *testing.T) {
	s, tx, app, _, _ := newTestStack(t)

	s.HandleSegment(pevIP, pevMAC, segment(100, 0, FlagSYN, nil))
	assert.Equal(t, StateSynAck, s.State())
	sent := tx.take()
	require.Len(t, sent, 1)
	synAck := sent[0]
	assert.Equal(t, byte(FlagSYN|FlagACK), synAck.flags())
	assert.Equal(t, uint32(initialSeq), synAck.seq())
	assert.Equal(t, uint32(101), synAck.ack())
	assert.Equal(t, 24, synAck.hdrLen())
	assert.Equal(t, []byte{0x02, 0x04, 0x05, 0xA0}, synAck.segment[20:24])
	assert.Equal(t, uint16(1000), binary.BigEndian.Uint16(synAck.segment[14:16]))
	assert.Equal(t, peerPort, synAck.dport())
	assert.Equal(t, pevIP, synAck.dst)
	assert.Equal(t, net.HardwareAddr(pevMAC[:]), synAck.dstMAC)

	// A repeated SYN while the handshake is in progress is ignored
	s.HandleSegment(pevIP, pevMAC, segment(100, 0, FlagSYN, nil))
	assert.Empty(t, tx.take())

	s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+7, FlagACK, nil))
	assert.Equal(t, StateSynAck, s.State(), "wrong acknowledgement number")

	s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+1, FlagACK, nil))
	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, 1, app.connected)
}

func TestStack_DataIsAcknowledgedBeforeDelivery(t *testing.T) {
	s, tx, app, _, _ := newTestStack(t)
	establish(t, s, tx)

	var sentBeforeDelivery int
	app.reply = nil
	s.SetApplication(applicationFunc(func(p []byte) {
		sentBeforeDelivery = len(tx.sent)
		app.Receive(p)
	}))

	s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+1, FlagPSH|FlagACK, []byte("hello")))
	require.Len(t, app.received, 1)
	assert.Equal(t, []byte("hello"), app.received[0])
	assert.Equal(t, 1, sentBeforeDelivery)

	sent := tx.take()
	require.Len(t, sent, 1)
	assert.Equal(t, byte(FlagACK), sent[0].flags())
	assert.Equal(t, uint32(106), sent[0].ack())
	assert.Equal(t, uint32(initialSeq+1), sent[0].seq())
}

type applicationFunc func(p []byte)

func (f applicationFunc) Receive(p []byte) { f(p) }
func (f applicationFunc) Connected()       {}
func (f applicationFunc) Reset()           {}

func TestStack_SendAndPendingSegment(t *testing.T) {
	s, tx, _, _, _ := newTestStack(t)
	establish(t, s, tx)

	require.NoError(t, s.Send([]byte{1, 2, 3, 4}))
	sent := tx.take()
	require.Len(t, sent, 1)
	assert.Equal(t, byte(FlagPSH|FlagACK), sent[0].flags())
	assert.Equal(t, []byte{1, 2, 3, 4}, sent[0].data())
	assert.True(t, s.Pending())

	assert.ErrorIs(t, s.Send([]byte{5}), ErrSegmentPending)

	// Partial acknowledgement keeps the segment pending
	s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+3, FlagACK, nil))
	assert.True(t, s.Pending())

	s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+5, FlagACK, nil))
	assert.False(t, s.Pending())
	require.NoError(t, s.Send([]byte{5}))
	sent = tx.take()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(initialSeq+5), sent[0].seq())
}

func TestStack_PiggybackedAckAllowsImmediateReply(t *testing.T) {
	s, tx, app, _, _ := newTestStack(t)
	establish(t, s, tx)
	require.NoError(t, s.Send([]byte("res1")))
	tx.take()

	app.reply = []byte("res2")
	s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+5, FlagPSH|FlagACK, []byte("req2")))
	require.NoError(t, app.replyErr)

	sent := tx.take()
	require.Len(t, sent, 2)
	assert.Equal(t, byte(FlagACK), sent[0].flags())
	assert.Equal(t, []byte("res2"), sent[1].data())
	assert.Equal(t, uint32(initialSeq+5), sent[1].seq())
	assert.Equal(t, uint32(105), sent[1].ack())
}

func TestStack_PayloadTooLarge(t *testing.T) {
	s, tx, _, _, _ := newTestStack(t)
	assert.ErrorIs(t, s.Send([]byte{1}), ErrNotConnected)
	establish(t, s, tx)
	assert.ErrorIs(t, s.Send(make([]byte, MaxSegmentPayload+1)), ErrPayloadTooLarge)
	assert.NoError(t, s.Send(make([]byte, MaxSegmentPayload)))
}

func TestStack_RetransmitThenGiveUp(t *testing.T) {
	s, tx, app, clk, collector := newTestStack(t)
	establish(t, s, tx)
	require.NoError(t, s.Send([]byte("res")))
	tx.take()

	s.Tick(clk.Advance(999))
	assert.Empty(t, tx.take())

	for attempt := 1; attempt <= 3; attempt++ {
		// keep the connection from idling out
		s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+1, FlagACK, nil))
		s.Tick(clk.Advance(1000))
		sent := tx.take()
		require.Len(t, sent, 1, "attempt %d", attempt)
		assert.Equal(t, []byte("res"), sent[0].data())
	}

	s.Tick(clk.Advance(1000))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, app.resets)
	assert.Equal(t, uint64(3), collector.Event(stats.EventTCPRetransmit))
	assert.Equal(t, uint64(1), collector.Event(stats.EventTCPRetransmitMax))
}

func TestStack_IdleTimeout(t *testing.T) {
	s, tx, app, clk, collector := newTestStack(t)
	establish(t, s, tx)

	s.Tick(clk.Advance(4999))
	assert.Equal(t, StateEstablished, s.State())
	s.Tick(clk.Advance(1))
	assert.Equal(t, StateEstablished, s.State(), "exactly the timeout is not idle yet")
	assert.Equal(t, 0, app.resets)
	s.Tick(clk.Advance(1))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, app.resets)
	assert.Equal(t, uint64(1), collector.Event(stats.EventTCPIdleTimeout))
}

func TestStack_ResetAndFin(t *testing.T) {
	t.Run("RST closes and notifies", func(t *testing.T) {
		s, tx, app, _, _ := newTestStack(t)
		establish(t, s, tx)
		s.HandleSegment(pevIP, pevMAC, segment(101, 0, FlagRST, nil))
		assert.Equal(t, StateClosed, s.State())
		assert.Equal(t, 1, app.resets)
	})
	t.Run("FIN is acknowledged", func(t *testing.T) {
		s, tx, app, _, _ := newTestStack(t)
		establish(t, s, tx)
		s.HandleSegment(pevIP, pevMAC, segment(101, initialSeq+1, FlagFIN|FlagACK, nil))
		sent := tx.take()
		require.Len(t, sent, 1)
		assert.Equal(t, uint32(102), sent[0].ack())
		assert.Equal(t, StateClosed, s.State())
		assert.Equal(t, 1, app.resets)
	})
	t.Run("local reset does not notify", func(t *testing.T) {
		s, tx, app, _, _ := newTestStack(t)
		establish(t, s, tx)
		s.Reset()
		assert.Equal(t, StateClosed, s.State())
		assert.Equal(t, 0, app.resets)
	})
}

func TestStack_PrefersPairedVehicleMAC(t *testing.T) {
	s, tx, _, _, _ := newTestStack(t)
	s.SetPeerMAC(func() net.HardwareAddr { return slacMAC })
	s.HandleSegment(pevIP, pevMAC, segment(100, 0, FlagSYN, nil))
	sent := tx.take()
	require.Len(t, sent, 1)
	assert.Equal(t, slacMAC, sent[0].dstMAC)
}

func TestStack_IgnoresOtherPorts(t *testing.T) {
	s, tx, _, _, _ := newTestStack(t)
	seg := segment(100, 0, FlagSYN, nil)
	binary.BigEndian.PutUint16(seg[2:4], 80)
	s.HandleSegment(pevIP, pevMAC, seg)
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, tx.take())
}
