package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/tcp"
)

func newTestConn() *tcp.Conn {
	c := tcp.NewConn("harness", tcp.Established, 1000, 5000, 1000)
	c.SndUna = 1001
	c.SndNxt = 1001
	c.SndMax = 1001
	c.SndWnd = 65535
	c.SndCwnd = 4000
	c.RcvNxt = 5001
	c.RcvWnd = 65535
	return c
}

func TestTransmitAdvancesSendSide(t *testing.T) {
	clock := core.NewManualClock(500)
	ep := NewEndpoint(clock, DefaultConfig())
	c := newTestConn()

	ep.Write(c, 3000)
	ep.Transmit(c, 2000, false)

	assert.Equal(t, seqnum.Value(3001), c.SndNxt)
	assert.Equal(t, seqnum.Value(3001), c.SndMax)
	assert.Equal(t, uint32(500), c.RTTTime)
	assert.Equal(t, seqnum.Value(1001), c.RTTSeq)
	assert.True(t, ep.Active(c, tcp.TimerRexmt))
	d, ok := ep.Deadline(c, tcp.TimerRexmt)
	require.True(t, ok)
	assert.Equal(t, uint32(500)+tcp.DefaultConfig().RTOInitial, d)

	// A second send does not restart timing.
	clock.Advance(10)
	ep.Transmit(c, 1000, true)
	assert.Equal(t, seqnum.Value(4002), c.SndMax)
	assert.Equal(t, uint32(500), c.RTTTime)
	assert.Equal(t, 3000, ep.SendBuffered(c))
}

func TestSendDataFillsWindow(t *testing.T) {
	ep := NewEndpoint(core.NewManualClock(1), Config{SendData: true})
	c := newTestConn()
	ep.Write(c, 10000)

	ep.SendNow(c)
	assert.Equal(t, seqnum.Value(5001), c.SndMax, "limited by cwnd")
	st := ep.State(c)
	assert.Equal(t, 1, st.SendNowCalls)
	assert.Equal(t, 1, st.Acks)

	ep.SendNow(c)
	assert.Equal(t, seqnum.Value(5001), c.SndMax, "window full")
}

func TestSendNowOnlyAcksWhenOwed(t *testing.T) {
	ep := NewEndpoint(core.NewManualClock(1), DefaultConfig())
	c := newTestConn()
	c.RcvNxt = 6000

	ep.SendNow(c)
	assert.Equal(t, 0, ep.State(c).Acks)

	c.Flags.AckNow = true
	ep.Arm(c, tcp.TimerDelAck, 100)
	ep.SendNow(c)
	assert.Equal(t, 1, ep.State(c).Acks)
	assert.False(t, c.Flags.AckNow)
	assert.False(t, ep.Active(c, tcp.TimerDelAck))
	assert.Equal(t, seqnum.Value(6000), c.LastAckSent)
	assert.Equal(t, seqnum.Value(6000).Add(65535), c.RcvAdv)
}

func TestReassembleDeliversContiguous(t *testing.T) {
	ep := NewEndpoint(core.NewManualClock(1), DefaultConfig())
	c := newTestConn()

	adv, fin := ep.Reassemble(c, 5011, []byte("klmno"), true)
	assert.Zero(t, adv)
	assert.False(t, fin)
	assert.False(t, ep.ReassemblyEmpty(c))

	adv, fin = ep.Reassemble(c, 5001, []byte("abcdefghij"), false)
	assert.Equal(t, 15, adv)
	assert.True(t, fin)
	assert.True(t, ep.ReassemblyEmpty(c))
	assert.Equal(t, "abcdefghijklmno", string(ep.State(c).Received))
	assert.Equal(t, DefaultConfig().ReceiveBuffer-15, ep.Space(c))

	assert.Equal(t, 5, ep.Read(c, 5))
	assert.Equal(t, "fghijklmno", string(ep.State(c).Received))
	assert.Equal(t, 10, ep.Read(c, -1))
	assert.Equal(t, DefaultConfig().ReceiveBuffer, ep.Space(c))
}

func TestReassembleHoldsDataUntilEstablished(t *testing.T) {
	ep := NewEndpoint(core.NewManualClock(1), DefaultConfig())
	c := newTestConn()
	c.State = tcp.SynReceived

	adv, fin := ep.Reassemble(c, 5001, []byte("abc"), true)
	assert.Zero(t, adv)
	assert.False(t, fin)
	assert.Empty(t, ep.State(c).Received)

	c.State = tcp.Established
	adv, fin = ep.Reassemble(c, 5001, nil, false)
	assert.Equal(t, 3, adv)
	assert.True(t, fin)
	assert.Equal(t, "abc", string(ep.State(c).Received))
}

func TestResendHolesRetransmitsFirstHole(t *testing.T) {
	ep := NewEndpoint(core.NewManualClock(1), DefaultConfig())
	c := newTestConn()
	c.SndNxt, c.SndMax = 11001, 11001
	c.SndCwnd = 1000

	ep.Update(c, 1001, []header.SACKBlock{{Start: 3001, End: 5001}})
	ep.ResendHoles(c)

	st := ep.State(c)
	require.Len(t, st.Retransmits, 1)
	assert.Equal(t, seqnum.Value(1001), st.Retransmits[0])
	assert.Equal(t, 1000, c.Sack.SackBytesRexmit)
}

func TestExpireAndTeardown(t *testing.T) {
	clock := core.NewManualClock(1000)
	ep := NewEndpoint(clock, DefaultConfig())
	c := newTestConn()

	ep.Arm(c, tcp.TimerDelAck, 100)
	ep.Arm(c, tcp.Timer2MSL, 60000)
	clock.Advance(100)
	assert.Equal(t, []tcp.TimerKind{tcp.TimerDelAck}, ep.Expire(c, clock.Ticks()))
	assert.Empty(t, ep.Expire(c, clock.Ticks()))

	ep.Teardown(c)
	st := ep.State(c)
	assert.True(t, st.TornDown)
	assert.False(t, ep.Active(c, tcp.Timer2MSL))

	ep.Forget(c)
	assert.False(t, ep.State(c).TornDown)
}
