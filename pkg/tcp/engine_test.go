package tcp_test

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/harness"
	"github.com/irctrakz/tcpin/pkg/tcp"
)

const (
	mss = 1460
	iss = seqnum.Value(1000)
	irs = seqnum.Value(5000)
)

// fixture wires an engine to an in-memory endpoint on a manual clock.
type fixture struct {
	t     *testing.T
	clock *core.ManualClock
	stats *core.Stats
	ep    *harness.Endpoint
	eng   *tcp.Engine
}

type fixtureOpt func(cfg *tcp.Config, hcfg *harness.Config)

func withConfig(f func(*tcp.Config)) fixtureOpt {
	return func(cfg *tcp.Config, _ *harness.Config) { f(cfg) }
}

func withSendData() fixtureOpt {
	return func(_ *tcp.Config, h *harness.Config) { h.SendData = true }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	cfg := tcp.DefaultConfig()
	hcfg := harness.DefaultConfig()
	for _, o := range opts {
		o(&cfg, &hcfg)
	}
	f := &fixture{
		t:     t,
		clock: core.NewManualClock(1000),
		stats: &core.Stats{},
	}
	f.ep = harness.NewEndpoint(f.clock, hcfg)
	f.eng = tcp.NewEngine(cfg, f.clock, f.stats, f.ep.Collaborators())
	return f
}

// synReceived returns a connection that has answered the peer's SYN.
func (f *fixture) synReceived(setup func(c *tcp.Conn)) *tcp.Conn {
	c := tcp.NewConn(f.t.Name(), tcp.SynReceived, iss, irs, mss)
	if setup != nil {
		setup(c)
	}
	return c
}

// established completes the handshake of a fresh connection.
func (f *fixture) established(setup func(c *tcp.Conn)) *tcp.Conn {
	f.t.Helper()
	c := f.synReceived(setup)
	seg := f.ackSeg(c, iss+1)
	if c.Flags.RcvdTstmp {
		seg.Options = tsOpt(c.TSRecent, 0)
	}
	r := f.eng.Input(c, seg)
	require.Equal(f.t, tcp.Established, r.State, "handshake: %+v", r)
	return c
}

// ackSeg is a pure ACK from the peer at rcv_nxt.
func (f *fixture) ackSeg(c *tcp.Conn, ack seqnum.Value) *tcp.Segment {
	return &tcp.Segment{
		Seq:    c.RcvNxt,
		Ack:    ack,
		Flags:  header.TCPFlagAck,
		Window: 65535,
	}
}

// dataSeg carries n bytes at rcv_nxt acknowledging snd_una.
func (f *fixture) dataSeg(c *tcp.Conn, n int) *tcp.Segment {
	s := f.ackSeg(c, c.SndUna)
	s.Payload = payload(n)
	return s
}

// send queues and transmits n bytes.
func (f *fixture) send(c *tcp.Conn, n int) {
	f.ep.Write(c, n)
	f.ep.Transmit(c, n, false)
}

func (f *fixture) check(c *tcp.Conn) {
	f.t.Helper()
	c.Lock()
	defer c.Unlock()
	require.NoError(f.t, c.Check())
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func tsOpt(val, ecr uint32) tcp.Options {
	return tcp.Options{Has: tcp.OptTimestamp, TSVal: val, TSEcr: ecr}
}

// countingCC records hook invocations around the stock algorithm.
type countingCC struct {
	tcp.CongestionControl
	inits   int
	signals []tcp.Signal
}

func (c *countingCC) OnConnectionInit(conn *tcp.Conn) {
	c.inits++
	c.CongestionControl.OnConnectionInit(conn)
}

func (c *countingCC) OnCongestionSignal(conn *tcp.Conn, sig tcp.Signal, ack seqnum.Value) {
	c.signals = append(c.signals, sig)
	c.CongestionControl.OnCongestionSignal(conn, sig, ack)
}

func TestHandshakeCompletesOnAckOfSyn(t *testing.T) {
	f := newFixture(t)
	cc := &countingCC{CongestionControl: tcp.NewCongestionControl("newreno", nil)}
	c := f.synReceived(func(c *tcp.Conn) { c.CC = cc })

	r := f.eng.Input(c, f.ackSeg(c, iss+1))

	assert.Equal(t, tcp.Accepted, r.Action)
	assert.Equal(t, tcp.Established, c.State)
	assert.Equal(t, iss+1, c.SndUna)
	assert.Equal(t, 1, cc.inits)
	assert.Equal(t, uint32(10*mss), c.SndCwnd)
	assert.Equal(t, uint32(65535), c.SndWnd)

	st := f.ep.State(c)
	assert.True(t, st.Connected)
	assert.Zero(t, st.Acks, "no ACK for a pure ACK of our SYN")
	assert.False(t, f.ep.Active(c, tcp.TimerDelAck))
	assert.True(t, f.ep.Active(c, tcp.TimerKeep))
	assert.Equal(t, uint64(1), f.stats.Load(core.Connects))

	// A later ACK does not initialize congestion control again.
	f.eng.Input(c, f.ackSeg(c, iss+1))
	assert.Equal(t, 1, cc.inits)
}

func TestHandshakeAfterLostSynStartsWithOneSegment(t *testing.T) {
	f := newFixture(t)
	c := f.established(func(c *tcp.Conn) { c.Flags.LostSYN = true })
	assert.Equal(t, uint32(mss), c.SndCwnd)
}

func TestHandshakeBadAckResets(t *testing.T) {
	f := newFixture(t)
	c := f.synReceived(nil)

	r := f.eng.Input(c, f.ackSeg(c, iss+100))
	assert.Equal(t, tcp.DroppedWithReset, r.Action)
	assert.Equal(t, tcp.ReasonBadAck, r.Reason)
	assert.Equal(t, tcp.SynReceived, c.State)
	assert.Equal(t, []tcp.Reason{tcp.ReasonBadAck}, f.ep.State(c).Resets)
}

func TestHandshakeWithPendingCloseGoesToFinWait1(t *testing.T) {
	f := newFixture(t)
	c := f.synReceived(nil)

	r := f.eng.Shutdown(c)
	assert.Equal(t, tcp.SynReceived, r.State)

	f.eng.Input(c, f.ackSeg(c, iss+1))
	assert.Equal(t, tcp.FinWait1, c.State)
	assert.False(t, c.Flags.NeedFin)
}

func TestHandshakeDeliversQueuedData(t *testing.T) {
	f := newFixture(t)
	c := f.synReceived(nil)

	// Data arriving with the handshake ACK but out of order is queued.
	seg := f.ackSeg(c, iss+1)
	seg.Seq = irs + 11
	seg.Payload = []byte("world")
	f.eng.Input(c, seg)
	require.Equal(t, tcp.Established, c.State)
	assert.Equal(t, irs+1, c.RcvNxt)

	seg = f.dataSeg(c, 0)
	seg.Payload = []byte("0123456789")
	f.eng.Input(c, seg)
	assert.Equal(t, irs+16, c.RcvNxt)
	assert.Equal(t, "0123456789world", string(f.ep.State(c).Received))
}

func TestDataBeforeHandshakeCompletesIsHeld(t *testing.T) {
	f := newFixture(t)
	c := f.synReceived(nil)

	seg := f.ackSeg(c, 0)
	seg.Flags = 0
	seg.Payload = []byte("early")
	r := f.eng.Input(c, seg)
	require.Equal(t, tcp.SynReceived, r.State)
	assert.Equal(t, irs+1, c.RcvNxt)
	assert.Empty(t, f.ep.State(c).Received)
	assert.False(t, f.ep.ReassemblyEmpty(c))

	f.eng.Input(c, f.ackSeg(c, iss+1))
	require.Equal(t, tcp.Established, c.State)
	assert.Equal(t, irs+6, c.RcvNxt)
	assert.Equal(t, "early", string(f.ep.State(c).Received))
	f.check(c)
}

func TestFastPathData(t *testing.T) {
	f := newFixture(t)
	c := f.established(nil)
	rcvNxt := c.RcvNxt

	r := f.eng.Input(c, f.dataSeg(c, 500))

	assert.Equal(t, tcp.Accepted, r.Action)
	assert.Equal(t, uint64(1), f.stats.Load(core.PredDat))
	assert.Equal(t, rcvNxt+500, c.RcvNxt)
	assert.Equal(t, payload(500), f.ep.State(c).Received)
	d, ok := f.ep.Deadline(c, tcp.TimerDelAck)
	require.True(t, ok, "delayed ACK armed")
	assert.Equal(t, f.clock.Ticks()+f.eng.Config().DelayedAckTime, d)
	assert.Zero(t, f.ep.State(c).Acks)
}

func TestFastPathDataOverMSSAcksImmediately(t *testing.T) {
	f := newFixture(t)
	c := f.established(nil)

	f.eng.Input(c, f.dataSeg(c, 2*mss))
	assert.Equal(t, 1, f.ep.State(c).Acks)
	assert.False(t, f.ep.Active(c, tcp.TimerDelAck))
}

func TestSecondSegmentAcksWhileDelayedAckPending(t *testing.T) {
	f := newFixture(t)
	c := f.established(nil)

	f.eng.Input(c, f.dataSeg(c, 100))
	assert.Zero(t, f.ep.State(c).Acks)
	f.eng.Input(c, f.dataSeg(c, 100))
	assert.Equal(t, 1, f.ep.State(c).Acks)
}

func TestFastPathPureAck(t *testing.T) {
	f := newFixture(t)
	c := f.established(nil)
	f.send(c, 2*mss)

	f.clock.Advance(100)
	f.eng.Input(c, f.ackSeg(c, iss+1+mss))

	assert.Equal(t, uint64(1), f.stats.Load(core.PredAck))
	assert.Equal(t, iss+1+mss, c.SndUna)
	assert.Equal(t, mss, f.ep.State(c).SendBuffered)
	assert.Equal(t, int32(800), c.SRTT)
	assert.Equal(t, int32(200), c.RTTVar)
	assert.True(t, f.ep.Active(c, tcp.TimerRexmt), "data still outstanding")

	f.eng.Input(c, f.ackSeg(c, iss+1+2*mss))
	assert.False(t, f.ep.Active(c, tcp.TimerRexmt))
}

// replay feeds the same script to an engine with and without header
// prediction and returns both connections.
func replay(t *testing.T, script func(f *fixture, c *tcp.Conn)) (*tcp.Conn, *tcp.Conn, *fixture, *fixture) {
	fast := newFixture(t)
	slow := newFixture(t, withConfig(func(cfg *tcp.Config) { cfg.DisableHeaderPrediction = true }))
	cf := fast.established(nil)
	cs := slow.established(nil)
	script(fast, cf)
	script(slow, cs)
	return cf, cs, fast, slow
}

func TestFastPathMatchesGeneralPath(t *testing.T) {
	cf, cs, fast, slow := replay(t, func(f *fixture, c *tcp.Conn) {
		f.send(c, 4*mss)
		f.clock.Advance(40)
		f.eng.Input(c, f.ackSeg(c, iss+1+mss))
		f.eng.Input(c, f.dataSeg(c, 700))
		f.clock.Advance(5)
		f.eng.Input(c, f.ackSeg(c, iss+1+3*mss))
		f.eng.Input(c, f.dataSeg(c, 300))
	})

	assert.Equal(t, uint64(4), fast.stats.Load(core.PredAck)+fast.stats.Load(core.PredDat))
	assert.Zero(t, slow.stats.Load(core.PredAck)+slow.stats.Load(core.PredDat))

	opts := cmp.Options{
		cmpopts.IgnoreUnexported(tcp.Conn{}),
		cmpopts.IgnoreFields(tcp.Conn{}, "CC"),
	}
	if diff := cmp.Diff(cs, cf, opts); diff != "" {
		t.Errorf("fast path state differs from general path (-general +fast):\n%s", diff)
	}
	sf, ss := fast.ep.State(cf), slow.ep.State(cs)
	assert.Equal(t, ss.Received, sf.Received)
	assert.Equal(t, ss.Acks, sf.Acks)
	assert.Equal(t, ss.SendBuffered, sf.SendBuffered)
}

func TestFastPathMatchesGeneralPathWithTimestamps(t *testing.T) {
	ts := func(c *tcp.Conn) {
		c.Flags.ReqTstmp = true
		c.Flags.RcvdTstmp = true
		c.TSRecent = 7000
		c.TSRecentAge = 1000
	}
	fast := newFixture(t)
	slow := newFixture(t, withConfig(func(cfg *tcp.Config) { cfg.DisableHeaderPrediction = true }))
	cf := fast.established(ts)
	cs := slow.established(ts)

	for _, f := range []*fixture{fast, slow} {
		c := cf
		if f == slow {
			c = cs
		}
		f.send(c, 2*mss)
		f.clock.Advance(30)
		s := f.ackSeg(c, iss+1+mss)
		s.Options = tsOpt(7010, 1000)
		f.eng.Input(c, s)
		s = f.dataSeg(c, 100)
		s.Options = tsOpt(7020, 1000)
		f.eng.Input(c, s)
	}

	if diff := cmp.Diff(cs, cf, cmpopts.IgnoreUnexported(tcp.Conn{}), cmpopts.IgnoreFields(tcp.Conn{}, "CC")); diff != "" {
		t.Errorf("state differs (-general +fast):\n%s", diff)
	}
	assert.Equal(t, uint32(7020), cf.TSRecent)
}

func TestInvariantsHoldAcrossRandomSegments(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		f := newFixture(t, withSendData())
		c := f.established(func(c *tcp.Conn) { c.Flags.SackPermit = seed%2 == 0 })
		f.ep.Write(c, 200*mss)
		f.ep.SendNow(c)

		for i := 0; i < 400; i++ {
			f.clock.Advance(uint32(rng.Intn(50)))
			prevRcv := c.RcvNxt
			seg := randomSegment(rng, c)
			r := f.eng.Input(c, seg)
			if r.Action == tcp.ConnClosed || r.Action == tcp.EnteredTimeWait {
				break
			}
			f.check(c)
			require.Truef(t, prevRcv.LessThanEq(c.RcvNxt), "seed %d step %d: rcv_nxt went back", seed, i)
			if rng.Intn(20) == 0 && f.ep.Active(c, tcp.TimerRexmt) {
				f.eng.RetransmitTimeout(c)
				f.check(c)
			}
		}
	}
}

func randomSegment(rng *rand.Rand, c *tcp.Conn) *tcp.Segment {
	c.Lock()
	una, sndMax, rcv := c.SndUna, c.SndMax, c.RcvNxt
	c.Unlock()

	seg := &tcp.Segment{
		Seq:    rcv.Add(seqnum.Size(rng.Intn(3000))) - 1000,
		Flags:  header.TCPFlagAck,
		Window: uint16(1000 + rng.Intn(64535)),
	}
	switch rng.Intn(4) {
	case 0:
		seg.Ack = una
	case 1:
		seg.Ack = una.Add(seqnum.Size(rng.Intn(int(una.Size(sndMax)) + 1)))
	default:
		seg.Ack = una.Add(seqnum.Size(rng.Intn(4000))) - 2000
	}
	if rng.Intn(3) == 0 {
		seg.Payload = payload(rng.Intn(2 * mss))
	}
	switch rng.Intn(40) {
	case 0:
		seg.Flags |= header.TCPFlagFin
	case 1:
		seg.Flags |= header.TCPFlagRst
	case 2:
		seg.Flags |= header.TCPFlagSyn
	}
	if rng.Intn(3) == 0 && una.LessThan(sndMax) {
		start := una.Add(seqnum.Size(rng.Intn(int(una.Size(sndMax)))))
		end := start.Add(seqnum.Size(rng.Intn(4 * mss)))
		seg.Options = tcp.Options{Has: tcp.OptSACK, SACKBlocks: []header.SACKBlock{{Start: start, End: end}}}
	}
	return seg
}
