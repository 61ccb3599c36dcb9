package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/harness"
	"github.com/irctrakz/tcpin/pkg/logging"
	"github.com/irctrakz/tcpin/pkg/tcp"
	"github.com/irctrakz/tcpin/pkg/wire"
)

// replayReceiveBuffer is large enough that the modelled receiver never
// advertises less than a real one would.
const replayReceiveBuffer = 4 << 20

// timerRounds bounds timer expirations handled between two packets.
const timerRounds = 64

// FlowReport summarizes the replay of one connection.
type FlowReport struct {
	Flow     string         `json:"flow"`
	State    string         `json:"state"`
	Packets  int            `json:"packets"`
	Skipped  int            `json:"skipped,omitempty"`
	Actions  map[string]int `json:"actions"`
	Reasons  map[string]int `json:"reasons,omitempty"`
	Received int            `json:"received"`
	Sent     int            `json:"sent"`

	PeerRetransmits  int `json:"peer_retransmits"`
	LocalRetransmits int `json:"local_retransmits"`
	RTOs             int `json:"rtos"`
	Acks             int `json:"acks"`
	ChallengeAcks    int `json:"challenge_acks"`
	Resets           int `json:"resets"`

	SRTTMs    float64  `json:"srtt_ms"`
	Cwnd      uint32   `json:"cwnd"`
	Violation string   `json:"violation,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// flowReplayer drives one connection: the side that answered the SYN is
// modelled by the engine; the other side's segments are its input and the
// answering side's own segments tell the model what it transmitted.
type flowReplayer struct {
	cfg   tcp.Config
	clock *core.ManualClock
	stats *core.Stats
	ep    *harness.Endpoint
	eng   *tcp.Engine
	drops *dropWriter
	log   *logrus.Entry

	start  time.Time
	client wire.FlowKey
	syn    *tcp.Segment
	conn   *tcp.Conn
	closed bool

	rep FlowReport
}

func newFlowReplayer(cfg tcp.Config, stats *core.Stats, drops *dropWriter, key wire.FlowKey) *flowReplayer {
	clock := core.NewManualClock(1)
	ep := harness.NewEndpoint(clock, harness.Config{
		ReceiveBuffer:   replayReceiveBuffer,
		ReassemblyLimit: replayReceiveBuffer,
	})
	return &flowReplayer{
		cfg:   cfg,
		clock: clock,
		stats: stats,
		ep:    ep,
		eng:   tcp.NewEngine(cfg, clock, stats, ep.Collaborators()),
		drops: drops,
		log:   logging.ForConn(key.String()),
		rep: FlowReport{
			Flow:    key.String(),
			State:   "NONE",
			Actions: make(map[string]int),
			Reasons: make(map[string]int),
		},
	}
}

// ticks maps a capture timestamp onto the flow's clock.
func (r *flowReplayer) ticks(ts time.Time) uint32 {
	if r.start.IsZero() {
		r.start = ts
	}
	d := ts.Sub(r.start)
	if d < 0 {
		d = 0
	}
	return 1 + core.DurationToTicks(d)
}

func (r *flowReplayer) run(ctx context.Context, packets []captured) FlowReport {
	for i := range packets {
		if i%256 == 0 && ctx.Err() != nil {
			break
		}
		r.rep.Packets++
		now := r.ticks(packets[i].ts)
		if r.conn != nil && !r.closed {
			r.fireTimers(now)
		}
		r.clock.Set(now)
		r.handle(&packets[i])
	}
	return r.finish()
}

func (r *flowReplayer) handle(cp *captured) {
	p := &cp.pkt
	if r.conn == nil {
		r.handshake(p)
		return
	}
	if r.closed {
		r.rep.Skipped++
		return
	}
	if p.Flow == r.client {
		r.input(cp)
		return
	}
	r.transmitted(&p.Segment)
}

// handshake watches for the SYN and the SYN-ACK and creates the control
// block once both are seen. Packets of connections already open when the
// capture started are skipped.
func (r *flowReplayer) handshake(p *wire.Packet) {
	seg := &p.Segment
	isSyn := seg.Flags&header.TCPFlagSyn != 0
	isAck := seg.Flags&header.TCPFlagAck != 0
	switch {
	case isSyn && !isAck:
		s := *seg
		r.syn = &s
		r.client = p.Flow
	case isSyn && isAck && r.syn != nil && p.Flow == r.client.Reverse():
		r.conn = r.open(seg)
		r.rep.State = r.conn.State.String()
	default:
		r.rep.Skipped++
	}
}

// open builds the SYN_RECEIVED control block from the negotiated options.
func (r *flowReplayer) open(synAck *tcp.Segment) *tcp.Conn {
	syn := r.syn
	so, ao := &syn.Options, &synAck.Options
	mss := uint32(tcp.DefaultMSS)
	if so.Has&tcp.OptMSS != 0 && so.MSS > 0 {
		mss = uint32(so.MSS)
	}
	if ao.Has&tcp.OptMSS != 0 && ao.MSS > 0 {
		mss = min(mss, uint32(ao.MSS))
	}

	c := tcp.NewConn(r.rep.Flow, tcp.SynReceived, synAck.Seq, syn.Seq, mss)
	now := r.clock.Ticks()
	c.SndWnd = uint32(syn.Window)
	c.MaxSndWnd = c.SndWnd
	c.RcvWnd = uint32(synAck.Window)
	c.RcvAdv = c.RcvNxt.Add(seqnum.Size(c.RcvWnd))
	if so.Has&tcp.OptWindowScale != 0 && ao.Has&tcp.OptWindowScale != 0 {
		c.Flags.ReqScale = true
		c.Flags.RcvdScale = true
		c.SndScale = so.WindowScale
		c.RequestRcvScale = ao.WindowScale
	}
	if so.Has&tcp.OptTimestamp != 0 && ao.Has&tcp.OptTimestamp != 0 {
		c.Flags.ReqTstmp = true
		c.Flags.RcvdTstmp = true
		c.TSRecent = so.TSVal
		c.TSRecentAge = now
		// Echoes of the answering side's clock map back onto ours.
		c.TSOffset = ao.TSVal - now
	}
	if r.cfg.SACK && so.Has&tcp.OptSACKPermitted != 0 && ao.Has&tcp.OptSACKPermitted != 0 {
		c.Flags.SackPermit = true
	}
	if r.cfg.ECN && syn.Flags&(header.TCPFlagEce|header.TCPFlagCwr) == header.TCPFlagEce|header.TCPFlagCwr &&
		synAck.Flags&header.TCPFlagEce != 0 {
		c.Flags.ECNPermit = true
	}
	r.log.WithFields(logrus.Fields{
		"mss":       mss,
		"sack":      c.Flags.SackPermit,
		"timestamp": c.Flags.RcvdTstmp,
		"wscale":    c.Flags.RcvdScale,
	}).Debug("handshake seen")
	return c
}

// input feeds a segment from the connecting side to the engine.
func (r *flowReplayer) input(cp *captured) {
	// The engine may trim the segment in place; keep the packet as captured.
	seg := cp.pkt.Segment
	res := r.eng.Input(r.conn, &seg)
	r.record(res)
	switch res.Action {
	case tcp.Dropped, tcp.DroppedWithAck, tcp.DroppedWithReset:
		r.drops.write(cp.ts, &cp.pkt)
	}
	r.rep.Received += r.ep.Read(r.conn, -1)
	r.check()
}

// transmitted accounts for a segment the modelled side sent. Data at
// snd_nxt is new (or resent after our timeout rewound snd_nxt); data below
// it is a retransmission the model did not ask for; data above it means
// the capture missed segments.
func (r *flowReplayer) transmitted(seg *tcp.Segment) {
	c := r.conn
	if seg.Flags&header.TCPFlagRst != 0 {
		r.rep.Resets++
		r.closed = true
		r.rep.State = "RESET"
		return
	}
	fin := seg.Flags&header.TCPFlagFin != 0
	n := len(seg.Payload)
	if n == 0 && !fin {
		return
	}
	if fin {
		c.Lock()
		st := c.State
		c.Unlock()
		if st == tcp.Established || st == tcp.CloseWait || st == tcp.SynReceived {
			r.record(r.eng.Shutdown(c))
			if r.closed {
				return
			}
		}
	}

	c.Lock()
	sndNxt, sndMax := c.SndNxt, c.SndMax
	c.Unlock()
	end := seg.Seq.Add(seqnum.Size(n))
	fresh := 0
	if sndMax.LessThan(end) {
		fresh = int(sndMax.Size(end))
	}
	switch {
	case seg.Seq == sndNxt:
		r.ep.Write(c, fresh)
		r.ep.Transmit(c, n, fin)
		r.rep.Sent += n
	case sndNxt.LessThan(seg.Seq):
		span := int(sndNxt.Size(end))
		r.ep.Write(c, fresh)
		r.ep.Transmit(c, span, fin)
		r.rep.Sent += span
	default:
		r.rep.PeerRetransmits++
	}
	r.check()
}

// fireTimers runs the timers that expire before now in deadline order.
func (r *flowReplayer) fireTimers(now uint32) {
	c := r.conn
	for i := 0; i < timerRounds && !r.closed; i++ {
		next, ok := r.nextDeadline()
		if !ok || int32(now-next) < 0 {
			return
		}
		r.clock.Set(next)
		for _, k := range r.ep.Expire(c, next) {
			switch k {
			case tcp.TimerRexmt:
				r.rep.RTOs++
				r.record(r.eng.RetransmitTimeout(c))
			case tcp.TimerDelAck:
				c.Lock()
				c.Flags.AckNow = true
				r.ep.SendNow(c)
				c.Unlock()
			case tcp.Timer2MSL:
				r.log.Debug("2MSL expired")
				r.ep.Teardown(c)
				r.closed = true
			}
		}
	}
}

func (r *flowReplayer) nextDeadline() (uint32, bool) {
	var next uint32
	found := false
	for _, k := range []tcp.TimerKind{tcp.TimerRexmt, tcp.TimerDelAck, tcp.Timer2MSL} {
		d, ok := r.ep.Deadline(r.conn, k)
		if ok && (!found || int32(d-next) < 0) {
			next, found = d, true
		}
	}
	return next, found
}

func (r *flowReplayer) record(res tcp.Result) {
	r.rep.Actions[res.Action.String()]++
	if res.Reason != tcp.ReasonNone {
		r.rep.Reasons[res.Reason.String()]++
	}
	r.rep.State = res.State.String()
	if res.Action == tcp.ConnClosed {
		r.closed = true
	}
}

// check records the first control block invariant violation.
func (r *flowReplayer) check() {
	if r.rep.Violation != "" || r.closed {
		return
	}
	r.conn.Lock()
	err := r.conn.Check()
	r.conn.Unlock()
	if err != nil {
		r.rep.Violation = err.Error()
		r.log.WithError(err).Warn("invariant violated")
	}
}

func (r *flowReplayer) finish() FlowReport {
	if r.conn == nil {
		return r.rep
	}
	c := r.conn
	st := r.ep.State(c)
	c.Lock()
	if r.rep.State != "RESET" {
		r.rep.State = c.State.String()
	}
	r.rep.SRTTMs = float64(c.SRTT) / 8 * 1000 / core.HZ
	r.rep.Cwnd = c.SndCwnd
	c.Unlock()

	r.rep.LocalRetransmits = len(st.Retransmits)
	r.rep.Acks = st.Acks
	r.rep.ChallengeAcks = st.ChallengeAcks
	r.rep.Resets += len(st.Resets)
	for _, err := range st.Errors {
		r.rep.Errors = append(r.rep.Errors, err.Error())
	}
	return r.rep
}

// replayFlows replays every flow on its own engine, at most workers at a
// time. Discarded segments go to drops when it is set. done is incremented
// as flows complete.
func replayFlows(ctx context.Context, flows []*flowPackets, cfg tcp.Config, stats *core.Stats, drops *dropWriter, workers int, done *atomic.Int64) ([]FlowReport, error) {
	reports := make([]FlowReport, len(flows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, fp := range flows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = newFlowReplayer(cfg, stats, drops, fp.key).run(gctx, fp.packets)
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}
