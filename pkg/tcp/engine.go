package tcp

import (
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
)

// Engine processes segments for any number of connections. It holds only
// immutable configuration and collaborator handles, so one Engine may be
// shared by goroutines working on different connections.
type Engine struct {
	cfg    Config
	clock  core.Clock
	stats  *core.Stats
	sock   SocketBuffer
	sack   Scoreboard
	timers Timers
	out    Output
	life   Lifecycle
}

// NewEngine returns an engine using cfg. A nil clock selects the system
// clock; a nil stats discards counters.
func NewEngine(cfg Config, clock core.Clock, stats *core.Stats, col Collaborators) *Engine {
	if clock == nil {
		clock = core.NewSystemClock()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		stats:  stats,
		sock:   col.Socket,
		sack:   col.Scoreboard,
		timers: col.Timers,
		out:    col.Output,
		life:   col.Lifecycle,
	}
}

// Config returns the engine's tunables.
func (e *Engine) Config() Config { return e.cfg }

// Stats returns the engine's counters.
func (e *Engine) Stats() *core.Stats { return e.stats }

// pass is the scratch state of one Input call. The caller's Segment is
// never modified; trimming works on the copies held here.
type pass struct {
	e   *Engine
	c   *Conn
	seg *Segment

	seq     seqnum.Value
	ack     seqnum.Value
	flags   header.TCPFlags
	payload []byte
	urgent  uint16
	tiwin   uint32
	to      Options
	now     uint32

	sackChanged SACKChange
	needOutput  bool
	ourFinAcked bool
	incForSyn   bool
	queuedFin   bool
}

func (p *pass) has(f header.TCPFlags) bool { return p.flags&f != 0 }

func (p *pass) tlen() int { return len(p.payload) }

// Input processes one segment for c. It takes c's lock for the duration of
// the call.
func (e *Engine) Input(c *Conn, seg *Segment) Result {
	c.Lock()
	defer c.Unlock()

	e.stats.Inc(core.RcvTotal)
	p := &pass{
		e:       e,
		c:       c,
		seg:     seg,
		seq:     seg.Seq,
		ack:     seg.Ack,
		flags:   seg.Flags,
		payload: seg.Payload,
		urgent:  seg.Urgent,
		to:      seg.Options,
		now:     e.clock.Ticks(),
	}
	return p.settle(p.run())
}

// settle performs the side effect of the final phase result.
func (p *pass) settle(r result) Result {
	c, e := p.c, p.e
	switch r.v {
	case cont, done:
		e.finish(c, p.needOutput)
		return Result{Action: Accepted, State: c.State}

	case dropSilently:
		p.logDrop("drop", r.reason)
		return Result{Action: Dropped, Reason: r.reason, State: c.State}

	case dropWithAck:
		// An ACK that fails the SYN_RECEIVED acceptability test gets a
		// reset instead, which also breaks ACK loops between spoofed peers.
		if c.State == SynReceived && p.has(header.TCPFlagAck) &&
			(p.ack.LessThan(c.SndUna) || c.SndMax.LessThan(p.ack)) {
			return p.settle(dropReset(ReasonBadAck))
		}
		p.logDrop("drop after ack", r.reason)
		c.Flags.AckNow = true
		e.out.SendNow(c)
		return Result{Action: DroppedWithAck, Reason: r.reason, State: c.State}

	case dropWithReset:
		p.logDrop("drop with reset", r.reason)
		p.reset(r.reason)
		return Result{Action: DroppedWithReset, Reason: r.reason, State: c.State}

	case transitionTo:
		if r.state == TimeWait {
			e.enterTimeWait(c)
			return Result{Action: EnteredTimeWait, State: TimeWait}
		}
		e.changeState(c, r.state)
		e.finish(c, p.needOutput)
		return Result{Action: Accepted, State: c.State}

	case closed:
		if r.rst {
			p.reset(r.reason)
		}
		logging.ForConn(c.ID).WithField("reason", r.reason.String()).Info("connection closed")
		e.stats.Inc(core.Closed)
		e.life.Teardown(c)
		return Result{Action: ConnClosed, Reason: r.reason, State: Closed}
	}
	return Result{Action: Dropped, State: c.State}
}

// reset answers the segment with a RST unless it carried one itself.
func (p *pass) reset(reason Reason) {
	if p.seg.has(header.TCPFlagRst) {
		return
	}
	p.e.stats.Inc(core.DropWithReset)
	p.e.out.SendReset(p.c, p.seg, reason)
}

func (p *pass) logDrop(what string, reason Reason) {
	if !logging.DebugEnabled() {
		return
	}
	logging.ForConn(p.c.ID).WithFields(logrus.Fields{
		"state":  p.c.State.String(),
		"seq":    uint32(p.seg.Seq),
		"ack":    uint32(p.seg.Ack),
		"flags":  p.seg.Flags.String(),
		"len":    len(p.seg.Payload),
		"reason": reason.String(),
	}).Debug(what)
}

// changeState moves c to s, logging the transition.
func (e *Engine) changeState(c *Conn, s State) {
	if logging.DebugEnabled() {
		logging.ForConn(c.ID).WithFields(logrus.Fields{
			"from": c.State.String(),
			"to":   s.String(),
		}).Debug("state change")
	}
	c.State = s
}

// close marks c closed and reports err, if any. The caller must return the
// closed result so the driver tears the connection down.
func (e *Engine) close(c *Conn, err error) {
	e.changeState(c, Closed)
	for _, k := range []TimerKind{TimerRexmt, TimerPersist, TimerDelAck, TimerKeep, Timer2MSL} {
		e.timers.Cancel(c, k)
	}
	if err != nil {
		c.SoftError = err
		e.life.ReportError(c, err)
	}
}

// drop closes c after a fatal event, counting it as a dropped connection.
func (e *Engine) drop(c *Conn, err error) {
	if c.State.HaveEstablished() {
		e.stats.Inc(core.Drops)
	} else {
		e.stats.Inc(core.ConnDrops)
	}
	e.close(c, err)
}

// enterTimeWait moves c to TIME_WAIT, acknowledging a pending FIN first.
func (e *Engine) enterTimeWait(c *Conn) {
	if c.Flags.AckNow {
		e.out.SendNow(c)
	}
	e.changeState(c, TimeWait)
	for _, k := range []TimerKind{TimerRexmt, TimerPersist, TimerDelAck, TimerKeep} {
		e.timers.Cancel(c, k)
	}
	e.timers.Arm(c, Timer2MSL, 2*e.cfg.MSL)
	e.stats.Inc(core.TimeWait)
	e.life.EnterTimeWait(c)
}
