package tcp

import (
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
)

// backoff multiplies the retransmission timeout per consecutive timeout.
var backoff = [...]uint32{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 512, 512, 512}

// RetransmitTimeout runs when c's retransmission timer expires. It backs
// off the timeout, rewinds the send point to snd_una, collapses the
// congestion window and restarts transmission. A connection that exceeds
// the retry limit is dropped with ErrTimedOut.
func (e *Engine) RetransmitTimeout(c *Conn) Result {
	c.Lock()
	defer c.Unlock()

	if c.State == Closed || c.State == Listen || c.State == TimeWait {
		return Result{Action: Dropped, State: c.State}
	}
	e.stats.Inc(core.RexmtTimeo)

	c.RxtShift++
	if c.RxtShift > e.cfg.MaxRxtShift {
		c.RxtShift = e.cfg.MaxRxtShift
		e.stats.Inc(core.TimeoutDrop)
		logging.ForConn(c.ID).WithFields(logrus.Fields{
			"state":  c.State.String(),
			"snduna": uint32(c.SndUna),
		}).Info("retransmission limit reached")
		e.drop(c, ErrTimedOut)
		e.stats.Inc(core.Closed)
		e.life.Teardown(c)
		return Result{Action: ConnClosed, State: Closed}
	}

	now := e.clock.Ticks()
	if c.State == SynSent || c.State == SynReceived {
		c.Flags.LostSYN = true
	}
	if c.RxtShift == 1 {
		// Remember the pre-timeout state so an ACK proving the timeout
		// spurious can restore it.
		c.Prev = Undo{
			Cwnd:     c.SndCwnd,
			Ssthresh: c.SndSsthresh,
			Recover:  c.SndRecover,
			Recovery: c.Recovery,
		}
		if c.Flags.RcvdTstmp {
			c.BadRxtWin = now
		} else {
			c.BadRxtWin = now + uint32(c.SRTT>>(rttShift+1))
		}
		c.Flags.PrevValid = true
	} else {
		c.Flags.PrevValid = false
	}

	base := e.cfg.RTOInitial
	if c.SRTT != 0 {
		base = c.rexmtVal()
	}
	c.RxtCur = clampTicks(base*backoff[min(c.RxtShift, len(backoff)-1)], e.cfg.RTOMin, e.cfg.RTOMax)

	if c.RxtShift > e.cfg.RTTInvalidate {
		// After several timeouts the estimate is probably stale; keep it
		// only as variance so the next sample starts afresh.
		c.RTTVar += c.SRTT >> 2
		c.SRTT = 0
	}

	c.SndRecover = c.SndMax
	c.Flags.AckNow = true
	c.RTTTime = 0
	e.ccCongSignal(c, SignalRTO, c.SndUna)
	c.SndNxt = c.SndUna
	c.DupAcks = 0

	e.timers.Arm(c, TimerRexmt, c.RxtCur)
	e.out.SendNow(c)
	return Result{Action: Accepted, State: c.State}
}
