package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
)

// completeHandshake moves a SYN_RECEIVED connection to ESTABLISHED (or
// FIN_WAIT_1 when a close is already pending) on the ACK of our SYN.
func (p *pass) completeHandshake() {
	c, e := p.c, p.e
	e.stats.Inc(core.Connects)
	e.sock.Connected(c)
	if c.Flags.ReqScale && c.Flags.RcvdScale {
		c.RcvScale = c.RequestRcvScale
	}
	c.SndWnd = p.tiwin
	c.StartTime = p.now
	if c.Flags.NeedFin {
		e.changeState(c, FinWait1)
		c.Flags.NeedFin = false
	} else {
		e.changeState(c, Established)
		e.ccConnInit(c)
		e.timers.Arm(c, TimerKeep, e.cfg.KeepIdle)
	}
	// The ACK of our SYN is accounted before regular ACK processing,
	// except for a simultaneous open, which completes below.
	if c.SndUna.LessThan(p.ack) && !c.Flags.NeedSyn {
		p.incForSyn = true
	}
	if p.tlen() == 0 && !p.has(header.TCPFlagFin) {
		p.flushReassembly()
	}
	c.SndWL1 = p.seq - 1
}

// flushReassembly delivers data that was queued before the connection was
// established.
func (p *pass) flushReassembly() {
	c, e := p.c, p.e
	if e.sock.ReassemblyEmpty(c) {
		return
	}
	adv, fin := e.sock.Reassemble(c, c.RcvNxt, nil, false)
	if adv > 0 {
		c.RcvNxt = c.RcvNxt.Add(seqnum.Size(adv))
		e.sock.WakeReaders(c)
	}
	p.queuedFin = fin
}

// updateSACK folds the segment's SACK blocks into the scoreboard.
func (p *pass) updateSACK() {
	c, e := p.c, p.e
	if c.Flags.SackPermit && (p.to.has(OptSACK) || !e.sack.Empty(c)) {
		u := e.sack.Update(c, p.ack, p.to.SACKBlocks)
		p.sackChanged = u.Change
		c.Sack.SackedBytes = u.SackedBytes
		c.Sack.DeliveredData = u.DeliveredData
		c.Sack.LastSackAck = p.ack
		if c.SndFack.LessThan(u.Fack) {
			c.SndFack = u.Fack
		}
		return
	}
	c.Sack.SackedBytes = 0
}

// ackSegment runs the ACK processor for a segment with the ACK bit on a
// connection that has at least reached SYN_RECEIVED. A continue result
// proceeds to the window update.
func (p *pass) ackSegment() result {
	c, e := p.c, p.e
	if c.State == SynReceived {
		p.completeHandshake()
	}
	if c.SndMax.LessThan(p.ack) {
		e.stats.Inc(core.RcvAckTooMuch)
		return dropAck(ReasonAckTooMuch)
	}
	p.updateSACK()
	if p.ack.LessThanEq(c.SndUna) {
		return p.duplicateAck()
	}

	partial := c.Recovery.InCongestion() && p.ack.LessThan(c.SndRecover)
	if !partial {
		c.DupAcks = 0
	}
	switch {
	case c.Recovery.InFast():
		if !partial {
			e.ccPostRecovery(c, p.ack)
			break
		}
		switch {
		case c.Flags.SackPermit && e.cfg.PRR && p.to.has(OptSACK):
			e.timers.Cancel(c, TimerRexmt)
			c.RTTTime = 0
			p.doPRRAck()
			c.Flags.AckNow = true
			e.out.SendNow(c)
		case c.Flags.SackPermit:
			p.sackPartialAck()
		default:
			p.newRenoPartialAck()
		}
	case c.Recovery.InCongestion():
		if !partial {
			e.ccPostRecovery(c, p.ack)
			break
		}
		if e.cfg.PRR {
			c.Sack.DeliveredData = int(c.SndUna.Size(p.ack))
			c.SndFack = p.ack
			p.doPRRAck()
			e.out.SendNow(c)
		}
	}

	if c.Flags.NeedSyn {
		// Simultaneous open: our SYN is acknowledged only now.
		c.Flags.NeedSyn = false
		c.SndUna++
		if c.Flags.ReqScale && c.Flags.RcvdScale {
			c.RcvScale = c.RequestRcvScale
		}
	}
	return p.processAck()
}

// duplicateAck handles an ACK that does not advance snd_una.
func (p *pass) duplicateAck() result {
	c, e := p.c, p.e
	if p.tlen() != 0 || (p.tiwin != c.SndWnd && !c.Flags.SackPermit) {
		c.DupAcks = 0
		return resContinue
	}
	// A first FIN from the peer is not a duplicate, even without data;
	// this happens during a simultaneous close.
	if p.has(header.TCPFlagFin) && !c.State.HaveReceivedFIN() {
		c.DupAcks = 0
		return resContinue
	}
	e.stats.Inc(core.RcvDupAck)
	if p.ack != c.SndUna || (c.Flags.SackPermit && p.to.has(OptSACK) && p.sackChanged == SACKUnchanged) {
		return resContinue
	}
	if !e.timers.Active(c, TimerRexmt) {
		// Nothing outstanding, so this is not a loss signal.
		c.DupAcks = 0
		return resContinue
	}

	mss := c.MSS
	thresh := e.cfg.RexmtThresh
	c.DupAcks++
	switch {
	case c.DupAcks > thresh || c.Recovery.InFast():
		e.ccAckReceived(c, p.ack, p.seg.nsegs(), AckDup)
		switch {
		case e.cfg.PRR && c.Recovery.InFast():
			p.doPRRAck()
		case c.Flags.SackPermit && p.to.has(OptSACK) && c.Recovery.InFast():
			// Inject new data only while less than ssthresh is in
			// flight.
			if e.pipe(c) < int(c.SndSsthresh) {
				c.SndCwnd = min(c.SndCwnd+mss, c.SndSsthresh)
			}
		default:
			c.SndCwnd += mss
		}
		e.out.SendNow(c)
		return drop(ReasonDuplicate)

	case c.DupAcks == thresh ||
		(c.Flags.SackPermit && e.cfg.SACKTrigger && c.Sack.SackedBytes > (thresh-1)*int(mss)):
		// Either condition alone starts recovery (RFC 6675 section 5).
		return p.enterRecovery()

	case e.cfg.LimitedTransmit:
		p.limitedTransmit()
		return drop(ReasonDuplicate)
	}
	return resContinue
}

// enterRecovery starts fast retransmit and fast recovery.
func (p *pass) enterRecovery() result {
	c, e := p.c, p.e
	mss := c.MSS
	c.DupAcks = e.cfg.RexmtThresh
	if e.cfg.PRR || c.Flags.SackPermit {
		if c.Recovery.InFast() {
			c.DupAcks = 0
			return resContinue
		}
	} else if p.ack.LessThanEq(c.SndRecover) {
		// Still below the previous episode's high water mark; don't
		// reduce the window twice for one loss event (RFC 6582).
		c.DupAcks = 0
		return resContinue
	}

	e.ccCongSignal(c, SignalDupAckLoss, p.ack)
	e.ccAckReceived(c, p.ack, p.seg.nsegs(), AckDup)
	e.timers.Cancel(c, TimerRexmt)
	c.RTTTime = 0
	if e.cfg.PRR {
		if c.Flags.SackPermit && p.to.has(OptSACK) {
			c.Sack.PRRDelivered = c.Sack.SackedBytes
		} else {
			c.Sack.PRRDelivered = min(int(c.flight()), c.DupAcks*int(mss))
		}
		c.Sack.RecoverFS = max(1, int(c.SndUna.Size(c.SndNxt)))
		c.Sack.PRROut = 0
	}
	if logging.DebugEnabled() {
		logging.ForConn(c.ID).Debugf("enter recovery ack=%d recover=%d cwnd=%d ssthresh=%d",
			uint32(p.ack), uint32(c.SndRecover), c.SndCwnd, c.SndSsthresh)
	}

	if p.sackRecovery() {
		e.stats.Inc(core.SACKRecoveryEpisode)
		c.SndCwnd = mss
		e.sack.ResendHoles(c)
		e.out.SendNow(c)
		return drop(ReasonDuplicate)
	}

	e.out.Retransmit(c, p.ack)
	c.SndCwnd = c.SndSsthresh + mss*uint32(c.DupAcks-c.SndLimited)
	return drop(ReasonDuplicate)
}

// limitedTransmit lets the first two duplicate ACKs each release one new
// segment (RFC 3042) without touching the congestion state.
func (p *pass) limitedTransmit() {
	c, e := p.c, p.e
	e.ccAckReceived(c, p.ack, p.seg.nsegs(), AckDup)
	oldCwnd, oldMax := c.SndCwnd, c.SndMax
	if c.DupAcks == 1 {
		c.SndLimited = 0
	}
	outstanding := c.SndUna.Size(c.SndNxt)
	c.SndCwnd = uint32(outstanding) + uint32(c.DupAcks-c.SndLimited)*c.MSS
	if avail := e.sock.SendBuffered(c) - int(outstanding); avail > 0 || c.Flags.AckNow {
		e.out.SendNow(c)
	}
	if sent := uint32(oldMax.Size(c.SndMax)); sent > c.MSS {
		c.SndLimited = 2
	} else if sent > 0 {
		c.SndLimited++
	}
	c.SndCwnd = oldCwnd
}

// newRenoPartialAck retransmits the next hole after a partial ACK and
// deflates cwnd by the amount acknowledged, leaving one segment of room
// (RFC 6582).
func (p *pass) newRenoPartialAck() {
	c, e := p.c, p.e
	acked := uint32(c.SndUna.Size(p.ack))
	e.timers.Cancel(c, TimerRexmt)
	c.RTTTime = 0
	e.out.Retransmit(c, p.ack)
	if c.SndCwnd > acked {
		c.SndCwnd -= acked
	} else {
		c.SndCwnd = 0
	}
	c.SndCwnd += c.MSS
	c.Flags.AckNow = true
}

// sackPartialAck lets the scoreboard fill the next holes, sending one or
// two segments depending on how much the ACK covered.
func (p *pass) sackPartialAck() {
	c, e := p.c, p.e
	e.timers.Cancel(c, TimerRexmt)
	c.RTTTime = 0
	segs := uint32(1)
	if uint32(c.SndUna.Size(p.ack))/c.MSS >= 2 {
		segs = 2
	}
	newData := uint32(0)
	if c.SndRecover.LessThan(c.SndNxt) {
		newData = uint32(c.SndRecover.Size(c.SndNxt))
	}
	cwnd := uint32(c.Sack.SackBytesRexmit) + newData + segs*c.MSS
	c.SndCwnd = max(min(cwnd, c.SndSsthresh), c.MSS)
	c.Flags.AckNow = true
	e.sack.ResendHoles(c)
	e.out.SendNow(c)
}

// processAck handles an ACK known to lie in [snd_una, snd_max]: spurious
// RTO detection, RTT sampling, timer maintenance, congestion window growth,
// send buffer release and FIN acknowledgement.
func (p *pass) processAck() result {
	c, e := p.c, p.e
	if p.incForSyn {
		c.SndUna++
	}
	acked := int(c.SndUna.Size(p.ack))
	e.stats.Inc(core.RcvAckPack)
	e.stats.Add(core.RcvAckByte, uint64(acked))

	// An ACK for data sent before the first retransmission means the
	// retransmission was not needed.
	if c.RxtShift == 1 && c.Flags.PrevValid && c.BadRxtWin != 0 &&
		((p.to.has(OptTimestamp) && p.to.TSEcr != 0 && tsLT(p.to.TSEcr, c.BadRxtWin)) ||
			(!p.to.has(OptTimestamp) && tsLT(p.now, c.BadRxtWin))) {
		e.ccCongSignal(c, SignalRTOSpurious, p.ack)
	}

	p.sampleRTT()

	if p.ack == c.SndMax {
		e.timers.Cancel(c, TimerRexmt)
		p.needOutput = true
	} else if !e.timers.Active(c, TimerPersist) {
		e.timers.Arm(c, TimerRexmt, c.RxtCur)
	}

	if acked == 0 {
		return resContinue
	}

	e.ccAckReceived(c, p.ack, p.seg.nsegs(), AckNew)

	buffered := e.sock.SendBuffered(c)
	if acked > buffered {
		// More acknowledged than was buffered: our FIN is acked too.
		c.SndWnd -= min(c.SndWnd, uint32(buffered))
		e.sock.Release(c, buffered)
		p.ourFinAcked = true
	} else {
		e.sock.Release(c, acked)
		c.SndWnd -= min(c.SndWnd, uint32(acked))
	}
	e.sock.WakeWriters(c)

	// Keep snd_recover below snd_una across sequence wraparound.
	if !c.Recovery.InCongestion() && c.SndRecover.LessThan(c.SndUna) && p.ack.LessThanEq(c.SndRecover) {
		c.SndRecover = p.ack - 1
	}
	if c.Recovery.InCongestion() && c.SndRecover.LessThanEq(p.ack) {
		if logging.DebugEnabled() {
			logging.ForConn(c.ID).Debugf("exit %s recovery ack=%d cwnd=%d", c.Recovery, uint32(p.ack), c.SndCwnd)
		}
		c.Recovery = RecoveryNone
	}
	// Retransmitted bytes are counted from snd_una upward.
	c.Sack.SackBytesRexmit = max(0, c.Sack.SackBytesRexmit-acked)
	c.SndUna = p.ack
	if c.Flags.SackPermit && c.SndRecover.LessThan(c.SndUna) {
		c.SndRecover = c.SndUna
	}
	if c.SndNxt.LessThan(c.SndUna) {
		c.SndNxt = c.SndUna
	}

	switch c.State {
	case FinWait1:
		if p.ourFinAcked {
			// With the receive side already shut nobody will read
			// further data, so don't wait forever for the peer's FIN.
			if c.Flags.CantRcvMore {
				e.timers.Arm(c, Timer2MSL, e.cfg.FinWait2Timeout)
			}
			e.changeState(c, FinWait2)
		}
	case Closing:
		if p.ourFinAcked {
			return moveTo(TimeWait)
		}
	case LastAck:
		if p.ourFinAcked {
			e.close(c, nil)
			return resClosed(ReasonNone)
		}
	}
	return resContinue
}
