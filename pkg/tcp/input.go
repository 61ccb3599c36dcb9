package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
)

// run is the state dispatcher: it prepares the segment, tries header
// prediction and otherwise walks the general path.
func (p *pass) run() result {
	c := p.c
	p.prepare()
	if r := p.checkMissingTS(); r.stop() {
		return r
	}
	p.e.updateReceiveWindow(c)
	if r, ok := p.headerPrediction(); ok {
		return r
	}

	switch c.State {
	case SynReceived:
		if p.has(header.TCPFlagAck) && (p.ack.LessThanEq(c.SndUna) || c.SndMax.LessThan(p.ack)) {
			return dropReset(ReasonBadAck)
		}
	case SynSent:
		return p.synSent()
	case Closed, Listen:
		return dropReset(ReasonClosed)
	case TimeWait:
		return p.timeWait()
	}

	if r := p.admit(); r.stop() {
		return r
	}
	if !p.has(header.TCPFlagAck) {
		if c.State == SynReceived || c.Flags.NeedSyn {
			p.processECN()
			return p.step6()
		}
		if c.Flags.AckNow {
			return dropAck(ReasonNoACK)
		}
		return drop(ReasonNoACK)
	}
	if r := p.checkGhostAck(); r.stop() {
		return r
	}
	p.processECN()
	if r := p.ackSegment(); r.stop() {
		return r
	}
	return p.step6()
}

// prepare scales the advertised window, corrects the timestamp echo and
// absorbs the options of a SYN answering ours.
func (p *pass) prepare() {
	c := p.c
	c.Sack.LastSackAck = 0

	p.scaleWindow()

	if p.to.has(OptTimestamp) && p.to.TSEcr != 0 {
		p.to.TSEcr -= c.TSOffset
		// An echo from the future cannot be ours.
		if tsLT(p.now, p.to.TSEcr) {
			p.to.TSEcr = 0
		}
	}

	if c.State == SynSent && p.has(header.TCPFlagSyn) {
		if p.to.has(OptWindowScale) && c.Flags.ReqScale {
			c.Flags.RcvdScale = true
			c.SndScale = min(p.to.WindowScale, MaxWinShift)
		} else {
			c.Flags.ReqScale = false
		}
		c.SndWnd = p.tiwin
		if p.to.has(OptTimestamp) && c.Flags.ReqTstmp {
			c.Flags.RcvdTstmp = true
			c.TSRecent = p.to.TSVal
			c.TSRecentAge = p.now
		} else {
			c.Flags.ReqTstmp = false
		}
		if p.to.has(OptMSS) && p.to.MSS > 0 {
			c.MSS = min(c.MSS, uint32(p.to.MSS))
		}
		if c.Flags.SackPermit && !p.to.has(OptSACKPermitted) {
			c.Flags.SackPermit = false
		}
	}
}

// processECN tracks CE marks and CWR from the peer and reacts to ECE on
// an ACK. Only segments that passed admission get here.
func (p *pass) processECN() {
	c, e := p.c, p.e
	if !c.Flags.ECNPermit {
		return
	}
	if p.has(header.TCPFlagCwr) {
		c.Flags.SendECE = false
	}
	if p.seg.CE {
		c.Flags.SendECE = true
	}
	if p.has(header.TCPFlagEce) && p.has(header.TCPFlagAck) && !p.has(header.TCPFlagSyn) {
		e.ccCongSignal(c, SignalECN, p.ack)
	}
}

// checkMissingTS drops non-RST segments lacking a timestamp once
// timestamps are in use (RFC 7323 section 3.2).
func (p *pass) checkMissingTS() result {
	c, e := p.c, p.e
	if !c.Flags.RcvdTstmp || p.to.has(OptTimestamp) {
		return resContinue
	}
	e.stats.Inc(core.MissingTS)
	if e.cfg.TolerateMissingTS || p.has(header.TCPFlagRst) {
		return resContinue
	}
	return drop(ReasonMissingTS)
}

// headerPrediction handles the two common cases of an established
// connection: a pure ACK for new data, and in-order data with an ACK that
// changes nothing. It reports false when the general path must run. Both
// cases reuse the general path's helpers so the resulting connection state
// is the same.
func (p *pass) headerPrediction() (result, bool) {
	c, e := p.c, p.e
	if e.cfg.DisableHeaderPrediction || c.State != Established ||
		p.flags&(header.TCPFlagSyn|header.TCPFlagFin|header.TCPFlagRst|header.TCPFlagUrg|header.TCPFlagAck) != header.TCPFlagAck ||
		p.seq != c.RcvNxt || c.SndNxt != c.SndMax ||
		p.tiwin == 0 || p.tiwin != c.SndWnd ||
		c.Flags.NeedSyn || c.Flags.NeedFin ||
		!e.sock.ReassemblyEmpty(c) ||
		(c.Flags.ECNPermit && p.has(header.TCPFlagEce)) ||
		(p.to.has(OptTimestamp) && c.TSRecent != 0 && tsLT(p.to.TSVal, c.TSRecent)) {
		return result{}, false
	}

	if p.tlen() == 0 {
		if !c.SndUna.LessThan(p.ack) || c.SndMax.LessThan(p.ack) ||
			c.Recovery.InCongestion() || p.to.has(OptSACK) || !e.sack.Empty(c) {
			return result{}, false
		}
		e.stats.Inc(core.PredAck)
		p.processECN()
		p.recordTimestamp()
		p.updateSACK()
		c.DupAcks = 0
		if r := p.processAck(); r.stop() {
			return r, true
		}
		p.finishFast()
		return result{v: done}, true
	}

	if p.ack != c.SndUna || p.tlen() > e.sock.Space(c) {
		return result{}, false
	}
	e.stats.Inc(core.PredDat)
	p.processECN()
	p.recordTimestamp()
	p.updateSACK()
	c.DupAcks = 0
	p.finishFast()
	p.deliverInOrder()
	return result{v: done}, true
}

func (p *pass) finishFast() {
	c := p.c
	if p.updateSendWindow() {
		p.needOutput = true
	}
	if c.RcvUp.LessThan(c.RcvNxt) {
		c.RcvUp = c.RcvNxt
	}
}

// synSent handles the reply to our SYN.
func (p *pass) synSent() result {
	c, e := p.c, p.e
	if p.has(header.TCPFlagAck) && (p.ack.LessThanEq(c.ISS) || c.SndMax.LessThan(p.ack)) {
		return dropReset(ReasonBadAck)
	}
	if p.has(header.TCPFlagRst) {
		if p.has(header.TCPFlagAck) {
			e.drop(c, ErrConnRefused)
			return resClosed(ReasonRefused)
		}
		return drop(ReasonRST)
	}
	if !p.has(header.TCPFlagSyn) {
		return drop(ReasonNoSYN)
	}

	c.IRS = p.seq
	c.RcvNxt = p.seq + 1
	c.RcvAdv = c.RcvNxt
	c.RcvUp = c.RcvNxt

	if p.has(header.TCPFlagAck) {
		e.stats.Inc(core.Connects)
		e.sock.Connected(c)
		if c.Flags.ReqScale && c.Flags.RcvdScale {
			c.RcvScale = c.RequestRcvScale
		}
		c.RcvAdv = c.RcvAdv.Add(seqnum.Size(min(c.RcvWnd, uint32(MaxWin)<<c.RcvScale)))
		c.SndUna++
		if p.tlen() != 0 && e.delayAck(c, p.tlen()) {
			e.timers.Arm(c, TimerDelAck, e.cfg.DelayedAckTime)
		} else {
			c.Flags.AckNow = true
		}
		if p.has(header.TCPFlagEce) && e.cfg.ECN {
			c.Flags.ECNPermit = true
		}
		c.StartTime = p.now
		if c.Flags.NeedFin {
			e.changeState(c, FinWait1)
			c.Flags.NeedFin = false
			p.flags &^= header.TCPFlagSyn
		} else {
			e.changeState(c, Established)
			e.ccConnInit(c)
			e.timers.Arm(c, TimerKeep, e.cfg.KeepIdle)
		}
	} else {
		// Simultaneous open: ACK their SYN, ours is acked later.
		c.Flags.AckNow = true
		c.Flags.NeedSyn = true
		e.timers.Cancel(c, TimerRexmt)
		e.changeState(c, SynReceived)
	}

	// The SYN occupies one sequence number; data beyond the window is cut.
	p.seq++
	if p.tlen() > int(c.RcvWnd) {
		e.stats.Inc(core.RcvPackAfterWin)
		e.stats.Add(core.RcvByteAfterWin, uint64(p.tlen()-int(c.RcvWnd)))
		p.payload = p.payload[:c.RcvWnd]
		p.flags &^= header.TCPFlagFin
	}
	c.SndWL1 = p.seq - 1
	c.RcvUp = p.seq

	if p.has(header.TCPFlagAck) {
		if r := p.processAck(); r.stop() {
			return r
		}
	}
	return p.step6()
}

// timeWait handles a segment for a connection in TIME_WAIT. Resets are
// ignored (RFC 1337); a retransmitted FIN restarts the 2MSL wait.
func (p *pass) timeWait() result {
	c, e := p.c, p.e
	if p.has(header.TCPFlagRst) {
		return drop(ReasonTimeWait)
	}
	if p.has(header.TCPFlagSyn) && c.RcvNxt.LessThan(p.seq) {
		// A new incarnation may reuse the tuple.
		e.close(c, nil)
		return resClosed(ReasonTimeWait)
	}
	if !p.has(header.TCPFlagAck) {
		return drop(ReasonNoACK)
	}
	if p.has(header.TCPFlagFin) && p.seq.Add(seqnum.Size(p.tlen()))+1 == c.RcvNxt {
		e.timers.Arm(c, Timer2MSL, 2*e.cfg.MSL)
	}
	if p.flags != header.TCPFlagAck || p.tlen() != 0 || p.seq != c.RcvNxt || p.ack != c.SndNxt {
		return dropAck(ReasonTimeWait)
	}
	return drop(ReasonTimeWait)
}

// step6 applies the window update and processes data and FIN.
func (p *pass) step6() result {
	c := p.c
	if p.updateSendWindow() {
		p.needOutput = true
	}
	if c.RcvUp.LessThan(c.RcvNxt) {
		c.RcvUp = c.RcvNxt
	}

	fin := p.queuedFin
	if !p.queuedFin && (p.tlen() > 0 || p.has(header.TCPFlagFin)) && !c.State.HaveReceivedFIN() {
		fin = p.receiveData()
	}
	if fin {
		return p.receiveFIN()
	}
	return resContinue
}

// deliverInOrder appends in-sequence data to the receive buffer and
// schedules its acknowledgement.
func (p *pass) deliverInOrder() {
	c, e := p.c, p.e
	tlen := p.tlen()
	if e.delayAck(c, tlen) {
		c.Flags.DelAck = true
	} else {
		c.Flags.AckNow = true
	}
	c.RcvNxt = c.RcvNxt.Add(seqnum.Size(tlen))
	e.stats.Inc(core.RcvPack)
	e.stats.Add(core.RcvByte, uint64(tlen))
	if tlen > 0 {
		if !c.Flags.CantRcvMore {
			e.sock.Append(c, p.payload)
		}
		e.sock.WakeReaders(c)
	}
}

// receiveData delivers or queues the payload and reports whether the
// peer's FIN has been reached.
func (p *pass) receiveData() bool {
	c, e := p.c, p.e
	if p.seq == c.RcvNxt && e.sock.ReassemblyEmpty(c) && c.State.HaveEstablished() {
		p.deliverInOrder()
		return p.has(header.TCPFlagFin)
	}
	if p.seq != c.RcvNxt {
		e.stats.Inc(core.RcvOOPack)
		e.stats.Add(core.RcvOOByte, uint64(p.tlen()))
	}
	adv, fin := e.sock.Reassemble(c, p.seq, p.payload, p.has(header.TCPFlagFin))
	if adv > 0 {
		c.RcvNxt = c.RcvNxt.Add(seqnum.Size(adv))
		e.stats.Inc(core.RcvPack)
		e.stats.Add(core.RcvByte, uint64(adv))
		e.sock.WakeReaders(c)
	}
	// Out of order data is acknowledged at once so the peer sees the gap.
	c.Flags.AckNow = true
	return fin
}

// receiveFIN consumes the peer's FIN and advances the state machine.
func (p *pass) receiveFIN() result {
	c, e := p.c, p.e
	if !c.State.HaveReceivedFIN() {
		c.Flags.CantRcvMore = true
		e.sock.CantRcvMore(c)
		if c.Flags.NeedSyn {
			c.Flags.DelAck = true
		} else {
			c.Flags.AckNow = true
		}
		c.RcvNxt++
	}
	switch c.State {
	case SynReceived:
		c.StartTime = p.now
		e.changeState(c, CloseWait)
	case Established:
		e.changeState(c, CloseWait)
	case FinWait1:
		e.changeState(c, Closing)
	case FinWait2:
		return moveTo(TimeWait)
	}
	return resContinue
}
