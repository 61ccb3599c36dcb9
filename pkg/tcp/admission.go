package tcp

import (
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
)

// tsLT compares timestamp clock values modulo 2^32.
func tsLT(a, b uint32) bool { return int32(a-b) < 0 }

func tsGEQ(a, b uint32) bool { return int32(a-b) >= 0 }

// sendChallengeAck answers a suspicious segment with an ACK for rcv_nxt,
// limited per connection (RFC 5961 section 7).
func (p *pass) sendChallengeAck() {
	c, e := p.c, p.e
	if c.challenge == nil {
		per := time.Duration(e.cfg.ChallengeAckWindow) * time.Millisecond / time.Duration(e.cfg.ChallengeAckLimit)
		c.challenge = rate.NewLimiter(rate.Every(per), e.cfg.ChallengeAckLimit)
	}
	if !c.challenge.AllowN(core.TicksToTime(p.now), 1) {
		e.stats.Inc(core.ChallengeAckLimited)
		return
	}
	e.stats.Inc(core.ChallengeAck)
	e.out.SendChallengeAck(c)
}

// inRcvWindow reports whether seq lies in [last_ack_sent, last_ack_sent+rcv_wnd).
func (p *pass) inRcvWindow(seq seqnum.Value) bool {
	c := p.c
	return seq.InWindow(c.LastAckSent, seqnum.Size(c.RcvWnd))
}

// checkRST applies RFC 5961 section 3: only a RST carrying exactly the
// expected sequence number resets the connection. Any other in-window RST
// draws a challenge ACK.
func (p *pass) checkRST() result {
	c, e := p.c, p.e
	if !p.inRcvWindow(p.seq) && !(c.RcvWnd == 0 && c.LastAckSent == p.seq) {
		return drop(ReasonRST)
	}
	if !e.cfg.InsecureRST && c.LastAckSent != p.seq {
		e.stats.Inc(core.BadRST)
		p.sendChallengeAck()
		return drop(ReasonBadRST)
	}
	var err error
	switch c.State {
	case SynReceived:
		err = ErrConnRefused
	case Established, FinWait1, FinWait2, CloseWait:
		err = ErrConnReset
	}
	e.stats.Inc(core.Drops)
	e.close(c, err)
	return resClosed(ReasonRST)
}

// checkSYN applies RFC 5961 section 4 to a SYN on a synchronized
// connection.
func (p *pass) checkSYN() result {
	c, e := p.c, p.e
	e.stats.Inc(core.BadSYN)
	if e.cfg.InsecureSYN && p.inRcvWindow(p.seq) {
		e.drop(c, ErrConnReset)
		return resClosedReset(ReasonBadSYN)
	}
	p.sendChallengeAck()
	return drop(ReasonBadSYN)
}

// paws rejects segments whose timestamp is older than ts_recent (RFC 7323
// section 5) unless ts_recent itself has gone stale.
func (p *pass) paws() result {
	c, e := p.c, p.e
	if !p.to.has(OptTimestamp) || c.TSRecent == 0 || !tsLT(p.to.TSVal, c.TSRecent) {
		return resContinue
	}
	if p.now-c.TSRecentAge > e.cfg.PAWSIdle {
		// ts_recent was last refreshed too long ago to be trusted.
		c.TSRecent = 0
		return resContinue
	}
	e.stats.Inc(core.PAWSDrop)
	e.stats.Inc(core.RcvDupPack)
	e.stats.Add(core.RcvDupByte, uint64(p.tlen()))
	if p.tlen() > 0 {
		return dropAck(ReasonPAWS)
	}
	return drop(ReasonPAWS)
}

// trimLeft drops the part of the segment below rcv_nxt.
func (p *pass) trimLeft() {
	c, e := p.c, p.e
	todrop := int(int32(c.RcvNxt - p.seq))
	if todrop <= 0 {
		return
	}
	if p.has(header.TCPFlagSyn) {
		p.flags &^= header.TCPFlagSyn
		p.seq++
		if p.urgent > 1 {
			p.urgent--
		} else {
			p.flags &^= header.TCPFlagUrg
		}
		todrop--
	}
	tlen := p.tlen()
	if todrop > tlen || (todrop == tlen && !p.has(header.TCPFlagFin)) {
		// Everything here was seen before; a FIN this far left is a
		// duplicate too. ACK to resynchronize but keep going for the
		// ACK field.
		p.flags &^= header.TCPFlagFin
		c.Flags.AckNow = true
		todrop = tlen
		e.stats.Inc(core.RcvDupPack)
		e.stats.Add(core.RcvDupByte, uint64(todrop))
	} else {
		e.stats.Inc(core.RcvPartDupPack)
		e.stats.Add(core.RcvPartDupByte, uint64(todrop))
	}
	if todrop > 0 && c.Flags.SackPermit {
		e.sack.ReportDuplicate(c, p.seq, p.seq.Add(seqnum.Size(todrop)))
		e.stats.Inc(core.DSACKReported)
		c.Flags.AckNow = true
	}
	p.seq = p.seq.Add(seqnum.Size(todrop))
	p.payload = p.payload[todrop:]
	if int(p.urgent) > todrop {
		p.urgent -= uint16(todrop)
	} else {
		p.flags &^= header.TCPFlagUrg
		p.urgent = 0
	}
}

// trimRight drops the part of the segment beyond the receive window. A
// segment entirely outside the window is only kept as a window probe.
func (p *pass) trimRight() result {
	c, e := p.c, p.e
	todrop := int(int32(p.seq.Add(seqnum.Size(p.tlen())) - c.RcvNxt.Add(seqnum.Size(c.RcvWnd))))
	if todrop <= 0 {
		return resContinue
	}
	e.stats.Inc(core.RcvPackAfterWin)
	if todrop >= p.tlen() {
		e.stats.Add(core.RcvByteAfterWin, uint64(p.tlen()))
		if c.RcvWnd == 0 && p.seq == c.RcvNxt {
			c.Flags.AckNow = true
			e.stats.Inc(core.RcvWinProbe)
		} else {
			return dropAck(ReasonAfterWindow)
		}
	} else {
		e.stats.Add(core.RcvByteAfterWin, uint64(todrop))
	}
	todrop = min(todrop, p.tlen())
	p.payload = p.payload[:p.tlen()-todrop]
	p.flags &^= header.TCPFlagPsh | header.TCPFlagFin
	return resContinue
}

// recordTimestamp updates ts_recent when last_ack_sent falls within the
// segment, so that the echoed value tracks the segment that will be ACKed.
func (p *pass) recordTimestamp() {
	c := p.c
	if !p.to.has(OptTimestamp) {
		return
	}
	end := p.seq.Add(seqnum.Size(p.tlen()))
	if p.has(header.TCPFlagSyn | header.TCPFlagFin) {
		end++
	}
	if p.seq.LessThanEq(c.LastAckSent) && c.LastAckSent.LessThanEq(end) {
		c.TSRecentAge = p.now
		c.TSRecent = p.to.TSVal
	}
}

// checkGhostAck rejects ACKs too far below snd_una to have been generated
// by the peer (RFC 5961 section 5.2).
func (p *pass) checkGhostAck() result {
	c, e := p.c, p.e
	if e.cfg.InsecureACK {
		return resContinue
	}
	minAck := c.SndUna - seqnum.Value(c.MaxSndWnd)
	if !c.Flags.NoISSCheck {
		// Once past iss+1 the window bound stays ahead of it; iss+1
		// itself would wrap to look ahead of snd_una after 2^31 bytes.
		if iss := c.ISS + 1; minAck.LessThan(iss) && c.ISS.Size(c.SndUna) < 1<<31 {
			minAck = iss
		} else {
			c.Flags.NoISSCheck = true
		}
	}
	if p.ack.LessThan(minAck) {
		e.stats.Inc(core.RcvGhostAck)
		p.sendChallengeAck()
		return drop(ReasonGhostAck)
	}
	return resContinue
}

// admit runs the admission gate for a synchronized connection. No state is
// changed when a segment is rejected.
func (p *pass) admit() result {
	c, e := p.c, p.e
	if p.has(header.TCPFlagRst) {
		return p.checkRST()
	}
	if p.has(header.TCPFlagSyn) && c.State != SynSent && c.State != SynReceived {
		return p.checkSYN()
	}
	if r := p.paws(); r.stop() {
		return r
	}
	if c.State == SynReceived && p.seq.LessThan(c.IRS) {
		return dropReset(ReasonSeqBeforeIRS)
	}
	p.trimLeft()
	if c.Flags.NoFDRef && c.State > CloseWait && p.tlen() > 0 {
		e.close(c, nil)
		e.stats.Inc(core.Drops)
		return resClosedReset(ReasonDataAfterClose)
	}
	if r := p.trimRight(); r.stop() {
		return r
	}
	p.recordTimestamp()
	return resContinue
}
