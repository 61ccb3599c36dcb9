package tcp

import (
	"github.com/irctrakz/tcpin/pkg/core"
)

// Fixed point scaling of the smoothed estimates.
const (
	rttShift    = 3 // srtt is kept multiplied by 8
	rttvarShift = 2 // rttvar is kept multiplied by 4
)

// rexmtVal is the unclamped retransmission timeout: srtt + 4*rttvar.
func (c *Conn) rexmtVal() uint32 {
	return uint32((c.SRTT >> rttShift) + c.RTTVar)
}

func clampTicks(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// xmitTimer folds one round trip sample of rtt ticks into the estimator
// and recomputes the retransmission timeout.
func (e *Engine) xmitTimer(c *Conn, rtt uint32) {
	e.stats.Inc(core.RTTUpdated)
	c.RTTUpdated++
	r := int32(rtt)
	if c.SRTT != 0 && c.RxtShift <= e.cfg.RTTInvalidate {
		delta := (r - 1) - (c.SRTT >> rttShift)
		if c.SRTT += delta; c.SRTT <= 0 {
			c.SRTT = 1
		}
		if delta < 0 {
			delta = -delta
		}
		delta -= c.RTTVar >> rttvarShift
		if c.RTTVar += delta; c.RTTVar <= 0 {
			c.RTTVar = 1
		}
	} else {
		// No usable history: seed srtt with the sample and the deviation
		// with half of it.
		c.SRTT = r << rttShift
		c.RTTVar = r << (rttvarShift - 1)
	}
	c.RTTTime = 0
	c.RxtShift = 0
	c.RxtCur = clampTicks(c.rexmtVal(), e.cfg.RTOMin, e.cfg.RTOMax)
	c.SoftError = nil
}

// sampleRTT takes an RTT sample from the ACK, preferring the timestamp
// echo over a timed sequence number.
func (p *pass) sampleRTT() {
	c := p.c
	if p.to.has(OptTimestamp) && p.to.TSEcr != 0 {
		t := p.now - p.to.TSEcr
		if c.RTTLow == 0 || c.RTTLow > t {
			c.RTTLow = t
		}
		p.e.xmitTimer(c, t+1)
		return
	}
	if c.RTTTime != 0 && c.RTTSeq.LessThan(p.ack) {
		t := p.now - c.RTTTime
		if c.RTTLow == 0 || c.RTTLow > t {
			c.RTTLow = t
		}
		p.e.xmitTimer(c, t)
	}
}
