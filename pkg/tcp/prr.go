package tcp

// sackRecovery reports whether the current episode is driven by SACK
// information rather than duplicate ACK counting.
func (p *pass) sackRecovery() bool {
	return p.c.Flags.SackPermit && (p.to.has(OptSACK) || !p.e.sack.Empty(p.c))
}

// doPRRAck runs one Proportional Rate Reduction step (RFC 6937) and sets
// snd_cwnd so that the ordinary "send while flight < cwnd" rule emits
// exactly the permitted amount.
func (p *pass) doPRRAck() {
	c := p.c
	mss := int(c.MSS)
	var delData, pipe int

	if p.sackRecovery() || (c.Recovery.InCongestion() && !c.Recovery.InFast()) {
		delData = c.Sack.DeliveredData
		pipe = p.e.pipe(c)
	} else {
		// Without SACK each duplicate ACK stands for one delivered
		// segment, up to what could possibly be outstanding.
		if c.Sack.PRRDelivered < p.e.cfg.RexmtThresh*mss+int(c.SndUna.Size(c.SndRecover)) {
			delData = mss
		}
		pipe = max(0, int(c.flight())-c.DupAcks*mss)
	}
	c.Sack.PRRDelivered += delData

	ssthresh := int(c.SndSsthresh)
	var sndCnt int
	if pipe >= ssthresh {
		if c.Sack.RecoverFS == 0 {
			c.Sack.RecoverFS = max(1, int(c.SndUna.Size(c.SndNxt)))
		}
		sndCnt = ceilDiv(c.Sack.PRRDelivered*ssthresh, c.Sack.RecoverFS) - c.Sack.PRROut + mss - 1
	} else {
		// A new hole, or an ACK that delivered nothing, allows only what
		// has already been delivered to be sent (slow start reduction
		// bound); otherwise one extra segment is permitted.
		var limit int
		if p.sackChanged == SACKNewLoss || delData == 0 {
			limit = c.Sack.PRRDelivered - c.Sack.PRROut
		} else {
			limit = max(c.Sack.PRRDelivered-c.Sack.PRROut, delData) + mss
		}
		sndCnt = min(ssthresh-pipe, limit)
	}
	segs := max(sndCnt, 0) / mss

	cwnd := int(c.SndCwnd)
	switch {
	case c.Recovery.InFast() && p.sackRecovery():
		cwnd = pipe - delData + segs*mss
	case c.Recovery.InFast():
		cwnd = int(c.flight()) + segs*mss
	case c.Recovery.InCongestion():
		cwnd = pipe - delData + segs*mss
	}
	c.SndCwnd = uint32(max(mss, cwnd))
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
