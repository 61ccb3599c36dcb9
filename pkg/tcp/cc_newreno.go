package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Multiplicative decrease factors, in percent.
const (
	newRenoBeta = 50
	abeBetaECN  = 80
)

func init() {
	Register("newreno", func(cfg *Config) CongestionControl { return newNewReno(cfg, newRenoBeta, newRenoBeta) })
	Register("reno", func(cfg *Config) CongestionControl { return newNewReno(cfg, newRenoBeta, newRenoBeta) })
	// Alternative Backoff with ECN (RFC 8511): back off less on an ECN mark
	// than on loss.
	Register("abe", func(cfg *Config) CongestionControl { return newNewReno(cfg, newRenoBeta, abeBetaECN) })
}

// --- NewReno ---

type newReno struct {
	abc     bool
	abcLVar int
	beta    uint32 // percent, loss
	betaECN uint32 // percent, ECN
	name    string
}

func newNewReno(cfg *Config, beta, betaECN uint32) *newReno {
	n := &newReno{abc: true, abcLVar: 2, beta: beta, betaECN: betaECN, name: "newreno"}
	if betaECN != beta {
		n.name = "abe"
	}
	if cfg != nil {
		n.abc = cfg.ABC
		if cfg.ABCLVar > 0 {
			n.abcLVar = cfg.ABCLVar
		}
	}
	return n
}

func (n *newReno) Name() string { return n.name }

func (n *newReno) OnConnectionInit(*Conn) {}

// OnAckReceived opens the window on ACKs for new data while the connection
// is not recovering and cwnd is what limits sending.
//
// slow start, ABC:        cwnd += min(acked, abc_l_var * nsegs * mss)
// slow start, no ABC:     cwnd += mss
// cong. avoidance, ABC:   cwnd += mss once per cwnd of acked bytes
// cong. avoidance, no ABC: cwnd += max(mss*mss/cwnd, 1)
func (n *newReno) OnAckReceived(c *Conn, ev AckEvent, info AckInfo) {
	if ev != AckNew || c.Recovery.InCongestion() || !info.CwndLimited {
		return
	}
	cw := c.SndCwnd
	mss := c.MSS
	incr := mss
	if cw > c.SndSsthresh {
		if n.abc {
			if !info.SentAWnd {
				incr = 0
			}
		} else {
			incr = max(mss*mss/cw, 1)
		}
	} else if n.abc {
		// After an RTO snd_nxt is pulled back below snd_max; slow start
		// must not grow faster than one segment per ACK then.
		limit := uint32(info.NSegs*n.abcLVar) * mss
		if c.SndNxt != c.SndMax {
			limit = mss
		}
		incr = min(uint32(info.BytesThisAck), limit)
	}
	if incr > 0 {
		c.SndCwnd = min(cw+incr, uint32(MaxWin)<<c.SndScale)
	}
}

func (n *newReno) OnCongestionSignal(c *Conn, sig Signal, _ seqnum.Value) {
	mss := c.MSS
	reduced := func(factor uint32) uint32 {
		segs := uint64(c.flight()) * uint64(factor) / (100 * uint64(mss))
		return uint32(max(segs, 2)) * mss
	}
	switch sig {
	case SignalDupAckLoss:
		if !c.Recovery.InFast() {
			if !c.Recovery.InCongestion() {
				c.SndSsthresh = reduced(n.beta)
			}
			c.Recovery = RecoveryFast
		}
	case SignalECN:
		if !c.Recovery.InCongestion() {
			w := reduced(n.betaECN)
			c.SndSsthresh = w
			c.SndCwnd = w
			c.Recovery = RecoveryCongestion
		}
	case SignalRTO:
		w := min(c.SndWnd, c.SndCwnd) / 2 / mss
		c.SndSsthresh = max(w, 2) * mss
		c.SndCwnd = mss
	}
}

// OnPostRecovery leaves fast recovery with roughly ssthresh in flight,
// slow starting from the actual pipe if it drained below that (RFC 6582).
func (n *newReno) OnPostRecovery(c *Conn, ack seqnum.Value) {
	if !c.Recovery.InFast() {
		return
	}
	pipe := uint32(ack.Size(c.SndMax))
	if pipe < c.SndSsthresh {
		c.SndCwnd = max(pipe, c.MSS) + c.MSS
	} else {
		c.SndCwnd = c.SndSsthresh
	}
}
