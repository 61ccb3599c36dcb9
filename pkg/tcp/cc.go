package tcp

import (
	"sort"
	"strings"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
)

// AckEvent distinguishes ACKs that advanced snd_una from duplicates.
type AckEvent int

const (
	AckNew AckEvent = iota
	AckDup
)

// AckInfo describes one ACK to the congestion control algorithm.
type AckInfo struct {
	BytesThisAck int
	NSegs        int
	// CwndLimited is set when the congestion window, not the peer's
	// window, is what limits sending.
	CwndLimited bool
	// SentAWnd is set when a full window has been acknowledged since the
	// last congestion avoidance increase.
	SentAWnd bool
}

// Signal is a congestion event.
type Signal int

const (
	SignalDupAckLoss Signal = iota
	SignalECN
	SignalRTO
	SignalRTOSpurious
)

func (s Signal) String() string {
	switch s {
	case SignalDupAckLoss:
		return "dupack-loss"
	case SignalECN:
		return "ecn"
	case SignalRTO:
		return "rto"
	case SignalRTOSpurious:
		return "rto-spurious"
	}
	return "unknown"
}

// CongestionControl is a pluggable congestion control algorithm. The engine
// does the generic bookkeeping around each hook; algorithms only adjust
// snd_cwnd, snd_ssthresh and the recovery state.
type CongestionControl interface {
	Name() string
	OnConnectionInit(c *Conn)
	OnAckReceived(c *Conn, ev AckEvent, info AckInfo)
	OnCongestionSignal(c *Conn, sig Signal, ack seqnum.Value)
	OnPostRecovery(c *Conn, ack seqnum.Value)
}

// Factory builds a fresh algorithm instance for one connection.
type Factory func(cfg *Config) CongestionControl

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an algorithm available under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Algorithms lists the registered algorithm names.
func Algorithms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// KnownCongestionControl reports whether name is registered.
func KnownCongestionControl(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// NewCongestionControl constructs the algorithm registered as name, falling
// back to NewReno for unknown names.
func NewCongestionControl(name string, cfg *Config) CongestionControl {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	registryMu.RUnlock()
	if !ok {
		if name != "" {
			logging.Warnf("tcp: unknown congestion control %q, using newreno", name)
		}
		return newNewReno(cfg, newRenoBeta, newRenoBeta)
	}
	return f(cfg)
}

// ccFor returns c's algorithm, attaching the configured default first.
func (e *Engine) ccFor(c *Conn) CongestionControl {
	if c.CC == nil {
		c.CC = NewCongestionControl(e.cfg.CongestionControl, &e.cfg)
	}
	return c.CC
}

// ccConnInit sets the initial window once the handshake completes.
func (e *Engine) ccConnInit(c *Conn) {
	if c.Flags.LostSYN {
		c.SndCwnd = c.MSS
	} else {
		c.SndCwnd = e.cfg.InitialWindow(c.MSS)
	}
	e.ccFor(c).OnConnectionInit(c)
}

// ccAckReceived does the byte counting for an ACK and hands it to the
// algorithm.
func (e *Engine) ccAckReceived(c *Conn, ack seqnum.Value, nsegs int, ev AckEvent) {
	info := AckInfo{
		BytesThisAck: int(c.SndUna.Size(ack)),
		NSegs:        nsegs,
		CwndLimited:  c.SndCwnd <= c.SndWnd,
	}
	if ev == AckDup {
		info.BytesThisAck = 0
	}
	if ev == AckNew {
		if c.SndCwnd > c.SndSsthresh {
			c.BytesAcked += uint32(info.BytesThisAck)
			if c.BytesAcked >= c.SndCwnd {
				c.BytesAcked -= c.SndCwnd
				info.SentAWnd = true
			}
		} else {
			c.BytesAcked = 0
		}
	}
	e.ccFor(c).OnAckReceived(c, ev, info)
}

// ccCongSignal applies the generic part of a congestion event and then lets
// the algorithm reduce its window.
func (e *Engine) ccCongSignal(c *Conn, sig Signal, ack seqnum.Value) {
	switch sig {
	case SignalDupAckLoss:
		if !c.Recovery.InFast() {
			c.SndRecover = c.SndMax
			if c.Flags.ECNPermit {
				c.Flags.SendCWR = true
			}
		}
	case SignalECN:
		if !c.Recovery.InCongestion() || c.SndRecover.LessThanEq(ack) {
			c.Recovery = RecoveryNone
			e.stats.Inc(core.ECNReduceCwnd)
			c.SndRecover = c.SndMax + 1
			if c.Flags.ECNPermit {
				c.Flags.SendCWR = true
			}
		}
	case SignalRTO:
		c.DupAcks = 0
		c.BytesAcked = 0
		c.Recovery = RecoveryNone
		c.Sack.SackBytesRexmit = 0
		c.SndNxt = c.SndMax
		if c.Flags.ECNPermit {
			c.Flags.SendCWR = true
		}
	case SignalRTOSpurious:
		e.stats.Inc(core.SndRexmitBad)
		c.SndCwnd = c.Prev.Cwnd
		c.SndSsthresh = c.Prev.Ssthresh
		c.SndRecover = c.Prev.Recover
		c.Recovery = c.Prev.Recovery
		c.SndNxt = c.SndMax
		c.Flags.PrevValid = false
		c.BadRxtWin = 0
	}
	if logging.DebugEnabled() {
		logging.ForConn(c.ID).WithField("signal", sig.String()).Debugf("congestion signal cwnd=%d ssthresh=%d", c.SndCwnd, c.SndSsthresh)
	}
	e.ccFor(c).OnCongestionSignal(c, sig, ack)
}

// ccPostRecovery ends a recovery episode.
func (e *Engine) ccPostRecovery(c *Conn, ack seqnum.Value) {
	e.ccFor(c).OnPostRecovery(c, ack)
	c.BytesAcked = 0
	c.Sack.DeliveredData = 0
	c.Sack.PRRDelivered = 0
	c.Sack.PRROut = 0
	c.Sack.SackBytesRexmit = 0
}

// pipe estimates the bytes in flight during SACK recovery.
func (e *Engine) pipe(c *Conn) int {
	if pe, ok := e.sack.(PipeEstimator); ok {
		return pe.Pipe(c)
	}
	return int(c.flight()) + c.Sack.SackBytesRexmit - c.Sack.SackedBytes
}
