package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/irctrakz/tcpin/pkg/core"
)

// scaleWindow converts the raw window field. Windows on SYN segments are
// never scaled.
func (p *pass) scaleWindow() {
	w := uint32(p.seg.Window)
	if !p.has(header.TCPFlagSyn) {
		w <<= p.c.SndScale
	}
	p.tiwin = w
}

// updateReceiveWindow recomputes rcv_wnd from the buffer space, never
// retracting the right edge already promised in rcv_adv.
func (e *Engine) updateReceiveWindow(c *Conn) {
	win := max(e.sock.Space(c), 0)
	promised := 0
	if c.RcvNxt.LessThan(c.RcvAdv) {
		promised = int(c.RcvNxt.Size(c.RcvAdv))
	}
	if !e.cfg.AllowWindowShrink {
		win = max(win, promised)
	}
	c.RcvWnd = uint32(win)
}

// updateSendWindow applies the peer's window if the segment is newer than
// the one that last updated it. It reports whether output may now be able
// to proceed.
func (p *pass) updateSendWindow() bool {
	c := p.c
	if !p.has(header.TCPFlagAck) {
		return false
	}
	newer := c.SndWL1.LessThan(p.seq) ||
		(c.SndWL1 == p.seq && (c.SndWL2.LessThan(p.ack) ||
			(c.SndWL2 == p.ack && p.tiwin > c.SndWnd)))
	if !newer {
		return false
	}
	if p.tlen() == 0 && c.SndWL2 == p.ack && p.tiwin > c.SndWnd {
		p.e.stats.Inc(core.RcvWinUpd)
	}
	c.SndWnd = p.tiwin
	c.SndWL1 = p.seq
	c.SndWL2 = p.ack
	if c.SndWnd > c.MaxSndWnd {
		c.MaxSndWnd = c.SndWnd
	}
	return true
}
