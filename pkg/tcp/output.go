package tcp

// delayAck reports whether in-sequence data of tlen bytes may be
// acknowledged by the delayed ACK timer instead of immediately.
func (e *Engine) delayAck(c *Conn, tlen int) bool {
	if e.timers.Active(c, TimerDelAck) || c.Flags.RxWin0Sent {
		return false
	}
	if tlen > int(c.MSS) {
		return false
	}
	return e.cfg.DelayedAck || c.Flags.NeedSyn
}

// finish hands the connection to the transmit path if anything must be
// sent now, and otherwise arms the delayed ACK timer when requested.
func (e *Engine) finish(c *Conn, needOutput bool) {
	if needOutput || c.Flags.AckNow {
		e.out.SendNow(c)
	}
	if c.Flags.DelAck {
		c.Flags.DelAck = false
		e.timers.Arm(c, TimerDelAck, e.cfg.DelayedAckTime)
	}
}
