package tcp

import (
	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
)

// Shutdown closes the send side of c on behalf of the application. A
// connection that never synchronized is closed outright; otherwise a FIN is
// queued and the transmit path is asked to send it.
func (e *Engine) Shutdown(c *Conn) Result {
	c.Lock()
	defer c.Unlock()

	switch c.State {
	case Closed, Listen, SynSent:
		e.close(c, nil)
		e.stats.Inc(core.Closed)
		e.life.Teardown(c)
		return Result{Action: ConnClosed, State: Closed}
	case SynReceived:
		// The FIN goes out once the handshake completes.
		c.Flags.NeedFin = true
		return Result{Action: Accepted, State: c.State}
	case Established:
		e.changeState(c, FinWait1)
	case CloseWait:
		e.changeState(c, LastAck)
	default:
		return Result{Action: Accepted, State: c.State}
	}
	logging.ForConn(c.ID).Debugf("shutdown, now %s", c.State)
	e.out.SendNow(c)
	return Result{Action: Accepted, State: c.State}
}
