package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// SocketBuffer is the socket layer seen from the engine: the receive stream
// with its reassembly queue and the send stream's accounting.
type SocketBuffer interface {
	// Space is the free room in the receive buffer, in bytes.
	Space(c *Conn) int
	// SendBuffered is the number of bytes held in the send buffer, sent or not.
	SendBuffered(c *Conn) int
	// Append delivers in-order payload to the receive stream.
	Append(c *Conn, payload []byte)
	// Reassemble queues out-of-order payload at seq. It returns how many
	// bytes became deliverable in order from rcv_nxt, and whether a queued
	// FIN was reached.
	Reassemble(c *Conn, seq seqnum.Value, payload []byte, fin bool) (advance int, gotFin bool)
	// ReassemblyEmpty reports that no out-of-order data is queued.
	ReassemblyEmpty(c *Conn) bool
	// Release drops n acknowledged bytes from the front of the send buffer.
	Release(c *Conn, n int)
	WakeReaders(c *Conn)
	WakeWriters(c *Conn)
	// CantRcvMore marks the receive side as finished.
	CantRcvMore(c *Conn)
	// Connected announces the connection as established.
	Connected(c *Conn)
}

// SACKChange classifies what an ACK's SACK blocks did to the scoreboard.
type SACKChange int

const (
	SACKUnchanged SACKChange = iota
	SACKChanged
	SACKNewLoss
)

// SACKUpdate is the scoreboard summary returned after folding in an ACK.
type SACKUpdate struct {
	Change        SACKChange
	SackedBytes   int
	DeliveredData int
	Fack          seqnum.Value
}

// Scoreboard owns the SACK block structures of the send side.
type Scoreboard interface {
	// Update folds the blocks carried by an ACK for ack into the scoreboard.
	Update(c *Conn, ack seqnum.Value, blocks []header.SACKBlock) SACKUpdate
	// Empty reports that no holes are being tracked.
	Empty(c *Conn) bool
	// ReportDuplicate records [start, end) as duplicate data for the next
	// outgoing DSACK block.
	ReportDuplicate(c *Conn, start, end seqnum.Value)
	// ResendHoles asks for the holes below snd_recover to be retransmitted.
	ResendHoles(c *Conn)
}

// PipeEstimator may be implemented by a Scoreboard that keeps a more
// accurate estimate of bytes in flight than the engine's default.
type PipeEstimator interface {
	Pipe(c *Conn) int
}

// TimerKind names one of the connection timers.
type TimerKind int

const (
	TimerRexmt TimerKind = iota
	TimerPersist
	TimerDelAck
	TimerKeep
	Timer2MSL
)

func (k TimerKind) String() string {
	switch k {
	case TimerRexmt:
		return "rexmt"
	case TimerPersist:
		return "persist"
	case TimerDelAck:
		return "delack"
	case TimerKeep:
		return "keep"
	case Timer2MSL:
		return "2msl"
	}
	return "unknown"
}

// Timers arms and cancels connection timers. The engine never waits on one.
type Timers interface {
	Arm(c *Conn, kind TimerKind, ticks uint32)
	Cancel(c *Conn, kind TimerKind)
	Active(c *Conn, kind TimerKind) bool
}

// Output is the transmit path. SendNow carries no description of what to
// send; the transmit path decides from snd_nxt, snd_cwnd and snd_wnd and is
// expected to clear AckNow and update last_ack_sent and rcv_adv.
type Output interface {
	SendNow(c *Conn)
	// Retransmit resends the segment starting at seq.
	Retransmit(c *Conn, seq seqnum.Value)
	// SendReset answers seg with a RST.
	SendReset(c *Conn, seg *Segment, reason Reason)
	// SendChallengeAck sends an ACK for rcv_nxt regardless of other state.
	SendChallengeAck(c *Conn)
}

// Lifecycle owns connection teardown.
type Lifecycle interface {
	ReportError(c *Conn, err error)
	// Teardown releases the connection. The engine does not touch c after
	// calling it.
	Teardown(c *Conn)
	EnterTimeWait(c *Conn)
}

// Collaborators bundles the engine's external dependencies.
type Collaborators struct {
	Socket     SocketBuffer
	Scoreboard Scoreboard
	Timers     Timers
	Output     Output
	Lifecycle  Lifecycle
}
