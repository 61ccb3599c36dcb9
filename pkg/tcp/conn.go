// Package tcp implements the receive side of a TCP endpoint: the per-segment
// engine that validates an arriving segment against a connection's control
// block, advances sequence and acknowledgment state, drives RTT estimation
// and congestion control, and decides which output must follow.
//
// Storage, timers, the transmit path and connection lookup are supplied by
// the caller through the interfaces in collab.go.
package tcp

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Window limits.
const (
	MaxWin      = 65535
	MaxWinShift = 14
)

// RecoveryState records which loss episode, if any, is in progress. Fast
// recovery is entered on loss inferred from duplicate ACKs or SACK and
// implies a congestion window reduction; congestion recovery alone follows
// an ECN signal.
type RecoveryState uint8

const (
	RecoveryNone RecoveryState = iota
	RecoveryFast
	RecoveryCongestion
)

func (r RecoveryState) String() string {
	switch r {
	case RecoveryFast:
		return "fast"
	case RecoveryCongestion:
		return "congestion"
	default:
		return "none"
	}
}

// InFast reports fast recovery.
func (r RecoveryState) InFast() bool { return r == RecoveryFast }

// InCongestion reports any window reduction episode, fast recovery included.
func (r RecoveryState) InCongestion() bool { return r != RecoveryNone }

// ConnFlags holds the independent per-connection booleans.
type ConnFlags struct {
	AckNow     bool // send an ACK at the end of this call
	DelAck     bool // arm the delayed ACK timer at the end of this call
	NeedSyn    bool // half-synchronized, our SYN still needs an ACK
	NeedFin    bool // local close requested before establishment
	SackPermit bool

	ReqScale  bool
	RcvdScale bool
	ReqTstmp  bool
	RcvdTstmp bool

	PrevValid  bool // Prev holds the state saved at the first RTO
	RxWin0Sent bool // last advertised window was zero
	LostSYN    bool // SYN or SYN-ACK had to be retransmitted
	NoISSCheck bool // snd_una has left iss far enough behind to stop bounding ACKs by it

	ECNPermit bool
	SendECE   bool // echo ECE until the peer sends CWR
	SendCWR   bool // a CWR is owed to the peer

	CantRcvMore bool // receive side shut, no more data to the user
	NoFDRef     bool // the user has closed its handle
}

// SackHint carries the scoreboard summary the engine needs, plus PRR
// accounting for the current recovery episode.
type SackHint struct {
	SackedBytes     int
	DeliveredData   int
	SackBytesRexmit int
	PRRDelivered    int
	PRROut          int
	RecoverFS       int
	LastSackAck     seqnum.Value
}

// Undo is the congestion state saved at the first retransmission timeout,
// restored if the timeout proves spurious.
type Undo struct {
	Cwnd     uint32
	Ssthresh uint32
	Recover  seqnum.Value
	Recovery RecoveryState
}

// Conn is a connection control block.
type Conn struct {
	mu sync.Mutex

	ID    string
	State State

	// Send sequence space.
	ISS        seqnum.Value
	SndUna     seqnum.Value
	SndNxt     seqnum.Value
	SndMax     seqnum.Value
	SndWL1     seqnum.Value
	SndWL2     seqnum.Value
	SndRecover seqnum.Value
	SndFack    seqnum.Value

	SndWnd      uint32
	MaxSndWnd   uint32
	SndCwnd     uint32
	SndSsthresh uint32
	SndScale    uint8

	// Receive sequence space.
	IRS         seqnum.Value
	RcvNxt      seqnum.Value
	RcvAdv      seqnum.Value
	RcvUp       seqnum.Value
	LastAckSent seqnum.Value

	RcvWnd          uint32
	RcvScale        uint8
	RequestRcvScale uint8

	TSRecent    uint32
	TSRecentAge uint32
	TSOffset    uint32

	MSS uint32

	// Loss detection and recovery.
	DupAcks    int
	SndLimited int
	BytesAcked uint32
	Recovery   RecoveryState
	Sack       SackHint
	Prev       Undo
	RxtShift   int
	BadRxtWin  uint32

	// Round trip timing. SRTT is scaled by 8 and RTTVar by 4.
	SRTT       int32
	RTTVar     int32
	RxtCur     uint32
	RTTLow     uint32
	RTTTime    uint32
	RTTSeq     seqnum.Value
	RTTUpdated uint32
	SoftError  error

	StartTime uint32

	Flags ConnFlags

	// CC is the connection's congestion control algorithm.
	CC CongestionControl

	challenge *rate.Limiter
}

// NewConn returns a control block in SynSent or SynReceived with the
// sequence fields set consistently for that state. Option negotiation
// results (scaling, timestamps, SACK) are filled in by the caller.
func NewConn(id string, state State, iss, irs seqnum.Value, mss uint32) *Conn {
	if mss == 0 {
		mss = DefaultMSS
	}
	c := &Conn{
		ID:          id,
		State:       state,
		ISS:         iss,
		SndUna:      iss,
		SndNxt:      iss + 1,
		SndMax:      iss + 1,
		SndRecover:  iss,
		SndFack:     iss,
		SndCwnd:     mss,
		SndSsthresh: MaxWin << MaxWinShift,
		MSS:         mss,
	}
	if state == SynReceived {
		c.IRS = irs
		c.RcvNxt = irs + 1
		c.RcvAdv = c.RcvNxt
		c.RcvUp = c.RcvNxt
		c.LastAckSent = c.RcvNxt
		c.SndWL1 = irs
	}
	return c
}

// Lock acquires exclusive ownership of the control block. The engine takes
// it for every call; callers that inspect or seed fields concurrently with
// input must hold it too.
func (c *Conn) Lock() { c.mu.Lock() }

// Unlock releases ownership taken by Lock.
func (c *Conn) Unlock() { c.mu.Unlock() }

// flight is the number of bytes sent but not yet cumulatively acknowledged.
func (c *Conn) flight() uint32 { return uint32(c.SndUna.Size(c.SndMax)) }

// Check verifies the control block invariants that must hold between calls.
func (c *Conn) Check() error {
	if c.State == Closed || c.State == TimeWait {
		return nil
	}
	if c.SndNxt.LessThan(c.SndUna) {
		return fmt.Errorf("snd_nxt %d below snd_una %d", c.SndNxt, c.SndUna)
	}
	if c.SndMax.LessThan(c.SndNxt) {
		return fmt.Errorf("snd_max %d below snd_nxt %d", c.SndMax, c.SndNxt)
	}
	if c.SndCwnd < c.MSS {
		return fmt.Errorf("cwnd %d below one segment (%d)", c.SndCwnd, c.MSS)
	}
	if c.SndSsthresh < 2*c.MSS {
		return fmt.Errorf("ssthresh %d below two segments (%d)", c.SndSsthresh, 2*c.MSS)
	}
	return nil
}
