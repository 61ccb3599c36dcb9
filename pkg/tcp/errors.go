package tcp

import (
	"fmt"
	"syscall"
)

// Errors reported to the lifecycle collaborator when a connection dies.
// They wrap the matching errno so callers can test with errors.Is against
// either value.
var (
	ErrConnReset   = fmt.Errorf("tcp: connection reset by peer: %w", syscall.ECONNRESET)
	ErrConnRefused = fmt.Errorf("tcp: connection refused: %w", syscall.ECONNREFUSED)
	ErrTimedOut    = fmt.Errorf("tcp: connection timed out: %w", syscall.ETIMEDOUT)
)

// Reason explains why a segment was dropped or answered with a reset.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPAWS
	ReasonBadRST
	ReasonBadSYN
	ReasonGhostAck
	ReasonAckTooMuch
	ReasonAfterWindow
	ReasonBadAck
	ReasonClosed
	ReasonMissingTS
	ReasonDataAfterClose
	ReasonNoACK
	ReasonRST
	ReasonSeqBeforeIRS
	ReasonDuplicate
	ReasonNoSYN
	ReasonRefused
	ReasonTimeWait
)

var reasonNames = [...]string{
	ReasonNone:           "none",
	ReasonPAWS:           "paws",
	ReasonBadRST:         "bad-rst",
	ReasonBadSYN:         "bad-syn",
	ReasonGhostAck:       "ghost-ack",
	ReasonAckTooMuch:     "ack-too-much",
	ReasonAfterWindow:    "after-window",
	ReasonBadAck:         "bad-ack",
	ReasonClosed:         "closed",
	ReasonMissingTS:      "missing-timestamp",
	ReasonDataAfterClose: "data-after-close",
	ReasonNoACK:          "no-ack",
	ReasonRST:            "rst",
	ReasonSeqBeforeIRS:   "seq-before-irs",
	ReasonDuplicate:      "duplicate",
	ReasonNoSYN:          "no-syn",
	ReasonRefused:        "refused",
	ReasonTimeWait:       "time-wait",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("reason(%d)", int(r))
	}
	return reasonNames[r]
}
