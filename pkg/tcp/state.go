package tcp

// State is a connection's position in the RFC 793 state machine.
type State int

// Connection states, ordered so that comparisons mirror the classic
// TCPS_HAVEESTABLISHED / TCPS_HAVERCVDFIN macros.
const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	CloseWait
	FinWait1
	Closing
	LastAck
	FinWait2
	TimeWait
)

var stateNames = [...]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynSent:     "SYN_SENT",
	SynReceived: "SYN_RECEIVED",
	Established: "ESTABLISHED",
	CloseWait:   "CLOSE_WAIT",
	FinWait1:    "FIN_WAIT_1",
	Closing:     "CLOSING",
	LastAck:     "LAST_ACK",
	FinWait2:    "FIN_WAIT_2",
	TimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// HaveEstablished reports whether the connection has completed the
// three-way handshake at some point.
func (s State) HaveEstablished() bool { return s >= Established }

// HaveReceivedFIN reports whether the peer's FIN has been processed.
func (s State) HaveReceivedFIN() bool {
	return s >= TimeWait || s == CloseWait || s == Closing || s == LastAck
}

// synchronized reports whether sequence numbers are synchronized in both
// directions.
func (s State) synchronized() bool { return s >= Established }
