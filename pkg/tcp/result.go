package tcp

// Action is what the engine did with a segment.
type Action int

const (
	// Accepted means the segment was processed.
	Accepted Action = iota
	// Dropped means the segment was discarded without a response.
	Dropped
	// DroppedWithAck means the segment was discarded and an ACK requested.
	DroppedWithAck
	// DroppedWithReset means the segment was answered with a RST.
	DroppedWithReset
	// ConnClosed means the connection was torn down; the control block
	// must not be used again.
	ConnClosed
	// EnteredTimeWait means the connection moved to TIME_WAIT.
	EnteredTimeWait
)

var actionNames = [...]string{
	Accepted:         "accepted",
	Dropped:          "dropped",
	DroppedWithAck:   "dropped-with-ack",
	DroppedWithReset: "dropped-with-reset",
	ConnClosed:       "closed",
	EnteredTimeWait:  "time-wait",
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// Result reports the outcome of one engine call.
type Result struct {
	Action Action
	Reason Reason
	// State is the connection state after the call.
	State State
}

// verdict is the outcome of one processing phase.
type verdict int

const (
	cont verdict = iota
	dropSilently
	dropWithAck
	dropWithReset
	transitionTo
	closed
	done
)

// result is returned by each phase and consumed by the driver, which
// performs the verdict's side effect exactly once.
type result struct {
	v      verdict
	reason Reason
	state  State
	rst    bool // closed: answer the segment with a RST
}

var resContinue = result{v: cont}

func drop(r Reason) result      { return result{v: dropSilently, reason: r} }
func dropAck(r Reason) result   { return result{v: dropWithAck, reason: r} }
func dropReset(r Reason) result { return result{v: dropWithReset, reason: r} }
func moveTo(s State) result     { return result{v: transitionTo, state: s} }
func resClosed(r Reason) result { return result{v: closed, reason: r} }

func resClosedReset(r Reason) result { return result{v: closed, reason: r, rst: true} }

// stop reports whether the phase ended processing of the segment.
func (r result) stop() bool { return r.v != cont }
