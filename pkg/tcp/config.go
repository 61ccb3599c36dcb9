package tcp

import "github.com/irctrakz/tcpin/pkg/core"

// DefaultMSS is used when a connection is created without one.
const DefaultMSS = 1460

// Config holds the engine tunables. An Engine copies it at construction and
// never modifies it afterwards. All times are in ticks.
type Config struct {
	// InitialWindowSegments is N in min(N*MSS, max(2*MSS, N*1460)).
	InitialWindowSegments int
	// RexmtThresh is the duplicate ACK count that triggers fast retransmit.
	RexmtThresh int

	RTOMin     uint32
	RTOMax     uint32
	RTOInitial uint32
	// RTTInvalidate is the backoff count past which a new RTT sample
	// reseeds the estimator instead of being smoothed in.
	RTTInvalidate int
	// MaxRxtShift is the retransmission budget before the connection is
	// dropped with ErrTimedOut.
	MaxRxtShift int

	// PAWSIdle is how long ts_recent stays valid without being refreshed.
	PAWSIdle uint32

	DelayedAck     bool
	DelayedAckTime uint32

	// MSL is the maximum segment lifetime; TIME_WAIT lasts 2*MSL.
	MSL uint32
	// FinWait2Timeout bounds FIN_WAIT_2 once the receive side is shut.
	FinWait2Timeout uint32
	KeepIdle        uint32

	SACK            bool
	SACKTrigger     bool // enter recovery on sacked bytes alone
	PRR             bool
	LimitedTransmit bool
	ABC             bool
	ABCLVar         int
	ECN             bool

	InsecureRST bool
	InsecureSYN bool
	InsecureACK bool

	// ChallengeAckLimit challenge ACKs may be sent per ChallengeAckWindow.
	ChallengeAckLimit  int
	ChallengeAckWindow uint32

	TolerateMissingTS       bool
	AllowWindowShrink       bool
	DisableHeaderPrediction bool

	// CongestionControl names the algorithm given to connections that do
	// not already carry one.
	CongestionControl string
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		InitialWindowSegments: 10,
		RexmtThresh:           3,
		RTOMin:                30,
		RTOMax:                64 * core.HZ,
		RTOInitial:            core.HZ,
		RTTInvalidate:         3,
		MaxRxtShift:           12,
		PAWSIdle:              24 * 24 * 60 * 60 * core.HZ,
		DelayedAck:            true,
		DelayedAckTime:        core.HZ / 10,
		MSL:                   30 * core.HZ,
		FinWait2Timeout:       60 * core.HZ,
		KeepIdle:              2 * 60 * 60 * core.HZ,
		SACK:                  true,
		SACKTrigger:           true,
		PRR:                   true,
		LimitedTransmit:       true,
		ABC:                   true,
		ABCLVar:               2,
		ECN:                   true,
		ChallengeAckLimit:     5,
		ChallengeAckWindow:    core.HZ,
		CongestionControl:     "newreno",
	}
}

// withDefaults fills zero numeric fields from DefaultConfig so a partially
// populated Config is still usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialWindowSegments <= 0 {
		c.InitialWindowSegments = d.InitialWindowSegments
	}
	if c.RexmtThresh <= 0 {
		c.RexmtThresh = d.RexmtThresh
	}
	if c.RTOMin == 0 {
		c.RTOMin = d.RTOMin
	}
	if c.RTOMax == 0 {
		c.RTOMax = d.RTOMax
	}
	if c.RTOInitial == 0 {
		c.RTOInitial = d.RTOInitial
	}
	if c.RTTInvalidate <= 0 {
		c.RTTInvalidate = d.RTTInvalidate
	}
	if c.MaxRxtShift <= 0 {
		c.MaxRxtShift = d.MaxRxtShift
	}
	if c.PAWSIdle == 0 {
		c.PAWSIdle = d.PAWSIdle
	}
	if c.DelayedAckTime == 0 {
		c.DelayedAckTime = d.DelayedAckTime
	}
	if c.MSL == 0 {
		c.MSL = d.MSL
	}
	if c.FinWait2Timeout == 0 {
		c.FinWait2Timeout = d.FinWait2Timeout
	}
	if c.KeepIdle == 0 {
		c.KeepIdle = d.KeepIdle
	}
	if c.ABCLVar <= 0 {
		c.ABCLVar = d.ABCLVar
	}
	if c.ChallengeAckLimit <= 0 {
		c.ChallengeAckLimit = d.ChallengeAckLimit
	}
	if c.ChallengeAckWindow == 0 {
		c.ChallengeAckWindow = d.ChallengeAckWindow
	}
	if c.CongestionControl == "" {
		c.CongestionControl = d.CongestionControl
	}
	return c
}

// InitialWindow returns the initial congestion window for mss following
// RFC 3390 and RFC 6928.
func (c *Config) InitialWindow(mss uint32) uint32 {
	n := uint32(c.InitialWindowSegments)
	return min(n*mss, max(2*mss, n*1460))
}
