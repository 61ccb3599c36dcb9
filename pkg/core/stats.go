package core

import "sync/atomic"

// Counter identifies one engine statistic.
type Counter int

// Engine statistics. Names follow the classic tcpstat vocabulary so dumps
// can be compared with netstat -s output.
const (
	RcvTotal Counter = iota
	RcvPack
	RcvByte
	RcvDupPack
	RcvDupByte
	RcvPartDupPack
	RcvPartDupByte
	RcvOOPack
	RcvOOByte
	RcvPackAfterWin
	RcvByteAfterWin
	RcvWinProbe
	RcvDupAck
	RcvAckTooMuch
	RcvAckPack
	RcvAckByte
	RcvWinUpd
	PAWSDrop
	PredAck
	PredDat
	BadRST
	BadSYN
	RcvGhostAck
	ChallengeAck
	ChallengeAckLimited
	Connects
	Drops
	ConnDrops
	Closed
	RTTUpdated
	SndRexmitBad
	SACKRecoveryEpisode
	ECNReduceCwnd
	RexmtTimeo
	TimeoutDrop
	DropWithReset
	MissingTS
	TimeWait
	DSACKReported

	numCounters
)

var counterNames = [numCounters]string{
	RcvTotal:            "rcvtotal",
	RcvPack:             "rcvpack",
	RcvByte:             "rcvbyte",
	RcvDupPack:          "rcvduppack",
	RcvDupByte:          "rcvdupbyte",
	RcvPartDupPack:      "rcvpartduppack",
	RcvPartDupByte:      "rcvpartdupbyte",
	RcvOOPack:           "rcvoopack",
	RcvOOByte:           "rcvoobyte",
	RcvPackAfterWin:     "rcvpackafterwin",
	RcvByteAfterWin:     "rcvbyteafterwin",
	RcvWinProbe:         "rcvwinprobe",
	RcvDupAck:           "rcvdupack",
	RcvAckTooMuch:       "rcvacktoomuch",
	RcvAckPack:          "rcvackpack",
	RcvAckByte:          "rcvackbyte",
	RcvWinUpd:           "rcvwinupd",
	PAWSDrop:            "pawsdrop",
	PredAck:             "predack",
	PredDat:             "preddat",
	BadRST:              "badrst",
	BadSYN:              "badsyn",
	RcvGhostAck:         "rcvghostack",
	ChallengeAck:        "challengeack",
	ChallengeAckLimited: "challengeack_limited",
	Connects:            "connects",
	Drops:               "drops",
	ConnDrops:           "conndrops",
	Closed:              "closed",
	RTTUpdated:          "rttupdated",
	SndRexmitBad:        "sndrexmitbad",
	SACKRecoveryEpisode: "sack_recovery_episode",
	ECNReduceCwnd:       "ecn_rcwnd",
	RexmtTimeo:          "rexmttimeo",
	TimeoutDrop:         "timeoutdrop",
	DropWithReset:       "dropwithreset",
	MissingTS:           "missing_ts",
	TimeWait:            "timewait",
	DSACKReported:       "dsack_reported",
}

// String returns the counter's export name.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters lists every defined counter in declaration order.
func Counters() []Counter {
	out := make([]Counter, 0, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		out = append(out, c)
	}
	return out
}

// Stats holds engine-wide counters. The zero value is ready to use and a
// nil *Stats discards updates.
type Stats struct {
	c [numCounters]uint64
}

// Inc increments c by one.
func (s *Stats) Inc(c Counter) {
	if s == nil {
		return
	}
	atomic.AddUint64(&s.c[c], 1)
}

// Add increments c by n.
func (s *Stats) Add(c Counter, n uint64) {
	if s == nil || n == 0 {
		return
	}
	atomic.AddUint64(&s.c[c], n)
}

// Load returns the current value of c.
func (s *Stats) Load(c Counter) uint64 {
	if s == nil {
		return 0
	}
	return atomic.LoadUint64(&s.c[c])
}

// Snapshot copies every counter into a map keyed by export name.
func (s *Stats) Snapshot() map[string]uint64 {
	m := make(map[string]uint64, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		m[counterNames[c]] = s.Load(c)
	}
	return m
}
