package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// OptionSet records which options a segment carried.
type OptionSet uint8

const (
	OptMSS OptionSet = 1 << iota
	OptWindowScale
	OptSACKPermitted
	OptTimestamp
	OptSACK
	OptSignature
)

// Options is the parsed option record of a segment.
type Options struct {
	Has         OptionSet
	MSS         uint16
	WindowScale uint8
	TSVal       uint32
	TSEcr       uint32
	SACKBlocks  []header.SACKBlock
}

// Segment is one arriving TCP segment, already demultiplexed to its
// connection and stripped of IP framing.
type Segment struct {
	Seq     seqnum.Value
	Ack     seqnum.Value
	Window  uint16
	Flags   header.TCPFlags
	Urgent  uint16
	Payload []byte
	Options Options

	// CE is set when the IP header carried the Congestion Experienced mark.
	CE bool

	// NSegs is the number of wire segments coalesced into this one.
	NSegs int
}

func (s *Segment) has(f header.TCPFlags) bool { return s.Flags&f != 0 }

func (o *Options) has(f OptionSet) bool { return o.Has&f != 0 }

// Len returns the sequence space the segment occupies.
func (s *Segment) Len() seqnum.Size {
	n := seqnum.Size(len(s.Payload))
	if s.has(header.TCPFlagSyn) {
		n++
	}
	if s.has(header.TCPFlagFin) {
		n++
	}
	return n
}

// End returns the sequence number following the segment.
func (s *Segment) End() seqnum.Value { return s.Seq.Add(s.Len()) }

func (s *Segment) nsegs() int {
	if s.NSegs < 1 {
		return 1
	}
	return s.NSegs
}
