package harness

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/tcp"
)

// scoreboard is the sender's record of SACKed ranges above snd_una,
// sorted and non-overlapping.
type scoreboard struct {
	blocks []header.SACKBlock
}

func (s *scoreboard) sacked() int {
	n := 0
	for _, b := range s.blocks {
		n += int(b.Start.Size(b.End))
	}
	return n
}

func (s *scoreboard) fack(ack seqnum.Value) seqnum.Value {
	if len(s.blocks) == 0 {
		return ack
	}
	return maxSeq(ack, s.blocks[len(s.blocks)-1].End)
}

// update trims the scoreboard to ack, merges the valid blocks reported by
// the peer and reports what changed. Blocks at or below ack (D-SACK) or
// beyond sndMax are ignored.
func (s *scoreboard) update(ack, sndUna, sndMax seqnum.Value, blocks []header.SACKBlock) tcp.SACKUpdate {
	oldSacked := s.sacked()
	oldFack := s.fack(sndUna)
	oldCount := len(s.blocks)

	all := make([]header.SACKBlock, 0, len(s.blocks)+len(blocks))
	for _, b := range s.blocks {
		if ack.LessThan(b.End) {
			b.Start = maxSeq(b.Start, ack)
			all = append(all, b)
		}
	}
	var added []header.SACKBlock
	for _, b := range blocks {
		if !b.Start.LessThan(b.End) || !ack.LessThan(b.Start) || sndMax.LessThan(b.End) {
			continue
		}
		all = append(all, b)
		added = append(added, b)
	}

	// sort by start (insertion sort, few blocks)
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Start.LessThan(all[j-1].Start); j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}
	merged := make([]header.SACKBlock, 0, len(all))
	for _, b := range all {
		if n := len(merged); n == 0 || merged[n-1].End.LessThan(b.Start) {
			merged = append(merged, b)
		} else if merged[n-1].End.LessThan(b.End) {
			merged[n-1].End = b.End
		}
	}
	s.blocks = merged

	u := tcp.SACKUpdate{
		SackedBytes: s.sacked(),
		Fack:        s.fack(ack),
	}
	cumAcked := 0
	if sndUna.LessThan(ack) {
		cumAcked = int(sndUna.Size(ack))
	}
	// Bytes that left the SACKed set because the cumulative ACK covered
	// them were already counted as delivered.
	u.DeliveredData = max(0, cumAcked+u.SackedBytes-oldSacked)
	if len(added) == 0 {
		return u
	}
	u.Change = tcp.SACKChanged
	if u.SackedBytes == oldSacked && len(s.blocks) == oldCount {
		u.Change = tcp.SACKUnchanged
	}
	for _, b := range added {
		// A block starting above everything seen before opens a new hole.
		if oldFack.LessThan(b.Start) {
			u.Change = tcp.SACKNewLoss
			break
		}
	}
	return u
}

// nextHole returns the first unSACKed range at or above from, limited to
// max bytes, and whether such a range lies below the highest SACKed byte.
func (s *scoreboard) nextHole(from seqnum.Value, limit int) (seqnum.Value, int, bool) {
	for _, b := range s.blocks {
		if from.LessThan(b.Start) {
			return from, min(int(from.Size(b.Start)), limit), true
		}
		if from.LessThan(b.End) {
			from = b.End
		}
	}
	return from, 0, false
}

// covered reports whether [start, end) is entirely SACKed.
func (s *scoreboard) covered(start, end seqnum.Value) bool {
	for _, b := range s.blocks {
		if b.Start.LessThanEq(start) && end.LessThanEq(b.End) {
			return true
		}
	}
	return false
}
