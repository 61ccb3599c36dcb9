package harness

import (
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// oooSegment is a run of out-of-order bytes starting at seq.
type oooSegment struct {
	seq  seqnum.Value
	data []byte
}

func (s *oooSegment) end() seqnum.Value { return s.seq.Add(seqnum.Size(len(s.data))) }

// reassembly keeps future segments sorted by sequence number, merging
// overlapping and adjacent runs.
type reassembly struct {
	segs   []oooSegment
	bytes  int
	limit  int
	fin    bool
	finSeq seqnum.Value
	// dropped counts queue flushes caused by exceeding limit.
	dropped int
}

func (r *reassembly) empty() bool { return len(r.segs) == 0 && !r.fin }

// insert queues payload at seq. Bytes already queued are kept; new bytes
// fill the gaps.
func (r *reassembly) insert(seq seqnum.Value, payload []byte) {
	if len(payload) == 0 {
		return
	}
	cp := append([]byte(nil), payload...)
	end := seq.Add(seqnum.Size(len(cp)))
	inserted := false
	for i := 0; i < len(r.segs); i++ {
		s := &r.segs[i]
		if end.LessThan(s.seq) {
			r.segs = append(r.segs[:i], append([]oooSegment{{seq: seq, data: cp}}, r.segs[i:]...)...)
			inserted = true
			break
		}
		if seq.LessThanEq(s.end()) && s.seq.LessThanEq(end) {
			start := minSeq(seq, s.seq)
			stop := maxSeq(end, s.end())
			merged := make([]byte, int(start.Size(stop)))
			copy(merged[start.Size(seq):], cp)
			copy(merged[start.Size(s.seq):], s.data)
			s.seq = start
			s.data = merged
			// Absorb following runs the merged one now reaches.
			j := i + 1
			for j < len(r.segs) {
				ns := r.segs[j]
				if s.end().LessThan(ns.seq) {
					break
				}
				newEnd := maxSeq(s.end(), ns.end())
				if int(s.seq.Size(newEnd)) > len(s.data) {
					grow := make([]byte, int(s.seq.Size(newEnd)))
					copy(grow, s.data)
					s.data = grow
				}
				copy(s.data[s.seq.Size(ns.seq):], ns.data)
				r.segs = append(r.segs[:j], r.segs[j+1:]...)
			}
			inserted = true
			break
		}
	}
	if !inserted {
		r.segs = append(r.segs, oooSegment{seq: seq, data: cp})
	}
	r.bytes = 0
	for _, s := range r.segs {
		r.bytes += len(s.data)
	}
	if r.limit > 0 && r.bytes > r.limit {
		r.segs = nil
		r.bytes = 0
		r.dropped++
	}
}

// drain removes the bytes contiguous with next and returns them, along
// with whether a queued FIN directly follows.
func (r *reassembly) drain(next seqnum.Value) ([]byte, bool) {
	var out []byte
	for len(r.segs) > 0 {
		s := r.segs[0]
		if next.LessThan(s.seq) {
			break
		}
		if next.LessThan(s.end()) {
			out = append(out, s.data[s.seq.Size(next):]...)
			next = s.end()
		}
		r.segs = r.segs[1:]
		r.bytes -= len(s.data)
	}
	fin := r.fin && r.finSeq == next
	if fin {
		r.fin = false
	}
	return out, fin
}

func minSeq(a, b seqnum.Value) seqnum.Value {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxSeq(a, b seqnum.Value) seqnum.Value {
	if a.LessThan(b) {
		return b
	}
	return a
}
