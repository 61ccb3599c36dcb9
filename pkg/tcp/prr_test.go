package tcp

import (
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// stubBoard is a scoreboard that only answers Empty, optionally with its
// own pipe estimate.
type stubBoard struct {
	empty bool
	pipe  int
}

func (b *stubBoard) Update(*Conn, seqnum.Value, []header.SACKBlock) SACKUpdate {
	return SACKUpdate{}
}

func (b *stubBoard) Empty(*Conn) bool { return b.empty }
func (b *stubBoard) ReportDuplicate(*Conn, seqnum.Value, seqnum.Value) {}
func (b *stubBoard) ResendHoles(*Conn) {}

type pipeBoard struct{ stubBoard }

func (b *pipeBoard) Pipe(*Conn) int { return b.pipe }

func prrConn() *Conn {
	c := NewConn("prr", Established, 0, 0, 1000)
	c.SndUna = 1000
	c.SndNxt = 11000
	c.SndMax = 11000
	c.SndRecover = 11000
	c.Recovery = RecoveryFast
	c.Sack.RecoverFS = 10000
	return c
}

func TestPRRWithoutSACK(t *testing.T) {
	e := newBareEngine(Collaborators{Scoreboard: &stubBoard{empty: true}})
	c := prrConn()
	c.SndSsthresh = 5000
	c.DupAcks = 3
	c.Sack.PRRDelivered = 3000

	p := &pass{e: e, c: c}
	p.doPRRAck()
	// pipe 7000 >= ssthresh: ceil(4000*5000/10000) + mss - 1 = 2999, two segments.
	if c.Sack.PRRDelivered != 4000 {
		t.Fatalf("delivered=%d", c.Sack.PRRDelivered)
	}
	if c.SndCwnd != 12000 {
		t.Fatalf("cwnd=%d", c.SndCwnd)
	}
}

func TestPRRWithSACK(t *testing.T) {
	cases := []struct {
		name    string
		change  SACKChange
		prrOut  int
		wantCwd uint32
	}{
		{"changed", SACKChanged, 6500, 5000},
		// A new hole falls back to the slow start reduction bound.
		{"new loss", SACKNewLoss, 6500, 4000},
		{"room left", SACKNewLoss, 2000, 5000},
	}
	for _, tc := range cases {
		e := newBareEngine(Collaborators{Scoreboard: &stubBoard{}})
		c := prrConn()
		c.Flags.SackPermit = true
		c.SndSsthresh = 6000
		c.Sack.SackedBytes = 6000
		c.Sack.SackBytesRexmit = 1000
		c.Sack.DeliveredData = 1000
		c.Sack.PRRDelivered = 6000
		c.Sack.PRROut = tc.prrOut

		p := &pass{e: e, c: c, sackChanged: tc.change, to: Options{Has: OptSACK}}
		p.doPRRAck()
		if c.SndCwnd != tc.wantCwd {
			t.Fatalf("%s: cwnd=%d want %d", tc.name, c.SndCwnd, tc.wantCwd)
		}
	}
}

func TestPRRProportionalWithSACK(t *testing.T) {
	e := newBareEngine(Collaborators{Scoreboard: &stubBoard{}})
	c := prrConn()
	c.Flags.SackPermit = true
	c.SndSsthresh = 5000
	c.Sack.SackedBytes = 2000
	c.Sack.DeliveredData = 2000
	c.Sack.PRRDelivered = 2000
	c.Sack.PRROut = 1000

	p := &pass{e: e, c: c, sackChanged: SACKChanged, to: Options{Has: OptSACK}}
	p.doPRRAck()
	// pipe 8000: ceil(4000*5000/10000) - 1000 + 999 = 1999, one segment.
	if c.SndCwnd != 7000 {
		t.Fatalf("cwnd=%d", c.SndCwnd)
	}
}

func TestPRRUsesPipeEstimator(t *testing.T) {
	board := &pipeBoard{stubBoard{pipe: 3000}}
	e := newBareEngine(Collaborators{Scoreboard: board})
	c := prrConn()
	c.Flags.SackPermit = true
	c.SndSsthresh = 6000
	c.Sack.DeliveredData = 1000
	c.Sack.PRRDelivered = 5000

	p := &pass{e: e, c: c, sackChanged: SACKChanged, to: Options{Has: OptSACK}}
	p.doPRRAck()
	// min(6000-3000, 6000-0+1000) = 3000: three segments over pipe-delivered.
	if c.SndCwnd != 5000 {
		t.Fatalf("cwnd=%d", c.SndCwnd)
	}
}

func TestPRRNeverBelowOneSegment(t *testing.T) {
	e := newBareEngine(Collaborators{Scoreboard: &stubBoard{}})
	c := prrConn()
	c.Flags.SackPermit = true
	c.SndSsthresh = 2000
	c.Sack.SackedBytes = 9000
	c.Sack.DeliveredData = 1000
	c.Sack.PRROut = 5000

	p := &pass{e: e, c: c, sackChanged: SACKNewLoss, to: Options{Has: OptSACK}}
	p.doPRRAck()
	if c.SndCwnd != 1000 {
		t.Fatalf("cwnd=%d", c.SndCwnd)
	}
}
