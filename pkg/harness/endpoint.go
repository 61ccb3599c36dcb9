// Package harness provides in-memory implementations of the collaborators
// the segment engine needs: socket buffers with reassembly, a SACK
// scoreboard, a timer table, and recorders for output and lifecycle events.
// It drives the engine in tests and in the replay tool.
package harness

import (
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
	"github.com/irctrakz/tcpin/pkg/tcp"
)

// Config sizes the endpoint's buffers.
type Config struct {
	// ReceiveBuffer is the receive socket buffer size in bytes.
	ReceiveBuffer int
	// ReassemblyLimit caps queued out-of-order bytes; the queue is
	// flushed when exceeded. 0 means unlimited.
	ReassemblyLimit int
	// SendData makes SendNow transmit buffered data the congestion and
	// send windows allow, as a real transmit path would. When false only
	// Transmit moves snd_nxt.
	SendData bool
}

// DefaultConfig returns a 64KiB receive buffer and a 256KiB reassembly cap.
func DefaultConfig() Config {
	return Config{
		ReceiveBuffer:   64 * 1024,
		ReassemblyLimit: 256 * 1024,
	}
}

// ConnState is everything the endpoint recorded for one connection.
type ConnState struct {
	// Received is the in-order data delivered to the application.
	Received []byte
	// SendBuffered counts bytes written by the application and not yet
	// acknowledged.
	SendBuffered int

	Connected  bool
	ReadClosed bool
	TornDown   bool
	TimeWait   bool
	Errors     []error

	ReaderWakeups int
	WriterWakeups int

	// SendNowCalls counts transmit path invocations; Acks counts the
	// segments they actually sent, each carrying an acknowledgement.
	SendNowCalls  int
	Acks          int
	ChallengeAcks int
	Retransmits   []seqnum.Value
	Resets        []tcp.Reason

	// Duplicates are D-SACK ranges reported for the next ACK.
	Duplicates []header.SACKBlock

	timers map[tcp.TimerKind]uint32
	reasm  reassembly
	sb     scoreboard
}

// Endpoint implements every collaborator interface of the engine for any
// number of connections.
type Endpoint struct {
	cfg   Config
	clock core.Clock

	mu    sync.Mutex
	conns map[*tcp.Conn]*ConnState
}

var (
	_ tcp.SocketBuffer = (*Endpoint)(nil)
	_ tcp.Scoreboard   = (*Endpoint)(nil)
	_ tcp.Timers       = (*Endpoint)(nil)
	_ tcp.Output       = (*Endpoint)(nil)
	_ tcp.Lifecycle    = (*Endpoint)(nil)
)

// NewEndpoint returns an endpoint whose timers run on clock.
func NewEndpoint(clock core.Clock, cfg Config) *Endpoint {
	if cfg.ReceiveBuffer <= 0 {
		cfg.ReceiveBuffer = DefaultConfig().ReceiveBuffer
	}
	return &Endpoint{
		cfg:   cfg,
		clock: clock,
		conns: make(map[*tcp.Conn]*ConnState),
	}
}

// Collaborators bundles the endpoint for tcp.NewEngine.
func (e *Endpoint) Collaborators() tcp.Collaborators {
	return tcp.Collaborators{
		Socket:     e,
		Scoreboard: e,
		Timers:     e,
		Output:     e,
		Lifecycle:  e,
	}
}

// state returns c's record, creating it on first use. Callers hold e.mu.
func (e *Endpoint) state(c *tcp.Conn) *ConnState {
	st, ok := e.conns[c]
	if !ok {
		st = &ConnState{timers: make(map[tcp.TimerKind]uint32)}
		st.reasm.limit = e.cfg.ReassemblyLimit
		e.conns[c] = st
	}
	return st
}

// State returns a copy of what was recorded for c.
func (e *Endpoint) State(c *tcp.Conn) ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := *e.state(c)
	st.Received = append([]byte(nil), st.Received...)
	st.Errors = append([]error(nil), st.Errors...)
	st.Retransmits = append([]seqnum.Value(nil), st.Retransmits...)
	st.Resets = append([]tcp.Reason(nil), st.Resets...)
	st.Duplicates = append([]header.SACKBlock(nil), st.Duplicates...)
	return st
}

// Forget drops everything recorded for c.
func (e *Endpoint) Forget(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, c)
}

// --- transmit side driven by the caller ---

// Write queues n application bytes for sending without transmitting them.
func (e *Endpoint) Write(c *tcp.Conn, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).SendBuffered += n
}

// Read consumes up to n bytes of delivered data as the application would,
// reopening receive buffer space. A negative n consumes everything. It
// returns the number of bytes taken.
func (e *Endpoint) Read(c *tcp.Conn, n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	if n < 0 || n > len(st.Received) {
		n = len(st.Received)
	}
	st.Received = st.Received[n:]
	return n
}

// Transmit records that the transmit path sent n new bytes (and a FIN when
// fin is set) from snd_nxt: the send pointers advance, the retransmit timer
// is armed if idle and an RTT measurement starts if none is running. The
// bytes must have been queued with Write.
func (e *Endpoint) Transmit(c *tcp.Conn, n int, fin bool) {
	c.Lock()
	defer c.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transmit(c, e.state(c), n, fin)
}

// transmit advances the send side. Callers hold c and e.mu.
func (e *Endpoint) transmit(c *tcp.Conn, st *ConnState, n int, fin bool) {
	now := e.clock.Ticks()
	start := c.SndNxt
	c.SndNxt = c.SndNxt.Add(seqnum.Size(n))
	if fin {
		c.SndNxt++
	}
	if c.SndMax.LessThan(c.SndNxt) {
		c.SndMax = c.SndNxt
	}
	if c.Recovery.InCongestion() {
		c.Sack.PRROut += n
	}
	if c.RTTTime == 0 && n > 0 && c.SndMax == c.SndNxt {
		c.RTTTime = now
		c.RTTSeq = start
	}
	e.armRexmt(c, st, now)
}

// armRexmt starts the retransmit timer unless it is already running, as
// any transmission does.
func (e *Endpoint) armRexmt(c *tcp.Conn, st *ConnState, now uint32) {
	if _, ok := st.timers[tcp.TimerRexmt]; ok {
		return
	}
	rto := c.RxtCur
	if rto == 0 {
		rto = tcp.DefaultConfig().RTOInitial
	}
	st.timers[tcp.TimerRexmt] = now + rto
}

// pushData sends what the windows allow from the send buffer.
func (e *Endpoint) pushData(c *tcp.Conn, st *ConnState) {
	if !c.State.HaveEstablished() {
		return
	}
	outstanding := int(c.SndUna.Size(c.SndNxt))
	room := int(min(c.SndCwnd, c.SndWnd)) - outstanding
	n := min(st.SendBuffered-outstanding, room)
	if n <= 0 {
		return
	}
	e.transmit(c, st, n, false)
	e.ackSent(c, st)
}

// --- tcp.SocketBuffer ---

func (e *Endpoint) Space(c *tcp.Conn) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.ReceiveBuffer - len(e.state(c).Received)
}

func (e *Endpoint) SendBuffered(c *tcp.Conn) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state(c).SendBuffered
}

func (e *Endpoint) Append(c *tcp.Conn, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.Received = append(st.Received, payload...)
}

// Reassemble queues the segment and delivers whatever has become
// contiguous with rcv_nxt.
func (e *Endpoint) Reassemble(c *tcp.Conn, seq seqnum.Value, payload []byte, fin bool) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	r := &st.reasm
	r.insert(seq, payload)
	if fin {
		r.fin = true
		r.finSeq = seq.Add(seqnum.Size(len(payload)))
	}
	if !c.State.HaveEstablished() {
		// Held until the handshake completes and flushes the queue.
		return 0, false
	}
	data, gotFin := r.drain(c.RcvNxt)
	if len(data) > 0 && !st.ReadClosed {
		st.Received = append(st.Received, data...)
	}
	if r.dropped > 0 && logging.DebugEnabled() {
		logging.ForConn(c.ID).Debugf("reassembly queue over %d bytes, flushed", r.limit)
		r.dropped = 0
	}
	return len(data), gotFin
}

func (e *Endpoint) ReassemblyEmpty(c *tcp.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state(c).reasm.empty()
}

func (e *Endpoint) Release(c *tcp.Conn, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.SendBuffered = max(0, st.SendBuffered-n)
}

func (e *Endpoint) WakeReaders(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).ReaderWakeups++
}

func (e *Endpoint) WakeWriters(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).WriterWakeups++
}

func (e *Endpoint) CantRcvMore(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).ReadClosed = true
}

func (e *Endpoint) Connected(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).Connected = true
}

// --- tcp.Scoreboard ---

func (e *Endpoint) Update(c *tcp.Conn, ack seqnum.Value, blocks []header.SACKBlock) tcp.SACKUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state(c).sb.update(ack, c.SndUna, c.SndMax, blocks)
}

func (e *Endpoint) Empty(c *tcp.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state(c).sb.blocks) == 0
}

func (e *Endpoint) ReportDuplicate(c *tcp.Conn, start, end seqnum.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.Duplicates = append(st.Duplicates, header.SACKBlock{Start: start, End: end})
}

// ResendHoles retransmits the first unSACKed hole above snd_una, one
// segment at most, if cwnd leaves room for it.
func (e *Endpoint) ResendHoles(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	pipe := int(c.SndUna.Size(c.SndMax)) - c.Sack.SackedBytes + c.Sack.SackBytesRexmit
	if pipe >= int(c.SndCwnd) && c.Sack.SackBytesRexmit > 0 {
		return
	}
	from := c.SndUna
	if c.Sack.SackBytesRexmit > 0 {
		from = from.Add(seqnum.Size(c.Sack.SackBytesRexmit))
	}
	seq, n, ok := st.sb.nextHole(from, int(c.MSS))
	if !ok || n == 0 || st.sb.covered(seq, seq.Add(seqnum.Size(n))) {
		return
	}
	st.Retransmits = append(st.Retransmits, seq)
	c.Sack.SackBytesRexmit += n
	if c.Recovery.InCongestion() {
		c.Sack.PRROut += n
	}
	e.armRexmt(c, st, e.clock.Ticks())
	e.ackSent(c, st)
}

// --- tcp.Timers ---

func (e *Endpoint) Arm(c *tcp.Conn, kind tcp.TimerKind, ticks uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).timers[kind] = e.clock.Ticks() + ticks
}

func (e *Endpoint) Cancel(c *tcp.Conn, kind tcp.TimerKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state(c).timers, kind)
}

func (e *Endpoint) Active(c *tcp.Conn, kind tcp.TimerKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.state(c).timers[kind]
	return ok
}

// Deadline returns when the timer of kind fires, if armed.
func (e *Endpoint) Deadline(c *tcp.Conn, kind tcp.TimerKind) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.state(c).timers[kind]
	return d, ok
}

// Expire disarms and returns the timers of c that are due at now.
func (e *Endpoint) Expire(c *tcp.Conn, now uint32) []tcp.TimerKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	var due []tcp.TimerKind
	for _, k := range []tcp.TimerKind{tcp.TimerRexmt, tcp.TimerPersist, tcp.TimerDelAck, tcp.TimerKeep, tcp.Timer2MSL} {
		if d, ok := st.timers[k]; ok && int32(now-d) >= 0 {
			delete(st.timers, k)
			due = append(due, k)
		}
	}
	return due
}

// --- tcp.Output ---

// ackSent applies the bookkeeping of a segment carrying our ACK. Callers
// hold e.mu.
func (e *Endpoint) ackSent(c *tcp.Conn, st *ConnState) {
	st.Acks++
	c.Flags.AckNow = false
	c.Flags.DelAck = false
	delete(st.timers, tcp.TimerDelAck)
	c.LastAckSent = c.RcvNxt
	if adv := c.RcvNxt.Add(seqnum.Size(c.RcvWnd)); c.RcvAdv.LessThan(adv) {
		c.RcvAdv = adv
	}
	c.Flags.RxWin0Sent = c.RcvWnd == 0
	st.Duplicates = nil
}

// SendNow emits an ACK when one is owed, and with Config.SendData any new
// data the windows allow.
func (e *Endpoint) SendNow(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.SendNowCalls++
	if e.cfg.SendData {
		e.pushData(c, st)
	}
	if c.Flags.AckNow {
		e.ackSent(c, st)
	}
}

func (e *Endpoint) Retransmit(c *tcp.Conn, seq seqnum.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.Retransmits = append(st.Retransmits, seq)
	if c.Recovery.InCongestion() {
		c.Sack.PRROut += int(c.MSS)
	}
	e.armRexmt(c, st, e.clock.Ticks())
	e.ackSent(c, st)
}

func (e *Endpoint) SendReset(c *tcp.Conn, _ *tcp.Segment, reason tcp.Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.Resets = append(st.Resets, reason)
}

func (e *Endpoint) SendChallengeAck(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).ChallengeAcks++
}

// --- tcp.Lifecycle ---

func (e *Endpoint) ReportError(c *tcp.Conn, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.Errors = append(st.Errors, err)
}

func (e *Endpoint) Teardown(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(c)
	st.TornDown = true
	st.timers = make(map[tcp.TimerKind]uint32)
	st.reasm = reassembly{limit: e.cfg.ReassemblyLimit}
}

func (e *Endpoint) EnterTimeWait(c *tcp.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(c).TimeWait = true
}
