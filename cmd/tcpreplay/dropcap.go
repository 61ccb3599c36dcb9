package main

import (
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/tcpin/pkg/logging"
	"github.com/irctrakz/tcpin/pkg/wire"
)

// dropWriter records the segments the engine discarded as raw IPv4 frames,
// so they can be inspected with any pcap tool. A nil writer records nothing.
type dropWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
	n  int
}

func newDropWriter(path string) (*dropWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, err
	}
	return &dropWriter{f: f, w: w}, nil
}

func (d *dropWriter) write(ts time.Time, p *wire.Packet) {
	if d == nil {
		return
	}
	b, err := wire.Encode(p)
	if err != nil {
		logging.Debugf("drop capture: %v", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(b), Length: len(b)}
	if err := d.w.WritePacket(ci, b); err != nil {
		logging.Warnf("drop capture: %v", err)
		return
	}
	d.n++
}

// Close flushes the file and returns the number of packets written.
func (d *dropWriter) Close() (int, error) {
	if d == nil {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n, d.f.Close()
}
