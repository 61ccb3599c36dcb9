package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/tcpin/pkg/logging"
	"github.com/irctrakz/tcpin/pkg/wire"
)

// pcapngMagic is the block type of a pcapng section header.
const pcapngMagic = 0x0A0D0D0A

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// captured is one decoded TCP/IPv4 packet with its capture time.
type captured struct {
	ts  time.Time
	pkt wire.Packet
}

// flowPackets is the packets of one connection in capture order.
type flowPackets struct {
	key     wire.FlowKey // canonical key of the pair
	packets []captured
}

// readCapture loads a pcap or pcapng file and groups its TCP/IPv4 packets
// by connection, in order of first appearance.
func readCapture(path string) ([]*flowPackets, captureStats, error) {
	var st captureStats
	f, err := os.Open(path)
	if err != nil {
		return nil, st, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, st, fmt.Errorf("read capture header: %w", err)
	}
	var src packetSource
	var linkType layers.LinkType
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, st, fmt.Errorf("pcapng: %w", err)
		}
		src, linkType = r, r.LinkType()
	} else {
		r, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, st, fmt.Errorf("pcap: %w", err)
		}
		src, linkType = r, r.LinkType()
	}

	index := make(map[wire.FlowKey]*flowPackets)
	var flows []*flowPackets
	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, st, fmt.Errorf("read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		ip, ok := networkBytes(data, linkType)
		if !ok {
			st.NonIPv4++
			continue
		}
		p, err := wire.Decode(ip)
		if err != nil {
			st.Undecodable++
			if logging.DebugEnabled() {
				logging.Debugf("packet %d: %v", st.Packets, err)
			}
			continue
		}
		st.TCP++

		key := canonical(p.Flow)
		fp, ok := index[key]
		if !ok {
			fp = &flowPackets{key: key}
			index[key] = fp
			flows = append(flows, fp)
		}
		fp.packets = append(fp.packets, captured{ts: ci.Timestamp, pkt: p})
	}
	return flows, st, nil
}

// captureStats counts what the reader skipped.
type captureStats struct {
	Packets     int `json:"packets"`
	TCP         int `json:"tcp"`
	NonIPv4     int `json:"non_ipv4"`
	Undecodable int `json:"undecodable"`
}

// networkBytes strips the link layer, returning the IPv4 datagram.
func networkBytes(data []byte, lt layers.LinkType) ([]byte, bool) {
	pkt := gopacket.NewPacket(data, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	off := 0
	for _, l := range pkt.Layers() {
		if l.LayerType() == layers.LayerTypeIPv4 {
			return data[off:], true
		}
		off += len(l.LayerContents())
	}
	return nil, false
}

// canonical orders the endpoints so both directions share a key.
func canonical(k wire.FlowKey) wire.FlowKey {
	if k.Dst.Compare(k.Src) < 0 {
		return k.Reverse()
	}
	return k
}
