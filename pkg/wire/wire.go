// Package wire converts between raw IPv4/TCP datagrams and the engine's
// segment descriptor.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"github.com/irctrakz/tcpin/pkg/tcp"
)

// Decode errors.
var (
	ErrNotIPv4   = errors.New("wire: not an IPv4 datagram")
	ErrNotTCP    = errors.New("wire: not a TCP segment")
	ErrFragment  = errors.New("wire: fragmented datagram")
	ErrTruncated = errors.New("wire: truncated datagram")
)

const (
	// ecnCE is the Congestion Experienced codepoint of the IP ECN field.
	ecnCE = 0x03

	// optMD5Signature is the RFC 2385 option kind.
	optMD5Signature layers.TCPOptionKind = 19
)

// FlowKey identifies one direction of a TCP connection.
type FlowKey struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// Reverse returns the key of the opposite direction.
func (k FlowKey) Reverse() FlowKey { return FlowKey{Src: k.Dst, Dst: k.Src} }

func (k FlowKey) String() string { return k.Src.String() + "-" + k.Dst.String() }

// Packet is a decoded TCP/IPv4 datagram.
type Packet struct {
	Flow    FlowKey
	Segment tcp.Segment
	TOS     uint8
	TTL     uint8
}

// Decode parses one IPv4 datagram carrying TCP. The returned segment's
// payload aliases b.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 || b[0]>>4 != 4 {
		return Packet{}, ErrNotIPv4
	}
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if h.Protocol != int(layers.IPProtocolTCP) {
		return Packet{}, fmt.Errorf("%w: protocol %d", ErrNotTCP, h.Protocol)
	}
	if h.Flags&ipv4.MoreFragments != 0 || h.FragOff != 0 {
		return Packet{}, ErrFragment
	}
	end := h.TotalLen
	if end < h.Len || end > len(b) {
		return Packet{}, fmt.Errorf("%w: total length %d of %d bytes", ErrTruncated, h.TotalLen, len(b))
	}

	var t layers.TCP
	if err := t.DecodeFromBytes(b[h.Len:end], gopacket.NilDecodeFeedback); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	src, _ := netip.AddrFromSlice(h.Src.To4())
	dst, _ := netip.AddrFromSlice(h.Dst.To4())
	p := Packet{
		Flow: FlowKey{
			Src: netip.AddrPortFrom(src, uint16(t.SrcPort)),
			Dst: netip.AddrPortFrom(dst, uint16(t.DstPort)),
		},
		TOS: uint8(h.TOS),
		TTL: uint8(h.TTL),
	}
	p.Segment = tcp.Segment{
		Seq:     seqnum.Value(t.Seq),
		Ack:     seqnum.Value(t.Ack),
		Window:  t.Window,
		Flags:   Flags(&t),
		Urgent:  t.Urgent,
		Payload: t.Payload,
		Options: ParseOptions(t.Options, t.SYN),
		CE:      h.TOS&ecnCE == ecnCE,
		NSegs:   1,
	}
	return p, nil
}

// Flags collects the control bits of a decoded header.
func Flags(t *layers.TCP) header.TCPFlags {
	var f header.TCPFlags
	set := func(on bool, bit header.TCPFlags) {
		if on {
			f |= bit
		}
	}
	set(t.FIN, header.TCPFlagFin)
	set(t.SYN, header.TCPFlagSyn)
	set(t.RST, header.TCPFlagRst)
	set(t.PSH, header.TCPFlagPsh)
	set(t.ACK, header.TCPFlagAck)
	set(t.URG, header.TCPFlagUrg)
	set(t.ECE, header.TCPFlagEce)
	set(t.CWR, header.TCPFlagCwr)
	return f
}

// ParseOptions builds the option record. MSS, window scale and
// SACK-permitted only count on SYN segments; malformed options are skipped.
func ParseOptions(opts []layers.TCPOption, syn bool) tcp.Options {
	var o tcp.Options
	for _, opt := range opts {
		d := opt.OptionData
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if syn && len(d) == 2 {
				o.Has |= tcp.OptMSS
				o.MSS = binary.BigEndian.Uint16(d)
			}
		case layers.TCPOptionKindWindowScale:
			if syn && len(d) == 1 {
				o.Has |= tcp.OptWindowScale
				o.WindowScale = min(d[0], tcp.MaxWinShift)
			}
		case layers.TCPOptionKindSACKPermitted:
			if syn {
				o.Has |= tcp.OptSACKPermitted
			}
		case layers.TCPOptionKindTimestamps:
			if len(d) == 8 {
				o.Has |= tcp.OptTimestamp
				o.TSVal = binary.BigEndian.Uint32(d[:4])
				o.TSEcr = binary.BigEndian.Uint32(d[4:])
			}
		case layers.TCPOptionKindSACK:
			if syn || len(d) == 0 || len(d)%8 != 0 {
				continue
			}
			o.Has |= tcp.OptSACK
			for i := 0; i+8 <= len(d); i += 8 {
				o.SACKBlocks = append(o.SACKBlocks, header.SACKBlock{
					Start: seqnum.Value(binary.BigEndian.Uint32(d[i:])),
					End:   seqnum.Value(binary.BigEndian.Uint32(d[i+4:])),
				})
			}
		case optMD5Signature:
			o.Has |= tcp.OptSignature
		}
	}
	return o
}

func encodeOptions(o *tcp.Options) []layers.TCPOption {
	var out []layers.TCPOption
	if o.Has&tcp.OptMSS != 0 {
		d := make([]byte, 2)
		binary.BigEndian.PutUint16(d, o.MSS)
		out = append(out, layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: d})
	}
	if o.Has&tcp.OptWindowScale != 0 {
		out = append(out, layers.TCPOption{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{o.WindowScale}})
	}
	if o.Has&tcp.OptSACKPermitted != 0 {
		out = append(out, layers.TCPOption{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2})
	}
	if o.Has&tcp.OptTimestamp != 0 {
		d := make([]byte, 8)
		binary.BigEndian.PutUint32(d, o.TSVal)
		binary.BigEndian.PutUint32(d[4:], o.TSEcr)
		out = append(out, layers.TCPOption{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: d})
	}
	if o.Has&tcp.OptSACK != 0 && len(o.SACKBlocks) > 0 {
		d := make([]byte, 0, 8*len(o.SACKBlocks))
		for _, b := range o.SACKBlocks {
			d = binary.BigEndian.AppendUint32(d, uint32(b.Start))
			d = binary.BigEndian.AppendUint32(d, uint32(b.End))
		}
		out = append(out, layers.TCPOption{OptionType: layers.TCPOptionKindSACK, OptionLength: uint8(2 + len(d)), OptionData: d})
	}
	return out
}

// Encode serializes p as an IPv4 datagram with valid checksums.
func Encode(p *Packet) ([]byte, error) {
	src, dst := p.Flow.Src.Addr(), p.Flow.Dst.Addr()
	if !src.Is4() || !dst.Is4() {
		return nil, ErrNotIPv4
	}
	ttl := p.TTL
	if ttl == 0 {
		ttl = 64
	}
	tos := p.TOS
	if p.Segment.CE {
		tos |= ecnCE
	}
	ip := &layers.IPv4{
		Version:  4,
		TOS:      tos,
		TTL:      ttl,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	s := &p.Segment
	t := &layers.TCP{
		SrcPort: layers.TCPPort(p.Flow.Src.Port()),
		DstPort: layers.TCPPort(p.Flow.Dst.Port()),
		Seq:     uint32(s.Seq),
		Ack:     uint32(s.Ack),
		Window:  s.Window,
		Urgent:  s.Urgent,
		FIN:     s.Flags&header.TCPFlagFin != 0,
		SYN:     s.Flags&header.TCPFlagSyn != 0,
		RST:     s.Flags&header.TCPFlagRst != 0,
		PSH:     s.Flags&header.TCPFlagPsh != 0,
		ACK:     s.Flags&header.TCPFlagAck != 0,
		URG:     s.Flags&header.TCPFlagUrg != 0,
		ECE:     s.Flags&header.TCPFlagEce != 0,
		CWR:     s.Flags&header.TCPFlagCwr != 0,
		Options: encodeOptions(&s.Options),
	}
	if err := t.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("wire: checksum setup: %w", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, t, gopacket.Payload(s.Payload)); err != nil {
		return nil, fmt.Errorf("wire: serialize: %w", err)
	}
	return buf.Bytes(), nil
}
