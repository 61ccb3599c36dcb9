package wire

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/irctrakz/tcpin/pkg/tcp"
)

var testFlow = FlowKey{
	Src: netip.MustParseAddrPort("10.0.0.2:40000"),
	Dst: netip.MustParseAddrPort("192.0.2.7:443"),
}

func TestSynOptionsSurviveEncoding(t *testing.T) {
	in := Packet{
		Flow: testFlow,
		Segment: tcp.Segment{
			Seq:    1000,
			Flags:  header.TCPFlagSyn | header.TCPFlagEce | header.TCPFlagCwr,
			Window: 64240,
			Options: tcp.Options{
				Has:         tcp.OptMSS | tcp.OptWindowScale | tcp.OptSACKPermitted | tcp.OptTimestamp,
				MSS:         1460,
				WindowScale: 7,
				TSVal:       12345,
			},
		},
	}
	b, err := Encode(&in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, testFlow, out.Flow)
	assert.Equal(t, in.Segment.Seq, out.Segment.Seq)
	assert.Equal(t, in.Segment.Flags, out.Segment.Flags)
	assert.Equal(t, uint16(64240), out.Segment.Window)
	assert.Equal(t, in.Segment.Options.Has, out.Segment.Options.Has)
	assert.Equal(t, uint16(1460), out.Segment.Options.MSS)
	assert.Equal(t, uint8(7), out.Segment.Options.WindowScale)
	assert.Equal(t, uint32(12345), out.Segment.Options.TSVal)
	assert.Equal(t, uint8(64), out.TTL)
	assert.Empty(t, out.Segment.Payload)
}

func TestDataWithSACKAndCE(t *testing.T) {
	blocks := []header.SACKBlock{{Start: 3000, End: 4000}, {Start: 5000, End: 5500}}
	in := Packet{
		Flow: testFlow,
		TTL:  33,
		Segment: tcp.Segment{
			Seq:     2000,
			Ack:     9000,
			Flags:   header.TCPFlagAck | header.TCPFlagPsh,
			Window:  512,
			Payload: []byte("hello"),
			CE:      true,
			Options: tcp.Options{Has: tcp.OptSACK | tcp.OptTimestamp, TSVal: 5, TSEcr: 4, SACKBlocks: blocks},
		},
	}
	b, err := Encode(&in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, out.Segment.CE)
	assert.Equal(t, "hello", string(out.Segment.Payload))
	assert.Equal(t, blocks, out.Segment.Options.SACKBlocks)
	assert.Equal(t, uint32(4), out.Segment.Options.TSEcr)
	assert.Equal(t, 1, out.Segment.NSegs)
	assert.Equal(t, uint8(33), out.TTL)
	assert.Equal(t, testFlow.Reverse(), FlowKey{Src: out.Flow.Dst, Dst: out.Flow.Src})
}

func TestParseOptionsRules(t *testing.T) {
	opts := []layers.TCPOption{
		{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
		{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{20}},
		{OptionType: layers.TCPOptionKindSACK, OptionLength: 5, OptionData: []byte{1, 2, 3}},
		{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 6, OptionData: []byte{1, 2, 3, 4}},
		{OptionType: 19, OptionLength: 18, OptionData: make([]byte, 16)},
	}

	o := ParseOptions(opts, true)
	assert.Equal(t, tcp.OptMSS|tcp.OptWindowScale|tcp.OptSignature, o.Has)
	assert.Equal(t, uint8(tcp.MaxWinShift), o.WindowScale, "shift is clamped")

	// Handshake-only options are ignored later on.
	o = ParseOptions(opts, false)
	assert.Equal(t, tcp.OptSignature, o.Has)
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(&Packet{Flow: testFlow, Segment: tcp.Segment{Flags: header.TCPFlagAck, Payload: []byte("abcdef")}})
	require.NoError(t, err)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrNotIPv4)

	v6 := append([]byte{0x60}, good[1:]...)
	_, err = Decode(v6)
	assert.ErrorIs(t, err, ErrNotIPv4)

	_, err = Decode(good[:len(good)-3])
	assert.ErrorIs(t, err, ErrTruncated)

	frag := append([]byte(nil), good...)
	frag[6] |= 0x20
	_, err = Decode(frag)
	assert.ErrorIs(t, err, ErrFragment)

	_, err = Decode(udpDatagram(t))
	assert.ErrorIs(t, err, ErrNotTCP)

	_, err = Encode(&Packet{Flow: FlowKey{
		Src: netip.MustParseAddrPort("[2001:db8::1]:1"),
		Dst: netip.MustParseAddrPort("[2001:db8::2]:2"),
	}})
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func udpDatagram(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 53, DstPort: 5353}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload("x")))
	return buf.Bytes()
}
