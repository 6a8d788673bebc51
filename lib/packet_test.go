package lib

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestMarshalDecodesWithGopacket(t *testing.T) {
	src := net.ParseIP("192.168.0.2")
	dest := net.ParseIP("192.168.0.1")
	seg := &TcpSegment{
		SrcAddr:           src,
		DestAddr:          dest,
		SourcePort:        40000,
		DestinationPort:   8080,
		SequenceNumber:    0xfffffff0, // near the wraparound on purpose
		AcknowledgmentNum: 7,
		Flags:             ACKFlag | PSHFlag,
		WindowSize:        4096,
		Payload:           []byte("segment body"),
	}
	buf := make([]byte, 2048)
	n, err := seg.Marshal(buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	frame := buf[TcpPseudoHeaderLength : TcpPseudoHeaderLength+n]

	packet := gopacket.NewPacket(frame, layers.LayerTypeTCP, gopacket.Default)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		t.Fatalf("gopacket did not find a TCP layer: %v", packet.ErrorLayer())
	}
	tcp := tcpLayer.(*layers.TCP)
	if uint16(tcp.SrcPort) != seg.SourcePort || uint16(tcp.DstPort) != seg.DestinationPort {
		t.Errorf("ports = %d -> %d, want %d -> %d", tcp.SrcPort, tcp.DstPort, seg.SourcePort, seg.DestinationPort)
	}
	if tcp.Seq != seg.SequenceNumber || tcp.Ack != seg.AcknowledgmentNum {
		t.Errorf("seq/ack = %d/%d, want %d/%d", tcp.Seq, tcp.Ack, seg.SequenceNumber, seg.AcknowledgmentNum)
	}
	if !tcp.ACK || !tcp.PSH || tcp.SYN || tcp.FIN || tcp.RST {
		t.Errorf("flags decoded wrong: %+v", tcp)
	}
	if tcp.Window != seg.WindowSize {
		t.Errorf("window = %d, want %d", tcp.Window, seg.WindowSize)
	}
	if !bytes.Equal(tcp.Payload, seg.Payload) {
		t.Errorf("payload = %q, want %q", tcp.Payload, seg.Payload)
	}
	if tcp.Checksum != seg.Checksum {
		t.Errorf("checksum on the wire = %#x, recorded %#x", tcp.Checksum, seg.Checksum)
	}

	scratch := make([]byte, 2048)
	if !VerifyChecksum(scratch, frame, src, dest) {
		t.Error("VerifyChecksum rejects our own frame")
	}
}

func TestUnmarshalGopacketSegment(t *testing.T) {
	src := net.ParseIP("192.168.0.1")
	dest := net.ParseIP("192.168.0.2")
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src,
		DstIP:    dest,
	}
	tcp := &layers.TCP{
		SrcPort: 8080,
		DstPort: 40000,
		Seq:     1000,
		Ack:     2000,
		SYN:     true,
		ACK:     true,
		Window:  1024,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0x78}},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		},
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	payload := []byte("reference payload")
	sbuf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(sbuf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serializing reference segment: %v", err)
	}

	frame := sbuf.Bytes()[IpHeaderLength:]
	seg := &TcpSegment{}
	if err := seg.Unmarshal(frame, src, dest); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if seg.SourcePort != 8080 || seg.DestinationPort != 40000 {
		t.Errorf("ports = %d -> %d, want 8080 -> 40000", seg.SourcePort, seg.DestinationPort)
	}
	if seg.SequenceNumber != 1000 || seg.AcknowledgmentNum != 2000 {
		t.Errorf("seq/ack = %d/%d, want 1000/2000", seg.SequenceNumber, seg.AcknowledgmentNum)
	}
	if !seg.flagSet(SYNFlag) || !seg.flagSet(ACKFlag) || seg.flagSet(FINFlag) {
		t.Errorf("flags = %#x, want SYN|ACK", seg.Flags)
	}
	if !seg.Options.hasMSS || seg.Options.mss != 1400 {
		t.Errorf("MSS option = (%v, %d), want (true, 1400)", seg.Options.hasMSS, seg.Options.mss)
	}
	if !seg.Options.hasWndScale || seg.Options.wndScaleShift != 7 {
		t.Errorf("window scale option = (%v, %d), want (true, 7)", seg.Options.hasWndScale, seg.Options.wndScaleShift)
	}
	if !bytes.Equal(seg.Payload, payload) {
		t.Errorf("payload = %q, want %q", seg.Payload, payload)
	}

	scratch := make([]byte, 2048)
	if !VerifyChecksum(scratch, frame, src, dest) {
		t.Error("VerifyChecksum rejects a gopacket-computed checksum")
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dest := net.ParseIP("10.0.0.2")
	out := &TcpSegment{
		SrcAddr:         src,
		DestAddr:        dest,
		SourcePort:      1,
		DestinationPort: 2,
		SequenceNumber:  55,
		Flags:           SYNFlag,
		WindowSize:      512,
		Options:         segmentOptions{mss: 1460, hasMSS: true, wndScaleShift: 0, hasWndScale: true},
	}
	buf := make([]byte, 256)
	n, err := out.Marshal(buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	in := &TcpSegment{}
	if err := in.Unmarshal(buf[TcpPseudoHeaderLength:TcpPseudoHeaderLength+n], src, dest); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !in.Options.hasMSS || in.Options.mss != 1460 {
		t.Errorf("MSS did not survive the round trip: %+v", in.Options)
	}
	if !in.Options.hasWndScale || in.Options.wndScaleShift != 0 {
		t.Errorf("window scale did not survive the round trip: %+v", in.Options)
	}
	if in.segLen() != 1 {
		t.Errorf("segLen = %d, want 1 for a bare SYN", in.segLen())
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dest := net.ParseIP("10.0.0.2")
	seg := &TcpSegment{
		SrcAddr:         src,
		DestAddr:        dest,
		SourcePort:      10,
		DestinationPort: 20,
		Flags:           ACKFlag,
		Payload:         []byte("data that will be flipped"),
	}
	buf := make([]byte, 512)
	n, err := seg.Marshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	frame := append([]byte(nil), buf[TcpPseudoHeaderLength:TcpPseudoHeaderLength+n]...)
	frame[TcpHeaderLength+3] ^= 0x01

	scratch := make([]byte, 512)
	if VerifyChecksum(scratch, frame, src, dest) {
		t.Error("VerifyChecksum accepted a corrupted frame")
	}
}

func TestSegLenCountsSynAndFin(t *testing.T) {
	testCases := []struct {
		flags   uint8
		payload int
		want    uint32
	}{
		{ACKFlag, 0, 0},
		{ACKFlag, 10, 10},
		{SYNFlag, 0, 1},
		{SYNFlag | ACKFlag, 0, 1},
		{FINFlag | ACKFlag, 0, 1},
		{FINFlag | ACKFlag, 5, 6},
	}
	for _, tc := range testCases {
		seg := &TcpSegment{Flags: tc.flags, Payload: make([]byte, tc.payload)}
		if got := seg.segLen(); got != tc.want {
			t.Errorf("segLen(flags=%#x, payload=%d) = %d, want %d", tc.flags, tc.payload, got, tc.want)
		}
	}
}
