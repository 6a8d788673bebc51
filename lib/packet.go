package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

// TcpSegment is the parsed representation of one TCP header plus payload.
// It is ephemeral: inbound segments live for one engine iteration, outbound
// segments until the retransmission queue releases them.
type TcpSegment struct {
	SrcAddr, DestAddr net.IP
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16
	UrgentPointer     uint16
	Checksum          uint16
	Payload           []byte
	Options           segmentOptions
}

// segmentOptions carries the options this stack understands. Only SYN
// segments are allowed to negotiate them.
type segmentOptions struct {
	mss           uint16
	wndScaleShift uint8
	hasMSS        bool
	hasWndScale   bool
}

func (s *TcpSegment) flagSet(flag uint8) bool {
	return s.Flags&flag != 0
}

// segLen is the amount of sequence space the segment occupies: payload bytes
// plus one for SYN and one for FIN.
func (s *TcpSegment) segLen() uint32 {
	n := uint32(len(s.Payload))
	if s.flagSet(SYNFlag) {
		n++
	}
	if s.flagSet(FINFlag) {
		n++
	}
	return n
}

// optionsLength returns the encoded options size including padding.
func (s *TcpSegment) optionsLength() int {
	length := 0
	if s.flagSet(SYNFlag) && s.Options.hasMSS {
		length += 4
	}
	if s.flagSet(SYNFlag) && s.Options.hasWndScale {
		length += 3
	}
	if length%4 != 0 {
		length += 4 - length%4
	}
	if length > TcpOptionsMaxLength {
		length = TcpOptionsMaxLength
	}
	return length
}

// Marshal writes the segment into buffer and returns the frame length. The
// first TcpPseudoHeaderLength bytes of buffer are scratch space for the
// pseudo header used by the checksum; the TCP frame itself starts after it.
func (s *TcpSegment) Marshal(buffer []byte) (int, error) {
	optionsLength := s.optionsLength()
	totalHeaderLength := TcpHeaderLength + optionsLength
	frameLength := totalHeaderLength + len(s.Payload)
	if frameLength+TcpPseudoHeaderLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d) + pseudo header", len(buffer), frameLength)
	}

	frame := buffer[TcpPseudoHeaderLength:]
	binary.BigEndian.PutUint16(frame[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(frame[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(frame[8:12], s.AcknowledgmentNum)
	frame[12] = uint8(totalHeaderLength/4) << 4 // data offset, reserved bits zero
	frame[13] = s.Flags
	binary.BigEndian.PutUint16(frame[14:16], s.WindowSize)
	binary.BigEndian.PutUint16(frame[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(frame[18:20], s.UrgentPointer)

	offset := TcpHeaderLength
	if s.flagSet(SYNFlag) && s.Options.hasMSS {
		frame[offset] = tcpOptMSS
		frame[offset+1] = 4
		binary.BigEndian.PutUint16(frame[offset+2:offset+4], s.Options.mss)
		offset += 4
	}
	if s.flagSet(SYNFlag) && s.Options.hasWndScale {
		frame[offset] = tcpOptWndScale
		frame[offset+1] = 3
		frame[offset+2] = s.Options.wndScaleShift
		offset += 3
	}
	for offset < totalHeaderLength {
		frame[offset] = tcpOptNop
		offset++
	}

	copy(frame[totalHeaderLength:], s.Payload)

	if err := assemblePseudoHeader(buffer[:TcpPseudoHeaderLength], s.SrcAddr, s.DestAddr, ProtocolTCP, uint16(frameLength)); err != nil {
		return 0, err
	}
	checksum := CalculateChecksum(buffer[:TcpPseudoHeaderLength+frameLength])
	binary.BigEndian.PutUint16(frame[16:18], checksum)
	s.Checksum = checksum

	return frameLength, nil
}

// Unmarshal parses data into the segment. data carries the TCP frame only;
// addresses come from the IP layer.
func (s *TcpSegment) Unmarshal(data []byte, srcAddr, destAddr net.IP) error {
	if len(data) < TcpHeaderLength {
		return fmt.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}
	s.SrcAddr = srcAddr
	s.DestAddr = destAddr
	s.SourcePort = binary.BigEndian.Uint16(data[0:2])
	s.DestinationPort = binary.BigEndian.Uint16(data[2:4])
	s.SequenceNumber = binary.BigEndian.Uint32(data[4:8])
	s.AcknowledgmentNum = binary.BigEndian.Uint32(data[8:12])
	s.Flags = data[13]
	s.WindowSize = binary.BigEndian.Uint16(data[14:16])
	s.Checksum = binary.BigEndian.Uint16(data[16:18])
	s.UrgentPointer = binary.BigEndian.Uint16(data[18:20])

	headerLength := int(data[12]>>4) * 4
	if headerLength < TcpHeaderLength || headerLength > len(data) {
		return fmt.Errorf("segment header length %d is inconsistent with frame of %d bytes", headerLength, len(data))
	}

	s.Options = segmentOptions{}
	optionsBytes := data[TcpHeaderLength:headerLength]
	for i := 0; i < len(optionsBytes); {
		kind := optionsBytes[i]
		if kind == tcpOptEnd {
			break
		}
		if kind == tcpOptNop {
			i++
			continue
		}
		if i+1 >= len(optionsBytes) {
			break
		}
		length := int(optionsBytes[i+1])
		if length < 2 || i+length > len(optionsBytes) {
			break // malformed option list, ignore the rest
		}
		switch kind {
		case tcpOptMSS:
			if length == 4 {
				s.Options.mss = binary.BigEndian.Uint16(optionsBytes[i+2 : i+4])
				s.Options.hasMSS = true
			}
		case tcpOptWndScale:
			if length == 3 {
				s.Options.wndScaleShift = optionsBytes[i+2]
				s.Options.hasWndScale = true
			}
		}
		i += length
	}

	s.Payload = data[headerLength:]
	return nil
}

// CalculateChecksum is the internet checksum over buffer.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32
	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += cksum >> 16
	return ^uint16(cksum)
}

// VerifyChecksum checks the TCP checksum of frame. scratch must provide at
// least TcpPseudoHeaderLength+len(frame) bytes; frame is left unmodified.
func VerifyChecksum(scratch, frame []byte, srcAddr, destAddr net.IP) bool {
	if len(frame) < TcpHeaderLength {
		return false
	}
	needed := TcpPseudoHeaderLength + len(frame)
	if len(scratch) < needed {
		return false
	}
	if err := assemblePseudoHeader(scratch[:TcpPseudoHeaderLength], srcAddr, destAddr, ProtocolTCP, uint16(len(frame))); err != nil {
		return false
	}
	copy(scratch[TcpPseudoHeaderLength:needed], frame)
	// a correct checksum makes the full sum come out zero
	return CalculateChecksum(scratch[:needed]) == 0
}

// assemblePseudoHeader assembles the pseudo-header for checksum calculation.
func assemblePseudoHeader(buffer []byte, srcAddr, destAddr net.IP, protocolId uint8, frameLength uint16) error {
	if len(buffer) != TcpPseudoHeaderLength {
		return fmt.Errorf("tcp pseudo header buffer length(%d) is not TcpPseudoHeaderLength", len(buffer))
	}
	srcIP := srcAddr.To4()
	destIP := destAddr.To4()
	if srcIP == nil || destIP == nil {
		return fmt.Errorf("pseudo header requires IPv4 addresses, got %s -> %s", srcAddr, destAddr)
	}
	copy(buffer[0:4], srcIP)
	copy(buffer[4:8], destIP)
	buffer[8] = 0
	buffer[9] = protocolId
	binary.BigEndian.PutUint16(buffer[10:12], frameLength)
	return nil
}

// GenerateISN draws a random initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, err
	}
	return isn, nil
}
