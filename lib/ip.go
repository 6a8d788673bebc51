package lib

import (
	"encoding/binary"
	"net"
)

// ipDatagram is the parsed form of one inbound IPv4 datagram that survived
// validation.
type ipDatagram struct {
	srcAddr  net.IP
	destAddr net.IP
	protocol uint8
	payload  []byte
}

// dropReason classifies why an inbound datagram was discarded. Drops are
// silent on the wire; the engine logs them under Debug only.
type dropReason int

const (
	dropNone dropReason = iota
	dropTruncated
	dropBadVersion
	dropBadHeaderLength
	dropBadChecksum
	dropNotLocal
	dropFragment
	dropNotTCP
)

func (r dropReason) String() string {
	switch r {
	case dropNone:
		return "accepted"
	case dropTruncated:
		return "truncated header"
	case dropBadVersion:
		return "not IPv4"
	case dropBadHeaderLength:
		return "inconsistent header length"
	case dropBadChecksum:
		return "bad header checksum"
	case dropNotLocal:
		return "not addressed to us"
	case dropFragment:
		return "fragmented datagram"
	case dropNotTCP:
		return "unsupported protocol"
	}
	return "unknown"
}

// ipLayer validates and parses inbound IPv4 headers and builds outbound
// ones. It performs no I/O; the engine moves bytes to and from the device.
type ipLayer struct {
	localAddr net.IP
	ttl       uint8
	nextID    uint16
}

func newIpLayer(localAddr net.IP, ttl uint8) *ipLayer {
	return &ipLayer{localAddr: localAddr.To4(), ttl: ttl}
}

// parse validates raw and returns the datagram, or the reason it was
// dropped. Anything malformed, fragmented, not TCP, or not addressed to the
// local address is dropped with no response: answering spoofed or corrupted
// wire input would be worse than staying silent.
func (l *ipLayer) parse(raw []byte) (*ipDatagram, dropReason) {
	if len(raw) < IpHeaderLength {
		return nil, dropTruncated
	}
	if raw[0]>>4 != 4 {
		return nil, dropBadVersion
	}
	headerLen := int(raw[0]&0x0f) * 4
	if headerLen < IpHeaderLength || headerLen > len(raw) {
		return nil, dropBadHeaderLength
	}
	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	if totalLen < headerLen || totalLen > len(raw) {
		return nil, dropBadHeaderLength
	}
	if ipChecksum(raw[:headerLen]) != 0 {
		return nil, dropBadChecksum
	}
	// fragmentation is a non-goal: drop anything with MF set or an offset
	fragField := binary.BigEndian.Uint16(raw[6:8])
	if fragField&0x2000 != 0 || fragField&0x1fff != 0 {
		return nil, dropFragment
	}
	dest := net.IP(raw[16:20])
	if !dest.Equal(l.localAddr) {
		return nil, dropNotLocal
	}
	protocol := raw[9]
	if protocol != ProtocolTCP {
		return nil, dropNotTCP
	}
	return &ipDatagram{
		srcAddr:  append(net.IP(nil), raw[12:16]...),
		destAddr: append(net.IP(nil), dest...),
		protocol: protocol,
		payload:  raw[headerLen:totalLen],
	}, dropNone
}

// build encapsulates payload for destination into buffer and returns the
// datagram length. The source address is always the configured local
// address. buffer must hold IpHeaderLength+len(payload) bytes.
func (l *ipLayer) build(buffer []byte, payload []byte, protocol uint8, destination net.IP) int {
	totalLen := IpHeaderLength + len(payload)
	header := buffer[:IpHeaderLength]

	l.nextID++

	header[0] = 0x45 // version 4, 20-byte header
	header[1] = 0    // no DSCP/ECN
	binary.BigEndian.PutUint16(header[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(header[4:6], l.nextID)
	binary.BigEndian.PutUint16(header[6:8], 0) // no fragmentation
	header[8] = l.ttl
	header[9] = protocol
	binary.BigEndian.PutUint16(header[10:12], 0)
	copy(header[12:16], l.localAddr)
	copy(header[16:20], destination.To4())
	binary.BigEndian.PutUint16(header[10:12], ipChecksum(header))

	copy(buffer[IpHeaderLength:], payload)
	return totalLen
}

// ipChecksum is the standard internet checksum over the header bytes. Over a
// valid header (checksum field included) it sums to zero.
func ipChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	if len(header)%2 != 0 {
		sum += uint32(header[len(header)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
