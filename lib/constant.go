package lib

// TCP flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpOptionsMaxLength   = 40
	TcpHeaderLength       = 20 // options not included
	TcpPseudoHeaderLength = 12
	IpHeaderLength        = 20 // this stack never emits IP options
	IpHeaderMaxLength     = 60
	ProtocolTCP           = 6
	EthernetMTU           = 1500
	TunPIHeaderLength     = 4 // tuntap packet information prefix (flags + proto)
)

// TCP option kinds this stack understands. Unknown kinds are skipped.
const (
	tcpOptEnd      = 0
	tcpOptNop      = 1
	tcpOptMSS      = 2
	tcpOptWndScale = 3
)

// maxAdvertisedWindow is the largest receive window we advertise. We only
// ever offer a window scale shift of zero, so the 16-bit field is the
// ceiling.
const maxAdvertisedWindow = 65535
