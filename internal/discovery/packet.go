package discovery

import "encoding/binary"

// packetLen is the exact on-wire size of a discovery packet: 4-byte
// prefix, u16 port, u8 crc.
const packetLen = 7

var packetPrefix = [4]byte{'H', 'O', 'I', 'P'}

// buildPacket lays out a discovery packet for port (0 means "request").
func buildPacket(port uint16) [packetLen]byte {
	var pkt [packetLen]byte
	copy(pkt[0:4], packetPrefix[:])
	binary.BigEndian.PutUint16(pkt[4:6], port)
	pkt[6] = crc8(pkt[:6], 0)
	return pkt
}

// Request is the constant "discovery request" packet (port 0).
var Request = buildPacket(0)[:]

// BuildPacket encodes an advertisement/reply packet carrying the
// responder's TCP listen port.
func BuildPacket(port uint16) []byte {
	pkt := buildPacket(port)
	return pkt[:]
}

// ParsePacket validates buf as a discovery packet and, if valid, returns
// the carried port. Packets of the wrong length, wrong prefix, or with a
// failing checksum are rejected (ok=false) silently; the caller decides
// whether that's worth logging.
func ParsePacket(buf []byte) (port uint16, ok bool) {
	if len(buf) != packetLen {
		return 0, false
	}
	if [4]byte(buf[0:4]) != packetPrefix {
		return 0, false
	}
	if crc8(buf[0:6], 0) != buf[6] {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf[4:6]), true
}
