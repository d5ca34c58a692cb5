package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC8Fixtures(t *testing.T) {
	// Known-answer tests for CRC-8 polynomial 0x9B against the standard
	// check strings.
	assert.Equal(t, byte(0xDA), crc8([]byte("123456789"), 0xFF))
	assert.Equal(t, byte(0x58), crc8([]byte("987654321"), 0xFF))
	assert.Equal(t, byte(0xEA), crc8([]byte("123456789"), 0x00))
	assert.Equal(t, byte(0x68), crc8([]byte("987654321"), 0x00))
}

func TestRequestPacket(t *testing.T) {
	// build(port=0) = 48 4F 49 50 00 00 E1
	assert.Equal(t, []byte{0x48, 0x4F, 0x49, 0x50, 0x00, 0x00, 0xE1}, Request)
}

func TestReplyPacketPort27056(t *testing.T) {
	// port 27056 = 0x69B0
	pkt := BuildPacket(27056)
	assert.Equal(t, []byte{0x48, 0x4F, 0x49, 0x50, 0x69, 0xB0}, pkt[:6])
	assert.Equal(t, crc8(pkt[:6], 0), pkt[6])
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()
	// parse(build(port)) == port, for every port.
	for port := 0; port <= 0xFFFF; port++ {
		pkt := BuildPacket(uint16(port))
		got, ok := ParsePacket(pkt)
		require.True(t, ok)
		assert.Equal(t, uint16(port), got)
	}
}

func TestPacketRejectsSingleByteMutation(t *testing.T) {
	t.Parallel()
	pkt := BuildPacket(12345)
	for i := range pkt {
		mutated := append([]byte(nil), pkt...)
		mutated[i] ^= 0xFF
		_, ok := ParsePacket(mutated)
		assert.False(t, ok, "byte %d mutation should invalidate packet", i)
	}
}

func TestPacketRejectsBadLength(t *testing.T) {
	t.Parallel()
	pkt := BuildPacket(1)
	_, ok := ParsePacket(pkt[:len(pkt)-1])
	assert.False(t, ok)
	_, ok = ParsePacket(append(pkt, 0))
	assert.False(t, ok)
}

func TestPacketRejectsBadPrefix(t *testing.T) {
	t.Parallel()
	pkt := BuildPacket(1)
	mutated := append([]byte(nil), pkt...)
	mutated[0] = 'X'
	_, ok := ParsePacket(mutated)
	assert.False(t, ok)
}
