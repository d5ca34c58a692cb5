// Package wire implements the fixed 8-byte event frame used on the TCP
// connection between server and client: u16 type, u16 code, i32 value, all
// big-endian, with no length prefix or delimiter.
package wire

import "encoding/binary"

// FrameSize is the number of bytes one encoded event occupies on the wire.
const FrameSize = 8

// Event is one input event, with Linux evdev type/code semantics. It
// carries no timestamp — the receiver stamps "now" when it replays the
// event to the virtual device.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

// Encode appends the 8-byte big-endian frame for e to dst and returns the
// extended slice. Encoding an event cannot fail.
func Encode(dst []byte, e Event) []byte {
	var buf [FrameSize]byte
	binary.BigEndian.PutUint16(buf[0:2], e.Type)
	binary.BigEndian.PutUint16(buf[2:4], e.Code)
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.Value))
	return append(dst, buf[:]...)
}

// Decode attempts to consume one frame from the front of src. It returns
// the decoded event, the number of bytes consumed, and true on success. If
// fewer than FrameSize bytes are available it returns ok=false and leaves
// src untouched for the caller to top up on the next read.
func Decode(src []byte) (e Event, n int, ok bool) {
	if len(src) < FrameSize {
		return Event{}, 0, false
	}
	e.Type = binary.BigEndian.Uint16(src[0:2])
	e.Code = binary.BigEndian.Uint16(src[2:4])
	e.Value = int32(binary.BigEndian.Uint32(src[4:8]))
	return e, FrameSize, true
}

// Decoder accumulates bytes read from a stream and yields frames as they
// become complete. A short read leaves its partial frame buffered for the
// next Feed/Next pass, since the stream is byte-aligned with no delimiter.
type Decoder struct {
	buf []byte
}

// Feed appends newly-read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next pops the oldest buffered frame, if one is complete.
func (d *Decoder) Next() (Event, bool) {
	e, n, ok := Decode(d.buf)
	if !ok {
		return Event{}, false
	}
	d.buf = d.buf[n:]
	return e, true
}
