package can

import (
	"encoding/binary"
	"io"

	"github.com/jingkaihe/ivibench/internal/errx"
)

const (
	// TCPFrameSize is id(4, big endian) + dlc(1) + data(8).
	TCPFrameSize = 13
	// SocketCANFrameSize matches struct can_frame.
	SocketCANFrameSize = 16
)

// EncodeTCP encodes f in the 13-byte TCP stream format. The extended frame
// flag is always set and data is zero padded to 8 bytes.
func EncodeTCP(f Frame) []byte {
	buf := make([]byte, TCPFrameSize)
	binary.BigEndian.PutUint32(buf[0:4], (f.ID&IDMask)|EFFFlag)
	n := copy(buf[5:], f.Data)
	buf[4] = byte(n)
	return buf
}

// EncodeSocketCAN encodes f as a host-endian struct can_frame.
func EncodeSocketCAN(f Frame) []byte {
	buf := make([]byte, SocketCANFrameSize)
	binary.NativeEndian.PutUint32(buf[0:4], (f.ID&IDMask)|EFFFlag)
	n := copy(buf[8:], f.Data)
	buf[4] = byte(n)
	return buf
}

// DecodeTCP parses one 13-byte frame. The description is left empty.
func DecodeTCP(b []byte) (Frame, error) {
	if len(b) < TCPFrameSize {
		return Frame{}, errx.With(ErrShortFrame, ": got %d bytes", len(b))
	}
	dlc := int(b[4])
	if dlc > MaxDataLen {
		return Frame{}, errx.With(ErrBadLength, ": %d", dlc)
	}
	id := binary.BigEndian.Uint32(b[0:4])
	return NewFrame(id&IDMask, b[5:5+dlc], ""), nil
}

// ReadFrame reads exactly one TCP frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	buf := make([]byte, TCPFrameSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	return DecodeTCP(buf)
}
