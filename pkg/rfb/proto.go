package rfb

import "encoding/binary"

const (
	protocolVersion = "RFB 003.008\n"

	securityNone = 1

	msgSetPixelFormat           = 0
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3

	msgFramebufferUpdate = 0

	encodingRaw = 0

	bytesPerPixel = 4

	// maxDimension bounds each framebuffer side before a frame is allocated.
	maxDimension = 8192

	maxNameLen = 1 << 16
)

// PixelFormat is the 16-byte RFB pixel format block.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColor    bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// BGRX is the format the client asks for: 32bpp little-endian true color,
// which puts blue, green, red and padding in byte order.
var BGRX = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColor:    true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

func (p PixelFormat) marshal() []byte {
	b := make([]byte, 16)
	b[0] = p.BitsPerPixel
	b[1] = p.Depth
	b[2] = boolByte(p.BigEndian)
	b[3] = boolByte(p.TrueColor)
	binary.BigEndian.PutUint16(b[4:6], p.RedMax)
	binary.BigEndian.PutUint16(b[6:8], p.GreenMax)
	binary.BigEndian.PutUint16(b[8:10], p.BlueMax)
	b[10] = p.RedShift
	b[11] = p.GreenShift
	b[12] = p.BlueShift
	return b
}

func parsePixelFormat(b []byte) PixelFormat {
	return PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColor:    b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:6]),
		GreenMax:     binary.BigEndian.Uint16(b[6:8]),
		BlueMax:      binary.BigEndian.Uint16(b[8:10]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func setPixelFormatMsg(p PixelFormat) []byte {
	return append([]byte{msgSetPixelFormat, 0, 0, 0}, p.marshal()...)
}

func setEncodingsMsg(encodings ...int32) []byte {
	b := make([]byte, 4+4*len(encodings))
	b[0] = msgSetEncodings
	binary.BigEndian.PutUint16(b[2:4], uint16(len(encodings)))
	for i, e := range encodings {
		binary.BigEndian.PutUint32(b[4+4*i:], uint32(e))
	}
	return b
}

func updateRequestMsg(incremental bool, x, y, w, h uint16) []byte {
	b := make([]byte, 10)
	b[0] = msgFramebufferUpdateRequest
	b[1] = boolByte(incremental)
	binary.BigEndian.PutUint16(b[2:4], x)
	binary.BigEndian.PutUint16(b[4:6], y)
	binary.BigEndian.PutUint16(b[6:8], w)
	binary.BigEndian.PutUint16(b[8:10], h)
	return b
}

type rectHeader struct {
	X, Y, W, H uint16
	Encoding   int32
}

func parseRectHeader(b []byte) rectHeader {
	return rectHeader{
		X:        binary.BigEndian.Uint16(b[0:2]),
		Y:        binary.BigEndian.Uint16(b[2:4]),
		W:        binary.BigEndian.Uint16(b[4:6]),
		H:        binary.BigEndian.Uint16(b[6:8]),
		Encoding: int32(binary.BigEndian.Uint32(b[8:12])),
	}
}
