package can

import "errors"

var (
	ErrTransport     = errors.New("can transport")
	ErrNotConnected  = errors.New("can transport not connected")
	ErrUnsupported   = errors.New("socketcan is not supported on this platform")
	ErrInterfaceDown = errors.New("can interface is down")
)

// Wire errors
var (
	ErrShortFrame = errors.New("short can frame")
	ErrBadLength  = errors.New("can frame data length out of range")
)
