package rfb

import "errors"

var (
	ErrTransport = errors.New("rfb transport")
	ErrProtocol  = errors.New("rfb protocol")
)

// Protocol detail errors, always wrapped with ErrProtocol.
var (
	ErrBadVersion       = errors.New("unexpected protocol version")
	ErrNoSecurityTypes  = errors.New("server offered no security types")
	ErrSecurityNone     = errors.New("server does not offer security type None")
	ErrSecurityRejected = errors.New("security handshake rejected")
	ErrUnexpectedMsg    = errors.New("unexpected server message")
	ErrNoRectangles     = errors.New("framebuffer update without rectangles")
	ErrEncoding         = errors.New("rectangle is not RAW encoded")
	ErrPartialUpdate    = errors.New("rectangle does not cover the framebuffer")
	ErrEmptyFramebuffer = errors.New("server framebuffer has zero size")
	ErrLargeFramebuffer = errors.New("server framebuffer is too large")
)
