// Package rfb is a minimal RFB 3.8 client that pulls full-frame RAW
// snapshots from a local QEMU VNC server. Only security type None and the
// RAW encoding are supported.
package rfb

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"
)

const DefaultTimeout = time.Second

// Frame is one captured framebuffer in BGRX byte order.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client holds at most one session. Any error tears the session down and
// the next call handshakes again. Calls are serialized.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	conn       net.Conn
	r          *bufio.Reader
	handshaken bool
	width      uint16
	height     uint16
	server     PixelFormat
	name       string
}

func NewClient(host string, port int, opts ...Option) *Client {
	c := &Client{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rfb", "addr", c.addr)
	return c
}

func (c *Client) Addr() string { return c.addr }

// ServerPixelFormat is the format announced in ServerInit, before the
// client overrides it with BGRX.
func (c *Client) ServerPixelFormat() PixelFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Size returns the negotiated framebuffer size, zero before a handshake.
func (c *Client) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.width), int(c.height)
}

// Capture returns one full frame. The returned error wraps ErrTransport or
// ErrProtocol.
func (c *Client) Capture(ctx context.Context) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx); err != nil {
		c.closeLocked()
		return nil, err
	}

	stop := c.watch(ctx)
	frame, err := c.requestFrame()
	stop()
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	return frame, nil
}

// CapturePNG captures and encodes one frame.
func (c *Client) CapturePNG(ctx context.Context) ([]byte, error) {
	frame, err := c.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return EncodePNG(frame)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.conn = nil
	c.r = nil
	c.handshaken = false
	return err
}

// watch bounds the next exchange by the timeout and by ctx.
func (c *Client) watch(ctx context.Context) func() bool {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := c.conn
	_ = conn.SetDeadline(deadline)
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.handshaken && c.conn != nil {
		return nil
	}
	c.closeLocked()

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errx.Wrap(ErrTransport, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)

	stop := c.watch(ctx)
	defer stop()
	if err := c.handshake(); err != nil {
		return err
	}
	c.handshaken = true
	c.logger.Debug("rfb handshake complete", "width", c.width, "height", c.height, "name", c.name)
	return nil
}

func (c *Client) handshake() error {
	ver, err := c.read(12)
	if err != nil {
		return err
	}
	if string(ver[:4]) != "RFB " {
		return errx.With(ErrProtocol, ": %w: %q", ErrBadVersion, ver)
	}
	if err := c.write([]byte(protocolVersion)); err != nil {
		return err
	}

	n, err := c.read(1)
	if err != nil {
		return err
	}
	if n[0] == 0 {
		return errx.With(ErrProtocol, ": %w", ErrNoSecurityTypes)
	}
	types, err := c.read(int(n[0]))
	if err != nil {
		return err
	}
	offered := false
	for _, t := range types {
		if t == securityNone {
			offered = true
			break
		}
	}
	if !offered {
		return errx.With(ErrProtocol, ": %w: offered %v", ErrSecurityNone, types)
	}
	if err := c.write([]byte{securityNone}); err != nil {
		return err
	}

	result, err := c.read(4)
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint32(result) != 0 {
		return errx.With(ErrProtocol, ": %w", ErrSecurityRejected)
	}

	// ClientInit, shared.
	if err := c.write([]byte{1}); err != nil {
		return err
	}

	serverInit, err := c.read(24)
	if err != nil {
		return err
	}
	c.width = binary.BigEndian.Uint16(serverInit[0:2])
	c.height = binary.BigEndian.Uint16(serverInit[2:4])
	c.server = parsePixelFormat(serverInit[4:20])
	nameLen := binary.BigEndian.Uint32(serverInit[20:24])
	if nameLen > maxNameLen {
		return errx.With(ErrProtocol, ": %w: name length %d", ErrUnexpectedMsg, nameLen)
	}
	if nameLen > 0 {
		name, err := c.read(int(nameLen))
		if err != nil {
			return err
		}
		c.name = string(name)
	}
	if c.width == 0 || c.height == 0 {
		return errx.With(ErrProtocol, ": %w", ErrEmptyFramebuffer)
	}
	if c.width > maxDimension || c.height > maxDimension {
		return errx.With(ErrProtocol, ": %w: %dx%d", ErrLargeFramebuffer, c.width, c.height)
	}

	if err := c.write(setPixelFormatMsg(BGRX)); err != nil {
		return err
	}
	return c.write(setEncodingsMsg(encodingRaw))
}

func (c *Client) requestFrame() (*Frame, error) {
	if err := c.write(updateRequestMsg(false, 0, 0, c.width, c.height)); err != nil {
		return nil, err
	}

	hdr, err := c.read(4)
	if err != nil {
		return nil, err
	}
	if hdr[0] != msgFramebufferUpdate {
		return nil, errx.With(ErrProtocol, ": %w: type %d", ErrUnexpectedMsg, hdr[0])
	}
	rects := int(binary.BigEndian.Uint16(hdr[2:4]))
	if rects == 0 {
		return nil, errx.With(ErrProtocol, ": %w", ErrNoRectangles)
	}

	first, err := c.readRectHeader()
	if err != nil {
		return nil, err
	}
	if first.Encoding != encodingRaw {
		return nil, errx.With(ErrProtocol, ": %w: %d", ErrEncoding, first.Encoding)
	}
	if first.X != 0 || first.Y != 0 || first.W != c.width || first.H != c.height {
		return nil, errx.With(ErrProtocol, ": %w: %dx%d+%d+%d, want %dx%d",
			ErrPartialUpdate, first.W, first.H, first.X, first.Y, c.width, c.height)
	}
	pix, err := c.read(int(first.W) * int(first.H) * bytesPerPixel)
	if err != nil {
		return nil, err
	}

	for i := 1; i < rects; i++ {
		rh, err := c.readRectHeader()
		if err != nil {
			return nil, err
		}
		if rh.Encoding != encodingRaw {
			return nil, errx.With(ErrProtocol, ": %w: %d", ErrEncoding, rh.Encoding)
		}
		if _, err := c.r.Discard(int(rh.W) * int(rh.H) * bytesPerPixel); err != nil {
			return nil, errx.Wrap(ErrTransport, err)
		}
	}

	return &Frame{Width: int(c.width), Height: int(c.height), Pix: pix}, nil
}

func (c *Client) readRectHeader() (rectHeader, error) {
	b, err := c.read(12)
	if err != nil {
		return rectHeader{}, err
	}
	return parseRectHeader(b), nil
}

func (c *Client) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errx.Wrap(ErrTransport, err)
	}
	return buf, nil
}

func (c *Client) write(b []byte) error {
	if _, err := c.conn.Write(b); err != nil {
		return errx.Wrap(ErrTransport, err)
	}
	return nil
}
