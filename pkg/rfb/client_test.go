package rfb

import (
	"bytes"
	"context"
	"encoding/binary"
	"image/png"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rect struct {
	x, y, w, h uint16
	encoding   int32
}

// fakeServer speaks just enough RFB 3.8 for one client at a time. Each
// update request is answered with the next entry of updates, or the last
// entry once they run out.
type fakeServer struct {
	t          *testing.T
	ln         net.Listener
	width      uint16
	height     uint16
	secTypes   []byte
	updates    [][]rect
	handshakes atomic.Int32

	mu       sync.Mutex
	requests int
	wg       sync.WaitGroup
}

func newFakeServer(t *testing.T, w, h uint16, updates ...[]rect) *fakeServer {
	t.Helper()
	return newFakeServerWithSecurity(t, []byte{securityNone}, w, h, updates...)
}

func newFakeServerWithSecurity(t *testing.T, secTypes []byte, w, h uint16, updates ...[]rect) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{t: t, ln: ln, width: w, height: h, secTypes: secTypes, updates: updates}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) client(opts ...Option) *Client {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	c := NewClient(host, p, append([]Option{WithTimeout(2 * time.Second)}, opts...)...)
	s.t.Cleanup(func() { c.Close() })
	return c
}

func (s *fakeServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.session(conn)
		}()
	}
}

func (s *fakeServer) session(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte("RFB 003.008\n"))
	if _, err := io.ReadFull(conn, make([]byte, 12)); err != nil {
		return
	}
	conn.Write(append([]byte{byte(len(s.secTypes))}, s.secTypes...))
	if len(s.secTypes) == 0 {
		return
	}
	choice := make([]byte, 1)
	if _, err := io.ReadFull(conn, choice); err != nil {
		return
	}
	conn.Write([]byte{0, 0, 0, 0})
	if _, err := io.ReadFull(conn, make([]byte, 1)); err != nil {
		return
	}

	name := "qemu"
	serverInit := make([]byte, 24)
	binary.BigEndian.PutUint16(serverInit[0:2], s.width)
	binary.BigEndian.PutUint16(serverInit[2:4], s.height)
	copy(serverInit[4:20], BGRX.marshal())
	binary.BigEndian.PutUint32(serverInit[20:24], uint32(len(name)))
	conn.Write(append(serverInit, name...))

	// SetPixelFormat (20) + SetEncodings with one encoding (8).
	if _, err := io.ReadFull(conn, make([]byte, 28)); err != nil {
		return
	}
	s.handshakes.Add(1)

	for {
		req := make([]byte, 10)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		s.mu.Lock()
		idx := s.requests
		s.requests++
		s.mu.Unlock()
		if idx >= len(s.updates) {
			idx = len(s.updates) - 1
		}
		rects := s.updates[idx]

		var buf bytes.Buffer
		hdr := []byte{msgFramebufferUpdate, 0, 0, 0}
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(rects)))
		buf.Write(hdr)
		for _, r := range rects {
			rh := make([]byte, 12)
			binary.BigEndian.PutUint16(rh[0:2], r.x)
			binary.BigEndian.PutUint16(rh[2:4], r.y)
			binary.BigEndian.PutUint16(rh[4:6], r.w)
			binary.BigEndian.PutUint16(rh[6:8], r.h)
			binary.BigEndian.PutUint32(rh[8:12], uint32(r.encoding))
			buf.Write(rh)
			if r.encoding == encodingRaw {
				px := bytes.Repeat([]byte{0x10, 0x20, 0x30, 0x00}, int(r.w)*int(r.h))
				buf.Write(px)
			}
		}
		conn.Write(buf.Bytes())
	}
}

func full(w, h uint16) []rect { return []rect{{0, 0, w, h, encodingRaw}} }

func TestCapture_FullFrame(t *testing.T) {
	srv := newFakeServer(t, 4, 3, full(4, 3))
	c := srv.client()

	frame, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, frame.Width)
	assert.Equal(t, 3, frame.Height)
	assert.Len(t, frame.Pix, 4*3*4)

	w, h := c.Size()
	assert.Equal(t, 4, w)
	assert.Equal(t, 3, h)

	_, err = c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.handshakes.Load(), "session must be reused")
}

func TestCapture_DrainsExtraRects(t *testing.T) {
	srv := newFakeServer(t, 2, 2, []rect{
		{0, 0, 2, 2, encodingRaw},
		{0, 0, 1, 1, encodingRaw},
	})
	c := srv.client()

	for i := 0; i < 2; i++ {
		frame, err := c.Capture(context.Background())
		require.NoError(t, err)
		assert.Len(t, frame.Pix, 16)
	}
	assert.Equal(t, int32(1), srv.handshakes.Load())
}

func TestCapture_NonRawRehandshakes(t *testing.T) {
	srv := newFakeServer(t, 2, 2,
		[]rect{{0, 0, 2, 2, 5}},
		full(2, 2),
	)
	c := srv.client()

	frame, err := c.Capture(context.Background())
	require.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrEncoding)
	assert.Nil(t, frame)

	frame, err = c.Capture(context.Background())
	require.NoError(t, err)
	assert.Len(t, frame.Pix, 16)
	assert.Equal(t, int32(2), srv.handshakes.Load(), "failed session must not be reused")
}

func TestCapture_PartialRectRejected(t *testing.T) {
	srv := newFakeServer(t, 4, 4, []rect{{0, 0, 2, 2, encodingRaw}})
	c := srv.client()

	frame, err := c.Capture(context.Background())
	require.ErrorIs(t, err, ErrPartialUpdate)
	assert.Nil(t, frame)
}

func TestCapture_NoRectangles(t *testing.T) {
	srv := newFakeServer(t, 2, 2, []rect{})
	c := srv.client()

	_, err := c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoRectangles)
}

func TestCapture_OversizedFramebufferRejected(t *testing.T) {
	tests := []struct {
		name string
		w, h uint16
	}{
		{"both sides", 65535, 65535},
		{"width", maxDimension + 1, 16},
		{"height", 16, maxDimension + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t, tt.w, tt.h)
			c := srv.client()

			frame, err := c.Capture(context.Background())
			require.ErrorIs(t, err, ErrProtocol)
			assert.ErrorIs(t, err, ErrLargeFramebuffer)
			assert.Nil(t, frame)
			assert.Zero(t, srv.handshakes.Load(), "no pixel format is negotiated")
		})
	}
}

func TestCapture_MaxFramebufferAccepted(t *testing.T) {
	srv := newFakeServer(t, maxDimension, 1, full(maxDimension, 1))
	c := srv.client()

	frame, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, maxDimension, frame.Width)
}

func TestCapture_SecurityNoneMissing(t *testing.T) {
	srv := newFakeServerWithSecurity(t, []byte{2}, 2, 2, full(2, 2))
	c := srv.client()

	_, err := c.Capture(context.Background())
	require.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrSecurityNone)
}

func TestCapture_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c := NewClient("127.0.0.1", addr.Port, WithTimeout(200*time.Millisecond))
	_, err = c.Capture(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestCapture_ContextCanceled(t *testing.T) {
	srv := newFakeServer(t, 2, 2, full(2, 2))
	c := srv.client()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Capture(ctx)
	assert.Error(t, err)
}

func TestCapturePNG(t *testing.T) {
	srv := newFakeServer(t, 3, 2, full(3, 2))
	c := srv.client()

	data, err := c.CapturePNG(context.Background())
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	r, g, b, a := img.At(0, 0).RGBA()
	// BGRX 10 20 30 00 decodes to R=0x30 G=0x20 B=0x10.
	assert.Equal(t, uint32(0x30), r>>8)
	assert.Equal(t, uint32(0x20), g>>8)
	assert.Equal(t, uint32(0x10), b>>8)
	assert.Equal(t, uint32(0xFF), a>>8)
}

func TestEncodePNG_RejectsShortBuffer(t *testing.T) {
	_, err := EncodePNG(&Frame{Width: 2, Height: 2, Pix: make([]byte, 4)})
	assert.ErrorIs(t, err, ErrProtocol)
}
