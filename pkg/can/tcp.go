package can

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"
)

const (
	// acceptWait bounds the accept check when no peer is attached.
	acceptWait = 100 * time.Millisecond
	// acceptPoll picks up a replacement peer without delaying a live one.
	acceptPoll = time.Millisecond
	writeWait  = time.Second
)

// TCPTransport listens on addr and streams 13-byte frames to at most one
// peer. A newly accepted peer replaces the previous one.
type TCPTransport struct {
	addr   string
	logger *slog.Logger

	mu        sync.Mutex
	ln        *net.TCPListener
	conn      *net.TCPConn
	connected bool
	lastConn  time.Time
	counters  counters
}

func NewTCPTransport(addr string, logger *slog.Logger) *TCPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPTransport{addr: addr, logger: logger.With("component", "can-tcp")}
}

func (t *TCPTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ln != nil {
		t.logger.Debug("can server already started")
		return nil
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return errx.With(ErrTransport, ": listen %s: %w", t.addr, err)
	}
	t.ln = ln.(*net.TCPListener)
	t.logger.Info("can server started", "mode", ModeTCP, "addr", t.ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return t.addr
	}
	return t.ln.Addr().String()
}

// CheckConnection verifies the current peer and accepts a pending one.
func (t *TCPTransport) CheckConnection() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkConnectionLocked()
}

func (t *TCPTransport) checkConnectionLocked() bool {
	if t.ln == nil {
		t.connected = false
		return false
	}

	wait := acceptWait
	if t.conn != nil && t.connected {
		if err := socketError(t.conn); err != nil {
			t.dropLocked("can client connection lost", err)
		} else {
			wait = acceptPoll
		}
	}

	if err := t.ln.SetDeadline(time.Now().Add(wait)); err != nil {
		return t.connected
	}
	conn, err := t.ln.AcceptTCP()
	if err != nil {
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.logger.Warn("error accepting can connection", "error", err)
		}
		return t.connected
	}

	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.connected = true
	t.lastConn = time.Now().UTC()
	setConnected(true)
	t.logger.Info("can client connected", "peer", conn.RemoteAddr().String())
	return true
}

func (t *TCPTransport) Transmit(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.checkConnectionLocked()
	if !t.connected || t.conn == nil {
		t.counters.recordFailed(t.logger, ModeTCP, f, ErrNotConnected)
		return ErrNotConnected
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		t.dropLocked("can client connection lost", err)
		t.counters.recordFailed(t.logger, ModeTCP, f, err)
		return errx.Wrap(ErrTransport, err)
	}
	if _, err := t.conn.Write(EncodeTCP(f)); err != nil {
		t.dropLocked("can client write failed", err)
		t.counters.recordFailed(t.logger, ModeTCP, f, err)
		return errx.Wrap(ErrTransport, err)
	}
	t.counters.recordSent(t.logger, ModeTCP, f)
	return nil
}

func (t *TCPTransport) dropLocked(msg string, err error) {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	setConnected(false)
	t.logger.Info(msg, "error", err)
}

func (t *TCPTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Mode:         ModeTCP,
		Listening:    t.ln != nil,
		Connected:    t.connected,
		FramesSent:   t.counters.sent,
		FramesFailed: t.counters.failed,
	}
	if !t.lastConn.IsZero() {
		ts := t.lastConn
		s.LastConnectionTime = &ts
	}
	return s
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasConnected := t.connected
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	var err error
	if t.ln != nil {
		err = t.ln.Close()
		t.ln = nil
	}
	t.connected = false
	setConnected(false)
	if wasConnected {
		t.logger.Info("can server stopped, client disconnected")
	} else {
		t.logger.Info("can server stopped")
	}
	return err
}
