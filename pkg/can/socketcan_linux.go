//go:build linux

package can

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// SocketCANTransport writes raw frames to a CAN interface such as vcan0,
// which QEMU reaches through can-host-socketcan.
type SocketCANTransport struct {
	iface  string
	logger *slog.Logger

	mu        sync.Mutex
	fd        int
	connected bool
	started   time.Time
	counters  counters
}

func NewSocketCANTransport(iface string, logger *slog.Logger) *SocketCANTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketCANTransport{
		iface:  iface,
		fd:     -1,
		logger: logger.With("component", "can-socketcan", "interface", iface),
	}
}

func (t *SocketCANTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd >= 0 {
		return nil
	}
	fd, err := openCANSocket(t.iface)
	if err != nil {
		return err
	}
	t.fd = fd
	t.connected = true
	t.started = time.Now().UTC()
	setConnected(true)
	t.logger.Info("can server started", "mode", ModeSocketCAN)
	return nil
}

// openCANSocket checks the link over netlink and binds a raw CAN socket
// to it. Writes time out instead of blocking when the queue is full.
func openCANSocket(iface string) (int, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return -1, errx.With(ErrTransport, ": lookup interface %s: %w", iface, err)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return -1, errx.With(ErrInterfaceDown, ": %s", iface)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return -1, errx.With(ErrTransport, ": socket: %w", err)
	}
	tv := unix.NsecToTimeval(int64(100 * time.Millisecond))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, errx.With(ErrTransport, ": set send timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: attrs.Index}); err != nil {
		unix.Close(fd)
		return -1, errx.With(ErrTransport, ": bind %s: %w", iface, err)
	}
	return fd, nil
}

func (t *SocketCANTransport) Transmit(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.fd < 0 {
		t.counters.recordFailed(t.logger, ModeSocketCAN, f, ErrNotConnected)
		return ErrNotConnected
	}
	if _, err := unix.Write(t.fd, EncodeSocketCAN(f)); err != nil {
		t.connected = false
		setConnected(false)
		t.counters.recordFailed(t.logger, ModeSocketCAN, f, err)
		return errx.Wrap(ErrTransport, err)
	}
	t.counters.recordSent(t.logger, ModeSocketCAN, f)
	return nil
}

func (t *SocketCANTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Mode:         ModeSocketCAN,
		Listening:    t.fd >= 0,
		Connected:    t.connected,
		FramesSent:   t.counters.sent,
		FramesFailed: t.counters.failed,
	}
	if !t.started.IsZero() {
		ts := t.started
		s.LastConnectionTime = &ts
	}
	return s
}

func (t *SocketCANTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.fd >= 0 {
		err = unix.Close(t.fd)
		t.fd = -1
	}
	t.connected = false
	setConnected(false)
	t.logger.Info("can server stopped")
	return err
}
