//go:build !linux

package can

import "log/slog"

// SocketCANTransport is unavailable off Linux; Start always fails so Open
// falls back to TCP.
type SocketCANTransport struct {
	iface    string
	logger   *slog.Logger
	counters counters
}

func NewSocketCANTransport(iface string, logger *slog.Logger) *SocketCANTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketCANTransport{iface: iface, logger: logger}
}

func (t *SocketCANTransport) Start() error { return ErrUnsupported }

func (t *SocketCANTransport) Transmit(f Frame) error {
	t.counters.recordFailed(t.logger, ModeSocketCAN, f, ErrUnsupported)
	return ErrUnsupported
}

func (t *SocketCANTransport) Stats() Stats {
	return Stats{Mode: ModeSocketCAN, FramesFailed: t.counters.failed}
}

func (t *SocketCANTransport) Close() error { return nil }
