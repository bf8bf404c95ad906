package can

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/jingkaihe/ivibench/pkg/api"
)

// Open selects and starts a transport once at startup. In auto mode a
// usable socketcan interface wins and anything else falls back to TCP.
func Open(cfg api.CANConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	switch cfg.Mode {
	case api.CANModeSocketCAN:
		t := NewSocketCANTransport(cfg.Interface, logger)
		if err := t.Start(); err != nil {
			return nil, err
		}
		return t, nil
	case api.CANModeTCP:
		t := NewTCPTransport(addr, logger)
		if err := t.Start(); err != nil {
			return nil, err
		}
		return t, nil
	}

	if cfg.Interface != "" {
		t := NewSocketCANTransport(cfg.Interface, logger)
		err := t.Start()
		if err == nil {
			return t, nil
		}
		logger.Info("socketcan unavailable, falling back to tcp", "interface", cfg.Interface, "error", err)
	}
	t := NewTCPTransport(addr, logger)
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}
