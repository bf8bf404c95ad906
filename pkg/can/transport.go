package can

import (
	"log/slog"
	"time"

	"github.com/jingkaihe/ivibench/pkg/metrics"
)

const (
	ModeSocketCAN = "socketcan"
	ModeTCP       = "tcp"
)

// Transport delivers frames to the guest. Implementations serialize their
// own state and never block a caller for long.
type Transport interface {
	Start() error
	Transmit(Frame) error
	Stats() Stats
	Close() error
}

type Stats struct {
	Mode               string     `json:"mode"`
	Listening          bool       `json:"listening"`
	Connected          bool       `json:"connected"`
	FramesSent         uint64     `json:"frames_sent"`
	FramesFailed       uint64     `json:"frames_failed"`
	LastConnectionTime *time.Time `json:"last_connection_time"`
}

// counters tracks delivery totals. Failures are logged on the 1st, 11th,
// 21st... and successes on the 1st, 51st... to keep the log readable when
// no peer is attached. Callers hold the transport lock.
type counters struct {
	sent   uint64
	failed uint64
}

func (c *counters) recordSent(logger *slog.Logger, mode string, f Frame) {
	c.sent++
	metrics.CANFrames.WithLabelValues("sent").Inc()
	if c.sent%50 == 1 {
		logger.Info("transmitted can frame", "mode", mode, "id", hexID(f.ID), "total", c.sent)
	}
}

func (c *counters) recordFailed(logger *slog.Logger, mode string, f Frame, err error) {
	c.failed++
	metrics.CANFrames.WithLabelValues("failed").Inc()
	if c.failed%10 == 1 {
		logger.Warn("failed to transmit can frame", "mode", mode, "id", hexID(f.ID), "failed", c.failed, "error", err)
	}
}

func setConnected(connected bool) {
	if connected {
		metrics.CANTransportConnected.Set(1)
		return
	}
	metrics.CANTransportConnected.Set(0)
}
