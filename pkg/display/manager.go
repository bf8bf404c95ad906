// Package display hands out PNG frames for the head unit and cluster
// screens, preferring a live capture and falling back to placeholders.
package display

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/metrics"
)

type Display string

const (
	HeadUnit Display = "hu"
	Cluster  Display = "cluster"
)

var Displays = []Display{HeadUnit, Cluster}

func ParseDisplay(s string) (Display, error) {
	for _, d := range Displays {
		if string(d) == s {
			return d, nil
		}
	}
	return "", errx.With(ErrUnknownDisplay, ": %q", s)
}

// Provider returns one encoded PNG frame.
type Provider func(ctx context.Context) ([]byte, error)

type Frame struct {
	Display    Display   `json:"display"`
	PNG        []byte    `json:"-"`
	Live       bool      `json:"live"`
	CapturedAt time.Time `json:"captured_at"`
}

type sequence struct {
	paths    []string
	next     int
	fallback []byte
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu           sync.Mutex
	providers    map[Display]Provider
	placeholders map[Display]*sequence
	logger       *slog.Logger
}

// NewManager loads placeholders from dir: loop*.png for the head unit and
// progress_empty.png for the cluster. Either may be missing, in which case
// a generated solid frame is used.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		providers:    make(map[Display]Provider),
		placeholders: make(map[Display]*sequence),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.placeholders[HeadUnit] = &sequence{fallback: solidPNG(800, 480, color.RGBA{0x10, 0x10, 0x18, 0xFF})}
	m.placeholders[Cluster] = &sequence{fallback: solidPNG(1280, 480, color.RGBA{0x00, 0x00, 0x00, 0xFF})}

	if dir != "" {
		loops, _ := filepath.Glob(filepath.Join(dir, "loop*.png"))
		sort.Strings(loops)
		m.placeholders[HeadUnit].paths = loops

		cluster := filepath.Join(dir, "progress_empty.png")
		if _, err := os.Stat(cluster); err == nil {
			m.placeholders[Cluster].paths = []string{cluster}
		}
		m.logger.Debug("display placeholders loaded", "dir", dir, "hu", len(loops), "cluster", len(m.placeholders[Cluster].paths))
	}
	return m
}

// SetProvider installs the live source for d. A nil provider leaves only
// the placeholders.
func (m *Manager) SetProvider(d Display, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		delete(m.providers, d)
		return
	}
	m.providers[d] = p
}

// Next tries the live provider and then the placeholder sequence.
func (m *Manager) Next(ctx context.Context, d Display) (Frame, error) {
	m.mu.Lock()
	provider, hasProvider := m.providers[d]
	_, known := m.placeholders[d]
	m.mu.Unlock()
	if !known {
		return Frame{}, errx.With(ErrUnknownDisplay, ": %q", d)
	}

	if hasProvider {
		start := time.Now()
		data, err := provider(ctx)
		metrics.RFBCaptureSeconds.WithLabelValues(string(d)).Observe(time.Since(start).Seconds())
		metrics.RFBCaptures.WithLabelValues(string(d), metrics.Result(err)).Inc()
		if err == nil && len(data) > 0 {
			return Frame{Display: d, PNG: data, Live: true, CapturedAt: time.Now().UTC()}, nil
		}
		m.logger.Debug("live frame unavailable, using placeholder", "display", d, "error", err)
	}

	data := m.placeholder(d)
	if len(data) == 0 {
		return Frame{}, errx.With(ErrNoFrame, ": %s", d)
	}
	return Frame{Display: d, PNG: data, CapturedAt: time.Now().UTC()}, nil
}

func (m *Manager) placeholder(d Display) []byte {
	m.mu.Lock()
	seq := m.placeholders[d]
	var path string
	if len(seq.paths) > 0 {
		path = seq.paths[seq.next%len(seq.paths)]
		seq.next++
	}
	fallback := seq.fallback
	m.mu.Unlock()

	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn("failed to read placeholder frame", "path", path, "error", err)
		return fallback
	}
	return data
}

func solidPNG(w, h int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
