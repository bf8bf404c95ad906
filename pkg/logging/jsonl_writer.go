package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// JSONLWriter appends one JSON document per event to a file. With a size
// limit the file is rotated to <path>.1 before a write would exceed it;
// only one old generation is kept.
type JSONLWriter struct {
	path     string
	maxBytes int64

	mu   sync.Mutex
	file *os.File
	size int64
	buf  bytes.Buffer
}

type JSONLOption func(*JSONLWriter)

// WithMaxBytes rotates the file once it would grow past n bytes. n <= 0
// disables rotation.
func WithMaxBytes(n int64) JSONLOption {
	return func(w *JSONLWriter) { w.maxBytes = n }
}

// NewJSONLWriter opens path for appending. The parent directory must exist.
func NewJSONLWriter(path string, opts ...JSONLOption) (*JSONLWriter, error) {
	w := &JSONLWriter{path: path}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *JSONLWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errx.Wrap(ErrCreateLogFile, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errx.Wrap(ErrCreateLogFile, err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *JSONLWriter) Path() string { return w.path }

func (w *JSONLWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	if err := json.NewEncoder(&w.buf).Encode(event); err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	if w.file == nil {
		return errx.With(ErrWriteEvent, ": writer closed")
	}
	if w.maxBytes > 0 && w.size > 0 && w.size+int64(w.buf.Len()) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.file.Write(w.buf.Bytes())
	w.size += int64(n)
	if err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

func (w *JSONLWriter) rotate() error {
	_ = w.file.Sync()
	if err := w.file.Close(); err != nil {
		return errx.Wrap(ErrRotate, err)
	}
	w.file = nil
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return errx.Wrap(ErrRotate, err)
	}
	return w.open()
}

// Close syncs and closes the underlying file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	_ = w.file.Sync()
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}
