package can

import (
	"errors"
	"sync"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []Frame
	fail   bool
}

func (f *fakeTransport) Start() error { return nil }

func (f *fakeTransport) Transmit(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("peer gone")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeTransport) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Mode: "fake", Connected: !f.fail, FramesSent: uint64(len(f.frames))}
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sent() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.frames...)
}

func descriptions(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Description
	}
	return out
}
