package can

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// Bridge accepts TCP peers speaking the 13-byte frame format and forwards
// every frame to Out, usually a SocketCANTransport. It lets a host without
// socketcan drive a vcan interface inside a Linux VM or container.
type Bridge struct {
	Addr   string
	Out    Transport
	Logger *slog.Logger

	forwarded atomic.Uint64
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Forwarded is the number of frames handed to Out.
func (b *Bridge) Forwarded() uint64 { return b.forwarded.Load() }

// Run listens on Addr until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.Addr)
	if err != nil {
		return errx.With(ErrTransport, ": listen %s: %w", b.Addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve takes ownership of ln and closes it when ctx is done. Peers are
// served one at a time, in accept order.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	b.logger().Info("can bridge started", "addr", ln.Addr().String())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		current net.Conn
	)
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		mu.Lock()
		if current != nil {
			current.Close()
		}
		mu.Unlock()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errx.Wrap(ErrTransport, err)
		}

		mu.Lock()
		if current != nil {
			current.Close()
		}
		current = conn
		mu.Unlock()

		wg.Wait()
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.forward(conn)
		}()
	}
}

func (b *Bridge) forward(conn net.Conn) {
	defer conn.Close()
	log := b.logger().With("peer", conn.RemoteAddr().String())
	log.Info("tcp client connected")

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("tcp client read ended", "error", err)
			}
			log.Info("tcp client disconnected")
			return
		}
		if err := b.Out.Transmit(f); err == nil {
			b.forwarded.Add(1)
		}
	}
}
