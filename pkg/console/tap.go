// Package console reads and writes the guest serial consoles that QEMU
// exposes as TCP chardevs. Each call is a single short-lived connection.
package console

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jingkaihe/ivibench/internal/errx"
)

const (
	DefaultTimeout  = time.Second
	DefaultMaxBytes = 4096
	chunkSize       = 1024
)

type Tap struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (t Tap) addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

func (t Tap) timeout() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTimeout
	}
	return t.Timeout
}

func (t Tap) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: t.timeout()}
	conn, err := d.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, errx.With(ErrTransport, ": connect %s: %w", t.addr(), err)
	}
	return conn, nil
}

// Tail reads up to maxBytes in 1 KiB chunks until EOF or until the console
// stays quiet for the timeout, and returns the text split into lines. A
// failed connection returns an empty slice and the error.
func (t Tap) Tail(ctx context.Context, maxBytes int) ([]string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return []string{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	var sb strings.Builder
	buf := make([]byte, chunkSize)
	for remaining := maxBytes; remaining > 0; {
		if err := conn.SetReadDeadline(time.Now().Add(t.timeout())); err != nil {
			break
		}
		n, err := conn.Read(buf[:min(chunkSize, remaining)])
		sb.Write(buf[:n])
		remaining -= n
		if err != nil {
			break
		}
	}
	return splitLines(sb.String()), nil
}

// SendLine writes line and a trailing newline.
func (t Tap) SendLine(ctx context.Context, line string) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(t.timeout())); err != nil {
		return errx.Wrap(ErrTransport, err)
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return errx.Wrap(ErrTransport, err)
	}
	return nil
}

func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

