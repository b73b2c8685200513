package delivery

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"golang.org/x/sys/unix"
)

// PipeTransport delivers float32 little-endian PCM to an existing FIFO or unix
// stream socket.
type PipeTransport struct {
	dir string
}

// NewPipeTransport resolves relative sink names against dir.
func NewPipeTransport(dir string) *PipeTransport {
	return &PipeTransport{dir: dir}
}

func (t *PipeTransport) resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty sink name", ErrUnavailable)
	}
	if filepath.IsAbs(name) || t.dir == "" {
		return name, nil
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q escapes pipe directory", ErrUnavailable, name)
	}
	return filepath.Join(t.dir, name), nil
}

func (t *PipeTransport) Open(name string) (Sink, error) {
	path, err := t.resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}

	switch mode := info.Mode(); {
	case mode&fs.ModeNamedPipe != 0:
		return openFIFO(path)
	case mode&fs.ModeSocket != 0:
		conn, err := net.Dial("unix", path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
		}
		return newStreamSink(path, conn), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a pipe or socket", ErrUnavailable, path)
	}
}

// openFIFO opens without blocking so a FIFO with no reader fails with ENXIO
// instead of hanging the worker, then switches the descriptor back to blocking writes.
func openFIFO(path string) (Sink, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("%w: %s has no reader", ErrUnavailable, path)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}
	return newStreamSink(path, os.NewFile(uintptr(fd), path)), nil
}

type streamSink struct {
	name string
	w    io.WriteCloser
	buf  []byte

	closeOnce sync.Once
	closeErr  error
}

func newStreamSink(name string, w io.WriteCloser) *streamSink {
	return &streamSink{name: name, w: w}
}

// Write sends samples as one payload. An empty slice is a zero-length write.
func (s *streamSink) Write(samples []float32) error {
	s.buf = audio.AppendFloat32LE(s.buf[:0], samples)
	if _, err := s.w.Write(s.buf); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, s.name, err)
	}
	return nil
}

func (s *streamSink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.w.Close()
	})
	return s.closeErr
}
