package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/target-relay/internal/logger"
)

// Dialer opens the underlying transport
type Dialer func(ctx context.Context) (io.WriteCloser, error)

// Stream is a Link over any io.WriteCloser produced by a Dialer
type Stream struct {
	name     string
	dial     Dialer
	observer Observer

	mu        sync.Mutex // guards conn across connect/disconnect
	conn      io.WriteCloser
	connected atomic.Bool
	inFlight  atomic.Bool
	wg        sync.WaitGroup
}

// NewStream creates a link; observer may be nil
func NewStream(name string, dial Dialer, observer Observer) *Stream {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Stream{name: name, dial: dial, observer: observer}
}

// Name returns the link identifier for logs and status
func (s *Stream) Name() string {
	return s.name
}

// Connect dials the transport
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return ErrAlreadyConnected
	}
	if s.conn != nil {
		// Transport dropped mid-write; release it before redialling
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", s.name, err)
	}

	s.conn = conn
	s.connected.Store(true)
	s.observer.StateChanged(true)
	logger.Info("Link", "Connected: %s", s.name)
	return nil
}

// Disconnect closes the transport. It waits for an outstanding write.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	wasConnected := s.connected.Swap(false)
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	s.wg.Wait()

	if wasConnected {
		s.observer.StateChanged(false)
	}
	logger.Info("Link", "Disconnected: %s", s.name)

	if err != nil {
		return fmt.Errorf("failed to close %s: %w", s.name, err)
	}
	return nil
}

// IsConnected reports the LinkState
func (s *Stream) IsConnected() bool {
	return s.connected.Load()
}

// InFlight reports whether a write is outstanding
func (s *Stream) InFlight() bool {
	return s.inFlight.Load()
}

// Send starts an asynchronous write of p. It never blocks on the transport.
func (s *Stream) Send(p []byte) Outcome {
	if !s.connected.Load() {
		return Failed
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		logger.Debug("Link", "Busy, dropping %d bytes", len(p))
		return Dropped
	}

	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if conn == nil {
		s.inFlight.Store(false)
		return Failed
	}

	buf := append([]byte(nil), p...)
	go s.write(conn, buf)
	return Sent
}

func (s *Stream) write(conn io.WriteCloser, p []byte) {
	defer s.wg.Done()
	defer s.inFlight.Store(false)

	start := time.Now()
	n, err := conn.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		logger.Warn("Link", "Write to %s failed: %v", s.name, err)
		s.observer.WriteFailed(err)
		if isClosed(err) && s.connected.CompareAndSwap(true, false) {
			logger.Warn("Link", "%s went away mid-write", s.name)
			s.observer.StateChanged(false)
		}
		return
	}
	s.observer.WriteCompleted(n, time.Since(start))
}

// isClosed reports whether err means the transport is gone
func isClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}
