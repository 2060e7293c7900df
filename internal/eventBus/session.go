package eventBus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrSessionClosed = errors.New("session closed")

// Session is one observer connection.
type Session interface {
	ID() string
	// Send delivers ev or fails once ctx is done.
	Send(ctx context.Context, ev Event) error
	Close() error
}

// ChanSession delivers events to an in-process subscriber.
type ChanSession struct {
	id string
	ch chan Event

	mu     sync.Mutex
	closed bool
}

func NewChanSession(buffer int) *ChanSession {
	return &ChanSession{id: uuid.NewString(), ch: make(chan Event, buffer)}
}

func (s *ChanSession) ID() string { return s.id }

// C returns the event channel. It is closed by Close.
func (s *ChanSession) C() <-chan Event { return s.ch }

func (s *ChanSession) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChanSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
