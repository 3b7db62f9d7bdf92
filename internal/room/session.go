package room

import (
	"time"

	"github.com/rs/zerolog"
)

// Transport is the write side of a client connection. Send is only called
// from the session's writer goroutine. Close may be called more than once
// and concurrently with Send, and must unblock a pending Send.
type Transport interface {
	Send(frame []byte) error
	Close(reason string)
}

// SessionInfo describes a connection the gateway has already authorized.
type SessionInfo struct {
	ID       string
	UserID   string
	ReadOnly bool
}

// session is owned by the room actor; only out is shared with the writer.
type session struct {
	SessionInfo
	attachedAt time.Time
	transport  Transport
	out        chan []byte
	closed     bool
}

func newSession(info SessionInfo, transport Transport, queue int) *session {
	return &session{
		SessionInfo: info,
		attachedAt:  time.Now(),
		transport:   transport,
		out:         make(chan []byte, queue),
	}
}

// enqueue reports false when the outbound buffer is full.
func (s *session) enqueue(frame []byte) bool {
	if s.closed {
		return true
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *session) close(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
	go s.transport.Close(reason)
}

// writeLoop delivers frames in order until the room closes the queue. After a
// write error the rest of the queue is discarded.
func (s *session) writeLoop(log zerolog.Logger, onError func(sessionID string)) {
	for frame := range s.out {
		if err := s.transport.Send(frame); err != nil {
			log.Debug().Err(err).Str("session", s.ID).Msg("session write failed")
			onError(s.ID)
			for range s.out {
			}
			return
		}
	}
}
