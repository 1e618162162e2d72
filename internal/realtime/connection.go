package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/auth"
	"github.com/google/uuid"
)

const defaultSendBuffer = 64

// State is the lifecycle position of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live transport session. Outbound frames are queued on a
// bounded buffer drained by the session writer; the buffer is never closed,
// termination is signalled through Done.
type Connection struct {
	id        string
	createdAt time.Time
	principal auth.Principal

	state     atomic.Int32
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

// NewConnection constructs a Connection in the connecting state.
func NewConnection(sendBuffer int, createdAt time.Time) (*Connection, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Connection{
		id:        identifier.String(),
		createdAt: createdAt.UTC(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}, nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Principal returns the authenticated principal, or the zero value before authentication.
func (c *Connection) Principal() auth.Principal {
	return c.principal
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Authenticate binds principal to the connection. It succeeds once, from the connecting state.
func (c *Connection) Authenticate(principal auth.Principal) error {
	if principal.ID == "" {
		return ErrNotAuthenticated
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return ErrNotAuthenticated
	}
	c.principal = principal
	return nil
}

func (c *Connection) activate() bool {
	return c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive))
}

// Enqueue queues frame without blocking. A full buffer closes the connection.
func (c *Connection) Enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.Close(CodeTransportFault)
		return ErrSendBufferFull
	}
}

// Close moves the connection to the closed state. Only the first reason is kept.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns the reason passed to the first Close call.
func (c *Connection) CloseReason() string {
	reason, _ := c.reason.Load().(string)
	return reason
}

func (c *Connection) outbound() <-chan []byte {
	return c.send
}
