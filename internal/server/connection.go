package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanchat/pkg/interfaces"
	"lanchat/pkg/protocol"
)

const writeBufferSize = 100

// Connection wraps a wire with the single-writer pattern: all outbound
// envelopes funnel through a buffered channel drained by one goroutine, so
// the router can fan out to many connections without serializing on any of
// them and without racing on the underlying socket.
type Connection struct {
	id           string
	wire         Wire
	writeCh      chan *protocol.Envelope
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu       sync.RWMutex
	username string
}

// NewConnection wraps a wire and starts its writer goroutine.
func NewConnection(wire Wire, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		wire:         wire,
		writeCh:      make(chan *protocol.Envelope, writeBufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case env := <-c.writeCh:
			if err := c.wire.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.teardown()
				return
			}
			if err := c.wire.WriteEnvelope(env); err != nil {
				// A failed write means the socket is gone; unblock the
				// reader by closing rather than retrying.
				c.teardown()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the connection's unique identifier. It distinguishes two
// connections that claim the same username during teardown races.
func (c *Connection) ID() string {
	return c.id
}

// Username returns the name claimed by a successful join, or "" before one.
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// SetUsername records the name after a successful join.
func (c *Connection) SetUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
}

// WriteEnvelope queues an envelope for delivery. It blocks at most the write
// timeout when the buffer is full; a timeout here means the peer has stopped
// draining and the failure is reported to the caller, which treats it like
// any other per-target delivery failure.
func (c *Connection) WriteEnvelope(env *protocol.Envelope) error {
	select {
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- env:
		return nil
	case <-timer.C:
		return interfaces.ErrWriteTimeout
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	}
}

// ReadEnvelope reads the next inbound envelope from the wire.
func (c *Connection) ReadEnvelope() (*protocol.Envelope, error) {
	return c.wire.ReadEnvelope()
}

// SetReadDeadline bounds the next read; the worker uses it to enforce the
// join grace period.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.wire.SetReadDeadline(t)
}

// RemoteAddr reports the peer address for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.wire.RemoteAddr()
}

// Close shuts the connection down exactly once, giving the writer a short
// window to flush queued envelopes first so a final error reply reaches the
// peer. Closing the wire also unblocks any reader parked in ReadEnvelope.
func (c *Connection) Close() error {
	return c.close(true)
}

func (c *Connection) close(drain bool) error {
	var err error
	c.closeOnce.Do(func() {
		if drain {
			deadline := time.Now().Add(100 * time.Millisecond)
			for len(c.writeCh) > 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
		c.cancel()
		err = c.wire.Close()
	})
	return err
}

// teardown is the writer's own exit path; the queue cannot drain when the
// socket is already dead, so it skips the flush window.
func (c *Connection) teardown() {
	_ = c.close(false)
}
