// Package client implements the chat protocol for Go programs: framing,
// payload encryption, and the join handshake. The server only ever sees
// ciphertext payloads; sealing and opening happen here.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"lanchat/pkg/cipher"
	"lanchat/pkg/protocol"
)

// Event is a decrypted protocol envelope delivered to the application.
type Event struct {
	Type      string
	Sender    string
	Recipient string
	Text      string
	Users     []string
	History   []Message
	Code      string
	Detail    string
	Timestamp time.Time
}

// Message is one decrypted history record. An empty Recipient marks a group
// message.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}

// JoinError reports a rejected join with the server's error code.
type JoinError struct {
	Code   string
	Detail string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected: %s (%s)", e.Code, e.Detail)
}

// Client is a connected chat participant. Events arrive on the Events
// channel until the connection closes; sends are safe from any goroutine.
type Client struct {
	conn    net.Conn
	box     *cipher.Box
	decoder *protocol.Decoder

	writeMu sync.Mutex

	mu     sync.Mutex
	joinCh chan *protocol.Envelope

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server and starts the read loop. key is the shared
// room key; a client with the wrong key cannot produce payloads the server
// accepts.
func Dial(addr string, key []byte) (*Client, error) {
	box, err := cipher.New(key)
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		box:     box,
		decoder: protocol.NewDecoder(),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Join claims a username. It blocks until the server accepts or rejects the
// join, or the context expires.
func (c *Client) Join(ctx context.Context, username string) error {
	joinCh := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.joinCh = joinCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joinCh = nil
		c.mu.Unlock()
	}()

	if err := c.send(&protocol.Envelope{Type: protocol.TypeJoin, Sender: username}); err != nil {
		return err
	}

	select {
	case env := <-joinCh:
		if env.Type == protocol.TypeJoinFailed {
			return &JoinError{Code: env.Code, Detail: env.Error}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

// SendGroup seals text and broadcasts it to the room.
func (c *Client) SendGroup(text string) error {
	payload, err := c.box.Seal([]byte(text))
	if err != nil {
		return err
	}
	return c.send(&protocol.Envelope{Type: protocol.TypeGroup, Payload: payload})
}

// SendPrivate seals text for a single recipient.
func (c *Client) SendPrivate(recipient, text string) error {
	payload, err := c.box.Seal([]byte(text))
	if err != nil {
		return err
	}
	return c.send(&protocol.Envelope{
		Type:      protocol.TypePrivate,
		Recipient: recipient,
		Payload:   payload,
	})
}

// RequestHistory asks for every persisted message relevant to this user with
// an ID greater than sinceID. The batch arrives as a history event.
func (c *Client) RequestHistory(sinceID int64) error {
	return c.send(&protocol.Envelope{Type: protocol.TypeHistoryRequest, SinceID: sinceID})
}

// RequestUsers asks for the active user list.
func (c *Client) RequestUsers() error {
	return c.send(&protocol.Envelope{Type: protocol.TypeUserList})
}

// Leave announces departure and closes the connection.
func (c *Client) Leave() error {
	err := c.send(&protocol.Envelope{Type: protocol.TypeLeave})
	closeErr := c.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Events returns the inbound event stream. The channel closes when the
// connection is gone.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close tears the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)

	buf := make([]byte, 4096)
	for {
		env, err := c.readEnvelope(buf)
		if err != nil {
			return
		}

		c.mu.Lock()
		joinCh := c.joinCh
		c.mu.Unlock()
		if joinCh != nil && (env.Type == protocol.TypeJoinOK || env.Type == protocol.TypeJoinFailed) {
			joinCh <- env
			continue
		}

		event, err := c.toEvent(env)
		if err != nil {
			// A payload that fails to open means a key mismatch; surface it
			// instead of delivering garbage.
			event = Event{
				Type:      protocol.TypeError,
				Code:      protocol.CodeInvalidMessage,
				Detail:    err.Error(),
				Timestamp: env.Timestamp,
			}
		}

		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

func (c *Client) readEnvelope(buf []byte) (*protocol.Envelope, error) {
	for {
		env, err := c.decoder.Decode()
		if err == nil {
			return env, nil
		}
		if err != protocol.ErrNeedMoreData {
			return nil, err
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.decoder.Feed(buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) toEvent(env *protocol.Envelope) (Event, error) {
	event := Event{
		Type:      env.Type,
		Sender:    env.Sender,
		Recipient: env.Recipient,
		Users:     env.Users,
		Code:      env.Code,
		Detail:    env.Error,
		Timestamp: env.Timestamp,
	}

	switch env.Type {
	case protocol.TypeGroup, protocol.TypePrivate:
		plaintext, err := c.box.Open(env.Payload)
		if err != nil {
			return Event{}, err
		}
		event.Text = string(plaintext)
	case protocol.TypeHistory:
		for _, msg := range env.History {
			plaintext, err := c.box.Open(msg.Ciphertext)
			if err != nil {
				return Event{}, err
			}
			m := Message{
				ID:        msg.ID,
				Sender:    msg.Sender,
				Text:      string(plaintext),
				Timestamp: msg.Timestamp,
			}
			if msg.Recipient != nil {
				m.Recipient = *msg.Recipient
			}
			event.History = append(event.History, m)
		}
	}
	return event, nil
}
