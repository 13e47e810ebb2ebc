package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"lanchat/pkg/protocol"
)

// Wire is a framed, bidirectional envelope transport. The TCP transport is
// primary; the WebSocket gateway adapts browser clients onto the same
// interface so everything above the wire is transport-agnostic.
type Wire interface {
	ReadEnvelope() (*protocol.Envelope, error)
	WriteEnvelope(env *protocol.Envelope) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// tcpWire reads length-prefixed JSON frames off a raw TCP connection using a
// resumable decoder, so a frame split across segments is reassembled and two
// frames in one segment are both decoded.
type tcpWire struct {
	conn    net.Conn
	decoder *protocol.Decoder
	readBuf []byte
}

// NewTCPWire wraps a raw connection in the length-prefixed framing.
func NewTCPWire(conn net.Conn) Wire {
	return &tcpWire{
		conn:    conn,
		decoder: protocol.NewDecoder(),
		readBuf: make([]byte, 4096),
	}
}

func (w *tcpWire) ReadEnvelope() (*protocol.Envelope, error) {
	for {
		env, err := w.decoder.Decode()
		if err == nil {
			return env, nil
		}
		if err != protocol.ErrNeedMoreData {
			return nil, err
		}

		n, err := w.conn.Read(w.readBuf)
		if n > 0 {
			w.decoder.Feed(w.readBuf[:n])
			continue
		}
		if err != nil {
			if err == io.EOF && w.decoder.Buffered() > 0 {
				return nil, fmt.Errorf("connection closed mid-frame: %w", protocol.ErrMalformedFrame)
			}
			return nil, err
		}
	}
}

func (w *tcpWire) WriteEnvelope(env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	_, err = w.conn.Write(frame)
	return err
}

func (w *tcpWire) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *tcpWire) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
func (w *tcpWire) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
func (w *tcpWire) Close() error                       { return w.conn.Close() }

// wsWire carries envelopes as JSON text messages; the WebSocket layer already
// frames them, so no length prefix is needed.
type wsWire struct {
	conn *websocket.Conn
}

// NewWebSocketWire adapts an upgraded WebSocket connection onto the wire.
func NewWebSocketWire(conn *websocket.Conn) Wire {
	return &wsWire{conn: conn}
}

func (w *wsWire) ReadEnvelope() (*protocol.Envelope, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(data) > protocol.MaxFrameSize {
			return nil, protocol.ErrFrameTooLarge
		}
		return protocol.UnmarshalEnvelope(data)
	}
}

func (w *wsWire) WriteEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWire) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsWire) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
func (w *wsWire) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
func (w *wsWire) Close() error                       { return w.conn.Close() }
