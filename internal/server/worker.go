package server

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"lanchat/internal/router"
	"lanchat/pkg/cipher"
	"lanchat/pkg/protocol"
)

type connState int

const (
	stateAwaitingJoin connState = iota
	stateActive
	stateClosed
)

// Worker drives one connection through its lifecycle: a join handshake under
// a grace deadline, then envelope dispatch until the client leaves or the
// stream fails. Exactly one worker goroutine reads from each connection.
type Worker struct {
	conn      *Connection
	router    *router.Router
	joinGrace time.Duration
	state     connState
}

// NewWorker binds a connection to the router.
func NewWorker(conn *Connection, r *router.Router, joinGrace time.Duration) *Worker {
	return &Worker{
		conn:      conn,
		router:    r,
		joinGrace: joinGrace,
		state:     stateAwaitingJoin,
	}
}

// Run processes the connection until it closes. Teardown happens exactly
// once on every exit path, including panics in dispatch.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		w.state = stateClosed
		w.router.Disconnect(w.conn.Username(), w.conn)
		_ = w.conn.Close()
	}()

	if err := w.conn.SetReadDeadline(time.Now().Add(w.joinGrace)); err != nil {
		log.Printf("failed to set join deadline for %s: %v", w.conn.ID(), err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.conn.ReadEnvelope()
		if err != nil {
			w.logReadFailure(err)
			return
		}

		if !w.dispatch(ctx, env) {
			return
		}
	}
}

// dispatch handles one envelope. It returns false when the connection must
// close: an explicit leave, or a protocol violation such as a forged payload.
func (w *Worker) dispatch(ctx context.Context, env *protocol.Envelope) bool {
	if w.state == stateAwaitingJoin {
		if env.Type != protocol.TypeJoin {
			w.sendError(protocol.CodeBadState, "join first")
			return true
		}
		if err := w.router.HandleJoin(ctx, w.conn, env); err != nil {
			// join_failed was already sent; the grace deadline still
			// bounds how long the client may retry.
			return true
		}
		w.conn.SetUsername(env.Sender)
		w.state = stateActive
		return w.clearReadDeadline()
	}

	username := w.conn.Username()

	switch env.Type {
	case protocol.TypeJoin:
		w.sendError(protocol.CodeBadState, "already joined as "+username)
		return true
	case protocol.TypeGroup:
		return w.checkDispatchErr(w.router.HandleGroup(ctx, username, env))
	case protocol.TypePrivate:
		return w.checkDispatchErr(w.router.HandlePrivate(ctx, username, env))
	case protocol.TypeUserList:
		_ = w.router.HandleUserList(w.conn)
		return true
	case protocol.TypeHistoryRequest:
		_ = w.router.HandleHistory(ctx, username, w.conn, env.SinceID)
		return true
	case protocol.TypeLeave:
		log.Printf("client leaving: user=%s conn=%s", username, w.conn.ID())
		return false
	default:
		w.sendError(protocol.CodeInvalidMessage, "unexpected message type "+env.Type)
		return true
	}
}

func (w *Worker) checkDispatchErr(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, cipher.ErrAuthenticationFailure) {
		log.Printf("rejecting forged payload: user=%s conn=%s", w.conn.Username(), w.conn.ID())
		w.sendError(protocol.CodeInvalidMessage, "payload failed authentication")
		return false
	}
	log.Printf("dispatch failed: user=%s err=%v", w.conn.Username(), err)
	return true
}

func (w *Worker) clearReadDeadline() bool {
	if err := w.conn.SetReadDeadline(time.Time{}); err != nil {
		log.Printf("failed to clear read deadline for %s: %v", w.conn.ID(), err)
		return false
	}
	return true
}

func (w *Worker) sendError(code, detail string) {
	if err := w.conn.WriteEnvelope(protocol.NewErrorEnvelope(code, detail)); err != nil {
		log.Printf("failed to send error to %s: %v", w.conn.ID(), err)
	}
}

func (w *Worker) logReadFailure(err error) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout() && w.state == stateAwaitingJoin:
		log.Printf("join grace expired: conn=%s addr=%v", w.conn.ID(), w.conn.RemoteAddr())
	case errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrUnknownType):
		log.Printf("protocol violation: conn=%s err=%v", w.conn.ID(), err)
		w.sendError(protocol.CodeInvalidMessage, err.Error())
	}
}
