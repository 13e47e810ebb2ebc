// Package router turns decoded envelopes into delivery actions and persisted
// records. It owns the dispatch policy: persist-then-deliver, sender echo on
// every delivery, and per-target failure isolation so one dead or slow
// connection never blocks the rest.
package router

import (
	"context"
	"log"
	"time"

	"lanchat/internal/registry"
	"lanchat/pkg/cipher"
	"lanchat/pkg/interfaces"
	"lanchat/pkg/protocol"
)

// Router implements message dispatch over the live-session registry, the
// history store, and the shared cipher box.
type Router struct {
	registry    *registry.Registry
	store       interfaces.HistoryStore
	box         *cipher.Box
	replayLimit int
}

// New creates a router. replayLimit caps the group-history replay sent on
// join; zero disables replay.
func New(reg *registry.Registry, store interfaces.HistoryStore, box *cipher.Box, replayLimit int) *Router {
	return &Router{
		registry:    reg,
		store:       store,
		box:         box,
		replayLimit: replayLimit,
	}
}

// HandleJoin processes a join attempt from a connection that has not yet
// claimed a username. On success the caller's connection becomes the live
// session for that username and receives the current user list plus a replay
// of recent group history. On failure the connection receives join_failed and
// stays unregistered; the caller decides whether to keep waiting.
func (r *Router) HandleJoin(ctx context.Context, conn interfaces.Connection, env *protocol.Envelope) error {
	username := env.Sender

	if err := env.Validate(); err != nil {
		r.writeTo(conn, &protocol.Envelope{
			Type:      protocol.TypeJoinFailed,
			Code:      protocol.CodeInvalidUsername,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return err
	}

	if _, err := r.registry.Register(username, conn); err != nil {
		code := protocol.CodeUsernameTaken
		if err == interfaces.ErrServerFull {
			code = protocol.CodeServerFull
		}
		r.writeTo(conn, &protocol.Envelope{
			Type:      protocol.TypeJoinFailed,
			Code:      code,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return err
	}

	// Bookkeeping failure must not undo a successful registration.
	if err := r.store.TouchUser(ctx, username); err != nil {
		log.Printf("failed to record user %s: %v", username, err)
	}

	r.writeTo(conn, &protocol.Envelope{
		Type:      protocol.TypeJoinOK,
		Recipient: username,
		Users:     r.registry.ListActive(),
		Timestamp: time.Now().UTC(),
	})

	r.sendGroupReplay(ctx, conn)

	r.broadcast(&protocol.Envelope{
		Type:      protocol.TypeUserJoined,
		Sender:    username,
		Timestamp: time.Now().UTC(),
	}, username)
	r.broadcast(protocol.NewUserListEnvelope(r.registry.ListActive()), username)

	log.Printf("user joined: user=%s active=%d", username, r.registry.Count())
	return nil
}

// HandleGroup persists a broadcast message and delivers it to every active
// session. The sender is included on purpose: the echo is what tells the
// sending client its message was accepted.
func (r *Router) HandleGroup(ctx context.Context, sender string, env *protocol.Envelope) error {
	env.Sender = sender
	if err := env.Validate(); err != nil {
		r.rejectSender(sender, protocol.CodeInvalidMessage, err.Error())
		return nil
	}
	if err := r.verifyPayload(env.Payload); err != nil {
		return err
	}

	stored := &protocol.StoredMessage{
		Sender:     sender,
		Ciphertext: env.Payload,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := r.store.Append(ctx, stored); err != nil {
		log.Printf("failed to persist group message from %s: %v", sender, err)
		r.rejectSender(sender, protocol.CodeStorageFailure, "message could not be stored")
		return nil
	}

	r.broadcast(&protocol.Envelope{
		Type:      protocol.TypeGroup,
		Sender:    sender,
		Payload:   env.Payload,
		Timestamp: stored.Timestamp,
	})
	return nil
}

// HandlePrivate persists a direct message and delivers it to the recipient
// and back to the sender. An offline recipient is not an error for the log:
// the message is persisted first so it shows up in history when the recipient
// reconnects, and only then is the sender told the peer is offline.
func (r *Router) HandlePrivate(ctx context.Context, sender string, env *protocol.Envelope) error {
	env.Sender = sender
	if err := env.Validate(); err != nil {
		r.rejectSender(sender, protocol.CodeInvalidMessage, err.Error())
		return nil
	}
	if err := r.verifyPayload(env.Payload); err != nil {
		return err
	}

	recipient := env.Recipient
	stored := &protocol.StoredMessage{
		Sender:     sender,
		Recipient:  &recipient,
		Ciphertext: env.Payload,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := r.store.Append(ctx, stored); err != nil {
		log.Printf("failed to persist private message from %s to %s: %v", sender, recipient, err)
		r.rejectSender(sender, protocol.CodeStorageFailure, "message could not be stored")
		return nil
	}

	delivery := &protocol.Envelope{
		Type:      protocol.TypePrivate,
		Sender:    sender,
		Recipient: recipient,
		Payload:   env.Payload,
		Timestamp: stored.Timestamp,
	}

	target, online := r.registry.Lookup(recipient)
	if !online {
		r.rejectSender(sender, protocol.CodeRecipientOffline, "user "+recipient+" is offline")
		return nil
	}

	if err := target.WriteEnvelope(delivery); err != nil {
		log.Printf("failed to deliver private message to %s: %v", recipient, err)
	}
	if conn, ok := r.registry.Lookup(sender); ok {
		if err := conn.WriteEnvelope(delivery); err != nil {
			log.Printf("failed to echo private message to %s: %v", sender, err)
		}
	}
	return nil
}

// HandleUserList replies with the currently active usernames.
func (r *Router) HandleUserList(conn interfaces.Connection) error {
	r.writeTo(conn, protocol.NewUserListEnvelope(r.registry.ListActive()))
	return nil
}

// HandleHistory replies with every persisted message relevant to the user in
// one batch. sinceID lets reconnecting clients skip what they already have.
func (r *Router) HandleHistory(ctx context.Context, username string, conn interfaces.Connection, sinceID int64) error {
	messages, err := r.store.HistoryFor(ctx, username, sinceID)
	if err != nil {
		log.Printf("failed to load history for %s: %v", username, err)
		r.writeTo(conn, protocol.NewErrorEnvelope(protocol.CodeStorageFailure, "history could not be loaded"))
		return nil
	}

	r.writeTo(conn, &protocol.Envelope{
		Type:      protocol.TypeHistory,
		Recipient: username,
		History:   messages,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Disconnect releases the session on leave or connection loss and tells the
// remaining sessions. It runs on every teardown path and is safe to call for
// connections that never completed a join or lost a duplicate-username race.
func (r *Router) Disconnect(username string, conn interfaces.Connection) {
	if username == "" {
		return
	}

	current, ok := r.registry.Lookup(username)
	if !ok || current.ID() != conn.ID() {
		return
	}

	r.registry.Unregister(username, conn)

	r.broadcast(&protocol.Envelope{
		Type:      protocol.TypeUserLeft,
		Sender:    username,
		Timestamp: time.Now().UTC(),
	})
	r.broadcast(protocol.NewUserListEnvelope(r.registry.ListActive()))

	log.Printf("user left: user=%s active=%d", username, r.registry.Count())
}

// verifyPayload authenticates the ciphertext without keeping the plaintext.
// A forged or corrupted payload is a protocol violation; callers close the
// offending connection.
func (r *Router) verifyPayload(payload []byte) error {
	if _, err := r.box.Open(payload); err != nil {
		return err
	}
	return nil
}

// sendGroupReplay pushes recent group history to a freshly joined connection.
func (r *Router) sendGroupReplay(ctx context.Context, conn interfaces.Connection) {
	if r.replayLimit <= 0 {
		return
	}

	messages, err := r.store.GroupHistory(ctx, r.replayLimit)
	if err != nil {
		log.Printf("failed to load group replay: %v", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	r.writeTo(conn, &protocol.Envelope{
		Type:      protocol.TypeHistory,
		History:   messages,
		Timestamp: time.Now().UTC(),
	})
}

// broadcast delivers an envelope to every active session except the excluded
// usernames. Delivery failures are isolated per target: they are logged and
// the loop continues. The connection's own write deadline bounds how long a
// slow receiver can hold us up.
func (r *Router) broadcast(env *protocol.Envelope, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	for _, session := range r.registry.Snapshot() {
		if skip[session.Username] {
			continue
		}
		if err := session.Conn.WriteEnvelope(env); err != nil {
			log.Printf("failed to deliver %s to %s: %v", env.Type, session.Username, err)
		}
	}
}

// rejectSender sends an explicit error envelope for a rejected action.
// Client-initiated actions are never dropped silently.
func (r *Router) rejectSender(sender, code, detail string) {
	conn, ok := r.registry.Lookup(sender)
	if !ok {
		return
	}
	r.writeTo(conn, protocol.NewErrorEnvelope(code, detail))
}

func (r *Router) writeTo(conn interfaces.Connection, env *protocol.Envelope) {
	if err := conn.WriteEnvelope(env); err != nil {
		log.Printf("failed to write %s to %s: %v", env.Type, conn.ID(), err)
	}
}
