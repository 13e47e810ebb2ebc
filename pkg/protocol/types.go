package protocol

import (
	"time"
)

// Message type constants. The set is closed: the router matches every type
// exhaustively and the codec rejects anything outside this list.
const (
	TypeJoin           = "join"            // client -> server: claim a username
	TypeJoinOK         = "join_ok"         // server -> client: username accepted
	TypeJoinFailed     = "join_failed"     // server -> client: username rejected
	TypeGroup          = "group"           // broadcast message to every active session
	TypePrivate        = "private"         // direct message to one recipient
	TypeLeave          = "leave"           // client -> server: explicit disconnect
	TypeUserList       = "user_list"       // server -> client: currently active usernames
	TypeUserJoined     = "user_joined"     // server -> client: a user came online
	TypeUserLeft       = "user_left"       // server -> client: a user went offline
	TypeHistoryRequest = "history_request" // client -> server: replay persisted messages
	TypeHistory        = "history"         // server -> client: history batch
	TypeError          = "error"           // server -> client: rejected action
)

// Error codes carried on error and join_failed envelopes so clients can react
// without parsing human-readable text.
const (
	CodeUsernameTaken    = "username_taken"
	CodeInvalidUsername  = "invalid_username"
	CodeServerFull       = "server_full"
	CodeRecipientOffline = "recipient_offline"
	CodeStorageFailure   = "storage_failure"
	CodeBadState         = "bad_state"
	CodeInvalidMessage   = "invalid_message"
)

// Envelope is one discrete protocol message unit exchanged over the wire.
// Payload holds ciphertext sealed by the shared CipherBox; the server never
// forwards or stores plaintext. Envelopes are immutable once constructed.
type Envelope struct {
	Type      string           `json:"type"`
	Sender    string           `json:"sender,omitempty"`
	Recipient string           `json:"recipient,omitempty"`
	Payload   []byte           `json:"payload,omitempty"`
	Users     []string         `json:"users,omitempty"`
	History   []*StoredMessage `json:"history,omitempty"`
	SinceID   int64            `json:"since_id,omitempty"`
	Code      string           `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// StoredMessage is the persisted form of a delivered message. A nil Recipient
// marks a group message. IDs are assigned by the history store in append
// order, monotonic, never reused.
type StoredMessage struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender"`
	Recipient  *string   `json:"recipient,omitempty"`
	Ciphertext []byte    `json:"ciphertext"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsGroup reports whether the stored message was a broadcast.
func (m *StoredMessage) IsGroup() bool {
	return m.Recipient == nil
}

// NewErrorEnvelope builds a server error reply.
func NewErrorEnvelope(code, detail string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Code:      code,
		Error:     detail,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserListEnvelope builds a user_list notification.
func NewUserListEnvelope(users []string) *Envelope {
	return &Envelope{
		Type:      TypeUserList,
		Users:     users,
		Timestamp: time.Now().UTC(),
	}
}
