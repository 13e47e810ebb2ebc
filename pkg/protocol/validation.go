package protocol

import "regexp"

// Compiled once at package initialization; username checks run on every JOIN.
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9]{3,20}$`)

// IsValidUsername reports whether a username is 3-20 alphanumeric characters.
func IsValidUsername(username string) bool {
	return usernameRegex.MatchString(username)
}

// IsValidType reports whether t is one of the closed set of envelope types.
func IsValidType(t string) bool {
	switch t {
	case TypeJoin, TypeJoinOK, TypeJoinFailed,
		TypeGroup, TypePrivate, TypeLeave,
		TypeUserList, TypeUserJoined, TypeUserLeft,
		TypeHistoryRequest, TypeHistory, TypeError:
		return true
	}
	return false
}

// Validate checks the structural requirements for a client-originated
// envelope. Type membership is checked by the decoder before this runs.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeJoin:
		if !IsValidUsername(e.Sender) {
			return ErrInvalidUsername
		}
	case TypeGroup:
		if e.Sender == "" {
			return ErrMissingSender
		}
		if len(e.Payload) == 0 {
			return ErrMissingPayload
		}
	case TypePrivate:
		if e.Sender == "" {
			return ErrMissingSender
		}
		if e.Recipient == "" {
			return ErrMissingRecipient
		}
		if len(e.Payload) == 0 {
			return ErrMissingPayload
		}
	}
	return nil
}
