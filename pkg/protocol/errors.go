package protocol

import "errors"

// Codec error values. ErrNeedMoreData is the only recoverable one: the caller
// keeps its buffered bytes and reads more. Everything else means the stream is
// unsynchronizable and the connection must be closed.
var (
	ErrNeedMoreData   = errors.New("incomplete frame: need more data")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrUnknownType    = errors.New("unknown envelope type")
)

// Validation error values.
var (
	ErrInvalidUsername  = errors.New("username must be 3-20 alphanumeric characters")
	ErrMissingSender    = errors.New("envelope missing sender")
	ErrMissingRecipient = errors.New("private envelope missing recipient")
	ErrMissingPayload   = errors.New("envelope missing payload")
)
