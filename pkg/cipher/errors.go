package cipher

import "errors"

var (
	ErrInvalidKeySize        = errors.New("key must be exactly 32 bytes")
	ErrAuthenticationFailure = errors.New("ciphertext authentication failed")
)
