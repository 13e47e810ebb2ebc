package client

import "errors"

var ErrClientClosed = errors.New("client is closed")
