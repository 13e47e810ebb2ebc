package history

import "errors"

var ErrStoreClosed = errors.New("history store is closed")
