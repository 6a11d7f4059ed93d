package connection

import "errors"

// ErrNotConnected is returned from send paths while the channel is down.
var ErrNotConnected = errors.New("channel not connected")
