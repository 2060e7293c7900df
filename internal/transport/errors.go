package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectExhausted is returned once the retry policy gives up.
	ErrConnectExhausted = errors.New("connect attempts exhausted")
	// ErrHandshake is returned when the node accepted the connection but did
	// not complete the API config exchange.
	ErrHandshake = errors.New("api handshake failed")
	// ErrNotConnected is returned by writes on a transport that is not
	// connected.
	ErrNotConnected = errors.New("transport not connected")
	// ErrBadState is returned by Connect when the transport is already
	// connecting or connected.
	ErrBadState = errors.New("invalid transport state")
	// ErrUnknownNode is returned by pool operations on an id it does not own.
	ErrUnknownNode = errors.New("unknown node")
)

// ConnectionError reports a failed connection to one node.
type ConnectionError struct {
	NodeID uint32
	Addr   string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("node %d (%s): %v", e.NodeID, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
