package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is the cancellation cause injected into every task of a
	// manager whose connection was closed by the broker or the network.
	ErrDisconnected = errors.New("broker connection lost")
	// ErrStopped is the cancellation cause used by a graceful Stop.
	ErrStopped = errors.New("broker manager stopped")
	// ErrNotConnected is returned by channel operations when the manager is not open.
	ErrNotConnected = errors.New("broker manager is not connected")
	// ErrConsumerCancelled is the cancellation cause of a consumer stopped
	// with Consumer.Cancel.
	ErrConsumerCancelled = errors.New("broker consumer cancelled")
)

// ConnectionError reports a failure to establish the connection or channel.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to broker at %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
