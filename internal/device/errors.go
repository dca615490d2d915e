package device

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is wrapped by every LifecycleError.
	ErrIllegalState = errors.New("device: illegal state for operation")
	// ErrNotConnected is returned for writes attempted outside Connected.
	ErrNotConnected = errors.New("device: not connected")
)

// Connect stages reported by ConnectError.
const (
	StageOpen  = "open"
	StageStart = "start"
)

// ConnectError reports where a connection attempt failed. The Manager is
// back in Disconnected when one is returned.
type ConnectError struct {
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("device: connect failed at %s: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// LifecycleError rejects a lifecycle call made from the wrong state. The
// state is left unchanged.
type LifecycleError struct {
	Op    string
	State ConnectionState
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("device: cannot %s while %s", e.Op, e.State)
}

func (e *LifecycleError) Unwrap() error { return ErrIllegalState }
