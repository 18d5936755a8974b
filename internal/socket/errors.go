package socket

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("socket closed")

	// ErrPermissionDenied matches a BindError caused by missing privileges
	// on a port below 1024.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBindFailed matches any other BindError.
	ErrBindFailed = errors.New("bind failed")

	// ErrMulticastUnsupported matches a MulticastError caused by an invalid
	// group address or a socket that cannot join it.
	ErrMulticastUnsupported = errors.New("multicast unsupported")

	// ErrInterfaceUnavailable matches a MulticastError caused by a missing
	// interface.
	ErrInterfaceUnavailable = errors.New("interface unavailable")
)

// privilegedPorts is the first unprivileged port number.
const privilegedPorts = 1024

// BindError reports an OS refusal to bind a port.
type BindError struct {
	Network string
	Port    int
	Err     error
}

func (e *BindError) Error() string {
	if e.Permission() {
		return fmt.Sprintf("bind %s port %d: permission denied (ports below %d need privileges): %v",
			e.Network, e.Port, privilegedPorts, e.Err)
	}
	return fmt.Sprintf("bind %s port %d: %v", e.Network, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Is matches ErrPermissionDenied or ErrBindFailed.
func (e *BindError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Permission()
	case ErrBindFailed:
		return !e.Permission()
	}
	return false
}

// Permission reports whether the failure was an access error on a
// privileged port.
func (e *BindError) Permission() bool {
	return e.Port > 0 && e.Port < privilegedPorts && errors.Is(e.Err, os.ErrPermission)
}

// MulticastError reports a failed multicast setup. It is never fatal: the
// socket keeps working without the membership.
type MulticastError struct {
	Group     string
	Interface string
	Err       error

	kind error
}

func (e *MulticastError) Error() string {
	if e.Interface != "" {
		return fmt.Sprintf("multicast group %s on %s: %v", e.Group, e.Interface, e.Err)
	}
	return fmt.Sprintf("multicast group %s: %v", e.Group, e.Err)
}

func (e *MulticastError) Unwrap() error { return e.Err }

// Is matches ErrMulticastUnsupported or ErrInterfaceUnavailable.
func (e *MulticastError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// SendError reports a failed datagram send. The socket stays open.
type SendError struct {
	Destination string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Destination, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError reports a fatal failure on the receive path. The socket has
// been closed by the time it is delivered.
type ReceiveError struct {
	Port int
	Err  error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("receive on port %d: %v", e.Port, e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }
