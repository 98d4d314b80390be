// Package socket provides the non-blocking TCP primitives driven by the
// event loop: a listener, stream connections, and the WouldBlock
// classification that keeps transient I/O conditions out of the error path.
package socket

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Conn is a non-blocking stream socket. Read and Write never block; when the
// kernel has nothing to give (or no room to take), they fail with an error
// for which IsWouldBlock returns true.
type Conn interface {
	// Fd returns the socket handle registered with the poller.
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string
}

// Listener accepts client connections without blocking.
type Listener interface {
	Fd() int
	// Accept returns the next pending connection, already set non-blocking,
	// or a WouldBlock error once the kernel queue is drained.
	Accept() (Conn, error)
	Close() error
	// Addr returns the bound address.
	Addr() string
}

// IsWouldBlock reports whether err means the operation would have blocked and
// should simply be retried on the next readiness event.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsInterrupted reports whether err is a signal interruption, which is
// likewise retried rather than treated as a failure.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
