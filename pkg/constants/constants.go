// Package constants defines magic numbers and default values used throughout go-rawproxy
package constants

import "time"

// Listener defaults
const (
	DefaultListenHost = "127.0.0.1"
	DefaultListenPort = 9000
	ListenBacklog     = 150
)

// Event loop tuning
const (
	// PollTimeout bounds a single readiness wait so the loop can observe
	// the shutdown flag between iterations.
	PollTimeout = 1 * time.Second

	// ReadChunkSize is the size of a single bounded recv.
	ReadChunkSize = 4096
)

// HTTP limits
const (
	// MaxHeaderBytes is the largest header block accepted before the
	// connection is torn down.
	MaxHeaderBytes = 8192

	// MaxContentLength caps a declared Content-Length.
	MaxContentLength = 1024 * 1024 * 1024 // 1GB
)

// RequestIDHeader is the single header this proxy injects and correlates on.
const RequestIDHeader = "X-Request-ID"
