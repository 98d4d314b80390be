// Package rawproxy provides a front-end HTTP/1.1 reverse proxy that tags
// each request with a correlation identifier, spreads requests across a pool
// of upstream backends round-robin, and returns responses to pipelining
// clients in original request order. All sockets are driven by a single
// event-driven readiness loop with small per-connection memory.
package rawproxy

import (
	"github.com/WhileEndless/go-rawproxy/pkg/backend"
	"github.com/WhileEndless/go-rawproxy/pkg/errors"
	"github.com/WhileEndless/go-rawproxy/pkg/message"
	"github.com/WhileEndless/go-rawproxy/pkg/proxy"
)

// Version is the current version of the rawproxy daemon
const Version = "1.0.0"

// GetVersion returns the current version of the daemon
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Config controls how the Server binds and forwards.
	Config = proxy.Config

	// Server is the event-driven connection multiplexer.
	Server = proxy.Server

	// Stats is a snapshot of the proxy's lifetime counters.
	Stats = proxy.Stats

	// Backend is one upstream server from the configured list.
	Backend = backend.Backend

	// Message is a parsed HTTP/1.1 request or response.
	Message = message.Message

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Re-export error types for convenience
const (
	ErrorTypeConfig     = errors.ErrorTypeConfig
	ErrorTypeBind       = errors.ErrorTypeBind
	ErrorTypeConnection = errors.ErrorTypeConnection
	ErrorTypeProtocol   = errors.ErrorTypeProtocol
	ErrorTypeIO         = errors.ErrorTypeIO
	ErrorTypeValidation = errors.ErrorTypeValidation
)

// NewServer binds the listener and returns a Server ready to Run.
func NewServer(cfg Config) (*Server, error) {
	return proxy.New(cfg)
}

// LoadBackends reads the backend list file (a JSON object with a
// "backend_servers" array; order dictates round-robin order).
func LoadBackends(path string) ([]Backend, error) {
	return backend.Load(path)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
