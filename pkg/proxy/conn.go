package proxy

import (
	"github.com/WhileEndless/go-rawproxy/pkg/buffer"
	"github.com/WhileEndless/go-rawproxy/pkg/message"
	"github.com/WhileEndless/go-rawproxy/pkg/poller"
	"github.com/WhileEndless/go-rawproxy/pkg/socket"
)

// Role tags a connection as client-facing or backend-facing. The router and
// event loop dispatch on it; there is no type hierarchy.
type Role int

const (
	// RoleClient is a connection accepted from the listener.
	RoleClient Role = iota
	// RoleBackend is a pooled connection to an upstream server.
	RoleBackend
)

func (r Role) String() string {
	if r == RoleBackend {
		return "backend"
	}
	return "client"
}

// conn is the per-socket state: buffers, the in-progress parse, and the
// pipelining queues for whichever role the socket plays.
type conn struct {
	sock socket.Conn
	role Role

	in     *buffer.Queue
	out    *buffer.Queue
	parser message.Parser

	// Client role: request ids received but not yet responded, in arrival
	// order, and complete responses waiting for their turn at the head.
	requestOrder     []string
	pendingResponses map[string]*message.Message

	// Backend role: complete requests not yet serialized into out.
	pendingRequests []*message.Message

	// Backend role: address key in the server's pool.
	poolKey string

	interest poller.Interest
}

func newConn(sock socket.Conn, role Role) *conn {
	c := &conn{
		sock:     sock,
		role:     role,
		in:       buffer.NewQueue(),
		out:      buffer.NewQueue(),
		interest: poller.Read,
	}
	if role == RoleClient {
		c.pendingResponses = make(map[string]*message.Message)
	}
	return c
}

// desiredInterest implements the buffer state machine: a socket is
// write-interested iff it has bytes buffered or, for a backend, requests
// queued behind the buffer.
func (c *conn) desiredInterest() poller.Interest {
	if c.out.Len() > 0 || (c.role == RoleBackend && len(c.pendingRequests) > 0) {
		return poller.ReadWrite
	}
	return poller.Read
}

// feed runs newly received bytes through the parser and returns the messages
// that completed. Pipelined messages in a single chunk come back in stream
// order. On a framing error the messages completed before the bad bytes are
// still returned alongside the error.
func (c *conn) feed(data []byte) ([]*message.Message, error) {
	c.in.Append(data)

	var done []*message.Message
	for c.in.Len() > 0 {
		n, complete, err := c.parser.Feed(c.in.Bytes())
		if err != nil {
			return done, err
		}
		c.in.Advance(n)
		if !complete {
			break
		}
		done = append(done, c.parser.Take())
	}
	return done, nil
}

// enqueueRequest stages a request for sending: straight into the output
// buffer when the socket has nothing queued, otherwise onto pendingRequests
// for the write drain to pick up in order.
func (c *conn) enqueueRequest(m *message.Message) {
	if c.out.Len() == 0 && len(c.pendingRequests) == 0 {
		c.out.Append(message.Build(m))
		return
	}
	c.pendingRequests = append(c.pendingRequests, m)
}

// nextPendingRequest moves the oldest queued request into the output buffer.
// Returns false if nothing was queued.
func (c *conn) nextPendingRequest() bool {
	if len(c.pendingRequests) == 0 {
		return false
	}
	m := c.pendingRequests[0]
	c.pendingRequests = c.pendingRequests[1:]
	c.out.Append(message.Build(m))
	return true
}

// release returns the connection's buffers to the pool.
func (c *conn) release() {
	c.in.Release()
	c.out.Release()
}
