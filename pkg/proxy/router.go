package proxy

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/WhileEndless/go-rawproxy/pkg/backend"
	"github.com/WhileEndless/go-rawproxy/pkg/constants"
	"github.com/WhileEndless/go-rawproxy/pkg/errors"
	"github.com/WhileEndless/go-rawproxy/pkg/message"
	"github.com/WhileEndless/go-rawproxy/pkg/poller"
)

// route dispatches one completed message by connection role. A message of
// the wrong kind for the connection (a response arriving from a client, a
// request from a backend) is a protocol error and tears the connection down.
func (s *Server) route(fd int, c *conn, m *message.Message) error {
	switch {
	case c.role == RoleClient && m.Kind == message.KindRequest:
		s.routeRequest(fd, c, m)
		return nil
	case c.role == RoleBackend && m.Kind == message.KindResponse:
		s.routeResponse(m)
		return nil
	default:
		return errors.NewProtocolError(
			fmt.Sprintf("unexpected message kind on %s connection", c.role), nil)
	}
}

// routeRequest records the request for response correlation, stamps an
// X-Request-ID if the client sent none, and hands the request to the next
// backend in rotation.
func (s *Server) routeRequest(fd int, c *conn, m *message.Message) {
	id := m.RequestID
	if id == "" {
		id = uuid.NewString()
		m.RequestID = id
		m.Headers.Add(constants.RequestIDHeader, id)
	}

	s.requestMap[id] = fd
	c.requestOrder = append(c.requestOrder, id)

	b := s.picker.Pick()
	bc, bfd, err := s.backendConn(b)
	if err != nil {
		// No retry, no synthesized 502: the id stays queued and the
		// client eventually observes a close or silence.
		s.log.Error("backend unavailable",
			zap.String("backend", b.Addr()),
			zap.String("request_id", id),
			zap.Error(err))
		return
	}

	bc.enqueueRequest(m)
	s.stats.forwardedRequests.Add(1)
	s.updateInterest(bfd, bc)
}

// routeResponse correlates a backend response back to its client via the
// request id and emits everything now deliverable in request order.
func (s *Server) routeResponse(m *message.Message) {
	id := m.RequestID

	cfd, ok := s.requestMap[id]
	if !ok {
		// Originating client already closed; drop silently.
		s.stats.droppedResponses.Add(1)
		s.log.Debug("dropping response for unknown request id", zap.String("request_id", id))
		return
	}

	cc, ok := s.conns[cfd]
	if !ok || cc.role != RoleClient {
		delete(s.requestMap, id)
		s.stats.droppedResponses.Add(1)
		return
	}

	cc.pendingResponses[id] = m
	s.emitResponses(cfd, cc)
}

// emitResponses enforces the head-of-line rule: while the response matching
// the oldest outstanding request is on hand, serialize it, free the
// correlation entry, and move to the next.
func (s *Server) emitResponses(fd int, c *conn) {
	emitted := false
	for len(c.requestOrder) > 0 {
		front := c.requestOrder[0]
		resp, ok := c.pendingResponses[front]
		if !ok {
			break
		}
		delete(c.pendingResponses, front)
		c.requestOrder = c.requestOrder[1:]
		delete(s.requestMap, front)

		c.out.Append(message.Build(resp))
		s.stats.deliveredResponses.Add(1)
		emitted = true
	}
	if emitted {
		s.updateInterest(fd, c)
	}
}

// backendConn returns the pooled connection for b, dialing a new one if the
// pool has none. One connection per backend address; pipelined requests
// share it.
func (s *Server) backendConn(b backend.Backend) (*conn, int, error) {
	addr := b.Addr()
	if fd, ok := s.backendPool[addr]; ok {
		if c, ok := s.conns[fd]; ok {
			return c, fd, nil
		}
		delete(s.backendPool, addr)
	}

	sock, err := s.dial(b.Host, b.Port)
	if err != nil {
		return nil, 0, err
	}

	c := newConn(sock, RoleBackend)
	c.poolKey = addr
	// Write interest from the start: connect completion surfaces as
	// writability, and the first request lands in the buffer immediately.
	c.interest = poller.ReadWrite
	if err := s.poll.Add(sock.Fd(), poller.ReadWrite); err != nil {
		sock.Close()
		return nil, 0, errors.NewIOError("registering backend socket", err)
	}

	s.conns[sock.Fd()] = c
	s.backendPool[addr] = sock.Fd()
	s.stats.dialedBackends.Add(1)
	s.log.Debug("dialed backend", zap.String("backend", addr), zap.Int("fd", sock.Fd()))
	return c, sock.Fd(), nil
}
