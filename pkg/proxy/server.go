// Package proxy implements the pipelining reverse proxy core: the
// single-threaded readiness loop, per-connection state, the response
// reordering router, and the backend connection pool.
package proxy

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-rawproxy/pkg/backend"
	"github.com/WhileEndless/go-rawproxy/pkg/constants"
	"github.com/WhileEndless/go-rawproxy/pkg/errors"
	"github.com/WhileEndless/go-rawproxy/pkg/poller"
	"github.com/WhileEndless/go-rawproxy/pkg/socket"
)

// Config controls how the Server binds and forwards.
type Config struct {
	// Host and Port are the listener address. Zero values fall back to
	// the package defaults (127.0.0.1:9000).
	Host string
	Port int

	// Backends is the upstream list, in round-robin order. Required.
	Backends []backend.Backend

	// Logger receives lifecycle and teardown events. Nil means no logging.
	Logger *zap.Logger

	// PollTimeout bounds a single readiness wait so shutdown is observed
	// promptly. Zero means the package default (1s).
	PollTimeout time.Duration
}

type dialFunc func(host string, port int) (socket.Conn, error)

// Server is the connection multiplexer. All of its mutable state is owned by
// the goroutine running Run; only Shutdown and Stats are safe to call from
// elsewhere.
type Server struct {
	cfg      Config
	log      *zap.Logger
	listener socket.Listener
	poll     poller.Poller
	dial     dialFunc

	conns       map[int]*conn     // socket handle -> state, exclusive ownership
	backendPool map[string]int    // backend address -> the one open socket
	requestMap  map[string]int    // request id -> originating client handle
	picker      *backend.Picker

	stats   statCounters
	readBuf [constants.ReadChunkSize]byte

	shutdown atomic.Bool
}

// New binds the listener, creates the poller and returns a Server ready to
// Run. Bind and registration failures are fatal start-up errors.
func New(cfg Config) (*Server, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.NewValidationError("no backends configured")
	}
	if cfg.Host == "" {
		cfg.Host = constants.DefaultListenHost
	}
	if cfg.Port == 0 {
		cfg.Port = constants.DefaultListenPort
	}

	l, err := socket.Listen(cfg.Host, cfg.Port, constants.ListenBacklog)
	if err != nil {
		return nil, err
	}

	p, err := poller.New()
	if err != nil {
		l.Close()
		return nil, errors.NewIOError("creating poller", err)
	}

	s := newServer(cfg, l, p, socket.Dial)
	if err := p.Add(l.Fd(), poller.Read); err != nil {
		l.Close()
		p.Close()
		return nil, errors.NewIOError("registering listener", err)
	}
	return s, nil
}

// newServer wires a Server from its collaborators. Tests inject a scripted
// poller, listener and dialer here.
func newServer(cfg Config, l socket.Listener, p poller.Poller, dial dialFunc) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = constants.PollTimeout
	}

	return &Server{
		cfg:         cfg,
		log:         log,
		listener:    l,
		poll:        p,
		dial:        dial,
		conns:       make(map[int]*conn),
		backendPool: make(map[string]int),
		requestMap:  make(map[string]int),
		picker:      backend.NewPicker(cfg.Backends),
	}
}

// Run drives the readiness loop until Shutdown is called, then tears all
// connections down. It runs on the calling goroutine.
func (s *Server) Run() error {
	s.log.Info("proxy listening",
		zap.String("addr", s.listener.Addr()),
		zap.Int("backends", s.picker.Len()))

	for !s.shutdown.Load() {
		events, err := s.poll.Wait(s.cfg.PollTimeout)
		if err != nil {
			s.cleanup()
			return errors.NewIOError("waiting for readiness", err)
		}
		s.step(events)
	}

	s.log.Info("shutting down")
	s.cleanup()
	return nil
}

// Shutdown asks the loop to exit at its next iteration. Safe to call from
// any goroutine, typically a signal handler.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
}

// step processes one batch of readiness events. Ordering matters: accepts
// first, then reads, then writes, then hangups, so a socket that is both
// readable and errored has its final bytes drained before teardown.
func (s *Server) step(events []poller.Event) {
	lfd := s.listener.Fd()

	for _, ev := range events {
		if ev.Fd == lfd && ev.Readable {
			s.acceptAll()
		}
	}
	for _, ev := range events {
		if ev.Fd != lfd && ev.Readable {
			s.handleRead(ev.Fd)
		}
	}
	for _, ev := range events {
		if ev.Fd != lfd && ev.Writable {
			if c, ok := s.conns[ev.Fd]; ok {
				s.handleWrite(ev.Fd, c)
			}
		}
	}
	for _, ev := range events {
		if ev.Fd != lfd && ev.Hangup {
			if c, ok := s.conns[ev.Fd]; ok {
				s.teardown(ev.Fd, c, "hangup", nil)
			}
		}
	}
}

// acceptAll drains the kernel accept queue.
func (s *Server) acceptAll() {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			if !socket.IsWouldBlock(err) && !socket.IsInterrupted(err) {
				s.log.Error("accept failed", zap.Error(err))
			}
			return
		}

		if err := s.poll.Add(sock.Fd(), poller.Read); err != nil {
			s.log.Error("registering client socket failed", zap.Error(err))
			sock.Close()
			continue
		}

		s.conns[sock.Fd()] = newConn(sock, RoleClient)
		s.stats.acceptedClients.Add(1)
		s.log.Debug("accepted client",
			zap.String("remote", sock.RemoteAddr()),
			zap.Int("fd", sock.Fd()))
	}
}

// handleRead issues one bounded recv and routes whatever messages complete.
func (s *Server) handleRead(fd int) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}

	n, err := c.sock.Read(s.readBuf[:])
	if err != nil {
		if socket.IsWouldBlock(err) || socket.IsInterrupted(err) {
			return
		}
		s.teardown(fd, c, "read error", err)
		return
	}
	if n == 0 {
		s.teardown(fd, c, "peer closed", nil)
		return
	}

	msgs, perr := c.feed(s.readBuf[:n])
	for _, m := range msgs {
		if err := s.route(fd, c, m); err != nil {
			s.teardown(fd, c, "routing failed", err)
			return
		}
	}
	if perr != nil {
		s.teardown(fd, c, "protocol error", perr)
	}
}

// handleWrite drains the output buffer as far as the kernel allows, then
// refills a backend's buffer from its request queue or demotes interest.
func (s *Server) handleWrite(fd int, c *conn) {
	if c.out.Len() == 0 && c.role == RoleBackend {
		c.nextPendingRequest()
	}

	if c.out.Len() > 0 {
		n, err := c.sock.Write(c.out.Bytes())
		switch {
		case err == nil:
			c.out.Advance(n)
		case socket.IsWouldBlock(err) || socket.IsInterrupted(err):
			// Kernel buffer full; retry on the next writable event.
		default:
			s.teardown(fd, c, "write error", err)
			return
		}

		if c.out.Len() == 0 && c.role == RoleBackend {
			c.nextPendingRequest()
		}
	}

	s.updateInterest(fd, c)
}

// updateInterest reconciles the poller registration with desiredInterest,
// touching the poller only on an actual change.
func (s *Server) updateInterest(fd int, c *conn) {
	want := c.desiredInterest()
	if want == c.interest {
		return
	}
	if err := s.poll.Modify(fd, want); err != nil {
		s.teardown(fd, c, "poller modify failed", err)
		return
	}
	c.interest = want
}

// teardown closes the connection and erases every reference to it. For a
// client, its outstanding request ids are dropped from the correlation map
// so late responses are discarded; for a backend, the pool slot is freed and
// queued-but-unsent requests die with the socket.
func (s *Server) teardown(fd int, c *conn, reason string, cause error) {
	if _, ok := s.conns[fd]; !ok {
		return
	}
	delete(s.conns, fd)
	s.poll.Remove(fd)
	c.sock.Close()

	switch c.role {
	case RoleClient:
		for _, id := range c.requestOrder {
			delete(s.requestMap, id)
		}
	case RoleBackend:
		if cur, ok := s.backendPool[c.poolKey]; ok && cur == fd {
			delete(s.backendPool, c.poolKey)
		}
	}

	c.release()
	s.stats.teardowns.Add(1)

	if cause != nil {
		s.log.Warn("connection torn down",
			zap.Int("fd", fd),
			zap.Stringer("role", c.role),
			zap.String("reason", reason),
			zap.Error(cause))
	} else {
		s.log.Debug("connection closed",
			zap.Int("fd", fd),
			zap.Stringer("role", c.role),
			zap.String("reason", reason))
	}
}

// cleanup closes every socket and the poller on the way out.
func (s *Server) cleanup() {
	for fd, c := range s.conns {
		s.poll.Remove(fd)
		c.sock.Close()
		c.release()
	}
	s.conns = make(map[int]*conn)
	s.backendPool = make(map[string]int)
	s.requestMap = make(map[string]int)

	s.poll.Remove(s.listener.Fd())
	s.listener.Close()
	s.poll.Close()
}
