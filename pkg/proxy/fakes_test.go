package proxy

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/WhileEndless/go-rawproxy/pkg/backend"
	"github.com/WhileEndless/go-rawproxy/pkg/message"
	"github.com/WhileEndless/go-rawproxy/pkg/poller"
	"github.com/WhileEndless/go-rawproxy/pkg/socket"
)

// fakeSock scripts one side of a connection: queued chunks to be read, an
// optional end-of-stream, and capture of everything written.
type fakeSock struct {
	fd     int
	remote string

	readQ    [][]byte
	eof      bool
	wrote    []byte
	writeErr error
	writeCap int
	closed   bool
}

func (f *fakeSock) Fd() int            { return f.fd }
func (f *fakeSock) RemoteAddr() string { return f.remote }

func (f *fakeSock) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSock) Read(p []byte) (int, error) {
	if len(f.readQ) == 0 {
		if f.eof {
			return 0, nil
		}
		return 0, unix.EAGAIN
	}
	chunk := f.readQ[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		f.readQ[0] = chunk[n:]
	} else {
		f.readQ = f.readQ[1:]
	}
	return n, nil
}

func (f *fakeSock) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(p)
	if f.writeCap > 0 && n > f.writeCap {
		n = f.writeCap
	}
	f.wrote = append(f.wrote, p[:n]...)
	return n, nil
}

func (f *fakeSock) queue(data string) {
	f.readQ = append(f.readQ, []byte(data))
}

// fakePoller tracks registrations so tests can assert the interest-toggle
// discipline. Wait is unused; tests drive step directly.
type fakePoller struct {
	interests map[int]poller.Interest
}

func newFakePoller() *fakePoller {
	return &fakePoller{interests: make(map[int]poller.Interest)}
}

func (p *fakePoller) Add(fd int, i poller.Interest) error {
	if _, ok := p.interests[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	p.interests[fd] = i
	return nil
}

func (p *fakePoller) Modify(fd int, i poller.Interest) error {
	if _, ok := p.interests[fd]; !ok {
		return fmt.Errorf("modify of unregistered fd %d", fd)
	}
	p.interests[fd] = i
	return nil
}

func (p *fakePoller) Remove(fd int) error {
	delete(p.interests, fd)
	return nil
}

func (p *fakePoller) Wait(time.Duration) ([]poller.Event, error) { return nil, nil }
func (p *fakePoller) Close() error                               { return nil }

type fakeListener struct {
	fd      int
	pending []socket.Conn
}

func (l *fakeListener) Fd() int       { return l.fd }
func (l *fakeListener) Addr() string  { return "127.0.0.1:9000" }
func (l *fakeListener) Close() error  { return nil }

func (l *fakeListener) Accept() (socket.Conn, error) {
	if len(l.pending) == 0 {
		return nil, unix.EAGAIN
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, nil
}

// fakeDialer hands out a fakeSock per backend address and records dial order.
type fakeDialer struct {
	nextFd int
	socks  map[string]*fakeSock
	order  []string
	errFor map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		nextFd: 100,
		socks:  make(map[string]*fakeSock),
		errFor: make(map[string]error),
	}
}

func (d *fakeDialer) dial(host string, port int) (socket.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	if err := d.errFor[addr]; err != nil {
		return nil, err
	}
	f := &fakeSock{fd: d.nextFd, remote: addr}
	d.nextFd++
	d.socks[addr] = f
	d.order = append(d.order, addr)
	return f, nil
}

const testListenerFd = 1

// testProxy wires a Server to scripted collaborators and drives the loop one
// event batch at a time.
type testProxy struct {
	s *Server
	p *fakePoller
	l *fakeListener
	d *fakeDialer

	nextClientFd int
}

func newTestProxy(t *testing.T, backends ...backend.Backend) *testProxy {
	t.Helper()
	if len(backends) == 0 {
		backends = []backend.Backend{{Host: "10.0.0.1", Port: 8081}}
	}

	p := newFakePoller()
	l := &fakeListener{fd: testListenerFd}
	d := newFakeDialer()

	s := newServer(Config{Backends: backends}, l, p, d.dial)
	if err := p.Add(testListenerFd, poller.Read); err != nil {
		t.Fatalf("registering listener: %v", err)
	}

	return &testProxy{s: s, p: p, l: l, d: d, nextClientFd: 5}
}

// connectClient queues a new client on the listener and delivers the accept
// event.
func (tp *testProxy) connectClient() *fakeSock {
	f := &fakeSock{fd: tp.nextClientFd, remote: fmt.Sprintf("127.0.0.1:%d", 40000+tp.nextClientFd)}
	tp.nextClientFd++
	tp.l.pending = append(tp.l.pending, f)
	tp.s.step([]poller.Event{{Fd: testListenerFd, Readable: true}})
	return f
}

func (tp *testProxy) readable(fd int) {
	tp.s.step([]poller.Event{{Fd: fd, Readable: true}})
}

func (tp *testProxy) writable(fd int) {
	tp.s.step([]poller.Event{{Fd: fd, Writable: true}})
}

// drainReadable redelivers readable events until the scripted input is
// consumed or the connection is torn down, mimicking a level-triggered
// poller.
func (tp *testProxy) drainReadable(f *fakeSock) {
	for i := 0; i < 64; i++ {
		if _, open := tp.s.conns[f.fd]; !open {
			return
		}
		if len(f.readQ) == 0 && !f.eof {
			return
		}
		tp.readable(f.fd)
		if f.eof && len(f.readQ) == 0 {
			// The zero-length read has been delivered; teardown is
			// observed at the top of the loop.
			if _, open := tp.s.conns[f.fd]; !open {
				return
			}
		}
	}
}

// flushWrites redelivers writable events until the connection has nothing
// left to send.
func (tp *testProxy) flushWrites(t *testing.T, f *fakeSock) {
	t.Helper()
	for i := 0; i < 64; i++ {
		c, open := tp.s.conns[f.fd]
		if !open {
			return
		}
		if c.out.Len() == 0 && len(c.pendingRequests) == 0 {
			return
		}
		tp.writable(f.fd)
	}
	t.Fatalf("fd %d: output not drained after 64 writable events", f.fd)
}

// checkInterests asserts the no-write-spin invariant: every registration
// matches the connection's view, and write interest implies something to
// send.
func (tp *testProxy) checkInterests(t *testing.T) {
	t.Helper()
	for fd, c := range tp.s.conns {
		reg, ok := tp.p.interests[fd]
		if !ok {
			t.Fatalf("fd %d: open connection not registered with poller", fd)
		}
		if reg != c.interest {
			t.Fatalf("fd %d: poller interest %v, connection believes %v", fd, reg, c.interest)
		}
		if reg == poller.ReadWrite && c.out.Len() == 0 && len(c.pendingRequests) == 0 {
			t.Fatalf("fd %d: write-interested with empty buffers", fd)
		}
	}
}

// parseStream parses a captured byte stream back into messages.
func parseStream(t *testing.T, data []byte) []*message.Message {
	t.Helper()

	var p message.Parser
	var out []*message.Message
	rest := data
	for len(rest) > 0 {
		n, complete, err := p.Feed(rest)
		if err != nil {
			t.Fatalf("parsing captured stream: %v", err)
		}
		rest = rest[n:]
		if !complete {
			t.Fatalf("captured stream ends mid-message (%d bytes left)", len(rest))
		}
		out = append(out, p.Take())
	}
	return out
}

// countHeader returns how many fields with the given name a message carries.
func countHeader(m *message.Message, name string) int {
	n := 0
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			n++
		}
	}
	return n
}
