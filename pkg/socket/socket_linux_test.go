package socket_test

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/WhileEndless/go-rawproxy/pkg/errors"
	"github.com/WhileEndless/go-rawproxy/pkg/socket"
)

func TestIsWouldBlock(t *testing.T) {
	if !socket.IsWouldBlock(unix.EAGAIN) {
		t.Fatalf("EAGAIN should be would-block")
	}
	if socket.IsWouldBlock(io.EOF) {
		t.Fatalf("EOF is not would-block")
	}
	if !socket.IsInterrupted(unix.EINTR) {
		t.Fatalf("EINTR should be interrupted")
	}
}

func TestListenBadAddress(t *testing.T) {
	_, err := socket.Listen("256.0.0.1", 0, 1)
	if err == nil {
		t.Fatalf("expected error for invalid address")
	}
	if errors.GetErrorType(err) != errors.ErrorTypeBind {
		t.Fatalf("expected bind error, got %v", errors.GetErrorType(err))
	}
}

// TestListenDialExchange wires a real loopback connection: non-blocking
// listen, non-blocking connect, and a byte exchange with WouldBlock retries
// standing in for readiness events.
func TestListenDialExchange(t *testing.T) {
	l, err := socket.Listen("127.0.0.1", 0, 16)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	_, portStr, err := net.SplitHostPort(l.Addr())
	if err != nil {
		t.Fatalf("parsing bound address %q: %v", l.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}

	c, err := socket.Dial("127.0.0.1", port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)

	var sc socket.Conn
	for {
		sc, err = l.Accept()
		if err == nil {
			break
		}
		if !socket.IsWouldBlock(err) && !socket.IsInterrupted(err) {
			t.Fatalf("accept: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("accept timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer sc.Close()

	msg := []byte("ping")
	for sent := 0; sent < len(msg); {
		n, werr := c.Write(msg[sent:])
		if werr != nil {
			if socket.IsWouldBlock(werr) || socket.IsInterrupted(werr) {
				if time.Now().After(deadline) {
					t.Fatalf("write timed out")
				}
				time.Sleep(5 * time.Millisecond)
				continue
			}
			t.Fatalf("write: %v", werr)
		}
		sent += n
	}

	buf := make([]byte, 16)
	for {
		n, rerr := sc.Read(buf)
		if rerr == nil {
			if string(buf[:n]) != "ping" {
				t.Fatalf("unexpected payload: %q", buf[:n])
			}
			break
		}
		if !socket.IsWouldBlock(rerr) && !socket.IsInterrupted(rerr) {
			t.Fatalf("read: %v", rerr)
		}
		if time.Now().After(deadline) {
			t.Fatalf("read timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if sc.RemoteAddr() == "" {
		t.Fatalf("accepted connection should report a remote address")
	}
}
