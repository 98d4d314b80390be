//go:build linux

package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/WhileEndless/go-rawproxy/pkg/errors"
)

type tcpConn struct {
	fd     int
	remote string
}

func (c *tcpConn) Fd() int { return c.fd }

func (c *tcpConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *tcpConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *tcpConn) Close() error {
	return unix.Close(c.fd)
}

func (c *tcpConn) RemoteAddr() string { return c.remote }

type tcpListener struct {
	fd   int
	addr string
}

func (l *tcpListener) Fd() int { return l.fd }

func (l *tcpListener) Accept() (Conn, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &tcpConn{fd: nfd, remote: sockaddrString(sa)}, nil
}

func (l *tcpListener) Close() error {
	return unix.Close(l.fd)
}

func (l *tcpListener) Addr() string { return l.addr }

// Listen opens a non-blocking IPv4 listener on host:port with SO_REUSEADDR.
func Listen(host string, port, backlog int) (Listener, error) {
	sa, err := sockaddr(host, port)
	if err != nil {
		return nil, errors.NewBindError(host, port, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.NewBindError(host, port, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.NewBindError(host, port, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.NewBindError(host, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, errors.NewBindError(host, port, err)
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	if sn, err := unix.Getsockname(fd); err == nil {
		// Report the actual bound address (port may have been 0).
		if s := sockaddrString(sn); s != "" {
			addr = s
		}
	}

	return &tcpListener{fd: fd, addr: addr}, nil
}

// Dial starts a non-blocking connect to host:port. The returned connection is
// usually still connecting; the poller reports writability once the handshake
// completes, and a hangup event if it fails.
func Dial(host string, port int) (Conn, error) {
	sa, err := sockaddr(host, port)
	if err != nil {
		return nil, errors.NewConnectionError(host, port, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.NewConnectionError(host, port, err)
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, errors.NewConnectionError(host, port, err)
	}

	return &tcpConn{fd: fd, remote: fmt.Sprintf("%s:%d", host, port)}, nil
}

func sockaddr(host string, port int) (unix.Sockaddr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return nil, err
		}
		ip = resolved.IP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", host)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%s:%d", net.IP(in4.Addr[:]).String(), in4.Port)
	}
	return ""
}
