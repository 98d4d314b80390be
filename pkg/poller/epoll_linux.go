//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

const maxEventsPerWait = 128

// readMask matches the level-triggered flag set of the readiness loop:
// readable, priority, hangup and error. Write interest is added on demand.
const readMask = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLHUP | unix.EPOLLERR

type epoll struct {
	fd     int
	events []unix.EpollEvent
}

// New returns a level-triggered epoll poller.
func New() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEventsPerWait),
	}, nil
}

func mask(interest Interest) uint32 {
	m := uint32(readMask)
	if interest == ReadWrite {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epoll) Add(fd int, interest Interest) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: mask(interest),
		Fd:     int32(fd),
	})
}

func (p *epoll) Modify(fd int, interest Interest) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: mask(interest),
		Fd:     int32(fd),
	})
}

func (p *epoll) Remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epoll) Wait(timeout time.Duration) ([]Event, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.fd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Event, 0, n)
	for _, ev := range p.events[:n] {
		out = append(out, Event{
			Fd:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return out, nil
}

func (p *epoll) Close() error {
	return unix.Close(p.fd)
}
