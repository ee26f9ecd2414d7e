//go:build linux

package mmio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Eventfds signals interrupts through one eventfd per IRQ, the way a KVM
// irqfd is triggered. Its Notify method fits NewBus.
type Eventfds struct {
	mu  sync.Mutex
	fds map[int]int // irq:fd
}

var le = binary.LittleEndian

// NewEventfds creates an eventfd for each irq.
func NewEventfds(irqs ...int) (*Eventfds, error) {
	e := &Eventfds{fds: make(map[int]int)}

	for _, irq := range irqs {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("mmio: eventfd for irq %d: %w", irq, err)
		}

		e.fds[irq] = fd
	}

	return e, nil
}

// Notify adds 1 to irq's counter. IRQs without an eventfd are ignored.
func (e *Eventfds) Notify(irq int) error {
	e.mu.Lock()
	fd, ok := e.fds[irq]
	e.mu.Unlock()

	if !ok {
		return nil
	}

	var buf [8]byte
	le.PutUint64(buf[:], 1)

	if _, err := unix.Write(fd, buf[:]); err != nil {
		return err
	}

	return nil
}

// Wait waits up to timeout for irq to fire and returns the number of
// notifications since the last Wait. It returns 0 on timeout.
func (e *Eventfds) Wait(irq int, timeout time.Duration) (uint64, error) {
	e.mu.Lock()
	fd, ok := e.fds[irq]
	e.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: irq %d", ErrNotFound, irq)
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return 0, err
		}

		if n == 0 {
			return 0, nil
		}

		break
	}

	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}

		return 0, err
	}

	return le.Uint64(buf[:]), nil
}

// Close closes every eventfd.
func (e *Eventfds) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var first error
	for irq, fd := range e.fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}

		delete(e.fds, irq)
	}

	return first
}
