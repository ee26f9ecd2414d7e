//go:build unix

// Package guest provides guest physical memory for emulated devices.
package guest

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Memory is a contiguous guest physical address space starting at 0.
type Memory struct {
	b      []byte
	mapped bool
}

var (
	ErrAlloc = errors.New("guest: memory allocation failed")
	ErrRange = errors.New("guest: address out of range")
)

// Alloc maps size bytes of anonymous memory.
// The size must be a positive multiple of the host page size.
func Alloc(size int) (*Memory, error) {
	if pgsz := os.Getpagesize(); size <= 0 || size%pgsz != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of the page size (%d)", ErrAlloc, size, pgsz)
	}

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	return &Memory{b: b, mapped: true}, nil
}

// New returns memory backed by b.
func New(b []byte) *Memory {
	return &Memory{b: b}
}

// At returns a slice aliasing size bytes of memory at addr.
func (m *Memory) At(addr uint64, size int) ([]byte, error) {
	if size < 0 || addr > uint64(len(m.b)) || uint64(size) > uint64(len(m.b))-addr {
		return nil, fmt.Errorf("%w: %#x+%d", ErrRange, addr, size)
	}

	return m.b[addr : addr+uint64(size)], nil
}

// Len returns the size of the memory in bytes.
func (m *Memory) Len() int {
	return len(m.b)
}

// Close releases mapped memory. It is a no-op for memory created with New.
func (m *Memory) Close() error {
	if !m.mapped || m.b == nil {
		return nil
	}

	err := unix.Munmap(m.b)
	m.b = nil
	return err
}
