// Package mmio implements a memory-mapped I/O bus for emulated devices.
package mmio

import "errors"

// Handler handles accesses to one device's register window.
// The offset is relative to the start of the window.
type Handler interface {
	HandleMMIO(off int, data []byte, isWrite bool) error
}

// DeviceInfo describes a device window on the bus.
type DeviceInfo struct {
	Name string
	IRQ  int
	Addr uint64
	Size uint64
}

const (
	BaseAddr  = 0xd0000000 // first window
	BaseIRQ   = 5          // first IRQ
	PageSize  = 0x1000     // window granularity
	maxWindow = 1 << 24
)

var (
	ErrSize      = errors.New("mmio: bad window size")
	ErrNotFound  = errors.New("mmio: no such window")
	ErrInstalled = errors.New("mmio: window already has a handler")
)
