package mmio

import (
	"fmt"
	"log/slog"
	"sync"
)

type Bus struct {
	mu      sync.Mutex
	notify  func(irq int) error
	devices []*device
	level   map[int]bool

	nextIRQ  int
	nextAddr uint64
}

type device struct {
	info    DeviceInfo
	handler Handler
}

// NewBus creates an empty bus. The notify callback is called on the rising
// edge of a device's interrupt line, see Line.
func NewBus(notify func(irq int) error) *Bus {
	return &Bus{
		notify:   notify,
		level:    make(map[int]bool),
		nextIRQ:  BaseIRQ,
		nextAddr: BaseAddr,
	}
}

// Reserve assigns an IRQ and a window of at least size bytes.
// The window size is rounded up to a multiple of PageSize.
func (b *Bus) Reserve(name string, size uint64) (DeviceInfo, error) {
	if size == 0 || size > maxWindow {
		return DeviceInfo{}, fmt.Errorf("%w: %d", ErrSize, size)
	}

	size = (size + PageSize - 1) &^ (PageSize - 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	d := &device{
		info: DeviceInfo{
			Name: name,
			IRQ:  b.nextIRQ,
			Addr: b.nextAddr,
			Size: size,
		},
	}

	b.devices = append(b.devices, d)
	b.nextIRQ++
	b.nextAddr += size

	return d.info, nil
}

// Install attaches h to a reserved window.
func (b *Bus) Install(info DeviceInfo, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if d.info != info {
			continue
		}

		if d.handler != nil {
			return fmt.Errorf("%w: %s", ErrInstalled, info.Name)
		}

		d.handler = h
		return nil
	}

	return fmt.Errorf("%w: %s at %#x", ErrNotFound, info.Name, info.Addr)
}

// Line returns a level-setting function for irq. The bus calls notify when
// the level goes from low to high; lowering the line is silent.
func (b *Bus) Line(irq int) func(level bool) {
	return func(level bool) {
		b.mu.Lock()
		rising := level && !b.level[irq]
		b.level[irq] = level
		b.mu.Unlock()

		if !rising || b.notify == nil {
			return
		}

		if err := b.notify(irq); err != nil {
			slog.Error("mmio irq notification failed",
				"irq", irq, "err", err)
		}
	}
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	b.mu.Lock()
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}
	b.mu.Unlock()

	if dev == nil || dev.handler == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.handler.HandleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the reserved windows.
func (b *Bus) Devices() []DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Window returns a Handler that addresses info's window through the bus,
// the way guest code reaches a device. Accesses outside any installed
// window fail with ErrNotFound.
func (b *Bus) Window(info DeviceInfo) Handler {
	return window{b, info}
}

type window struct {
	bus  *Bus
	info DeviceInfo
}

func (w window) HandleMMIO(off int, data []byte, isWrite bool) error {
	addr := w.info.Addr + uint64(off)

	found, err := w.bus.HandleMMIO(addr, data, isWrite)
	if !found {
		return fmt.Errorf("%w: %#x", ErrNotFound, addr)
	}

	return err
}
