// Package driver is a minimal guest-side EHCI driver. It lays out schedule
// structures in guest memory and programs a controller through its register
// window, the way a guest kernel would.
package driver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/c35s/usbhost/ehci"
	"github.com/c35s/usbhost/guest"
	"github.com/c35s/usbhost/mmio"
)

// Config describes a new driver.
type Config struct {

	// HC is the controller's register window.
	HC mmio.Handler

	// Mem is guest memory shared with the controller.
	Mem *guest.Memory

	// Arena is the guest physical range the driver allocates schedule
	// structures and buffers from. It must be page aligned.
	// If ArenaSize is 0, the driver uses all memory from Arena up.
	Arena     uint32
	ArenaSize uint32

	// Wait is called while polling for completion. It should block until the
	// controller may have made progress, for example by advancing virtual time
	// or waiting for an interrupt.
	Wait func() error

	// MaxPolls bounds how many times a blocking operation calls Wait.
	// Defaults to 1000.
	MaxPolls int
}

// Driver programs one EHCI controller.
type Driver struct {
	cfg Config
	mem *guest.Memory

	next uint32 // bump allocator
	end  uint32

	frameList uint32
	head      uint32 // async list head QH
	intr      uint32 // first interrupt QH, or LinkTerminate

	free map[block][]uint32
}

type block struct {
	size, align uint32
}

// FrameListLen is the number of periodic frame list entries.
const FrameListLen = 1024

const (
	maxPollsDefault = 1000
	maxAddr         = 0xfffff000 // highest arena end
)

var (
	ErrConfig  = errors.New("driver: invalid config")
	ErrNoSpace = errors.New("driver: arena exhausted")
	ErrTimeout = errors.New("driver: timed out")
	ErrPort    = errors.New("driver: port not enabled")
)

var le = binary.LittleEndian

// New creates a driver. It does not touch the controller; see Start.
func New(cfg Config) (*Driver, error) {
	if cfg.HC == nil || cfg.Mem == nil || cfg.Wait == nil {
		return nil, fmt.Errorf("%w: controller, memory and wait function are required", ErrConfig)
	}

	if cfg.Arena%mmio.PageSize != 0 {
		return nil, fmt.Errorf("%w: arena %#x is not page aligned", ErrConfig, cfg.Arena)
	}

	if cfg.ArenaSize == 0 && uint64(cfg.Arena) < uint64(cfg.Mem.Len()) {
		cfg.ArenaSize = uint32(min(uint64(cfg.Mem.Len())-uint64(cfg.Arena), maxAddr-uint64(cfg.Arena)))
	}

	if _, err := cfg.Mem.At(uint64(cfg.Arena), int(cfg.ArenaSize)); err != nil || cfg.ArenaSize == 0 {
		return nil, fmt.Errorf("%w: arena %#x+%d is not in guest memory", ErrConfig, cfg.Arena, cfg.ArenaSize)
	}

	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = maxPollsDefault
	}

	return &Driver{
		cfg:  cfg,
		mem:  cfg.Mem,
		next: cfg.Arena,
		end:  cfg.Arena + cfg.ArenaSize,
		intr: ehci.LinkTerminate,
		free: make(map[block][]uint32),
	}, nil
}

// Alloc returns size bytes of zeroed arena memory aligned to align,
// which must be a power of two.
func (d *Driver) Alloc(size, align uint32) (uint32, error) {
	k := block{size, align}
	if free := d.free[k]; len(free) > 0 {
		addr := free[len(free)-1]
		d.free[k] = free[:len(free)-1]
		clear(d.bytes(addr, int(size)))
		return addr, nil
	}

	addr := (d.next + align - 1) &^ (align - 1)
	if addr < d.next || addr > d.end || size > d.end-addr {
		return 0, fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
	}

	d.next = addr + size
	clear(d.bytes(addr, int(size)))

	return addr, nil
}

// Free returns memory from Alloc for reuse by allocations of the same size
// and alignment.
func (d *Driver) Free(addr, size, align uint32) {
	k := block{size, align}
	d.free[k] = append(d.free[k], addr)
}

// bytes returns guest memory at addr. Everything the driver touches was
// allocated from the arena, which New checked.
func (d *Driver) bytes(addr uint32, n int) []byte {
	b, err := d.mem.At(uint64(addr), n)
	if err != nil {
		panic(err)
	}

	return b
}

// Word reads the 32-bit word at addr.
func (d *Driver) Word(addr uint32) uint32 {
	return le.Uint32(d.bytes(addr, 4))
}

// SetWord writes the 32-bit word at addr.
func (d *Driver) SetWord(addr, v uint32) {
	le.PutUint32(d.bytes(addr, 4), v)
}

// Read reads a controller register.
func (d *Driver) Read(off int) (uint32, error) {
	var b [4]byte
	if err := d.cfg.HC.HandleMMIO(off, b[:], false); err != nil {
		return 0, err
	}

	return le.Uint32(b[:]), nil
}

// Write writes a controller register.
func (d *Driver) Write(off int, v uint32) error {
	var b [4]byte
	le.PutUint32(b[:], v)
	return d.cfg.HC.HandleMMIO(off, b[:], true)
}

func (d *Driver) update(off int, clr, set uint32) error {
	v, err := d.Read(off)
	if err != nil {
		return err
	}

	return d.Write(off, v&^clr|set)
}

// Start resets the controller, builds empty periodic and async schedules,
// routes every port to the controller and sets it running.
func (d *Driver) Start() error {
	if err := d.Write(ehci.RegUSBCmd, ehci.CmdHCReset); err != nil {
		return err
	}

	if d.frameList == 0 {
		if err := d.buildSchedules(); err != nil {
			return err
		}
	}

	steps := []struct {
		off int
		v   uint32
	}{
		{ehci.RegPeriodicBase, d.frameList},
		{ehci.RegAsyncListAddr, ehci.Link(d.head, ehci.TypeQH)},
		{ehci.RegUSBIntr, ehci.StsInt | ehci.StsErrInt | ehci.StsPCD | ehci.StsHSE | ehci.StsIAA},
		{ehci.RegConfigFlag, 1},
		{ehci.RegUSBCmd, ehci.CmdRunStop | ehci.CmdASE | ehci.CmdPSE | 8<<16},
	}

	for _, s := range steps {
		if err := d.Write(s.off, s.v); err != nil {
			return fmt.Errorf("driver: start: register %#x: %w", s.off, err)
		}
	}

	return d.Poll(func() (bool, error) {
		sts, err := d.Read(ehci.RegUSBSts)
		return sts&ehci.StsHalt == 0, err
	})
}

func (d *Driver) buildSchedules() error {
	fl, err := d.Alloc(4*FrameListLen, mmio.PageSize)
	if err != nil {
		return err
	}

	for i := 0; i < FrameListLen; i++ {
		d.SetWord(fl+4*uint32(i), ehci.LinkTerminate)
	}

	head, err := d.Alloc(qhSize, qhAlign)
	if err != nil {
		return err
	}

	// the head is a halted placeholder that never carries transfers
	d.SetWord(head+qhNext, ehci.Link(head, ehci.TypeQH))
	d.SetWord(head+qhEPChar, ehci.QHH|ehci.EPSHigh<<ehci.QHEPSShift)
	d.SetWord(head+qhEPCap, 1<<ehci.QHMultShift)
	d.SetWord(head+qhNextQTD, ehci.LinkTerminate)
	d.SetWord(head+qhAltNext, ehci.LinkTerminate)
	d.SetWord(head+qhToken, ehci.QTDHalt)

	d.frameList, d.head = fl, head
	return nil
}

// Poll calls Wait until cond reports true, acknowledging controller
// interrupts along the way.
func (d *Driver) Poll(cond func() (bool, error)) error {
	for i := 0; i < d.cfg.MaxPolls; i++ {
		ok, err := cond()
		if err != nil || ok {
			return err
		}

		if err := d.cfg.Wait(); err != nil {
			return err
		}

		if err := d.ack(); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d polls", ErrTimeout, d.cfg.MaxPolls)
}

// ack clears the pending interrupt status bits.
func (d *Driver) ack() error {
	sts, err := d.Read(ehci.RegUSBSts)
	if err != nil {
		return err
	}

	if sts &= 0x3f; sts == 0 {
		return nil
	}

	return d.Write(ehci.RegUSBSts, sts)
}

// RingDoorbell asks the controller to acknowledge that it no longer holds
// references to queue heads removed from the async list, and waits for it.
func (d *Driver) RingDoorbell() error {
	if err := d.update(ehci.RegUSBCmd, 0, ehci.CmdIAAD); err != nil {
		return err
	}

	return d.Poll(func() (bool, error) {
		cmd, err := d.Read(ehci.RegUSBCmd)
		return cmd&ehci.CmdIAAD == 0, err
	})
}

// ResetPort drives a bus reset on port n and reports an error unless the
// port is enabled afterwards. Connect change is acknowledged.
func (d *Driver) ResetPort(n int) error {
	off := ehci.RegPortSC(n)

	sc, err := d.Read(off)
	if err != nil {
		return err
	}

	if sc&ehci.PortConnect == 0 {
		return fmt.Errorf("%w: port %d: nothing connected", ErrPort, n)
	}

	sc &^= ehci.PortPED | ehci.PortCSC | ehci.PortPEDC | ehci.PortOCC
	if err := d.Write(off, sc|ehci.PortReset); err != nil {
		return err
	}

	if err := d.Write(off, sc&^ehci.PortReset|ehci.PortCSC); err != nil {
		return err
	}

	if sc, err = d.Read(off); err != nil {
		return err
	}

	if sc&ehci.PortPED == 0 {
		return fmt.Errorf("%w: port %d: portsc %#x", ErrPort, n, sc)
	}

	return nil
}
