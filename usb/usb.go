// Package usb defines the device and packet model shared by emulated host controllers and devices.
package usb

import (
	"errors"
	"fmt"
)

// Device is an emulated USB device attached to a root hub port.
//
// HandlePacket either completes p synchronously by setting its Status and
// Actual fields, or sets p.Status to StatusAsync and later calls p.Complete
// from another goroutine. A device must never call p.Complete from within
// HandlePacket, CancelPacket or Reset.
type Device interface {

	// Addr returns the device's current bus address. It is 0 until the host
	// assigns one with SET_ADDRESS.
	Addr() uint8

	// Speeds returns the speeds the device can operate at.
	Speeds() SpeedMask

	// HandlePacket processes one transaction.
	HandlePacket(p *Packet)

	// CancelPacket abandons an asynchronous packet. The device must not
	// touch p's buffer after CancelPacket returns.
	CancelPacket(p *Packet)

	// Reset signals a bus reset. The device forgets its address and configuration.
	Reset()
}

// Companion is a USB 1.1 companion controller port sharing a physical port
// with a high-speed host controller.
type Companion interface {
	Attach(dev Device)
	Detach()
	ChildDetach(dev Device)
	Wakeup()
}

// Speed is a USB bus speed.
type Speed int

const (
	SpeedLow  Speed = iota // 1.5 Mb/s
	SpeedFull              // 12 Mb/s
	SpeedHigh              // 480 Mb/s
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	default:
		return fmt.Sprintf("Speed(%d)", int(s))
	}
}

// SpeedMask is a set of speeds.
type SpeedMask uint8

const (
	SpeedMaskLow  = SpeedMask(1 << SpeedLow)
	SpeedMaskFull = SpeedMask(1 << SpeedFull)
	SpeedMaskHigh = SpeedMask(1 << SpeedHigh)
)

// Has reports whether s is in the mask.
func (m SpeedMask) Has(s Speed) bool {
	return m&(1<<s) != 0
}

// PID is a token packet identifier.
type PID uint8

const (
	PIDOut   PID = 0xe1
	PIDIn    PID = 0x69
	PIDSetup PID = 0x2d
)

func (p PID) String() string {
	switch p {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("PID(%#x)", uint8(p))
	}
}

// Status is the outcome of a transaction.
type Status int

const (
	StatusOK Status = iota
	StatusNAK
	StatusStall
	StatusBabble
	StatusNoDevice
	StatusIOError
	StatusAsync // submitted, completion pending
)

var (
	ErrNAK      = errors.New("usb: NAK")
	ErrStall    = errors.New("usb: stall")
	ErrBabble   = errors.New("usb: babble")
	ErrNoDevice = errors.New("usb: no such device")
	ErrIOError  = errors.New("usb: I/O error")
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNAK:
		return "nak"
	case StatusStall:
		return "stall"
	case StatusBabble:
		return "babble"
	case StatusNoDevice:
		return "nodev"
	case StatusIOError:
		return "ioerror"
	case StatusAsync:
		return "async"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Err returns the error corresponding to s, or nil for StatusOK and StatusAsync.
func (s Status) Err() error {
	switch s {
	case StatusNAK:
		return ErrNAK
	case StatusStall:
		return ErrStall
	case StatusBabble:
		return ErrBabble
	case StatusNoDevice:
		return ErrNoDevice
	case StatusIOError:
		return ErrIOError
	default:
		return nil
	}
}

// StatusOf maps an error returned by device logic to a Status.
// Unknown errors map to StatusStall.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNAK):
		return StatusNAK
	case errors.Is(err, ErrBabble):
		return StatusBabble
	case errors.Is(err, ErrNoDevice):
		return StatusNoDevice
	case errors.Is(err, ErrIOError):
		return StatusIOError
	default:
		return StatusStall
	}
}
