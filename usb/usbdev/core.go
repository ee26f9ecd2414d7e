// Package usbdev implements emulated USB devices.
package usbdev

import (
	"errors"
	"fmt"

	"github.com/c35s/usbhost/usb"
)

// Core implements the default control pipe of a device: control transfer
// staging and the standard requests. It is not safe for concurrent use;
// devices embedding it serialize access.
type Core struct {
	Descriptor DeviceDescriptor
	Config     ConfigDescriptor

	// Strings are string descriptors 1 and up.
	Strings []string

	// Class handles class and vendor requests. For IN requests it returns
	// the data stage; for OUT requests data holds it. If Class is nil, such
	// requests stall.
	Class func(s usb.Setup, data []byte) ([]byte, error)

	addr   uint8
	config uint8
	ctl    control
}

type ctlStage int

const (
	ctlIdle ctlStage = iota
	ctlDataIn
	ctlDataOut
	ctlStatus // status stage pending, request not yet run
	ctlStalled
)

type control struct {
	setup usb.Setup
	stage ctlStage
	in    []byte // IN data not yet sent
	out   []byte // OUT data received
}

var ErrRequest = errors.New("usbdev: unsupported request")

// Addr returns the device address.
func (c *Core) Addr() uint8 {
	return c.addr
}

// Configuration returns the active configuration value, 0 if unconfigured.
func (c *Core) Configuration() uint8 {
	return c.config
}

// Reset returns the core to the default state.
func (c *Core) Reset() {
	c.addr = 0
	c.config = 0
	c.ctl = control{}
}

// HandleControl processes a packet addressed to endpoint 0. It always
// completes synchronously.
func (c *Core) HandleControl(p *usb.Packet) {
	switch p.PID {
	case usb.PIDSetup:
		c.handleSetup(p)

	case usb.PIDIn:
		c.handleIn(p)

	case usb.PIDOut:
		c.handleOut(p)
	}
}

func (c *Core) handleSetup(p *usb.Packet) {
	s, err := usb.ParseSetup(p.Data)
	if err != nil {
		c.ctl = control{stage: ctlStalled}
		p.Status = usb.StatusStall
		return
	}

	c.ctl = control{setup: s}

	switch {
	case s.IsIn():
		data, err := c.request(s, nil)
		if err != nil {
			c.ctl.stage = ctlStalled
			break
		}

		if len(data) > int(s.Length) {
			data = data[:s.Length]
		}

		c.ctl.in = data
		c.ctl.stage = ctlDataIn

	case s.Length > 0:
		c.ctl.stage = ctlDataOut

	default:
		c.ctl.stage = ctlStatus
	}

	// the setup stage itself is always acknowledged
	p.Status, p.Actual = usb.StatusOK, len(p.Data)
}

func (c *Core) handleIn(p *usb.Packet) {
	switch c.ctl.stage {
	case ctlDataIn:
		n := copy(p.Data, c.ctl.in)
		c.ctl.in = c.ctl.in[n:]
		p.Status, p.Actual = usb.StatusOK, n

	case ctlDataOut, ctlStatus:
		// status stage of a host-to-device request
		if _, err := c.request(c.ctl.setup, c.ctl.out); err != nil {
			c.ctl.stage = ctlStalled
			p.Status = usb.StatusStall
			return
		}

		c.ctl = control{}
		p.Status, p.Actual = usb.StatusOK, 0

	default:
		p.Status = usb.StatusStall
	}
}

func (c *Core) handleOut(p *usb.Packet) {
	switch c.ctl.stage {
	case ctlDataOut:
		c.ctl.out = append(c.ctl.out, p.Data...)
		if len(c.ctl.out) >= int(c.ctl.setup.Length) {
			c.ctl.out = c.ctl.out[:c.ctl.setup.Length]
			c.ctl.stage = ctlStatus
		}

		p.Status, p.Actual = usb.StatusOK, len(p.Data)

	case ctlDataIn:
		// status stage of a device-to-host request
		c.ctl = control{}
		p.Status, p.Actual = usb.StatusOK, 0

	default:
		p.Status = usb.StatusStall
	}
}

// request runs a control request. IN requests return their data stage.
func (c *Core) request(s usb.Setup, data []byte) ([]byte, error) {
	if s.Type() != usb.RequestTypeStandard {
		if c.Class == nil {
			return nil, fmt.Errorf("%w: type %#x request %#x", ErrRequest, s.Type(), s.Request)
		}

		return c.Class(s, data)
	}

	switch s.Request {
	case usb.ReqGetStatus:
		return []byte{0, 0}, nil

	case usb.ReqClearFeature, usb.ReqSetFeature:
		return nil, nil

	case usb.ReqSetAddress:
		if s.Value > 127 {
			return nil, fmt.Errorf("%w: address %d", ErrRequest, s.Value)
		}

		c.addr = uint8(s.Value)
		return nil, nil

	case usb.ReqGetDescriptor:
		return c.descriptor(uint8(s.Value>>8), uint8(s.Value))

	case usb.ReqGetConfiguration:
		return []byte{c.config}, nil

	case usb.ReqSetConfiguration:
		if v := uint8(s.Value); v != 0 && v != c.Config.Value {
			return nil, fmt.Errorf("%w: configuration %d", ErrRequest, v)
		}

		c.config = uint8(s.Value)
		return nil, nil

	case usb.ReqGetInterface:
		return []byte{0}, nil

	case usb.ReqSetInterface:
		if s.Value != 0 {
			return nil, fmt.Errorf("%w: alternate setting %d", ErrRequest, s.Value)
		}

		return nil, nil
	}

	return nil, fmt.Errorf("%w: standard request %#x", ErrRequest, s.Request)
}

func (c *Core) descriptor(typ, index uint8) ([]byte, error) {
	switch typ {
	case usb.DescDevice:
		return c.Descriptor.Bytes(), nil

	case usb.DescConfiguration:
		if index == 0 {
			return c.Config.Bytes(), nil
		}

	case usb.DescString:
		if index == 0 {
			return languages(), nil
		}

		if int(index) <= len(c.Strings) {
			return stringDescriptor(c.Strings[index-1]), nil
		}
	}

	// includes the device qualifier: the device only runs at high speed
	return nil, fmt.Errorf("%w: descriptor type %d index %d", ErrRequest, typ, index)
}
