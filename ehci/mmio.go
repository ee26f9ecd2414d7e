package ehci

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HandleMMIO reads or writes the register window at off. Capability
// registers may be read 1, 2 or 4 bytes at a time; operational registers only
// as aligned 32-bit words. Rejected reads return zeros.
func (c *Controller) HandleMMIO(off int, data []byte, isWrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off < 0 || len(data) == 0 || off+len(data) > MMIOSize {
		if !isWrite {
			clear(data)
		}

		return fmt.Errorf("%w: %d bytes at %#x: %w", ErrOffset, len(data), off, unix.EINVAL)
	}

	if isWrite {
		return c.writeMMIO(off, data)
	}

	return c.readMMIO(off, data)
}

func (c *Controller) readMMIO(off int, data []byte) error {
	if off < CapLength {
		switch len(data) {
		case 1, 2, 4:
			copy(data, c.regs[off:])
			return nil
		}
	}

	if len(data) != 4 || off%4 != 0 {
		clear(data)
		c.log.Warn("unsupported register read", "off", hex(uint32(off)), "size", len(data))
		return fmt.Errorf("%w: %d-byte read at %#x: %w", ErrAccessWidth, len(data), off, unix.EINVAL)
	}

	v := c.reg(off)
	if off == RegFrIndex {
		// software only sees whole frames
		v &^= 7
	}

	le.PutUint32(data, v)
	return nil
}

func (c *Controller) writeMMIO(off int, data []byte) error {
	if off < CapLength {
		c.log.Warn("write to capability register ignored", "off", hex(uint32(off)), "size", len(data))
		return fmt.Errorf("%w: %#x: %w", ErrReadOnly, off, unix.EPERM)
	}

	if len(data) != 4 || off%4 != 0 {
		c.log.Warn("unsupported register write", "off", hex(uint32(off)), "size", len(data))
		return fmt.Errorf("%w: %d-byte write at %#x: %w", ErrAccessWidth, len(data), off, unix.EINVAL)
	}

	v := le.Uint32(data)

	if off >= RegPortSC0 && off < RegPortSC(len(c.ports)) {
		c.writePortSC((off-RegPortSC0)/4, v)
		return nil
	}

	switch off {
	case RegUSBCmd:
		c.writeUSBCmd(v)

	case RegUSBSts:
		c.clearSts(v & stsWCMask)
		c.updateIRQ()

	case RegUSBIntr:
		c.setReg(off, v&intrMask)
		c.updateIRQ()

	case RegFrIndex:
		c.setReg(off, v&frIndexMask)

	case RegCtrlDSSegment:
		if v != 0 {
			c.log.Warn("64-bit addressing is not supported", "segment", hex(v))
		}

	case RegPeriodicBase:
		if c.reg(RegUSBCmd)&CmdPSE != 0 {
			c.log.Warn("periodic list base changed while the periodic schedule is enabled")
		}

		c.setReg(off, v)

	case RegAsyncListAddr:
		if c.reg(RegUSBCmd)&CmdASE != 0 {
			c.log.Warn("async list address changed while the async schedule is enabled")
		}

		c.setReg(off, v)

	case RegConfigFlag:
		v &= 1
		c.setReg(off, v)

		if v != 0 {
			for _, p := range c.ports {
				c.setOwner(p, false)
			}
		}

	default:
		c.log.Debug("write to unimplemented register ignored", "off", hex(uint32(off)), "val", hex(v))
	}

	return nil
}

func (c *Controller) writeUSBCmd(v uint32) {
	if v&CmdHCReset != 0 {
		c.reset()
		return
	}

	old := c.reg(RegUSBCmd)

	if v&CmdFLS != old&CmdFLS {
		c.log.Warn("frame list size change rejected", "fls", field(v, CmdFLS, 2))
		v = v&^CmdFLS | old&CmdFLS
	}

	// only the controller clears the doorbell
	v |= old & CmdIAAD
	v &^= CmdLHCR

	c.setReg(RegUSBCmd, v)

	switch {
	case v&CmdRunStop != 0 && old&CmdRunStop == 0:
		c.log.Debug("run")
		c.start()

	case v&CmdRunStop == 0 && old&CmdRunStop != 0:
		c.log.Debug("stop")
		c.stop()
		c.evictAll(&c.async)
		c.evictAll(&c.periodic)
		c.setState(&c.async, stateInactive)
		c.setState(&c.periodic, stateInactive)
	}
}
