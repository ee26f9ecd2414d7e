package ehci

import (
	"fmt"

	"github.com/c35s/usbhost/usb"
)

const usbSpeedsHost = usb.SpeedMaskHigh

type port struct {
	index     int
	speeds    usb.SpeedMask
	dev       usb.Device
	companion usb.Companion
}

// portOwner handles the device events of a port for whichever controller
// currently owns it.
type portOwner interface {
	attach(c *Controller, p *port)
	detach(c *Controller, p *port)
	childDetach(c *Controller, p *port, dev usb.Device)
	wakeup(c *Controller, p *port)
}

// hostOwner handles ports owned by this controller.
type hostOwner struct{}

// companionOwner forwards to the port's companion controller.
type companionOwner struct{}

func (c *Controller) owner(p *port) portOwner {
	if p.companion != nil && c.portSC(p.index)&PortOwner != 0 {
		return companionOwner{}
	}

	return hostOwner{}
}

func (hostOwner) attach(c *Controller, p *port) {
	c.setPortSC(p.index, c.portSC(p.index)|PortConnect|PortCSC)
	c.raise(StsPCD)
}

func (hostOwner) detach(c *Controller, p *port) {
	c.evictForDevice(&c.async, p.dev)
	c.evictForDevice(&c.periodic, p.dev)

	sc := c.portSC(p.index)
	sc &^= PortConnect | PortPED | PortSuspend
	sc |= PortCSC
	c.setPortSC(p.index, sc)
	c.raise(StsPCD)
}

func (hostOwner) childDetach(c *Controller, p *port, dev usb.Device) {
	c.evictForDevice(&c.async, dev)
	c.evictForDevice(&c.periodic, dev)
}

func (hostOwner) wakeup(c *Controller, p *port) {
	if sc := c.portSC(p.index); sc&PortSuspend != 0 {
		c.setPortSC(p.index, sc|PortFPRes)
		c.raise(StsPCD)
	}
}

func (companionOwner) attach(c *Controller, p *port) {
	p.companion.Attach(p.dev)
}

func (companionOwner) detach(c *Controller, p *port) {
	p.companion.Detach()

	// the port returns to the host once the companion lets go
	c.setPortSC(p.index, c.portSC(p.index)&^PortOwner)
}

func (companionOwner) childDetach(c *Controller, p *port, dev usb.Device) {
	p.companion.ChildDetach(dev)
}

func (companionOwner) wakeup(c *Controller, p *port) {
	p.companion.Wakeup()
}

func (c *Controller) port(n int) (*port, error) {
	if n < 0 || n >= len(c.ports) {
		return nil, fmt.Errorf("%w: %d", ErrPort, n)
	}

	return c.ports[n], nil
}

// Attach connects dev to port n.
func (c *Controller) Attach(n int, dev usb.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.port(n)
	if err != nil {
		return err
	}

	if p.dev != nil {
		return fmt.Errorf("%w: port %d already has a device", ErrPort, n)
	}

	if dev.Speeds()&p.speeds == 0 {
		return fmt.Errorf("%w: port %d does not support the device's speeds", ErrPort, n)
	}

	p.dev = dev
	c.owner(p).attach(c, p)

	return nil
}

// Detach disconnects the device on port n, cancelling its transfers.
func (c *Controller) Detach(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.port(n)
	if err != nil {
		return err
	}

	if p.dev == nil {
		return fmt.Errorf("%w: port %d has no device", ErrPort, n)
	}

	c.owner(p).detach(c, p)
	p.dev = nil

	return nil
}

// ChildDetach reports that dev, downstream of the device on port n, went away.
func (c *Controller) ChildDetach(n int, dev usb.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.port(n)
	if err != nil {
		return err
	}

	c.owner(p).childDetach(c, p, dev)
	return nil
}

// Wakeup signals remote wakeup from the device on port n.
func (c *Controller) Wakeup(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.port(n)
	if err != nil {
		return err
	}

	c.owner(p).wakeup(c, p)
	return nil
}

// RegisterCompanion assigns companion controller ports to the root hub ports
// starting at first. Registered ports start out powered and owned by the
// companion.
func (c *Controller) RegisterCompanion(companions []usb.Companion, first int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if first < 0 || len(companions) == 0 || first+len(companions) > len(c.ports) {
		return fmt.Errorf("%w: ports %d+%d exceed the %d root hub ports",
			ErrCompanion, first, len(companions), len(c.ports))
	}

	for i := range companions {
		if c.ports[first+i].companion != nil {
			return fmt.Errorf("%w: port %d already has a companion", ErrCompanion, first+i)
		}
	}

	for i, cp := range companions {
		p := c.ports[first+i]
		p.companion = cp
		p.speeds |= usb.SpeedMaskLow | usb.SpeedMaskFull
		c.setPortSC(p.index, PortOwner|PortPower)
	}

	c.companions++
	c.regs[RegHCSParams+1] = byte(c.companions<<4 | len(companions))

	return nil
}

// setOwner moves port p between the host and its companion, cycling an
// attached device so the new owner sees the connection.
func (c *Controller) setOwner(p *port, companion bool) {
	if p.companion == nil {
		return
	}

	sc := c.portSC(p.index)
	if (sc&PortOwner != 0) == companion {
		return
	}

	if p.dev != nil {
		c.owner(p).detach(c, p)
	}

	sc = c.portSC(p.index) &^ PortOwner
	if companion {
		sc |= PortOwner
	}

	c.setPortSC(p.index, sc)

	if p.dev != nil {
		c.owner(p).attach(c, p)
	}
}

// writePortSC applies a guest write to port n's status/control register.
func (c *Controller) writePortSC(n int, val uint32) {
	p := c.ports[n]

	sc := c.portSC(n)
	sc &^= val & portRWCMask

	// the guest may clear PED but not set it
	sc &= val | ^uint32(PortPED)
	c.setPortSC(n, sc)

	c.setOwner(p, val&PortOwner != 0)
	sc = c.portSC(n)

	val &= portRWMask

	if val&PortReset != 0 && sc&PortReset == 0 {
		c.log.Debug("port reset asserted", "port", n)
	}

	if val&PortReset == 0 && sc&PortReset != 0 {
		c.log.Debug("port reset released", "port", n)

		if p.dev != nil {
			c.resetPort(p)
			sc = c.portSC(n) &^ PortCSC

			if p.dev.Speeds()&usb.SpeedMaskHigh != 0 {
				val |= PortPED
			}
		}
	}

	if val&PortFPRes == 0 && sc&PortFPRes != 0 {
		val &^= PortSuspend
	}

	sc &^= portRWMask
	sc |= val
	c.setPortSC(n, sc)
}

// resetPort cycles the connection on p and resets its device.
func (c *Controller) resetPort(p *port) {
	c.owner(p).detach(c, p)
	c.owner(p).attach(c, p)
	p.dev.Reset()
}
