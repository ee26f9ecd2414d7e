package ehci

import (
	"github.com/c35s/usbhost/usb"
)

// processITD runs the active transactions of an isochronous descriptor.
// A NAK from the device pauses isochronous streaming: processing stops
// here, leaving the remaining slots for a later frame.
func (c *Controller) processITD(d *itd) error {
	var (
		dirIn  = d.bufptr[1]&ITDDirIn != 0
		addr   = uint8(d.bufptr[0] & ITDAddrMask)
		ep     = uint8(field(d.bufptr[0], ITDEPMask, ITDEPShift))
		maxPkt = int(d.bufptr[1] & ITDMaxPkt)
		mult   = int(d.bufptr[2] & ITDMultMask)
		pid    = usb.PIDOut
	)

	if dirIn {
		pid = usb.PIDIn
	}

	for i, t := range d.transact {
		if t&ITDActive == 0 {
			continue
		}

		var (
			pg  = int(field(t, ITDPGMask, ITDPGShift))
			off = t & ITDOffMask
			n   = min(int(field(t, ITDLenMask, ITDLenShift)), maxPkt*mult)
		)

		if n > BufferSize || pg >= itdBufptrs {
			return corrupt("iTD slot %d: %d bytes in page %d", i, n, pg)
		}

		spans := []span{{addr: d.bufptr[pg]&ITDBufMask | off, n: n}}
		if int(off)+n > 4096 {
			if pg == itdBufptrs-1 {
				return corrupt("iTD slot %d runs past the last page", i)
			}

			first := 4096 - int(off)
			spans = []span{
				{addr: d.bufptr[pg]&ITDBufMask | off, n: first},
				{addr: d.bufptr[pg+1] & ITDBufMask, n: n - first},
			}
		}

		st, data, err := c.isochTransfer(pid, addr, ep, n, spans)
		if err != nil {
			return err
		}

		if st == usb.StatusNAK {
			switch {
			case c.isochPause > 0:
				return nil

			case c.isochPause < 0:
				c.log.Debug("isochronous stream paused", "addr", addr, "ep", ep)
				c.isochPause = isochPauseFr
				return nil
			}

			// the pause ran out: complete the slot empty
			st, data = usb.StatusOK, nil
		} else {
			c.isochPause = -1
		}

		if st == usb.StatusOK && len(data) > n {
			st = usb.StatusBabble
		}

		switch st {
		case usb.StatusOK:
			if dirIn && len(data) > 0 {
				if err := c.scatter(data, spans); err != nil {
					return err
				}
			}

		case usb.StatusBabble:
			t |= ITDBabble
			c.raise(StsErrInt)
			data = nil

		default:
			if dirIn {
				t |= ITDXactErr
				c.raise(StsErrInt)
			}

			data = nil
		}

		length := len(data)
		if !dirIn {
			length = n - len(data)
		}

		setField(&t, uint32(length), ITDLenMask, ITDLenShift)
		if t&ITDIOC != 0 {
			c.raise(StsInt)
		}

		d.transact[i] = t &^ ITDActive
	}

	return nil
}

// isochTransfer runs one isochronous transaction. It returns the device's
// status and, for transfers that moved data, the bytes transferred.
func (c *Controller) isochTransfer(pid usb.PID, addr, ep uint8, n int, spans []span) (usb.Status, []byte, error) {
	dev := c.findDevice(addr)
	if dev == nil {
		return usb.StatusNoDevice, nil, nil
	}

	buf := make([]byte, n)
	if pid == usb.PIDOut {
		if err := c.gather(buf, spans); err != nil {
			return 0, nil, err
		}
	}

	p := usb.NewPacket(pid, addr, ep, buf, nil)
	dev.HandlePacket(p)

	switch p.Status {
	case usb.StatusAsync:
		dev.CancelPacket(p)
		c.log.Warn("isochronous transfers cannot complete asynchronously", "addr", addr, "ep", ep)
		return usb.StatusIOError, nil, nil

	case usb.StatusOK:
		if p.Actual > len(p.Data) {
			// report babble without reading past the buffer
			return usb.StatusOK, make([]byte, p.Actual), nil
		}

		return usb.StatusOK, p.Data[:p.Actual], nil
	}

	return p.Status, nil, nil
}
