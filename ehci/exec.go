package ehci

import (
	"github.com/c35s/usbhost/usb"
)

// span is a contiguous run of guest memory.
type span struct {
	addr uint32
	n    int
}

// overlay loads q's current qTD into the QH overlay area.
func (c *Controller) overlay(q *queue) error {
	var (
		h      = &q.qh
		d      = &q.qtd
		toggle = h.token & QTDToggle
		ping   = h.token & QTDPing
	)

	h.current = q.qtdAddr
	h.nextQTD = d.next
	h.altNext = d.altNext
	h.token = d.token
	h.bufptr = d.bufptr

	// the ping state belongs to the endpoint, not the qTD
	if field(h.epchar, QHEPSMask, QHEPSShift) == EPSHigh {
		h.token = h.token&^QTDPing | ping
	}

	if h.epchar&QHDTC == 0 {
		h.token = h.token&^QTDToggle | toggle
	}

	setField(&h.altNext, field(h.epchar, QHRLMask, QHRLShift), QHNakCntMask, QHNakCntShift)

	h.bufptr[1] &^= qhCProgMask
	h.bufptr[2] &^= qhFrameTagMask

	return c.flushQH(q)
}

// submit sends the transaction described by q's overlay to its device.
func (c *Controller) submit(q *queue) error {
	tok := q.qh.token

	q.tbytes = int(field(tok, QTDBytesMask, QTDBytesShift))
	if q.tbytes > BufferSize {
		return corrupt("qTD %#x asks for %d bytes", q.qtdAddr, q.tbytes)
	}

	switch field(tok, QTDPIDMask, QTDPIDShift) {
	case PIDOut:
		q.pid = usb.PIDOut

	case PIDIn:
		q.pid = usb.PIDIn

	case PIDSetup:
		q.pid = usb.PIDSetup

	default:
		return corrupt("qTD %#x has an invalid PID", q.qtdAddr)
	}

	spans, err := qtdSpans(&q.qh, q.tbytes)
	if err != nil {
		return err
	}

	q.spans = spans

	var (
		addr = uint8(q.qh.epchar & QHAddrMask)
		ep   = uint8(field(q.qh.epchar, QHEPMask, QHEPShift))
	)

	dev := c.findDevice(addr)
	if dev == nil {
		c.log.Debug("no device at address", "addr", addr, "qh", hex(q.addr))
		q.result, q.actual = usb.StatusNoDevice, 0
		return nil
	}

	q.dev = dev

	buf := make([]byte, q.tbytes)
	if q.pid != usb.PIDIn {
		if err := c.gather(buf, spans); err != nil {
			return err
		}
	}

	p := usb.NewPacket(q.pid, addr, ep, buf, c.completer(q))
	q.pkt = p
	dev.HandlePacket(p)

	if p.Status == usb.StatusAsync {
		q.async = asyncInflight
		return nil
	}

	q.result, q.actual = p.Status, p.Actual
	return nil
}

// completer returns the completion callback for packets submitted on q.
func (c *Controller) completer(q *queue) func(*usb.Packet) {
	return func(p *usb.Packet) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if q.pkt != p || q.async != asyncInflight {
			c.log.Debug("stale completion ignored", "qh", hex(q.addr), "packet", p)
			return
		}

		q.result, q.actual = p.Status, p.Actual
		q.async = asyncFinished
	}
}

// complete folds the result of q's last transaction into the overlay token.
func (c *Controller) complete(q *queue) error {
	var (
		h   = &q.qh
		st  = q.result
		n   = q.actual
		pkt = q.pkt
	)

	q.pkt = nil
	q.async = asyncNone

	if st == usb.StatusOK && q.pid == usb.PIDIn && n > q.tbytes {
		st = usb.StatusBabble
	}

	switch st {
	case usb.StatusOK:
		if q.pid == usb.PIDIn && n > 0 {
			if err := c.scatter(pkt.Data[:n], q.spans); err != nil {
				return err
			}
		}

	case usb.StatusNAK:
		return nil

	case usb.StatusStall:
		h.token |= QTDHalt
		c.raise(StsErrInt)

	case usb.StatusBabble:
		h.token |= QTDHalt | QTDBabble
		c.raise(StsErrInt)

	default:
		if st != usb.StatusNoDevice && st != usb.StatusIOError {
			c.log.Error("unexpected transfer status", "status", st, "qh", hex(q.addr))
		}

		h.token |= QTDHalt | QTDXactErr
		setField(&h.token, 0, QTDCErrMask, QTDCErrShift)
		c.raise(StsErrInt)
	}

	if st != usb.StatusOK {
		n = 0
	}

	if q.pid == usb.PIDIn {
		q.tbytes -= n
		if st == usb.StatusOK && q.tbytes != 0 {
			// short packet
			c.raise(StsInt)
		}
	} else {
		q.tbytes = 0
	}

	if st == usb.StatusOK {
		h.token ^= QTDToggle
	}

	advanceBuffer(h, n)
	setField(&h.token, uint32(q.tbytes), QTDBytesMask, QTDBytesShift)
	h.token &^= QTDActive

	if h.token&QTDIOC != 0 {
		c.raise(StsInt)
	}

	return nil
}

// advanceBuffer moves the overlay's current page and offset past n bytes.
func advanceBuffer(h *qh, n int) {
	var (
		cpage = field(h.token, QTDCPageMask, QTDCPageShift)
		off   = h.bufptr[0]&0xfff + uint32(n)
	)

	cpage += off >> 12
	off &= 0xfff

	setField(&h.token, cpage, QTDCPageMask, QTDCPageShift)
	h.bufptr[0] = h.bufptr[0]&QTDBufMask | off
}

// qtdSpans maps n bytes of the overlay's buffer, starting at the current
// page and offset, onto guest memory.
func qtdSpans(h *qh, n int) ([]span, error) {
	var (
		cpage = field(h.token, QTDCPageMask, QTDCPageShift)
		off   = h.bufptr[0] & 0xfff
		spans []span
	)

	for n > 0 {
		if cpage >= uint32(len(h.bufptr)) {
			return nil, corrupt("buffer runs past page %d", len(h.bufptr)-1)
		}

		l := min(4096-int(off), n)
		spans = append(spans, span{addr: h.bufptr[cpage]&QTDBufMask | off, n: l})

		n -= l
		off = 0
		cpage++
	}

	return spans, nil
}

func (c *Controller) gather(buf []byte, spans []span) error {
	for _, s := range spans {
		b, err := c.cfg.MemAt(uint64(s.addr), s.n)
		if err != nil {
			return c.dmaError(s.addr, err)
		}

		buf = buf[copy(buf, b):]
	}

	return nil
}

func (c *Controller) scatter(data []byte, spans []span) error {
	for _, s := range spans {
		if len(data) == 0 {
			break
		}

		n := min(s.n, len(data))
		b, err := c.cfg.MemAt(uint64(s.addr), n)
		if err != nil {
			return c.dmaError(s.addr, err)
		}

		data = data[copy(b, data[:n]):]
	}

	return nil
}

// findDevice returns the enabled, host-owned device with the given address.
func (c *Controller) findDevice(addr uint8) usb.Device {
	for _, p := range c.ports {
		if p.dev == nil || c.portSC(p.index)&PortPED == 0 {
			continue
		}

		if _, ok := c.owner(p).(hostOwner); !ok {
			continue
		}

		if p.dev.Addr() == addr {
			return p.dev
		}
	}

	return nil
}
