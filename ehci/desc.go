package ehci

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// qh is a host copy of a queue head.
type qh struct {
	next    uint32 // horizontal link
	epchar  uint32
	epcap   uint32
	current uint32 // current qTD

	// overlay
	nextQTD uint32
	altNext uint32
	token   uint32
	bufptr  [5]uint32
}

// qtd is a host copy of a queue element transfer descriptor.
type qtd struct {
	next    uint32
	altNext uint32
	token   uint32
	bufptr  [5]uint32
}

// itd is a host copy of an isochronous transfer descriptor.
type itd struct {
	next     uint32
	transact [itdSlots]uint32
	bufptr   [itdBufptrs]uint32
}

// sitd is a host copy of a split transaction isochronous transfer descriptor.
type sitd struct {
	next    uint32
	epchar  uint32
	uframe  uint32
	results uint32
	bufptr  [2]uint32
	backptr uint32
}

func (h *qh) words() []uint32 {
	w := []uint32{h.next, h.epchar, h.epcap, h.current, h.nextQTD, h.altNext, h.token}
	return append(w, h.bufptr[:]...)
}

func (h *qh) setWords(w []uint32) {
	h.next, h.epchar, h.epcap, h.current = w[0], w[1], w[2], w[3]
	h.nextQTD, h.altNext, h.token = w[4], w[5], w[6]
	copy(h.bufptr[:], w[7:12])
}

func (d *qtd) setWords(w []uint32) {
	d.next, d.altNext, d.token = w[0], w[1], w[2]
	copy(d.bufptr[:], w[3:8])
}

func (d *itd) words() []uint32 {
	w := append([]uint32{d.next}, d.transact[:]...)
	return append(w, d.bufptr[:]...)
}

func (d *itd) setWords(w []uint32) {
	d.next = w[0]
	copy(d.transact[:], w[1:1+itdSlots])
	copy(d.bufptr[:], w[1+itdSlots:itdWords])
}

func (d *sitd) setWords(w []uint32) {
	d.next, d.epchar, d.uframe, d.results = w[0], w[1], w[2], w[3]
	copy(d.bufptr[:], w[4:6])
	d.backptr = w[6]
}

// readWords reads n little-endian words at addr. A failed access raises a
// host system error and halts the controller.
func (c *Controller) readWords(addr uint32, n int) ([]uint32, error) {
	b, err := c.cfg.MemAt(uint64(addr), 4*n)
	if err != nil {
		return nil, c.dmaError(addr, err)
	}

	w := make([]uint32, n)
	for i := range w {
		w[i] = le.Uint32(b[4*i:])
	}

	return w, nil
}

func (c *Controller) writeWords(addr uint32, w []uint32) error {
	b, err := c.cfg.MemAt(uint64(addr), 4*len(w))
	if err != nil {
		return c.dmaError(addr, err)
	}

	for i, v := range w {
		le.PutUint32(b[4*i:], v)
	}

	return nil
}

func (c *Controller) dmaError(addr uint32, err error) error {
	c.log.Error("guest memory access failed", "addr", hex(addr), "err", err)

	c.raise(StsHSE)
	c.setReg(RegUSBCmd, c.reg(RegUSBCmd)&^CmdRunStop)
	c.stop()

	return fmt.Errorf("%w: %#x: %w", ErrGuestMemory, addr, err)
}

func (c *Controller) fetchQH(addr uint32) (qh, error) {
	var h qh
	w, err := c.readWords(linkAddr(addr), qhWords)
	if err != nil {
		return h, err
	}

	h.setWords(w)
	return h, nil
}

// flushQH writes back the mutable part of q's queue head. The horizontal
// link and the endpoint words belong to the guest.
func (c *Controller) flushQH(q *queue) error {
	w := q.qh.words()
	return c.writeWords(q.addr+4*qhFlushFrom, w[qhFlushFrom:])
}

func (c *Controller) fetchQTD(addr uint32) (qtd, error) {
	var d qtd
	w, err := c.readWords(linkAddr(addr), qtdWords)
	if err != nil {
		return d, err
	}

	d.setWords(w)
	return d, nil
}

func (c *Controller) fetchITD(addr uint32) (itd, error) {
	var d itd
	w, err := c.readWords(linkAddr(addr), itdWords)
	if err != nil {
		return d, err
	}

	d.setWords(w)
	return d, nil
}

func (c *Controller) storeITD(addr uint32, d *itd) error {
	return c.writeWords(linkAddr(addr), d.words())
}

func (c *Controller) fetchSITD(addr uint32) (sitd, error) {
	var d sitd
	w, err := c.readWords(linkAddr(addr), sitdWords)
	if err != nil {
		return d, err
	}

	d.setWords(w)
	return d, nil
}
