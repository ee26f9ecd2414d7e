package driver

import (
	"fmt"

	"github.com/c35s/usbhost/ehci"
	"github.com/c35s/usbhost/mmio"
)

const (
	itdSize  = 0x40
	itdAlign = 0x20
	itdSlots = 8
	itdPages = 7
)

// ITD is an isochronous transfer descriptor linked into one frame.
type ITD struct {
	Addr  uint32
	Frame int

	d       *Driver
	buf     uint32
	slotLen int
	lens    []int
}

// AddITD schedules an isochronous transfer in frame. Each entry of lens is
// the length of the transaction in the corresponding microframe. For OUT
// transfers data holds the payloads back to back.
func (d *Driver) AddITD(frame int, ep Endpoint, in bool, lens []int, data []byte) (*ITD, error) {
	if frame < 0 || frame >= FrameListLen || len(lens) == 0 || len(lens) > itdSlots {
		return nil, fmt.Errorf("driver: bad iTD frame %d or %d slots", frame, len(lens))
	}

	slotLen := ep.MaxPacket * int(ep.mult())
	if slotLen <= 0 || slotLen*len(lens) > itdPages*mmio.PageSize {
		return nil, fmt.Errorf("driver: %d slots of %d bytes do not fit an iTD", len(lens), slotLen)
	}

	addr, err := d.Alloc(itdSize, itdAlign)
	if err != nil {
		return nil, err
	}

	bufLen := slotLen * len(lens)
	buf, err := d.Alloc(bufSize(bufLen), mmio.PageSize)
	if err != nil {
		d.Free(addr, itdSize, itdAlign)
		return nil, err
	}

	t := &ITD{Addr: addr, Frame: frame, d: d, buf: buf, slotLen: slotLen, lens: lens}

	off := 0
	for i, n := range lens {
		start := i * slotLen
		if !in {
			copy(d.bytes(buf+uint32(start), n), data[off:off+n])
			off += n
		}

		w := ehci.ITDActive |
			uint32(n)<<ehci.ITDLenShift&ehci.ITDLenMask |
			uint32(start/mmio.PageSize)<<ehci.ITDPGShift |
			uint32(start%mmio.PageSize)

		if i == len(lens)-1 {
			w |= ehci.ITDIOC
		}

		d.SetWord(addr+4+4*uint32(i), w)
	}

	for pg := uint32(0); pg < itdPages; pg++ {
		d.SetWord(addr+36+4*pg, buf+pg*mmio.PageSize)
	}

	ctl := uint32(ep.MaxPacket) & ehci.ITDMaxPkt
	if in {
		ctl |= ehci.ITDDirIn
	}

	d.SetWord(addr+36, d.Word(addr+36)|uint32(ep.Num)<<ehci.ITDEPShift|uint32(ep.Addr)&ehci.ITDAddrMask)
	d.SetWord(addr+40, d.Word(addr+40)|ctl)
	d.SetWord(addr+44, d.Word(addr+44)|ep.mult())

	entry := d.frameList + 4*uint32(frame)
	d.SetWord(addr, d.Word(entry))
	d.SetWord(entry, ehci.Link(addr, ehci.TypeITD))

	return t, nil
}

// Slot returns the raw status word of transaction i.
func (t *ITD) Slot(i int) uint32 {
	return t.d.Word(t.Addr + 4 + 4*uint32(i))
}

// Done reports whether every transaction has completed.
func (t *ITD) Done() bool {
	for i := range t.lens {
		if t.Slot(i)&ehci.ITDActive != 0 {
			return false
		}
	}

	return true
}

// Bytes returns the data received by IN transaction i.
func (t *ITD) Bytes(i int) []byte {
	n := int(t.Slot(i) & ehci.ITDLenMask >> ehci.ITDLenShift)
	return append([]byte(nil), t.d.bytes(t.buf+uint32(i*t.slotLen), n)...)
}

// Remove unlinks the iTD from its frame and frees it. The caller must make
// sure the controller is not processing the frame.
func (t *ITD) Remove() error {
	link := ehci.Link(t.Addr, ehci.TypeITD)
	ptr := t.d.frameList + 4*uint32(t.Frame)

	for {
		v := t.d.Word(ptr)
		if v == link {
			break
		}

		if v&ehci.LinkTerminate != 0 || v>>1&3 != ehci.TypeITD {
			return fmt.Errorf("driver: iTD %#x is not in frame %d", t.Addr, t.Frame)
		}

		ptr = v &^ 0x1f
	}

	t.d.SetWord(ptr, t.d.Word(t.Addr))
	t.d.Free(t.Addr, itdSize, itdAlign)
	t.d.Free(t.buf, bufSize(t.slotLen*len(t.lens)), mmio.PageSize)

	return nil
}
