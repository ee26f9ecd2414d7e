package driver

import (
	"fmt"

	"github.com/c35s/usbhost/ehci"
	"github.com/c35s/usbhost/mmio"
	"github.com/c35s/usbhost/usb"
)

// queue head layout
const (
	qhNext    = 0x00
	qhEPChar  = 0x04
	qhEPCap   = 0x08
	qhCurrent = 0x0c
	qhNextQTD = 0x10
	qhAltNext = 0x14
	qhToken   = 0x18
	qhBuf     = 0x1c
	qhSize    = 0x30
	qhAlign   = 0x20
)

// qTD layout
const (
	qtdNext    = 0x00
	qtdAltNext = 0x04
	qtdToken   = 0x08
	qtdBuf     = 0x0c
	qtdSize    = 0x20
	qtdAlign   = 0x20
)

const maxQTDBytes = ehci.BufferSize

// Endpoint describes the device endpoint a queue head targets.
type Endpoint struct {
	Addr      uint8
	Num       uint8
	MaxPacket int

	// Control endpoints take their data toggle from each qTD.
	Control bool

	// NakReload is the QH NAK count reload value (0-15).
	NakReload int

	// Mult is the number of transactions per microframe for periodic
	// endpoints (1-3). Zero means 1.
	Mult int
}

func (ep Endpoint) epchar() uint32 {
	v := uint32(ep.Addr)&ehci.QHAddrMask |
		uint32(ep.Num)<<ehci.QHEPShift&ehci.QHEPMask |
		ehci.EPSHigh<<ehci.QHEPSShift |
		uint32(ep.MaxPacket)<<ehci.QHMPLShift&ehci.QHMPLMask |
		uint32(ep.NakReload)<<ehci.QHRLShift&ehci.QHRLMask

	if ep.Control {
		v |= ehci.QHDTC
	}

	return v
}

func (ep Endpoint) mult() uint32 {
	if ep.Mult == 0 {
		return 1
	}

	return uint32(ep.Mult)
}

// QH is a queue head in guest memory.
type QH struct {
	Addr uint32
	EP   Endpoint

	periodic bool
}

func (d *Driver) newQH(ep Endpoint) (*QH, error) {
	if ep.MaxPacket <= 0 || ep.MaxPacket > 1024 {
		return nil, fmt.Errorf("driver: bad max packet size %d", ep.MaxPacket)
	}

	addr, err := d.Alloc(qhSize, qhAlign)
	if err != nil {
		return nil, err
	}

	d.SetWord(addr+qhEPChar, ep.epchar())
	d.SetWord(addr+qhEPCap, ep.mult()<<ehci.QHMultShift|1) // S-mask: microframe 0
	d.SetWord(addr+qhNextQTD, ehci.LinkTerminate)
	d.SetWord(addr+qhAltNext, ehci.LinkTerminate)

	return &QH{Addr: addr, EP: ep}, nil
}

// AddAsyncQH links a new queue head for ep into the async list.
func (d *Driver) AddAsyncQH(ep Endpoint) (*QH, error) {
	q, err := d.newQH(ep)
	if err != nil {
		return nil, err
	}

	d.SetWord(q.Addr+qhNext, d.Word(d.head+qhNext))
	d.SetWord(d.head+qhNext, ehci.Link(q.Addr, ehci.TypeQH))

	return q, nil
}

// RemoveAsyncQH unlinks q from the async list and waits until the
// controller has let go of it. The queue head's memory is then reusable.
func (d *Driver) RemoveAsyncQH(q *QH) error {
	if err := d.UnlinkAsyncQH(q); err != nil {
		return err
	}

	if err := d.RingDoorbell(); err != nil {
		return err
	}

	d.Free(q.Addr, qhSize, qhAlign)
	return nil
}

// UnlinkAsyncQH takes q off the async list without ringing the doorbell.
// The controller may still hold q until it notices q is gone.
func (d *Driver) UnlinkAsyncQH(q *QH) error {
	link := ehci.Link(q.Addr, ehci.TypeQH)

	prev := d.head
	for i := 0; ; i++ {
		next := d.Word(prev + qhNext)
		if next == link {
			break
		}

		if prev = next &^ 0x1f; prev == d.head || i > 1<<16 {
			return fmt.Errorf("driver: queue head %#x is not on the async list", q.Addr)
		}
	}

	d.SetWord(prev+qhNext, d.Word(q.Addr+qhNext))
	return nil
}

// AddInterruptQH links a new queue head for ep into every frame of the
// periodic schedule, polling it once per frame.
func (d *Driver) AddInterruptQH(ep Endpoint) (*QH, error) {
	q, err := d.newQH(ep)
	if err != nil {
		return nil, err
	}

	q.periodic = true

	old := d.intr
	d.SetWord(q.Addr+qhNext, old)
	d.intr = ehci.Link(q.Addr, ehci.TypeQH)
	d.relinkPeriodic(old, d.intr)

	return q, nil
}

// relinkPeriodic replaces the link old (the interrupt chain) with new at the
// end of every frame's iTD chain.
func (d *Driver) relinkPeriodic(old, new uint32) {
	for f := uint32(0); f < FrameListLen; f++ {
		ptr := d.frameList + 4*f

		for {
			v := d.Word(ptr)
			if v == old {
				d.SetWord(ptr, new)
				break
			}

			if v&ehci.LinkTerminate != 0 || v>>1&3 != ehci.TypeITD {
				break
			}

			ptr = v &^ 0x1f // iTD next link is word 0
		}
	}
}

type stage struct {
	qtd uint32
	pid usb.PID
	buf uint32
	n   int
}

// Transfer is a chain of qTDs queued on a QH.
type Transfer struct {
	d      *Driver
	q      *QH
	stages []stage
}

// Submit queues a single-stage bulk or interrupt transfer of len(data) bytes.
// For IN transfers data is only used for its length; see Transfer.Bytes.
func (d *Driver) Submit(q *QH, pid usb.PID, data []byte) (*Transfer, error) {
	return d.enqueue(q, []stageSpec{{pid: pid, data: data, toggle: -1, ioc: true}})
}

// Control runs a control transfer and waits for it. For IN requests the
// received data is copied into data, which must hold s.Length bytes.
// It returns the number of data stage bytes transferred.
func (d *Driver) Control(q *QH, s usb.Setup, data []byte) (int, error) {
	if len(data) < int(s.Length) {
		return 0, fmt.Errorf("driver: control buffer holds %d of %d bytes", len(data), s.Length)
	}

	dataPID, statusPID := usb.PIDOut, usb.PIDIn
	if s.IsIn() {
		dataPID, statusPID = usb.PIDIn, usb.PIDOut
	}

	specs := []stageSpec{{pid: usb.PIDSetup, data: s.Bytes(), toggle: 0}}
	if s.Length > 0 {
		specs = append(specs, stageSpec{pid: dataPID, data: data[:s.Length], toggle: 1})
	}

	specs = append(specs, stageSpec{pid: statusPID, toggle: 1, ioc: true})

	t, err := d.enqueue(q, specs)
	if err != nil {
		return 0, err
	}

	defer t.Release()

	if err := t.Wait(); err != nil {
		return 0, err
	}

	if s.Length == 0 {
		return 0, nil
	}

	n := t.stageActual(1)
	if s.IsIn() {
		copy(data, t.stageBytes(1))
	}

	return n, nil
}

type stageSpec struct {
	pid    usb.PID
	data   []byte
	toggle int // -1 leaves the toggle to the QH
	ioc    bool
}

func (d *Driver) enqueue(q *QH, specs []stageSpec) (_ *Transfer, err error) {
	t := &Transfer{d: d, q: q}

	defer func() {
		if err != nil {
			t.Release()
		}
	}()

	for _, sp := range specs {
		if len(sp.data) > maxQTDBytes {
			return nil, fmt.Errorf("driver: %d-byte stage exceeds %d", len(sp.data), maxQTDBytes)
		}

		st := stage{pid: sp.pid, n: len(sp.data)}

		if st.qtd, err = d.Alloc(qtdSize, qtdAlign); err != nil {
			return nil, err
		}

		// keep the stage on the list right away so Release frees it
		t.stages = append(t.stages, st)
		s := &t.stages[len(t.stages)-1]

		if s.n > 0 {
			if s.buf, err = d.Alloc(bufSize(s.n), mmio.PageSize); err != nil {
				return nil, err
			}

			if s.pid != usb.PIDIn {
				copy(d.bytes(s.buf, s.n), sp.data)
			}
		}

		tok := uint32(s.n)<<ehci.QTDBytesShift |
			3<<ehci.QTDCErrShift |
			pidCode(s.pid)<<ehci.QTDPIDShift |
			ehci.QTDActive

		if sp.toggle > 0 {
			tok |= ehci.QTDToggle
		}

		if sp.ioc {
			tok |= ehci.QTDIOC
		}

		d.SetWord(s.qtd+qtdNext, ehci.LinkTerminate)
		d.SetWord(s.qtd+qtdAltNext, ehci.LinkTerminate)
		d.SetWord(s.qtd+qtdToken, tok)

		for pg := uint32(0); pg < 5 && s.buf != 0; pg++ {
			d.SetWord(s.qtd+qtdBuf+4*pg, s.buf+pg*mmio.PageSize)
		}
	}

	for i := 1; i < len(t.stages); i++ {
		d.SetWord(t.stages[i-1].qtd+qtdNext, t.stages[i].qtd)
	}

	// restart the queue at the new chain, keeping the endpoint's toggle
	tok := d.Word(q.Addr + qhToken)
	d.SetWord(q.Addr+qhNextQTD, t.stages[0].qtd)
	d.SetWord(q.Addr+qhAltNext, ehci.LinkTerminate)
	d.SetWord(q.Addr+qhToken, tok&ehci.QTDToggle)

	return t, nil
}

func bufSize(n int) uint32 {
	return (uint32(n) + mmio.PageSize - 1) &^ (mmio.PageSize - 1)
}

func pidCode(p usb.PID) uint32 {
	switch p {
	case usb.PIDIn:
		return ehci.PIDIn
	case usb.PIDSetup:
		return ehci.PIDSetup
	default:
		return ehci.PIDOut
	}
}

// Done reports whether the transfer has finished. A halted qTD finishes the
// transfer with the error the controller reported.
func (t *Transfer) Done() (bool, error) {
	for _, s := range t.stages {
		tok := t.d.Word(s.qtd + qtdToken)

		switch {
		case tok&ehci.QTDHalt != 0:
			return true, haltErr(tok)

		case tok&ehci.QTDActive != 0:
			return false, nil
		}
	}

	return true, nil
}

func haltErr(tok uint32) error {
	switch {
	case tok&ehci.QTDBabble != 0:
		return usb.ErrBabble
	case tok&ehci.QTDXactErr != 0:
		return usb.ErrIOError
	default:
		return usb.ErrStall
	}
}

// Wait polls until the transfer is done.
func (t *Transfer) Wait() error {
	var result error

	err := t.d.Poll(func() (bool, error) {
		done, err := t.Done()
		result = err
		return done, nil
	})

	if err != nil {
		return err
	}

	return result
}

// Actual returns the number of bytes the first stage transferred.
func (t *Transfer) Actual() int {
	return t.stageActual(0)
}

// Bytes returns the data received by the first stage of an IN transfer.
func (t *Transfer) Bytes() []byte {
	return t.stageBytes(0)
}

func (t *Transfer) stageActual(i int) int {
	s := t.stages[i]
	left := int(t.d.Word(s.qtd+qtdToken) & ehci.QTDBytesMask >> ehci.QTDBytesShift)
	return s.n - left
}

func (t *Transfer) stageBytes(i int) []byte {
	s := t.stages[i]
	n := t.stageActual(i)
	if n <= 0 {
		return nil
	}

	return append([]byte(nil), t.d.bytes(s.buf, n)...)
}

// Release frees the transfer's qTDs and buffers. The transfer must be done.
func (t *Transfer) Release() {
	for _, s := range t.stages {
		t.d.Free(s.qtd, qtdSize, qtdAlign)
		if s.buf != 0 {
			t.d.Free(s.buf, bufSize(s.n), mmio.PageSize)
		}
	}

	t.stages = nil
}
