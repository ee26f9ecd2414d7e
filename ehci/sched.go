package ehci

import (
	"errors"
	"fmt"

	"github.com/c35s/usbhost/usb"
)

type state int

const (
	stateInactive state = iota
	stateActive
	stateExecuting
	stateSleeping
	stateWaitListHead
	stateFetchEntry
	stateFetchQH
	stateFetchITD
	stateFetchSITD
	stateAdvanceQueue
	stateFetchQTD
	stateExecute
	stateWriteback
	stateHorizontalQH
)

var stateNames = [...]string{
	stateInactive:     "INACTIVE",
	stateActive:       "ACTIVE",
	stateExecuting:    "EXECUTING",
	stateSleeping:     "SLEEPING",
	stateWaitListHead: "WAITLISTHEAD",
	stateFetchEntry:   "FETCHENTRY",
	stateFetchQH:      "FETCHQH",
	stateFetchITD:     "FETCHITD",
	stateFetchSITD:    "FETCHSITD",
	stateAdvanceQueue: "ADVANCEQUEUE",
	stateFetchQTD:     "FETCHQTD",
	stateExecute:      "EXECUTE",
	stateWriteback:    "WRITEBACK",
	stateHorizontalQH: "HORIZONTALQH",
}

func (s state) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// schedule is one of the two instances of the schedule state machine.
type schedule struct {
	async     bool
	state     state
	fetchAddr uint32 // current link pointer
	queues    []*queue
}

func (s *schedule) beginPass() {
	for _, q := range s.queues {
		q.nakBlocked = false
	}
}

func (s *schedule) name() string {
	if s.async {
		return "async"
	}

	return "periodic"
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrScheduleCorrupt, fmt.Sprintf(format, args...))
}

func hex(v uint32) string {
	return fmt.Sprintf("%#x", v)
}

// advanceAsync runs one pass over the asynchronous schedule.
func (c *Controller) advanceAsync() {
	s := &c.async
	enabled := c.reg(RegUSBCmd)&CmdASE != 0

	switch s.state {
	case stateInactive:
		if !enabled {
			return
		}

		c.setState(s, stateActive)
		fallthrough

	case stateActive:
		if !enabled {
			c.evictAll(s)
			c.setState(s, stateInactive)
			return
		}

		// the guest has not acknowledged the last doorbell yet
		if (c.reg(RegUSBSts)|c.pending)&StsIAA != 0 {
			return
		}

		if c.reg(RegAsyncListAddr) == 0 {
			return
		}

		s.beginPass()
		c.setState(s, stateWaitListHead)
		c.advance(s)

		if c.reg(RegUSBCmd)&CmdIAAD != 0 {
			c.evictUnseen(s)
			c.setReg(RegUSBCmd, c.reg(RegUSBCmd)&^CmdIAAD)
			c.raise(StsIAA)
			c.log.Debug("doorbell acknowledged")
		}

	default:
		c.log.Warn("async schedule left mid-pass", "state", s.state)
		c.setState(s, stateActive)
	}
}

// advancePeriodic runs the periodic schedule for the current frame. It only
// acts on frame boundaries.
func (c *Controller) advancePeriodic() {
	s := &c.periodic
	frindex := c.reg(RegFrIndex)
	enabled := c.reg(RegUSBCmd)&CmdPSE != 0

	if frindex&7 != 0 {
		return
	}

	switch s.state {
	case stateInactive:
		if !enabled {
			return
		}

		c.setState(s, stateActive)
		fallthrough

	case stateActive:
		if !enabled {
			c.evictAll(s)
			c.setState(s, stateInactive)
			c.isochPause = -1
			return
		}

		base := c.reg(RegPeriodicBase) & QTDBufMask
		if base == 0 {
			return
		}

		w, err := c.readWords(base|(frindex&0x1ff8)>>1, 1)
		if err != nil {
			return
		}

		s.beginPass()
		s.fetchAddr = w[0]
		c.setState(s, stateFetchEntry)
		c.advance(s)
		c.evictIdle(s)

	default:
		c.log.Warn("periodic schedule left mid-pass", "state", s.state)
		c.setState(s, stateActive)
	}
}

// advance runs s's state machine until the pass completes.
func (c *Controller) advance(s *schedule) {
	var (
		q     *queue
		again = true
		hops  int // queue heads fetched since the last transfer
		itds  int
		err   error
	)

	for again && err == nil {
		switch s.state {
		case stateWaitListHead:
			again, err = c.waitListHead(s)

		case stateFetchEntry:
			again, err = c.fetchEntry(s)

		case stateFetchQH:
			q, again, err = c.stateFetchQH(s)
			if hops++; again && hops > c.cfg.MaxQHHops {
				err = corrupt("%d queue heads without a transfer", hops)
			}

		case stateFetchITD:
			if itds++; itds > maxITDChain {
				err = corrupt("more than %d chained iTDs", maxITDChain)
				break
			}

			again, err = c.stateFetchITD(s)

		case stateFetchSITD:
			again, err = c.stateFetchSITD(s)

		case stateAdvanceQueue:
			again, err = c.advanceQueue(s, q)

		case stateFetchQTD:
			again, err = c.stateFetchQTD(s, q)

		case stateExecute:
			hops = 0
			again, err = c.execute(s, q)

		case stateExecuting:
			again, err = c.executing(s, q)

		case stateWriteback:
			again, err = c.writeback(s, q)

		case stateHorizontalQH:
			again, err = c.horizontalQH(s, q)

		default:
			c.log.Error("bad schedule state", "schedule", s.name(), "state", s.state)
			c.setState(s, stateActive)
			again = false
		}
	}

	if err == nil {
		return
	}

	if errors.Is(err, ErrScheduleCorrupt) {
		c.log.Error("schedule processing failed, resetting controller",
			"schedule", s.name(), "err", err)

		c.reset()
		return
	}

	// guest memory errors have already halted the controller
	c.setState(s, stateActive)
}

// waitListHead finds the head of the async list.
func (c *Controller) waitListHead(s *schedule) (bool, error) {
	list := linkAddr(c.reg(RegAsyncListAddr))
	entry := list

	c.setSts(StsRec)
	c.evictIdle(s)

	for i := 0; i < c.cfg.MaxQHHops; i++ {
		h, err := c.fetchQH(entry)
		if err != nil {
			return false, err
		}

		if h.epchar&QHH != 0 {
			s.fetchAddr = Link(entry, TypeQH)
			c.setState(s, stateFetchEntry)
			return true, nil
		}

		entry = h.next
		if !linkValid(entry) || linkAddr(entry) == list {
			c.log.Debug("async list has no head", "list", hex(list))
			c.setState(s, stateActive)
			return false, nil
		}
	}

	return false, corrupt("no head within %d queue heads of %#x", c.cfg.MaxQHHops, list)
}

func (c *Controller) fetchEntry(s *schedule) (bool, error) {
	entry := s.fetchAddr

	if !linkValid(entry) {
		c.setState(s, stateActive)
		return false, nil
	}

	typ := linkType(entry)
	if s.async && typ != TypeQH {
		return false, corrupt("async entry %#x is not a queue head", entry)
	}

	switch typ {
	case TypeQH:
		c.setState(s, stateFetchQH)

	case TypeITD:
		c.setState(s, stateFetchITD)

	case TypeSITD:
		c.setState(s, stateFetchSITD)

	default:
		return false, corrupt("entry %#x has unsupported type %d", entry, typ)
	}

	return true, nil
}

func (c *Controller) stateFetchQH(s *schedule) (*queue, bool, error) {
	entry := s.fetchAddr
	q := c.findOrCreate(s, linkAddr(entry))

	h, err := c.fetchQH(entry)
	if err != nil {
		return nil, false, err
	}

	if q.async == asyncInflight && !sameEndpoint(&q.qh, &h) {
		c.log.Warn("guest updated an active queue head", "qh", hex(q.addr))
		c.cancel(q)
	}

	q.qh = h
	q.transactCtr = int(field(h.epcap, QHMultMask, QHMultShift))
	if q.transactCtr == 0 {
		q.transactCtr = 4
	}

	if s.async && h.epchar&QHH != 0 {
		if c.reg(RegUSBSts)&StsRec == 0 {
			// nothing ran since we last passed the head
			c.setState(s, stateActive)
			return nil, false, nil
		}

		c.clearSts(StsRec)
	}

	switch {
	case q.async == asyncInflight:
		c.setState(s, stateHorizontalQH)

	case q.async == asyncFinished:
		c.setState(s, stateExecuting)

	case h.token&QTDHalt != 0:
		c.setState(s, stateHorizontalQH)

	case h.token&QTDActive != 0 && linkValid(h.current) && h.current != 0:
		q.qtdAddr = linkAddr(h.current)
		c.setState(s, stateFetchQTD)

	default:
		c.setState(s, stateAdvanceQueue)
	}

	return q, true, nil
}

func sameEndpoint(a, b *qh) bool {
	return a.epchar == b.epchar && a.epcap == b.epcap && a.current == b.current
}

// advanceQueue picks the next qTD: the alternate if the last transfer came
// up short, otherwise the next one.
func (c *Controller) advanceQueue(s *schedule, q *queue) (bool, error) {
	h := &q.qh

	switch {
	case h.token&QTDBytesMask != 0 && linkValid(h.altNext):
		q.qtdAddr = linkAddr(h.altNext)
		c.setState(s, stateFetchQTD)

	case linkValid(h.nextQTD):
		q.qtdAddr = linkAddr(h.nextQTD)
		c.setState(s, stateFetchQTD)

	default:
		c.setState(s, stateHorizontalQH)
	}

	return true, nil
}

func (c *Controller) stateFetchQTD(s *schedule, q *queue) (bool, error) {
	d, err := c.fetchQTD(q.qtdAddr)
	if err != nil {
		return false, err
	}

	q.qtd = d

	if d.token&QTDActive == 0 {
		c.setState(s, stateHorizontalQH)
	} else {
		c.setState(s, stateExecute)
	}

	return true, nil
}

func (c *Controller) execute(s *schedule, q *queue) (bool, error) {
	// a queue resuming its current qTD keeps the overlay and its NAK count
	if q.qh.token&QTDActive == 0 || q.qh.current != q.qtdAddr {
		if err := c.overlay(q); err != nil {
			return false, err
		}
	}

	if q.nakBlocked || (!s.async && q.transactCtr == 0) {
		c.setState(s, stateHorizontalQH)
		return true, nil
	}

	if s.async {
		c.setSts(StsRec)
	}

	if err := c.submit(q); err != nil {
		return false, err
	}

	if q.async == asyncInflight {
		c.setState(s, stateHorizontalQH)
		return true, c.flushQH(q)
	}

	c.setState(s, stateExecuting)
	return true, nil
}

func (c *Controller) executing(s *schedule, q *queue) (bool, error) {
	nak := q.result == usb.StatusNAK

	if err := c.complete(q); err != nil {
		return false, err
	}

	if !s.async && !nak && q.transactCtr > 0 {
		q.transactCtr--
	}

	var (
		rl  = field(q.qh.epchar, QHRLMask, QHRLShift)
		cnt = field(q.qh.altNext, QHNakCntMask, QHNakCntShift)
	)

	switch {
	case !nak:
		cnt = rl

	case rl != 0 && cnt > 0:
		cnt--

	default:
		// with RL 0 this is the only stop, or an always-NAKing queue
		// would spin the pass forever
		q.nakBlocked = true
	}

	setField(&q.qh.altNext, cnt, QHNakCntMask, QHNakCntShift)

	if nak || q.qh.token&QTDActive != 0 {
		c.setState(s, stateHorizontalQH)
	} else {
		c.setState(s, stateWriteback)
	}

	return true, c.flushQH(q)
}

// writeback copies the overlay's token and current offset to the qTD.
func (c *Controller) writeback(s *schedule, q *queue) (bool, error) {
	if err := c.writeWords(q.qtdAddr+8, []uint32{q.qh.token, q.qh.bufptr[0]}); err != nil {
		return false, err
	}

	// a halted queue makes no further progress this pass
	if q.qh.token&QTDHalt != 0 {
		c.setState(s, stateHorizontalQH)
	} else {
		c.setState(s, stateAdvanceQueue)
	}

	return true, nil
}

func (c *Controller) horizontalQH(s *schedule, q *queue) (bool, error) {
	if s.fetchAddr != q.qh.next {
		s.fetchAddr = q.qh.next
		c.setState(s, stateFetchEntry)
		return true, nil
	}

	c.setState(s, stateActive)
	return false, nil
}

func (c *Controller) stateFetchITD(s *schedule) (bool, error) {
	d, err := c.fetchITD(s.fetchAddr)
	if err != nil {
		return false, err
	}

	if err := c.processITD(&d); err != nil {
		return false, err
	}

	if err := c.storeITD(s.fetchAddr, &d); err != nil {
		return false, err
	}

	s.fetchAddr = d.next
	c.setState(s, stateFetchEntry)
	return true, nil
}

// stateFetchSITD skips split isochronous transfers, which are not emulated.
func (c *Controller) stateFetchSITD(s *schedule) (bool, error) {
	d, err := c.fetchSITD(s.fetchAddr)
	if err != nil {
		return false, err
	}

	if d.results&SITDActive != 0 && !c.sitdWarned {
		c.log.Warn("split isochronous transfers are not supported", "sitd", hex(linkAddr(s.fetchAddr)))
		c.sitdWarned = true
	}

	s.fetchAddr = d.next
	c.setState(s, stateFetchEntry)
	return true, nil
}
