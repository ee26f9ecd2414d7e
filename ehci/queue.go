package ehci

import (
	"time"

	"github.com/c35s/usbhost/usb"
)

type asyncState int

const (
	asyncNone     asyncState = iota
	asyncInflight            // submitted, waiting for the device
	asyncFinished            // completed, waiting for the next pass
)

// queue caches a queue head the schedule is working on.
type queue struct {
	addr uint32 // QH address
	qh   qh     // working copy

	qtdAddr uint32
	qtd     qtd

	dev    usb.Device
	pkt    *usb.Packet
	async  asyncState
	pid    usb.PID
	spans  []span
	tbytes int
	result usb.Status
	actual int

	transactCtr int  // periodic transactions left this microframe
	nakBlocked  bool // NAK budget exhausted for this pass

	seen bool
	ts   time.Duration // last time the schedule referenced the queue
}

// findQueue returns the cached queue for the QH at addr, or nil.
func (s *schedule) findQueue(addr uint32) *queue {
	for _, q := range s.queues {
		if q.addr == addr {
			return q
		}
	}

	return nil
}

// findOrCreate returns the cached queue for the QH at addr, allocating one
// at the head of the cache on a miss. The queue is marked seen.
func (c *Controller) findOrCreate(s *schedule, addr uint32) *queue {
	q := s.findQueue(addr)
	if q == nil {
		q = &queue{addr: addr, ts: c.now}
		s.queues = append([]*queue{q}, s.queues...)
		c.log.Debug("queue allocated", "async", s.async, "qh", hex(addr))
	}

	q.seen = true
	return q
}

// evictIdle frees queues the schedule has not referenced for longer than
// the idle timeout. Seen queues are unmarked for the next pass.
func (c *Controller) evictIdle(s *schedule) {
	c.evictWhere(s, func(q *queue) bool {
		if q.seen {
			q.seen = false
			q.ts = c.now
			return false
		}

		return c.now-q.ts > c.cfg.QueueIdleTimeout
	})
}

// evictUnseen frees queues not referenced during the current pass.
func (c *Controller) evictUnseen(s *schedule) {
	c.evictWhere(s, func(q *queue) bool {
		if q.seen {
			q.seen = false
			q.ts = c.now
			return false
		}

		return true
	})
}

// evictForDevice frees the queues that target dev.
func (c *Controller) evictForDevice(s *schedule, dev usb.Device) {
	if dev == nil {
		return
	}

	c.evictWhere(s, func(q *queue) bool {
		return q.dev == dev
	})
}

func (c *Controller) evictAll(s *schedule) {
	c.evictWhere(s, func(*queue) bool { return true })
}

func (c *Controller) evictWhere(s *schedule, evict func(q *queue) bool) {
	kept := s.queues[:0]
	for _, q := range s.queues {
		if !evict(q) {
			kept = append(kept, q)
			continue
		}

		c.cancel(q)
		c.log.Debug("queue freed", "async", s.async, "qh", hex(q.addr))
	}

	for i := len(kept); i < len(s.queues); i++ {
		s.queues[i] = nil
	}

	s.queues = kept
}

// cancel abandons q's in-flight packet. A late completion is ignored.
func (c *Controller) cancel(q *queue) {
	if q.async == asyncInflight && q.dev != nil {
		q.dev.CancelPacket(q.pkt)
	}

	q.pkt = nil
	q.async = asyncNone
}
