package ehci

import (
	"context"
	"time"
)

const (
	Microframe = 125 * time.Microsecond
	Frame      = 8 * Microframe

	// microframes always processed per Advance, even with an interrupt pending
	minUframesPerTick = 24

	frIndexMask     = 0x3fff
	frIndexRollover = 0x2000
)

// Advance moves the controller's clock forward by d and runs the frame
// work that became due. Callers that drive the controller from virtual time
// use Advance instead of Run.
func (c *Controller) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick(d)
}

// Run advances the controller in real time until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.TickInterval)
	defer t.Stop()

	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-t.C:
			c.Advance(now.Sub(last))
			last = now
		}
	}
}

func (c *Controller) tick(d time.Duration) {
	c.now += d
	if !c.running {
		c.lastRun = c.now
		return
	}

	uframes := int64((c.now - c.lastRun) / Microframe)

	if limit := int64(c.cfg.MaxFramesPerTick) * 8; uframes > limit {
		skip := uframes - limit
		c.log.Debug("frame timer fell behind", "skipped", skip)

		c.stepFrIndex(uint32(skip))
		c.uframes += uint64(skip)
		c.lastRun += time.Duration(skip) * Microframe
		uframes = limit
	}

	for i := int64(0); i < uframes && c.running; i++ {
		if i >= minUframesPerTick {
			c.commit()

			// let the guest service the interrupt before running on
			if c.irqLevel {
				break
			}
		}

		c.uframes++
		c.lastRun += Microframe
		c.microframe()
	}

	if c.running {
		c.advanceAsync()
	}

	c.commit()
}

// microframe runs one microframe of periodic work.
func (c *Controller) microframe() {
	paused := c.isochPause > 0
	if !paused {
		c.stepFrIndex(1)
	}

	// a paused frame index stays on a boundary; keep to one pass per frame
	if paused && c.uframes&7 != 0 {
		return
	}

	// the pause runs out whether or not its iTD is still scheduled
	if paused {
		c.isochPause--
	}

	c.advancePeriodic()
}

// stepFrIndex advances FRINDEX by n microframes, signalling rollover when
// bit 13 toggles.
func (c *Controller) stepFrIndex(n uint32) {
	fr := c.reg(RegFrIndex)
	if fr%frIndexRollover+n >= frIndexRollover {
		c.raise(StsFLR)
	}

	c.setReg(RegFrIndex, (fr+n)&frIndexMask)
}
