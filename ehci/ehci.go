// Package ehci emulates a USB 2.0 Enhanced Host Controller Interface (EHCI) host controller.
package ehci

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config describes a new controller.
type Config struct {

	// NumPorts is the number of root hub ports, at most MaxPorts.
	// If NumPorts is 0, the controller has 4 ports.
	NumPorts int

	// MemAt is called to access guest memory. It must return a slice
	// aliasing size bytes at addr, or an error if the range is not backed.
	MemAt func(addr uint64, size int) ([]byte, error)

	// IRQ, if set, is called when the interrupt line changes level.
	IRQ func(level bool)

	// Logger receives diagnostics. If Logger is nil, slog.Default is used.
	Logger *slog.Logger

	// MaxQHHops bounds how many queue heads the async schedule may visit
	// without executing a transfer, and how far the head search may walk.
	// Walking further is treated as a corrupt schedule, so an idle async
	// ring of more queue heads than this needs a higher limit. Defaults to 20.
	MaxQHHops int

	// QueueIdleTimeout is how long a cached queue may go unreferenced
	// by the schedule before it is freed. Defaults to 250ms of virtual time.
	QueueIdleTimeout time.Duration

	// MaxFramesPerTick caps how many frames a single Advance catches up on.
	// Older elapsed time is skipped. Defaults to 128.
	MaxFramesPerTick int

	// TickInterval is the Run loop period. Defaults to 1ms.
	TickInterval time.Duration
}

// Capabilities describes what the controller emulates.
type Capabilities struct {
	Ports      int
	Companions int

	// SplitIsochronous reports whether siTDs are executed. When false,
	// active siTDs are skipped with a warning.
	SplitIsochronous bool
}

const (
	NumPortsDefault         = 4
	MaxQHHopsDefault        = 20
	MaxQHHopsMax            = 1000
	QueueIdleTimeoutDefault = 250 * time.Millisecond
	MaxFramesPerTickDefault = 128
	TickIntervalDefault     = time.Millisecond
)

var (
	ErrConfig          = errors.New("ehci: invalid config")
	ErrPort            = errors.New("ehci: bad port")
	ErrCompanion       = errors.New("ehci: companion registration failed")
	ErrAccessWidth     = errors.New("ehci: unsupported access width")
	ErrReadOnly        = errors.New("ehci: register is read-only")
	ErrOffset          = errors.New("ehci: offset out of range")
	ErrScheduleCorrupt = errors.New("ehci: schedule corrupt")
	ErrGuestMemory     = errors.New("ehci: guest memory access failed")
)

// Controller is an emulated EHCI host controller. Its methods are safe for
// concurrent use; every entry point is serialized by one mutex.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	regs       [MMIOSize]byte
	ports      []*port
	companions int

	pending    uint32 // status bits waiting for commit
	nextCommit uint64 // microframe count before which commit is held off
	irqLevel   bool

	async    schedule
	periodic schedule

	running    bool
	now        time.Duration // virtual time
	lastRun    time.Duration // virtual time processed by the frame timer
	uframes    uint64        // microframes processed since New
	isochPause int           // frames left in an isochronous pause, -1 if none

	sitdWarned bool
}

// New creates a controller in the reset state.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	c := &Controller{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "ehci"),
		ports:    make([]*port, cfg.NumPorts),
		async:    schedule{async: true},
		periodic: schedule{async: false},
	}

	for i := range c.ports {
		c.ports[i] = &port{index: i, speeds: usbSpeedsHost}
	}

	c.regs[RegCapLength] = CapLength
	le.PutUint16(c.regs[RegHCIVersion:], HCIVersion)
	c.regs[RegHCSParams] = byte(cfg.NumPorts)
	c.regs[RegHCCParams] = 0x80   // frame caching, 32-bit addressing
	c.regs[RegHCCParams+1] = 0x68 // EECP

	c.reset()

	return c, nil
}

// Capabilities describes the controller.
func (c *Controller) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Capabilities{
		Ports:      len(c.ports),
		Companions: c.companions,
	}
}

// Reset performs a host controller reset, as if the guest had set HCRESET.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()
}

func (c *Controller) reset() {
	c.log.Debug("reset")

	// detach before touching portsc so the owner sees it
	devs := make([]*port, 0, len(c.ports))
	for _, p := range c.ports {
		if p.dev != nil {
			c.owner(p).detach(c, p)
			devs = append(devs, p)
		}
	}

	for i := CapLength; i < MMIOSize; i++ {
		c.regs[i] = 0
	}

	c.setReg(RegUSBCmd, maxIntRate<<cmdITCShift)
	c.setReg(RegUSBSts, StsHalt)
	c.pending = 0
	c.nextCommit = 0
	c.updateIRQ()

	c.setState(&c.async, stateInactive)
	c.setState(&c.periodic, stateInactive)
	c.isochPause = -1

	for _, p := range c.ports {
		v := uint32(PortPower)
		if p.companion != nil {
			v |= PortOwner
		}

		c.setPortSC(p.index, v)
	}

	for _, p := range devs {
		c.owner(p).attach(c, p)
		if _, ok := c.owner(p).(hostOwner); ok {
			p.dev.Reset()
		}
	}

	c.evictAll(&c.async)
	c.evictAll(&c.periodic)
	c.stop()
}

func (c *Controller) reg(off int) uint32 {
	return le.Uint32(c.regs[off:])
}

func (c *Controller) setReg(off int, v uint32) {
	le.PutUint32(c.regs[off:], v)
}

func (c *Controller) portSC(n int) uint32 {
	return c.reg(RegPortSC(n))
}

func (c *Controller) setPortSC(n int, v uint32) {
	c.setReg(RegPortSC(n), v)
}

func (c *Controller) setSts(bits uint32) {
	c.setReg(RegUSBSts, c.reg(RegUSBSts)|bits)
}

func (c *Controller) clearSts(bits uint32) {
	c.setReg(RegUSBSts, c.reg(RegUSBSts)&^bits)
}

// raise signals status bits. Port change, rollover and host system errors
// are visible at once; everything else waits for commit.
func (c *Controller) raise(bits uint32) {
	const now = StsPCD | StsFLR | StsHSE

	if bits&now != 0 {
		c.setSts(bits & now)
		c.updateIRQ()
	}

	c.pending |= bits &^ now
}

// commit merges pending status bits into USBSTS at most once per interrupt
// threshold (USBCMD.ITC microframes).
func (c *Controller) commit() {
	if c.pending == 0 || c.uframes < c.nextCommit {
		return
	}

	c.setSts(c.pending)
	c.pending = 0
	c.nextCommit = c.uframes + uint64(field(c.reg(RegUSBCmd), CmdITC, cmdITCShift))
	c.updateIRQ()
}

func (c *Controller) updateIRQ() {
	level := c.reg(RegUSBSts)&c.reg(RegUSBIntr)&intrMask != 0
	if level == c.irqLevel {
		return
	}

	c.irqLevel = level
	if c.cfg.IRQ != nil {
		c.cfg.IRQ(level)
	}
}

func (c *Controller) setState(s *schedule, st state) {
	s.state = st

	bit := uint32(StsPSS)
	if s.async {
		bit = StsASS
	}

	if st == stateInactive {
		c.clearSts(bit)
	} else {
		c.setSts(bit)
	}
}

func (c *Controller) start() {
	if c.running {
		return
	}

	c.running = true
	c.lastRun = c.now
	c.clearSts(StsHalt)
}

func (c *Controller) stop() {
	c.running = false
	c.setSts(StsHalt)
}

func (cfg Config) validate() error {
	if cfg.NumPorts < 1 || cfg.NumPorts > MaxPorts {
		return fmt.Errorf("port count must be between 1 and %d: %d", MaxPorts, cfg.NumPorts)
	}

	if cfg.MemAt == nil {
		return errors.New("memory accessor is not set")
	}

	if cfg.MaxQHHops < 1 || cfg.MaxQHHops > MaxQHHopsMax {
		return fmt.Errorf("QH hop limit must be between 1 and %d: %d", MaxQHHopsMax, cfg.MaxQHHops)
	}

	if cfg.QueueIdleTimeout <= 0 {
		return fmt.Errorf("queue idle timeout must be positive: %v", cfg.QueueIdleTimeout)
	}

	if cfg.MaxFramesPerTick < 1 {
		return fmt.Errorf("frame catch-up limit must be positive: %d", cfg.MaxFramesPerTick)
	}

	if cfg.TickInterval < Microframe {
		return fmt.Errorf("tick interval is shorter than a microframe: %v", cfg.TickInterval)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.NumPorts == 0 {
		cfg.NumPorts = NumPortsDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.MaxQHHops == 0 {
		cfg.MaxQHHops = MaxQHHopsDefault
	}

	if cfg.QueueIdleTimeout == 0 {
		cfg.QueueIdleTimeout = QueueIdleTimeoutDefault
	}

	if cfg.MaxFramesPerTick == 0 {
		cfg.MaxFramesPerTick = MaxFramesPerTickDefault
	}

	if cfg.TickInterval == 0 {
		cfg.TickInterval = TickIntervalDefault
	}

	return cfg
}
