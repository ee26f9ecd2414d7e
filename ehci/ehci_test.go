package ehci_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/c35s/usbhost/ehci"
	"github.com/c35s/usbhost/ehci/driver"
	"github.com/c35s/usbhost/guest"
	"github.com/c35s/usbhost/usb"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

const (
	memSize = 1 << 20
	arena   = 0x10000
)

// rig is a controller wired to guest memory and a driver that advances
// virtual time by one frame per poll.
type rig struct {
	t   *testing.T
	hc  *ehci.Controller
	mem *guest.Memory
	drv *driver.Driver

	irqs []bool
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRig(t *testing.T, cfg ehci.Config) *rig {
	t.Helper()

	r := &rig{t: t, mem: guest.New(make([]byte, memSize))}

	if cfg.MemAt == nil {
		cfg.MemAt = r.mem.At
	}

	cfg.IRQ = func(level bool) { r.irqs = append(r.irqs, level) }
	cfg.Logger = quiet()

	hc, err := ehci.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	drv, err := driver.New(driver.Config{
		HC:    hc,
		Mem:   r.mem,
		Arena: arena,
		Wait: func() error {
			hc.Advance(ehci.Frame)
			return nil
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	r.hc, r.drv = hc, drv
	return r
}

// started returns a running rig.
func started(t *testing.T, cfg ehci.Config) *rig {
	t.Helper()

	r := newRig(t, cfg)
	if err := r.drv.Start(); err != nil {
		t.Fatal(err)
	}

	return r
}

func (r *rig) read(off int) uint32 {
	r.t.Helper()

	v, err := r.drv.Read(off)
	if err != nil {
		r.t.Fatal(err)
	}

	return v
}

func (r *rig) write(off int, v uint32) {
	r.t.Helper()

	if err := r.drv.Write(off, v); err != nil {
		r.t.Fatal(err)
	}
}

// plug attaches dev to port n and resets the port.
func (r *rig) plug(n int, dev usb.Device) {
	r.t.Helper()

	if err := r.hc.Attach(n, dev); err != nil {
		r.t.Fatal(err)
	}

	if err := r.drv.ResetPort(n); err != nil {
		r.t.Fatal(err)
	}
}

func (r *rig) irq() bool {
	return len(r.irqs) > 0 && r.irqs[len(r.irqs)-1]
}

// fakeDevice answers every packet with handle, or with success if handle
// is nil.
type fakeDevice struct {
	addr   uint8
	speeds usb.SpeedMask
	handle func(p *usb.Packet)

	packets   []*usb.Packet
	cancelled []*usb.Packet
	resets    int
}

func (d *fakeDevice) Addr() uint8 { return d.addr }

func (d *fakeDevice) Speeds() usb.SpeedMask {
	if d.speeds == 0 {
		return usb.SpeedMaskHigh
	}

	return d.speeds
}

func (d *fakeDevice) HandlePacket(p *usb.Packet) {
	d.packets = append(d.packets, p)

	if d.handle != nil {
		d.handle(p)
		return
	}

	p.Status, p.Actual = usb.StatusOK, len(p.Data)
}

func (d *fakeDevice) CancelPacket(p *usb.Packet) { d.cancelled = append(d.cancelled, p) }
func (d *fakeDevice) Reset()                     { d.resets++ }

type recordingCompanion struct {
	events []string
}

func (c *recordingCompanion) Attach(usb.Device)      { c.events = append(c.events, "attach") }
func (c *recordingCompanion) Detach()                { c.events = append(c.events, "detach") }
func (c *recordingCompanion) ChildDetach(usb.Device) { c.events = append(c.events, "child detach") }
func (c *recordingCompanion) Wakeup()                { c.events = append(c.events, "wakeup") }

func TestNew(t *testing.T) {
	mem := guest.New(make([]byte, 0x1000))

	tests := []struct {
		name string
		cfg  ehci.Config
	}{
		{"too many ports", ehci.Config{NumPorts: ehci.MaxPorts + 1, MemAt: mem.At}},
		{"negative ports", ehci.Config{NumPorts: -1, MemAt: mem.At}},
		{"no memory", ehci.Config{}},
		{"hop limit too high", ehci.Config{MemAt: mem.At, MaxQHHops: ehci.MaxQHHopsMax + 1}},
		{"negative hop limit", ehci.Config{MemAt: mem.At, MaxQHHops: -1}},
		{"negative idle timeout", ehci.Config{MemAt: mem.At, QueueIdleTimeout: -time.Second}},
		{"negative catch-up", ehci.Config{MemAt: mem.At, MaxFramesPerTick: -1}},
		{"tick too short", ehci.Config{MemAt: mem.At, TickInterval: time.Microsecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ehci.New(tt.cfg); !errors.Is(err, ehci.ErrConfig) {
				t.Errorf("err %v != ErrConfig", err)
			}
		})
	}

	t.Run("defaults", func(t *testing.T) {
		hc, err := ehci.New(ehci.Config{MemAt: mem.At, Logger: quiet()})
		if err != nil {
			t.Fatal(err)
		}

		want := ehci.Capabilities{Ports: ehci.NumPortsDefault}
		if diff := cmp.Diff(want, hc.Capabilities()); diff != "" {
			t.Errorf("capabilities (-want +got):\n%s", diff)
		}
	})
}

func TestCapabilityRegisters(t *testing.T) {
	r := newRig(t, ehci.Config{NumPorts: 2})

	readN := func(off, n int) []byte {
		b := make([]byte, n)
		if err := r.hc.HandleMMIO(off, b, false); err != nil {
			t.Fatalf("%d-byte read at %#x: %v", n, off, err)
		}

		return b
	}

	if b := readN(ehci.RegCapLength, 1); b[0] != ehci.CapLength {
		t.Errorf("caplength %#x != %#x", b[0], ehci.CapLength)
	}

	if v := binary.LittleEndian.Uint16(readN(ehci.RegHCIVersion, 2)); v != ehci.HCIVersion {
		t.Errorf("hciversion %#x != %#x", v, ehci.HCIVersion)
	}

	if v := binary.LittleEndian.Uint32(readN(ehci.RegHCSParams, 4)); v&0xf != 2 {
		t.Errorf("hcsparams %#x: want 2 ports", v)
	}

	if b := readN(ehci.RegCapLength, 4); b[0] != ehci.CapLength || binary.LittleEndian.Uint16(b[2:]) != ehci.HCIVersion {
		t.Errorf("caplength word % x", b)
	}
}

func TestMMIOErrors(t *testing.T) {
	r := newRig(t, ehci.Config{})

	t.Run("narrow operational read", func(t *testing.T) {
		b := []byte{0xff, 0xff}
		err := r.hc.HandleMMIO(ehci.RegUSBCmd, b, false)

		if !errors.Is(err, ehci.ErrAccessWidth) || !errors.Is(err, unix.EINVAL) {
			t.Errorf("err %v != ErrAccessWidth/EINVAL", err)
		}

		if b[0] != 0 || b[1] != 0 {
			t.Errorf("rejected read returned % x", b)
		}
	})

	t.Run("unaligned write", func(t *testing.T) {
		err := r.hc.HandleMMIO(ehci.RegUSBIntr+1, make([]byte, 4), true)
		if !errors.Is(err, ehci.ErrAccessWidth) {
			t.Errorf("err %v != ErrAccessWidth", err)
		}
	})

	t.Run("capability write", func(t *testing.T) {
		err := r.hc.HandleMMIO(ehci.RegHCSParams, []byte{0xf, 0, 0, 0}, true)
		if !errors.Is(err, ehci.ErrReadOnly) || !errors.Is(err, unix.EPERM) {
			t.Errorf("err %v != ErrReadOnly/EPERM", err)
		}

		if v := r.read(ehci.RegHCSParams); v&0xf != ehci.NumPortsDefault {
			t.Errorf("hcsparams changed to %#x", v)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		err := r.hc.HandleMMIO(ehci.MMIOSize-2, make([]byte, 4), false)
		if !errors.Is(err, ehci.ErrOffset) {
			t.Errorf("err %v != ErrOffset", err)
		}
	})

	t.Run("missing port", func(t *testing.T) {
		// registers past the last port read as zero and ignore writes
		off := ehci.RegPortSC(ehci.NumPortsDefault)
		r.write(off, ehci.PortReset)

		if v := r.read(off); v != 0 {
			t.Errorf("portsc %#x != 0", v)
		}
	})
}

func TestUSBCmd(t *testing.T) {
	r := newRig(t, ehci.Config{})

	if sts := r.read(ehci.RegUSBSts); sts&ehci.StsHalt == 0 {
		t.Fatalf("usbsts %#x: not halted after reset", sts)
	}

	r.write(ehci.RegUSBCmd, ehci.CmdRunStop|ehci.CmdFLS)

	if cmd := r.read(ehci.RegUSBCmd); cmd&ehci.CmdFLS != 0 {
		t.Errorf("usbcmd %#x: frame list size accepted", cmd)
	}

	if sts := r.read(ehci.RegUSBSts); sts&ehci.StsHalt != 0 {
		t.Errorf("usbsts %#x: halted while running", sts)
	}

	r.write(ehci.RegUSBCmd, 0)
	if sts := r.read(ehci.RegUSBSts); sts&ehci.StsHalt == 0 {
		t.Errorf("usbsts %#x: running after stop", sts)
	}

	t.Run("host controller reset", func(t *testing.T) {
		r.write(ehci.RegUSBIntr, 0x3f)
		r.write(ehci.RegUSBCmd, ehci.CmdRunStop|ehci.CmdASE)
		r.write(ehci.RegUSBCmd, ehci.CmdHCReset)

		got := []uint32{
			r.read(ehci.RegUSBCmd),
			r.read(ehci.RegUSBSts),
			r.read(ehci.RegUSBIntr),
			r.read(ehci.RegPortSC0),
		}

		want := []uint32{8 << 16, ehci.StsHalt, 0, ehci.PortPower}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("after reset (-want +got):\n%s", diff)
		}
	})
}

func TestFrameIndex(t *testing.T) {
	r := newRig(t, ehci.Config{MaxFramesPerTick: 4})

	r.hc.Advance(10 * ehci.Frame)
	if fr := r.read(ehci.RegFrIndex); fr != 0 {
		t.Errorf("frindex %d advanced while halted", fr)
	}

	r.write(ehci.RegUSBCmd, ehci.CmdRunStop)

	r.hc.Advance(ehci.Frame + 3*ehci.Microframe)
	if fr := r.read(ehci.RegFrIndex); fr != 8 {
		t.Errorf("frindex %d != 8", fr)
	}

	t.Run("catch-up skips", func(t *testing.T) {
		// 100 frames elapse but only the last 4 are processed
		r.hc.Advance(100 * ehci.Frame)
		if fr := r.read(ehci.RegFrIndex); fr != 808 {
			t.Errorf("frindex %d != 808", fr)
		}
	})

	t.Run("rollover", func(t *testing.T) {
		r.write(ehci.RegUSBIntr, ehci.StsFLR)
		r.write(ehci.RegFrIndex, 0x1ff8)
		r.hc.Advance(ehci.Frame)

		if sts := r.read(ehci.RegUSBSts); sts&ehci.StsFLR == 0 {
			t.Errorf("usbsts %#x: no rollover", sts)
		}

		if fr := r.read(ehci.RegFrIndex); fr != 0x2000 {
			t.Errorf("frindex %#x != 0x2000", fr)
		}

		if !r.irq() {
			t.Error("no interrupt for rollover")
		}

		r.write(ehci.RegUSBSts, ehci.StsFLR)
		if r.irq() {
			t.Error("interrupt still raised after acknowledge")
		}
	})
}

func TestRun(t *testing.T) {
	r := newRig(t, ehci.Config{})
	r.write(ehci.RegUSBCmd, ehci.CmdRunStop)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.hc.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err %v != context.DeadlineExceeded", err)
	}

	if fr := r.read(ehci.RegFrIndex); fr == 0 {
		t.Error("frame index did not advance")
	}
}
