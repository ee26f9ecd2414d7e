package driver_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/usbhost/ehci"
	"github.com/c35s/usbhost/ehci/driver"
	"github.com/c35s/usbhost/guest"
)

func newController(t *testing.T, mem *guest.Memory) *ehci.Controller {
	t.Helper()

	hc, err := ehci.New(ehci.Config{
		MemAt:  mem.At,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if err != nil {
		t.Fatal(err)
	}

	return hc
}

func newDriver(t *testing.T, cfg driver.Config) (*driver.Driver, *ehci.Controller) {
	t.Helper()

	if cfg.Mem == nil {
		cfg.Mem = guest.New(make([]byte, 1<<20))
	}

	hc := newController(t, cfg.Mem)
	cfg.HC = hc

	if cfg.Wait == nil {
		cfg.Wait = func() error {
			hc.Advance(ehci.Frame)
			return nil
		}
	}

	d, err := driver.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	return d, hc
}

func TestNew(t *testing.T) {
	mem := guest.New(make([]byte, 0x10000))
	hc := newController(t, mem)
	wait := func() error { return nil }

	tests := []struct {
		name string
		cfg  driver.Config
	}{
		{"no controller", driver.Config{Mem: mem, Wait: wait}},
		{"no memory", driver.Config{HC: hc, Wait: wait}},
		{"no wait", driver.Config{HC: hc, Mem: mem}},
		{"unaligned arena", driver.Config{HC: hc, Mem: mem, Wait: wait, Arena: 0x10}},
		{"arena past memory", driver.Config{HC: hc, Mem: mem, Wait: wait, Arena: 0x10000}},
		{"arena too long", driver.Config{HC: hc, Mem: mem, Wait: wait, Arena: 0x1000, ArenaSize: 0x10000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := driver.New(tt.cfg); !errors.Is(err, driver.ErrConfig) {
				t.Errorf("err %v != ErrConfig", err)
			}
		})
	}
}

func TestAlloc(t *testing.T) {
	d, _ := newDriver(t, driver.Config{Arena: 0x1000, ArenaSize: 0x2000})

	a, err := d.Alloc(0x30, 0x20)
	if err != nil {
		t.Fatal(err)
	}

	b, err := d.Alloc(0x30, 0x20)
	if err != nil {
		t.Fatal(err)
	}

	if a%0x20 != 0 || b%0x20 != 0 || b < a+0x30 {
		t.Errorf("allocations %#x and %#x overlap or are misaligned", a, b)
	}

	d.SetWord(a, 0xdeadbeef)
	d.Free(a, 0x30, 0x20)

	c, err := d.Alloc(0x30, 0x20)
	if err != nil {
		t.Fatal(err)
	}

	if c != a || d.Word(c) != 0 {
		t.Errorf("reused block %#x holds %#x, want %#x zeroed", c, d.Word(c), a)
	}

	if _, err := d.Alloc(0x2000, 0x1000); !errors.Is(err, driver.ErrNoSpace) {
		t.Errorf("err %v != ErrNoSpace", err)
	}
}

func TestStart(t *testing.T) {
	d, _ := newDriver(t, driver.Config{Arena: 0x10000})

	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	read := func(off int) uint32 {
		v, err := d.Read(off)
		if err != nil {
			t.Fatal(err)
		}

		return v
	}

	if sts := read(ehci.RegUSBSts); sts&ehci.StsHalt != 0 {
		t.Errorf("usbsts %#x: halted", sts)
	}

	if cf := read(ehci.RegConfigFlag); cf != 1 {
		t.Errorf("configflag %d != 1", cf)
	}

	fl := read(ehci.RegPeriodicBase)
	if fl%0x1000 != 0 || fl < 0x10000 {
		t.Fatalf("periodic list base %#x", fl)
	}

	for i := uint32(0); i < driver.FrameListLen; i++ {
		if v := d.Word(fl + 4*i); v != ehci.LinkTerminate {
			t.Fatalf("frame %d entry %#x is not terminated", i, v)
		}
	}

	head := read(ehci.RegAsyncListAddr)
	if next := d.Word(head &^ 0x1f); next != head {
		t.Errorf("head QH links to %#x, not itself", next)
	}

	if epchar := d.Word(head&^0x1f + 4); epchar&ehci.QHH == 0 {
		t.Errorf("head QH endpoint word %#x lacks the head flag", epchar)
	}

	t.Run("restart reuses the schedule", func(t *testing.T) {
		if err := d.Start(); err != nil {
			t.Fatal(err)
		}

		if v := read(ehci.RegPeriodicBase); v != fl {
			t.Errorf("periodic list base moved from %#x to %#x", fl, v)
		}
	})
}

func TestPoll(t *testing.T) {
	var waits int
	errWait := errors.New("wait failed")

	d, _ := newDriver(t, driver.Config{
		Arena:    0x1000,
		MaxPolls: 3,
		Wait: func() error {
			if waits++; waits > 10 {
				return errWait
			}

			return nil
		},
	})

	never := func() (bool, error) { return false, nil }

	if err := d.Poll(never); !errors.Is(err, driver.ErrTimeout) {
		t.Errorf("err %v != ErrTimeout", err)
	}

	if waits != 3 {
		t.Errorf("waited %d times, want 3", waits)
	}

	waits = 10
	if err := d.Poll(never); !errors.Is(err, errWait) {
		t.Errorf("err %v != errWait", err)
	}
}

func TestQueueHeads(t *testing.T) {
	d, _ := newDriver(t, driver.Config{Arena: 0x10000})
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	if _, err := d.AddAsyncQH(driver.Endpoint{MaxPacket: 0}); err == nil {
		t.Error("no error for a zero max packet size")
	}

	a, err := d.AddAsyncQH(driver.Endpoint{Addr: 1, MaxPacket: 64})
	if err != nil {
		t.Fatal(err)
	}

	b, err := d.AddAsyncQH(driver.Endpoint{Addr: 2, MaxPacket: 64})
	if err != nil {
		t.Fatal(err)
	}

	if err := d.RemoveAsyncQH(a); err != nil {
		t.Fatal(err)
	}

	if err := d.RemoveAsyncQH(a); err == nil {
		t.Error("removed a queue head twice")
	}

	if err := d.RemoveAsyncQH(b); err != nil {
		t.Fatal(err)
	}

	head, err := d.Read(ehci.RegAsyncListAddr)
	if err != nil {
		t.Fatal(err)
	}

	if next := d.Word(head &^ 0x1f); next != head {
		t.Errorf("head QH links to %#x after removing everything", next)
	}
}

func TestAddITDErrors(t *testing.T) {
	d, _ := newDriver(t, driver.Config{Arena: 0x10000})
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	ep := driver.Endpoint{Num: 1, MaxPacket: 1024, Mult: 3}

	tests := []struct {
		name  string
		ep    driver.Endpoint
		frame int
		lens  []int
	}{
		{"negative frame", ep, -1, []int{1}},
		{"frame past the list", ep, driver.FrameListLen, []int{1}},
		{"no slots", ep, 0, nil},
		{"too many slots", ep, 0, make([]int, 9)},
		{"no max packet", driver.Endpoint{Num: 1}, 0, []int{1}},
		{"too large", driver.Endpoint{Num: 1, MaxPacket: 2048, Mult: 3}, 0, make([]int, 8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.AddITD(tt.frame, tt.ep, true, tt.lens, nil); err == nil {
				t.Error("no error")
			}
		})
	}
}
