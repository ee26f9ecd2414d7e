package ehci_test

import (
	"testing"

	"github.com/c35s/usbhost/ehci"
	"github.com/c35s/usbhost/ehci/driver"
	"github.com/c35s/usbhost/usb"
	"github.com/google/go-cmp/cmp"
)

// nextFrame returns the frame the controller processes next.
func (r *rig) nextFrame() int {
	return int(r.read(ehci.RegFrIndex)>>3+1) % driver.FrameListLen
}

func TestITD(t *testing.T) {
	r := started(t, ehci.Config{})

	var outs []string
	dev := &fakeDevice{handle: func(p *usb.Packet) {
		p.Status = usb.StatusOK
		if p.PID == usb.PIDIn {
			p.Actual = copy(p.Data, "abcd")
			return
		}

		outs = append(outs, string(p.Data))
		p.Actual = len(p.Data)
	}}

	r.plug(0, dev)
	ep := driver.Endpoint{Num: 3, MaxPacket: 8}

	t.Run("in", func(t *testing.T) {
		itd, err := r.drv.AddITD(r.nextFrame(), ep, true, []int{8, 8}, nil)
		if err != nil {
			t.Fatal(err)
		}

		r.hc.Advance(ehci.Frame)

		if !itd.Done() {
			t.Fatalf("slots %#x %#x still active", itd.Slot(0), itd.Slot(1))
		}

		got := []string{string(itd.Bytes(0)), string(itd.Bytes(1))}
		if diff := cmp.Diff([]string{"abcd", "abcd"}, got); diff != "" {
			t.Errorf("data (-want +got):\n%s", diff)
		}

		if err := itd.Remove(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("out", func(t *testing.T) {
		itd, err := r.drv.AddITD(r.nextFrame(), ep, false, []int{3, 5}, []byte("abcdefgh"))
		if err != nil {
			t.Fatal(err)
		}

		r.hc.Advance(ehci.Frame)

		if !itd.Done() {
			t.Fatal("slots still active")
		}

		if diff := cmp.Diff([]string{"abc", "defgh"}, outs); diff != "" {
			t.Errorf("device data (-want +got):\n%s", diff)
		}

		// OUT slots report what was left unsent
		for i := 0; i < 2; i++ {
			if n := itd.Slot(i) & ehci.ITDLenMask >> ehci.ITDLenShift; n != 0 {
				t.Errorf("slot %d length %d != 0", i, n)
			}
		}
	})
}

func TestITDNAKPause(t *testing.T) {
	r := started(t, ehci.Config{})

	nak := func(p *usb.Packet) { p.Status = usb.StatusNAK }
	dev := &fakeDevice{handle: nak}
	r.plug(0, dev)

	itd, err := r.drv.AddITD(r.nextFrame(), driver.Endpoint{Num: 1, MaxPacket: 64}, true, []int{64}, nil)
	if err != nil {
		t.Fatal(err)
	}

	r.hc.Advance(ehci.Frame)
	frozen := r.read(ehci.RegFrIndex)

	for i := 0; i < 4; i++ {
		r.hc.Advance(ehci.Frame)
	}

	if fr := r.read(ehci.RegFrIndex); fr != frozen {
		t.Fatalf("frindex moved from %d to %d while paused", frozen, fr)
	}

	if itd.Done() {
		t.Fatal("NAKed slot completed")
	}

	dev.handle = nil
	r.hc.Advance(ehci.Frame)
	r.hc.Advance(ehci.Frame)

	if !itd.Done() {
		t.Error("slot not completed after the device answered")
	}

	if fr := r.read(ehci.RegFrIndex); fr == frozen {
		t.Error("frindex still paused")
	}
}

func TestITDNAKPauseEnds(t *testing.T) {
	paused := func(t *testing.T) (*rig, *driver.ITD, uint32) {
		r := started(t, ehci.Config{})
		r.plug(0, &fakeDevice{handle: func(p *usb.Packet) { p.Status = usb.StatusNAK }})

		itd, err := r.drv.AddITD(r.nextFrame(), driver.Endpoint{Num: 1, MaxPacket: 64}, true, []int{64}, nil)
		if err != nil {
			t.Fatal(err)
		}

		r.hc.Advance(ehci.Frame)
		frozen := r.read(ehci.RegFrIndex)

		r.hc.Advance(ehci.Frame)
		if fr := r.read(ehci.RegFrIndex); fr != frozen {
			t.Fatalf("frindex moved from %d to %d, not paused", frozen, fr)
		}

		return r, itd, frozen
	}

	t.Run("unlinked", func(t *testing.T) {
		r, itd, frozen := paused(t)
		if err := itd.Remove(); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 60; i++ {
			r.hc.Advance(ehci.Frame)
		}

		if fr := r.read(ehci.RegFrIndex); fr == frozen {
			t.Errorf("frindex still %d after the pause", fr)
		}
	})

	t.Run("still nak", func(t *testing.T) {
		r, itd, frozen := paused(t)

		for i := 0; i < 60; i++ {
			r.hc.Advance(ehci.Frame)
		}

		if fr := r.read(ehci.RegFrIndex); fr == frozen {
			t.Errorf("frindex still %d after the pause", fr)
		}

		if !itd.Done() {
			t.Error("slot not completed when the pause ran out")
		}
	})

	t.Run("periodic disabled", func(t *testing.T) {
		r, _, frozen := paused(t)
		r.write(ehci.RegUSBCmd, r.read(ehci.RegUSBCmd)&^ehci.CmdPSE)

		r.hc.Advance(ehci.Frame)
		r.hc.Advance(ehci.Frame)

		if fr := r.read(ehci.RegFrIndex); fr == frozen {
			t.Errorf("frindex still %d with the periodic schedule off", fr)
		}
	})
}

func TestITDErrors(t *testing.T) {
	t.Run("bad page", func(t *testing.T) {
		r := started(t, ehci.Config{})
		r.plug(0, &fakeDevice{})

		itd, err := r.drv.AddITD(r.nextFrame(), driver.Endpoint{Num: 1, MaxPacket: 8}, true, []int{8}, nil)
		if err != nil {
			t.Fatal(err)
		}

		r.drv.SetWord(itd.Addr+4, itd.Slot(0)|7<<ehci.ITDPGShift)
		r.hc.Advance(ehci.Frame)

		if !r.wasReset() {
			t.Error("controller not reset")
		}
	})

	t.Run("long chain", func(t *testing.T) {
		r := started(t, ehci.Config{})
		r.plug(0, &fakeDevice{})

		frame := r.nextFrame()
		for i := 0; i < 17; i++ {
			if _, err := r.drv.AddITD(frame, driver.Endpoint{Num: 1, MaxPacket: 8}, true, []int{8}, nil); err != nil {
				t.Fatal(err)
			}
		}

		r.hc.Advance(ehci.Frame)

		if !r.wasReset() {
			t.Error("controller not reset")
		}
	})

	t.Run("no device", func(t *testing.T) {
		r := started(t, ehci.Config{})

		itd, err := r.drv.AddITD(r.nextFrame(), driver.Endpoint{Addr: 4, Num: 1, MaxPacket: 8}, true, []int{8}, nil)
		if err != nil {
			t.Fatal(err)
		}

		r.hc.Advance(ehci.Frame)

		if s := itd.Slot(0); s&ehci.ITDActive != 0 || s&ehci.ITDXactErr == 0 {
			t.Errorf("slot %#x: want an inactive transaction error", s)
		}
	})
}

func TestSITDSkipped(t *testing.T) {
	r := started(t, ehci.Config{})

	addr, err := r.drv.Alloc(0x20, 0x20)
	if err != nil {
		t.Fatal(err)
	}

	entry := r.read(ehci.RegPeriodicBase) + 4*uint32(r.nextFrame())
	r.drv.SetWord(addr, r.drv.Word(entry))
	r.drv.SetWord(addr+12, ehci.SITDActive)
	r.drv.SetWord(entry, ehci.Link(addr, ehci.TypeSITD))

	r.hc.Advance(ehci.Frame)

	if r.wasReset() {
		t.Fatal("controller reset")
	}

	if v := r.drv.Word(addr + 12); v != ehci.SITDActive {
		t.Errorf("siTD results %#x changed", v)
	}

	if r.hc.Capabilities().SplitIsochronous {
		t.Error("split isochronous transfers reported as supported")
	}
}
