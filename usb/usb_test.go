package usb_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/c35s/usbhost/usb"
	"github.com/google/go-cmp/cmp"
)

func TestSetupRoundTrip(t *testing.T) {
	want := usb.Setup{
		RequestType: usb.RequestDirIn,
		Request:     usb.ReqGetDescriptor,
		Value:       usb.DescDevice << 8,
		Length:      18,
	}

	got, err := usb.ParseSetup(want.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("setup mismatch (-want +got):\n%s", diff)
	}

	if !got.IsIn() || got.Type() != usb.RequestTypeStandard || got.Recipient() != usb.RecipientDevice {
		t.Errorf("bad decode: %+v", got)
	}
}

func TestParseSetupShort(t *testing.T) {
	if _, err := usb.ParseSetup(make([]byte, 7)); err == nil {
		t.Error("expected error")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want usb.Status
	}{
		{nil, usb.StatusOK},
		{usb.ErrNAK, usb.StatusNAK},
		{fmt.Errorf("wrapped: %w", usb.ErrBabble), usb.StatusBabble},
		{usb.ErrNoDevice, usb.StatusNoDevice},
		{usb.ErrIOError, usb.StatusIOError},
		{errors.New("boom"), usb.StatusStall},
	}

	for _, tt := range tests {
		if got := usb.StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestPacketComplete(t *testing.T) {
	var called *usb.Packet
	p := usb.NewPacket(usb.PIDIn, 1, 2, make([]byte, 8), func(p *usb.Packet) { called = p })

	p.Complete(usb.StatusOK, 4)

	if called != p {
		t.Fatal("done not called")
	}

	if p.Status != usb.StatusOK || p.Actual != 4 {
		t.Errorf("status=%v actual=%d", p.Status, p.Actual)
	}
}

func TestSpeedMask(t *testing.T) {
	m := usb.SpeedMaskLow | usb.SpeedMaskFull
	if !m.Has(usb.SpeedLow) || !m.Has(usb.SpeedFull) || m.Has(usb.SpeedHigh) {
		t.Errorf("bad mask %b", m)
	}
}
