//go:build linux

package mmio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/c35s/usbhost/mmio"
)

func TestEventfds(t *testing.T) {
	e, err := mmio.NewEventfds(5)
	if err != nil {
		t.Fatal(err)
	}

	defer e.Close()

	if n, err := e.Wait(5, time.Millisecond); n != 0 || err != nil {
		t.Errorf("idle wait: n=%d err=%v", n, err)
	}

	for i := 0; i < 3; i++ {
		if err := e.Notify(5); err != nil {
			t.Fatal(err)
		}
	}

	n, err := e.Wait(5, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if n != 3 {
		t.Errorf("n=%d, want 3", n)
	}

	if err := e.Notify(6); err != nil {
		t.Errorf("unknown irq: %v", err)
	}

	if _, err := e.Wait(6, 0); !errors.Is(err, mmio.ErrNotFound) {
		t.Errorf("error isn't ErrNotFound: %v", err)
	}
}
