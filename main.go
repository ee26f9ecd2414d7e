package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c35s/usbhost/ehci"
	"github.com/c35s/usbhost/ehci/driver"
	"github.com/c35s/usbhost/guest"
	"github.com/c35s/usbhost/mmio"
	"github.com/c35s/usbhost/usb"
	"github.com/c35s/usbhost/usb/usbdev"
	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// usbhost runs an emulated EHCI controller with a serial device on port 0 and
// a built-in guest driver that echoes everything the device receives back
// out through it.
func main() {

	var (
		memSize   = flag.Int("mem", 16, "set the guest memory size in MiB")
		numPorts  = flag.Int("ports", ehci.NumPortsDefault, "set the number of root hub ports")
		vsockPort = flag.Uint("vsock", 0, "serve the serial device on this vsock port instead of stdio")
		inPath    = flag.String("in", "", "feed the serial device from file or URL instead of stdin")
		verbose   = flag.Bool("v", false, "log controller debug messages")
	)

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		in  io.Reader = os.Stdin
		out io.Writer = os.Stdout
	)

	switch {
	case *vsockPort != 0:
		l, err := vsock.Listen(uint32(*vsockPort), nil)
		if err != nil {
			panic(err)
		}

		slog.Info("waiting for a vsock connection", "addr", l.Addr())

		conn, err := l.Accept()
		l.Close()
		if err != nil {
			panic(err)
		}

		defer conn.Close()
		in, out = conn, conn

	case *inPath != "":
		b, err := readURL(*inPath)
		if err != nil {
			panic(err)
		}

		in = bytes.NewReader(b)

	case term.IsTerminal(int(os.Stdin.Fd())):
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			panic(err)
		}

		defer term.Restore(int(os.Stdin.Fd()), old)

		fmt.Fprint(os.Stderr, "usbhost: press Ctrl-] to quit\r\n")
		in = &escapeReader{r: os.Stdin}
	}

	h, err := newHost(*memSize<<20, *numPorts)
	if err != nil {
		panic(err)
	}

	defer h.Close()

	serial := usbdev.NewSerial(in, out)
	eof := make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(eof)
		return serial.Run(ctx)
	})

	g.Go(func() error {
		return h.echo(ctx, serial, eof)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

// host is the controller with its guest memory and interrupt plumbing.
type host struct {
	mem  *guest.Memory
	bus  *mmio.Bus
	efds *mmio.Eventfds
	info mmio.DeviceInfo
	hc   *ehci.Controller

	irqs uint64
}

func newHost(memSize, numPorts int) (_ *host, err error) {
	h := &host{}

	defer func() {
		if err != nil {
			h.Close()
		}
	}()

	if h.mem, err = guest.Alloc(memSize); err != nil {
		return nil, err
	}

	h.bus = mmio.NewBus(func(irq int) error {
		return h.efds.Notify(irq)
	})

	if h.info, err = h.bus.Reserve("ehci", ehci.MMIOSize); err != nil {
		return nil, err
	}

	if h.efds, err = mmio.NewEventfds(h.info.IRQ); err != nil {
		return nil, err
	}

	h.hc, err = ehci.New(ehci.Config{
		NumPorts: numPorts,
		MemAt:    h.mem.At,
		IRQ:      h.bus.Line(h.info.IRQ),
	})

	if err != nil {
		return nil, err
	}

	if err = h.bus.Install(h.info, h.hc); err != nil {
		return nil, err
	}

	slog.Info("controller ready", "addr", fmt.Sprintf("%#x", h.info.Addr), "irq", h.info.IRQ, "ports", numPorts)
	return h, nil
}

func (h *host) Close() error {
	var errs []error

	if h.efds != nil {
		errs = append(errs, h.efds.Close())
	}

	if h.mem != nil {
		errs = append(errs, h.mem.Close())
	}

	return errors.Join(errs...)
}

// echo plays the guest: it enumerates the serial device on port 0 and then
// copies bulk IN data to bulk OUT until ctx is done, or the device has no
// more input after eof closes.
func (h *host) echo(ctx context.Context, serial *usbdev.Serial, eof <-chan struct{}) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	last := time.Now()

	// guest memory is only touched from this goroutine, between Advance calls
	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-tick.C:
			h.hc.Advance(now.Sub(last))
			last = now
		}

		n, err := h.efds.Wait(h.info.IRQ, 0)
		h.irqs += n
		return err
	}

	drv, err := driver.New(driver.Config{
		HC:    h.bus.Window(h.info),
		Mem:   h.mem,
		Arena: 0x100000,
		Wait:  wait,
	})

	if err != nil {
		return err
	}

	if err := drv.Start(); err != nil {
		return err
	}

	if err := h.hc.Attach(0, serial); err != nil {
		return err
	}

	bulkIn, bulkOut, err := enumerate(drv)
	if err != nil {
		return err
	}

	slog.Info("serial device configured", "interrupts", h.irqs)

	for {
		xfer, err := drv.Submit(bulkIn, usb.PIDIn, make([]byte, 512))
		if err != nil {
			return err
		}

		// an IN still pending a frame after EOF has nothing left to read
		drained := false
		for {
			done, err := xfer.Done()
			if err != nil {
				return err
			}

			if done {
				break
			}

			select {
			case <-eof:
				if drained {
					slog.Info("input drained", "interrupts", h.irqs)
					return nil
				}

				drained = true

			default:
			}

			if err := wait(); err != nil {
				return err
			}
		}

		data := xfer.Bytes()
		xfer.Release()

		if len(data) == 0 {
			continue
		}

		xfer, err = drv.Submit(bulkOut, usb.PIDOut, data)
		if err != nil {
			return err
		}

		if err := xfer.Wait(); err != nil {
			return err
		}

		xfer.Release()
	}
}

const serialAddr = 1

// enumerate resets port 0, assigns the device an address and configures it.
// It returns queue heads for the serial device's bulk endpoints.
func enumerate(drv *driver.Driver) (in, out *driver.QH, err error) {
	if err := drv.ResetPort(0); err != nil {
		return nil, nil, err
	}

	ep0, err := drv.AddAsyncQH(driver.Endpoint{MaxPacket: 64, Control: true})
	if err != nil {
		return nil, nil, err
	}

	desc := make([]byte, 18)
	if _, err := drv.Control(ep0, usb.Setup{
		RequestType: usb.RequestDirIn,
		Request:     usb.ReqGetDescriptor,
		Value:       usb.DescDevice << 8,
		Length:      uint16(len(desc)),
	}, desc); err != nil {
		return nil, nil, fmt.Errorf("usbhost: get device descriptor: %w", err)
	}

	slog.Info("device found",
		"vendor", fmt.Sprintf("%04x", binary.LittleEndian.Uint16(desc[8:])),
		"product", fmt.Sprintf("%04x", binary.LittleEndian.Uint16(desc[10:])))

	if _, err := drv.Control(ep0, usb.Setup{Request: usb.ReqSetAddress, Value: serialAddr}, nil); err != nil {
		return nil, nil, fmt.Errorf("usbhost: set address: %w", err)
	}

	if err := drv.RemoveAsyncQH(ep0); err != nil {
		return nil, nil, err
	}

	if ep0, err = drv.AddAsyncQH(driver.Endpoint{Addr: serialAddr, MaxPacket: 64, Control: true}); err != nil {
		return nil, nil, err
	}

	if _, err := drv.Control(ep0, usb.Setup{Request: usb.ReqSetConfiguration, Value: 1}, nil); err != nil {
		return nil, nil, fmt.Errorf("usbhost: set configuration: %w", err)
	}

	if in, err = drv.AddAsyncQH(driver.Endpoint{Addr: serialAddr, Num: usbdev.SerialInEP, MaxPacket: 512}); err != nil {
		return nil, nil, err
	}

	if out, err = drv.AddAsyncQH(driver.Endpoint{Addr: serialAddr, Num: usbdev.SerialOutEP, MaxPacket: 512}); err != nil {
		return nil, nil, err
	}

	return in, out, nil
}

// escapeReader ends its input at the first Ctrl-].
type escapeReader struct {
	r    io.Reader
	done bool
}

func (e *escapeReader) Read(p []byte) (int, error) {
	if e.done {
		return 0, io.EOF
	}

	n, err := e.r.Read(p)
	if i := bytes.IndexByte(p[:n], 0x1d); i >= 0 {
		e.done = true
		return i, nil
	}

	return n, err
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("usbhost: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
