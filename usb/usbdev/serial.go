package usbdev

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/c35s/usbhost/usb"
)

// Serial is a vendor-class byte pipe. Bytes read from In are returned on
// bulk endpoint 1 IN; bytes written by the host to bulk endpoint 2 OUT go to
// Out. An IN transaction with no data pending is held until Run has some.
type Serial struct {
	In  io.Reader
	Out io.Writer

	mu      sync.Mutex
	core    *Core
	rx      []byte
	pending *usb.Packet // held IN packet
	log     *slog.Logger
}

const (
	SerialInEP   = 1
	SerialOutEP  = 2
	serialMaxPkt = 512
	serialChunk  = 4096
)

// NewSerial returns a serial device relaying in and out.
func NewSerial(in io.Reader, out io.Writer) *Serial {
	return &Serial{
		In:  in,
		Out: out,
		log: slog.Default().With("device", "serial"),
		core: &Core{
			Descriptor: DeviceDescriptor{
				USBVersion:        0x0200,
				Class:             0xff,
				MaxPacketSize0:    64,
				VendorID:          0x1d6b, // Linux Foundation
				ProductID:         0x0104, // multifunction composite gadget
				DeviceVersion:     0x0100,
				ManufacturerIndex: 1,
				ProductIndex:      2,
				NumConfigurations: 1,
			},
			Config: ConfigDescriptor{
				Value:    1,
				MaxPower: 50,
				Interfaces: []InterfaceDescriptor{{
					Class: 0xff,
					Endpoints: []EndpointDescriptor{
						{Address: usb.RequestDirIn | SerialInEP, Attributes: EndpointBulk, MaxPacketSize: serialMaxPkt},
						{Address: SerialOutEP, Attributes: EndpointBulk, MaxPacketSize: serialMaxPkt},
					},
				}},
			},
			Strings: []string{"usbhost", "serial"},
		},
	}
}

func (s *Serial) Addr() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.core.Addr()
}

func (*Serial) Speeds() usb.SpeedMask {
	return usb.SpeedMaskHigh
}

func (s *Serial) HandlePacket(p *usb.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case p.Endpoint == 0:
		s.core.HandleControl(p)

	case s.core.Configuration() == 0:
		p.Status = usb.StatusStall

	case p.Endpoint == SerialInEP && p.PID == usb.PIDIn:
		s.handleIn(p)

	case p.Endpoint == SerialOutEP && p.PID == usb.PIDOut:
		s.handleOut(p)

	default:
		p.Status = usb.StatusStall
	}
}

func (s *Serial) handleIn(p *usb.Packet) {
	if len(s.rx) > 0 {
		n := copy(p.Data, s.rx)
		s.rx = s.rx[n:]
		p.Status, p.Actual = usb.StatusOK, n
		return
	}

	if s.pending != nil {
		p.Status = usb.StatusNAK
		return
	}

	s.pending = p
	p.Status = usb.StatusAsync
}

func (s *Serial) handleOut(p *usb.Packet) {
	if s.Out == nil {
		p.Status, p.Actual = usb.StatusOK, len(p.Data)
		return
	}

	n, err := s.Out.Write(p.Data)
	if err != nil {
		s.log.Error("serial write failed", "err", err)
		p.Status = usb.StatusIOError
		return
	}

	p.Status, p.Actual = usb.StatusOK, n
}

func (s *Serial) CancelPacket(p *usb.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == p {
		s.pending = nil
	}
}

func (s *Serial) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.core.Reset()
	s.pending = nil
}

// Feed queues b for the host, completing a held IN packet if there is one.
func (s *Serial) Feed(b []byte) {
	s.mu.Lock()

	s.rx = append(s.rx, b...)

	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return
	}

	n := copy(p.Data, s.rx)
	s.rx = s.rx[n:]
	s.pending = nil
	s.mu.Unlock()

	// outside the lock: completion calls back into the host
	p.Complete(usb.StatusOK, n)
}

// Run copies In to the host until ctx is done or In fails. It returns nil
// at EOF.
func (s *Serial) Run(ctx context.Context) error {
	if s.In == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	type chunk struct {
		b   []byte
		err error
	}

	ch := make(chan chunk)

	// the reader may block past ctx; it exits on its next read
	go func() {
		for {
			buf := make([]byte, serialChunk)
			n, err := s.In.Read(buf)

			select {
			case ch <- chunk{buf[:n], err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-ch:
			if len(c.b) > 0 {
				s.Feed(c.b)
			}

			if c.err == io.EOF {
				return nil
			}

			if c.err != nil {
				return c.err
			}
		}
	}
}
