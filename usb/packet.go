package usb

import "fmt"

// Packet is a single transaction submitted to a device.
//
// For OUT and SETUP packets Data holds the payload. For IN packets Data is the
// receive buffer; a device with more data than len(Data) reports StatusBabble
// or sets Actual past len(Data), which the host treats the same way.
type Packet struct {
	PID      PID
	Addr     uint8
	Endpoint uint8
	Data     []byte

	Status Status
	Actual int

	done func(*Packet)
}

// NewPacket returns a packet. The done callback, if not nil, is called by Complete.
func NewPacket(pid PID, addr, ep uint8, data []byte, done func(*Packet)) *Packet {
	return &Packet{
		PID:      pid,
		Addr:     addr,
		Endpoint: ep,
		Data:     data,
		done:     done,
	}
}

// Complete finishes an asynchronous packet and notifies the host.
func (p *Packet) Complete(status Status, n int) {
	p.Status = status
	p.Actual = n

	if p.done != nil {
		p.done(p)
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("%v addr=%d ep=%d len=%d status=%v actual=%d",
		p.PID, p.Addr, p.Endpoint, len(p.Data), p.Status, p.Actual)
}
