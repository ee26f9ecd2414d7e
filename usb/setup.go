package usb

import (
	"encoding/binary"
	"fmt"
)

// Setup is the 8-byte SETUP stage of a control transfer.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// bmRequestType fields
const (
	RequestDirIn = 0x80

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RecipientMask      = 0x1f
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// standard requests
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
)

// descriptor types
const (
	DescDevice          = 0x01
	DescConfiguration   = 0x02
	DescString          = 0x03
	DescInterface       = 0x04
	DescEndpoint        = 0x05
	DescDeviceQualifier = 0x06
)

const SetupSize = 8

var le = binary.LittleEndian

// ParseSetup decodes a SETUP payload.
func ParseSetup(b []byte) (Setup, error) {
	if len(b) != SetupSize {
		return Setup{}, fmt.Errorf("usb: setup packet is %d bytes, want %d", len(b), SetupSize)
	}

	return Setup{
		RequestType: b[0],
		Request:     b[1],
		Value:       le.Uint16(b[2:]),
		Index:       le.Uint16(b[4:]),
		Length:      le.Uint16(b[6:]),
	}, nil
}

// Bytes encodes s as a SETUP payload.
func (s Setup) Bytes() []byte {
	b := make([]byte, SetupSize)
	b[0] = s.RequestType
	b[1] = s.Request
	le.PutUint16(b[2:], s.Value)
	le.PutUint16(b[4:], s.Index)
	le.PutUint16(b[6:], s.Length)
	return b
}

// IsIn reports whether the data stage moves data to the host.
func (s Setup) IsIn() bool {
	return s.RequestType&RequestDirIn != 0
}

func (s Setup) Type() uint8 {
	return s.RequestType & RequestTypeMask
}

func (s Setup) Recipient() uint8 {
	return s.RequestType & RecipientMask
}
