package usbdev

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/c35s/usbhost/usb"
)

var le = binary.LittleEndian

const (
	deviceDescSize    = 18
	configDescSize    = 9
	interfaceDescSize = 9
	endpointDescSize  = 7

	langEnglishUS = 0x0409
)

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16 // BCD
	Class             uint8
	SubClass          uint8
	Protocol          uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // BCD
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// Bytes encodes the descriptor.
func (d DeviceDescriptor) Bytes() []byte {
	b := make([]byte, deviceDescSize)
	b[0] = deviceDescSize
	b[1] = usb.DescDevice
	le.PutUint16(b[2:], d.USBVersion)
	b[4] = d.Class
	b[5] = d.SubClass
	b[6] = d.Protocol
	b[7] = d.MaxPacketSize0
	le.PutUint16(b[8:], d.VendorID)
	le.PutUint16(b[10:], d.ProductID)
	le.PutUint16(b[12:], d.DeviceVersion)
	b[14] = d.ManufacturerIndex
	b[15] = d.ProductIndex
	b[16] = d.SerialNumberIndex
	b[17] = d.NumConfigurations
	return b
}

// endpoint attributes
const (
	EndpointControl     = 0
	EndpointIsochronous = 1
	EndpointBulk        = 2
	EndpointInterrupt   = 3
)

type EndpointDescriptor struct {
	Address       uint8 // bit 7 set for IN
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

type InterfaceDescriptor struct {
	Number      uint8
	AltSetting  uint8
	Class       uint8
	SubClass    uint8
	Protocol    uint8
	StringIndex uint8
	Endpoints   []EndpointDescriptor
}

// ConfigDescriptor is a configuration with its interfaces and endpoints.
type ConfigDescriptor struct {
	Value       uint8
	StringIndex uint8
	Attributes  uint8
	MaxPower    uint8 // in 2mA units
	Interfaces  []InterfaceDescriptor
}

// Bytes encodes the configuration descriptor followed by its interface and
// endpoint descriptors, as returned by GET_DESCRIPTOR(CONFIGURATION).
func (c ConfigDescriptor) Bytes() []byte {
	b := make([]byte, configDescSize, 64)
	b[1] = usb.DescConfiguration
	b[4] = uint8(len(c.Interfaces))
	b[5] = c.Value
	b[6] = c.StringIndex
	b[7] = c.Attributes | 0x80 // reserved, must be set
	b[8] = c.MaxPower
	b[0] = configDescSize

	for _, i := range c.Interfaces {
		b = append(b,
			interfaceDescSize, usb.DescInterface,
			i.Number, i.AltSetting, uint8(len(i.Endpoints)),
			i.Class, i.SubClass, i.Protocol, i.StringIndex)

		for _, e := range i.Endpoints {
			b = append(b, endpointDescSize, usb.DescEndpoint, e.Address, e.Attributes)
			b = le.AppendUint16(b, e.MaxPacketSize)
			b = append(b, e.Interval)
		}
	}

	le.PutUint16(b[2:], uint16(len(b)))
	return b
}

// stringDescriptor encodes s as a UTF-16LE string descriptor.
func stringDescriptor(s string) []byte {
	u := utf16.Encode([]rune(s))
	if len(u) > 126 {
		u = u[:126]
	}

	b := []byte{byte(2 + 2*len(u)), usb.DescString}
	for _, c := range u {
		b = le.AppendUint16(b, c)
	}

	return b
}

// languages is string descriptor zero.
func languages() []byte {
	return []byte{4, usb.DescString, langEnglishUS & 0xff, langEnglishUS >> 8}
}
