// Copyright 2026 the ausb Authors.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ausb

import (
	"fmt"
	"sort"
	"unicode/utf16"
)

// Descriptor structs based on USB 2.0 spec, section 9.6.

// DeviceDesc is a representation of a USB device descriptor.
type DeviceDesc struct {
	// The bus on which the device was detected
	Bus int
	// The address of the device on the bus
	Address int
	// The negotiated operating speed for the device
	Speed Speed
	// The port on which the device was detected
	Port int

	// Version of the USB specification the device implements.
	Spec BCD
	// The device version, as set by the vendor.
	Device BCD

	// The Vendor and Product identifiers of the device.
	Vendor  ID
	Product ID

	// The class of this device.
	Class Class
	// The sub-class (within the class) of this device.
	SubClass Class
	// The protocol (within the sub-class) of this device.
	Protocol Protocol
	// Maximum size of the control transfer on endpoint 0.
	MaxControlPacketSize int

	// Configuration descriptors, keyed by configuration number.
	Configs map[int]ConfigDesc

	// Indexes of the manufacturer, product and serial number string
	// descriptors; 0 when the device has none.
	iManufacturer int
	iProduct      int
	iSerialNumber int
}

// String returns a human-readable version of the device descriptor.
func (d *DeviceDesc) String() string {
	return fmt.Sprintf("vid=%s,pid=%s,bus=%d,addr=%d", d.Vendor, d.Product, d.Bus, d.Address)
}

// sortedConfigIds returns the list of defined configuration numbers in
// ascending order.
func (d *DeviceDesc) sortedConfigIds() []int {
	var cfgs []int
	for c := range d.Configs {
		cfgs = append(cfgs, c)
	}
	sort.Ints(cfgs)
	return cfgs
}

// Milliamperes is a unit of electric current consumption.
type Milliamperes uint

// ConfigDesc contains the information about a USB device configuration,
// extracted from the device descriptor.
type ConfigDesc struct {
	// Number is the configuration number.
	Number int
	// SelfPowered is true if the device is powered externally, i.e. not
	// drawing power from the USB bus.
	SelfPowered bool
	// RemoteWakeup is true if the device supports remote wakeup.
	RemoteWakeup bool
	// MaxPower is the maximum current the device draws from the USB bus
	// in this configuration.
	MaxPower Milliamperes
	// Interfaces has a list of USB interfaces available in this
	// configuration.
	Interfaces []InterfaceDesc
}

// String returns the human-readable description of the configuration.
func (c ConfigDesc) String() string {
	return fmt.Sprintf("config=%d", c.Number)
}

// InterfaceDesc contains information about a USB interface, extracted from
// the descriptor.
type InterfaceDesc struct {
	// Number is the number of this interface.
	Number int
	// AltSettings is a list of alternate settings supported by the
	// interface.
	AltSettings []InterfaceSetting
}

// String returns a human-readable description of the interface and its
// alternate settings.
func (i InterfaceDesc) String() string {
	return fmt.Sprintf("interface=%d(%d alternate settings)", i.Number, len(i.AltSettings))
}

// InterfaceSetting contains information about a USB interface with a
// particular alternate setting, extracted from the descriptor.
type InterfaceSetting struct {
	// Number is the number of this interface.
	Number int
	// Alternate is the number of this alternate setting.
	Alternate int
	// Class is the USB-IF (Implementers Forum) class code, as defined by
	// the USB spec.
	Class Class
	// SubClass is the USB-IF (Implementers Forum) subclass code, as
	// defined by the USB spec.
	SubClass Class
	// Protocol is USB protocol code, as defined by the USB spec.
	Protocol Protocol
	// Endpoints enumerates the endpoints available on this interface with
	// this alternate setting, keyed by endpoint address.
	Endpoints map[uint8]EndpointDesc
}

func (a InterfaceSetting) sortedEndpointIds() []string {
	var eps []string
	for _, ei := range a.Endpoints {
		eps = append(eps, fmt.Sprintf("%d(%d,%s)", ei.Address, ei.Number, ei.Direction))
	}
	sort.Strings(eps)
	return eps
}

// String returns a human-readable description of the particular alternate
// setting of an interface.
func (a InterfaceSetting) String() string {
	return fmt.Sprintf("interface=%d alt=%d (available endpoints: %v)", a.Number, a.Alternate, a.sortedEndpointIds())
}

// EndpointDesc contains the information about an interface endpoint,
// extracted from the descriptor.
type EndpointDesc struct {
	// Address is the unique identifier of the endpoint within the
	// interface.
	Address uint8
	// Number represents the endpoint number. Note that the endpoint
	// number is different from the address field in the descriptor -
	// address 0x82 means endpoint number 2, with endpoint direction IN.
	Number int
	// Direction defines whether the data is flowing IN or OUT from the
	// host perspective.
	Direction EndpointDirection
	// MaxPacketSize is the maximum USB packet size for a single
	// frame/microframe.
	MaxPacketSize int
	// TransferType defines the endpoint type - bulk, interrupt,
	// isochronous.
	TransferType TransferType
	// PollInterval is the raw bInterval value of the endpoint descriptor.
	PollInterval uint8
}

// String returns the human-readable description of the endpoint.
func (e EndpointDesc) String() string {
	return fmt.Sprintf("ep #%d %s (address 0x%02x) %s", e.Number, e.Direction, e.Address, e.TransferType)
}

// fillFromAddress derives the endpoint number and direction from the raw
// endpoint address.
func (e *EndpointDesc) fillFromAddress() {
	e.Number = int(e.Address & endpointNumMask)
	e.Direction = EndpointDirection(e.Address&endpointDirectionMask != 0)
}

// descriptorTypeString is the wDescriptorType value of string descriptors.
const descriptorTypeString = 0x03

// parseLanguages decodes string descriptor zero, the table of LANGID codes
// the device can return string descriptors in.
func parseLanguages(raw []byte) ([]uint16, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("language id table is %d bytes, shorter than the 2-byte descriptor header", len(raw))
	}
	if int(raw[0]) > len(raw) {
		return nil, fmt.Errorf("language id table has length byte %d, but the descriptor is %d bytes", raw[0], len(raw))
	}
	if raw[1] != descriptorTypeString {
		return nil, fmt.Errorf("language id table has descriptor type 0x%02x, want string descriptor (0x%02x)", raw[1], descriptorTypeString)
	}
	raw = raw[:raw[0]]
	langs := make([]uint16, 0, (len(raw)-2)/2)
	for i := 2; i+1 < len(raw); i += 2 {
		langs = append(langs, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	return langs, nil
}

// decodeStringDescriptor decodes the UTF-16LE payload of a string
// descriptor.
func decodeStringDescriptor(raw []byte) (string, error) {
	if len(raw) < 2 {
		return "", fmt.Errorf("string descriptor is %d bytes, shorter than the 2-byte descriptor header", len(raw))
	}
	if int(raw[0]) > len(raw) {
		return "", fmt.Errorf("string descriptor has length byte %d, but the descriptor is %d bytes", raw[0], len(raw))
	}
	if raw[1] != descriptorTypeString {
		return "", fmt.Errorf("string descriptor has descriptor type 0x%02x, want 0x%02x", raw[1], descriptorTypeString)
	}
	raw = raw[2:raw[0]]
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	return string(utf16.Decode(units)), nil
}
