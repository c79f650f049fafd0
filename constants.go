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

// #include <libusb.h>
import "C"

import (
	"fmt"
	"strconv"
)

// Class represents a USB-IF (Implementers Forum) class or subclass code.
type Class uint8

// Standard classes defined by USB spec.
const (
	ClassPerInterface Class = C.LIBUSB_CLASS_PER_INTERFACE
	ClassAudio        Class = C.LIBUSB_CLASS_AUDIO
	ClassComm         Class = C.LIBUSB_CLASS_COMM
	ClassHID          Class = C.LIBUSB_CLASS_HID
	ClassPrinter      Class = C.LIBUSB_CLASS_PRINTER
	ClassPTP          Class = C.LIBUSB_CLASS_PTP
	ClassMassStorage  Class = C.LIBUSB_CLASS_MASS_STORAGE
	ClassHub          Class = C.LIBUSB_CLASS_HUB
	ClassData         Class = C.LIBUSB_CLASS_DATA
	ClassWireless     Class = C.LIBUSB_CLASS_WIRELESS
	ClassApplication  Class = C.LIBUSB_CLASS_APPLICATION
	ClassVendorSpec   Class = C.LIBUSB_CLASS_VENDOR_SPEC
)

var classDescription = map[Class]string{
	ClassPerInterface: "per-interface",
	ClassAudio:        "audio",
	ClassComm:         "communications",
	ClassHID:          "human interface device",
	ClassPrinter:      "printer",
	ClassPTP:          "picture transfer protocol",
	ClassMassStorage:  "mass storage",
	ClassHub:          "hub",
	ClassData:         "data",
	ClassWireless:     "wireless",
	ClassApplication:  "application",
	ClassVendorSpec:   "vendor-specific",
}

func (c Class) String() string {
	if d, ok := classDescription[c]; ok {
		return d
	}
	return strconv.Itoa(int(c))
}

// Protocol is the interface class protocol, qualified by the values
// of interface class and subclass.
type Protocol uint8

func (p Protocol) String() string {
	return strconv.Itoa(int(p))
}

// ID represents a vendor or product ID.
type ID uint16

// String returns a hexadecimal ID.
func (id ID) String() string {
	return fmt.Sprintf("%04x", int(id))
}

// BCD is a binary-coded decimal version number.
type BCD uint16

// Version returns a BCD version number for the given major/minor.
func Version(major, minor uint8) BCD {
	return BCD(major)<<8 | BCD(minor)
}

// Major is the major number of the BCD.
func (s BCD) Major() uint8 {
	return uint8(s >> 8)
}

// Minor is the minor number of the BCD.
func (s BCD) Minor() uint8 {
	return uint8(s & 0xff)
}

// String returns a dotted representation of the BCD (major.minor).
func (s BCD) String() string {
	return fmt.Sprintf("%d.%02x", s.Major(), s.Minor())
}

// Speed identifies the speed of the device.
type Speed int

// Device speeds as defined in the USB spec.
const (
	SpeedUnknown Speed = C.LIBUSB_SPEED_UNKNOWN
	SpeedLow     Speed = C.LIBUSB_SPEED_LOW
	SpeedFull    Speed = C.LIBUSB_SPEED_FULL
	SpeedHigh    Speed = C.LIBUSB_SPEED_HIGH
	SpeedSuper   Speed = C.LIBUSB_SPEED_SUPER
)

var deviceSpeedDescription = map[Speed]string{
	SpeedUnknown: "unknown",
	SpeedLow:     "low",
	SpeedFull:    "full",
	SpeedHigh:    "high",
	SpeedSuper:   "super",
}

func (s Speed) String() string {
	if d, ok := deviceSpeedDescription[s]; ok {
		return d
	}
	return strconv.Itoa(int(s))
}

// EndpointDirection defines the direction of data flow - IN (device to host)
// or OUT (host to device).
type EndpointDirection bool

const (
	endpointNumMask       = 0x0f
	endpointDirectionMask = 0x80
	// EndpointDirectionIn marks data flowing from device to host.
	EndpointDirectionIn EndpointDirection = true
	// EndpointDirectionOut marks data flowing from host to device.
	EndpointDirectionOut EndpointDirection = false
)

var endpointDirectionDescription = map[EndpointDirection]string{
	EndpointDirectionIn:  "IN",
	EndpointDirectionOut: "OUT",
}

func (ed EndpointDirection) String() string {
	return endpointDirectionDescription[ed]
}

// TransferType defines the endpoint transfer type.
type TransferType uint8

// Transfer types defined by the USB spec.
const (
	TransferTypeControl     TransferType = C.LIBUSB_TRANSFER_TYPE_CONTROL
	TransferTypeIsochronous TransferType = C.LIBUSB_TRANSFER_TYPE_ISOCHRONOUS
	TransferTypeBulk        TransferType = C.LIBUSB_TRANSFER_TYPE_BULK
	TransferTypeInterrupt   TransferType = C.LIBUSB_TRANSFER_TYPE_INTERRUPT
	TransferTypeBulkStream  TransferType = C.LIBUSB_TRANSFER_TYPE_BULK_STREAM
)

var transferTypeDescription = map[TransferType]string{
	TransferTypeControl:     "control",
	TransferTypeIsochronous: "isochronous",
	TransferTypeBulk:        "bulk",
	TransferTypeInterrupt:   "interrupt",
	TransferTypeBulkStream:  "bulk stream",
}

// String returns a human-readable name of the endpoint transfer type.
func (tt TransferType) String() string {
	return transferTypeDescription[tt]
}

// TransferStatus is the completion status of an asynchronous transfer, as
// reported by the native library.
type TransferStatus uint8

// Transfer statuses reported by libusb.
const (
	// TransferCompleted - the transfer finished without error.
	TransferCompleted TransferStatus = C.LIBUSB_TRANSFER_COMPLETED
	// TransferError - the transfer failed with an I/O error.
	TransferError TransferStatus = C.LIBUSB_TRANSFER_ERROR
	// TransferTimedOut - the transfer timed out before completing.
	TransferTimedOut TransferStatus = C.LIBUSB_TRANSFER_TIMED_OUT
	// TransferCancelled - the transfer was cancelled.
	TransferCancelled TransferStatus = C.LIBUSB_TRANSFER_CANCELLED
	// TransferStall - the endpoint stalled or the control request was not
	// supported by the device.
	TransferStall TransferStatus = C.LIBUSB_TRANSFER_STALL
	// TransferNoDevice - the device was disconnected.
	TransferNoDevice TransferStatus = C.LIBUSB_TRANSFER_NO_DEVICE
	// TransferOverflow - the device sent more data than was requested.
	TransferOverflow TransferStatus = C.LIBUSB_TRANSFER_OVERFLOW
	// TransferUnknown - the native library reported a status this wrapper
	// does not recognize.
	TransferUnknown TransferStatus = 0xff
)

var transferStatusDescription = map[TransferStatus]string{
	TransferCompleted: "transfer completed without error",
	TransferError:     "transfer failed",
	TransferTimedOut:  "transfer timed out",
	TransferCancelled: "transfer was cancelled",
	TransferStall:     "halt condition detected (endpoint stalled) or control request not supported",
	TransferNoDevice:  "no device was present",
	TransferOverflow:  "device sent more data than requested",
	TransferUnknown:   "unknown transfer status",
}

func (ts TransferStatus) String() string {
	if d, ok := transferStatusDescription[ts]; ok {
		return d
	}
	return strconv.Itoa(int(ts))
}

// Error implements the error interface, so that a non-success
// TransferStatus can be carried as the cause of a failed transfer.
func (ts TransferStatus) Error() string {
	return "transfer status: " + ts.String()
}

func decodeTransferStatus(nr uint8) TransferStatus {
	switch TransferStatus(nr) {
	case TransferCompleted, TransferError, TransferTimedOut, TransferCancelled,
		TransferStall, TransferNoDevice, TransferOverflow:
		return TransferStatus(nr)
	default:
		return TransferUnknown
	}
}
