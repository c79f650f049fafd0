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

/*
#cgo pkg-config: libusb-1.0
#include <stdlib.h>
#include <libusb.h>

// ausbTransferCallback is exported from Go (see callback.go). Installing it
// needs a C-side helper: Go code cannot take the address of a C function.
extern void ausbTransferCallback(struct libusb_transfer *xfer);

static inline void ausb_install_callback(struct libusb_transfer *xfer) {
	xfer->callback = ausbTransferCallback;
}

// libusb_set_option is variadic, which cgo cannot call directly.
static inline void ausb_set_log_level(libusb_context *ctx, int lvl) {
	libusb_set_option(ctx, LIBUSB_OPTION_LOG_LEVEL, lvl);
}
*/
import "C"

import (
	"encoding/binary"
	"runtime/cgo"
	"time"
	"unsafe"
)

// Opaque native handles. The Go side never inspects these beyond the
// accessors the native library provides.
type (
	libusbContext   C.libusb_context
	libusbDevice    C.libusb_device
	libusbDevHandle C.libusb_device_handle
	libusbTransfer  C.struct_libusb_transfer
)

// Config descriptor bmAttributes bits.
const (
	selfPoweredMask  = 0x40
	remoteWakeupMask = 0x20
	transferTypeMask = 0x03
)

// libusbIntf is a set of trivial idiomatic Go wrappers around libusb C
// functions. The purpose is to make the C function appear in a function
// table that can be replaced with a fake for testing.
type libusbIntf interface {
	// context
	init() (*libusbContext, error)
	exit(*libusbContext)
	setDebug(*libusbContext, int)
	pollfdsHandleTimeouts(*libusbContext) bool

	// device enumeration
	getDevices(*libusbContext) ([]*libusbDevice, error)
	dereference(*libusbDevice)
	getDeviceDesc(*libusbDevice) (*DeviceDesc, error)
	open(*libusbDevice) (*libusbDevHandle, error)

	// device handle
	close(*libusbDevHandle)
	reset(*libusbDevHandle) error
	getConfig(*libusbDevHandle) (uint8, error)
	setConfig(*libusbDevHandle, int) error
	getStringDesc(*libusbDevHandle, int) (string, error)
	setAutoDetach(*libusbDevHandle, int) error
	detachKernelDriver(*libusbDevHandle, uint8) error
	attachKernelDriver(*libusbDevHandle, uint8) error
	kernelDriverActive(*libusbDevHandle, uint8) (bool, error)
	claim(*libusbDevHandle, uint8) error
	release(*libusbDevHandle, uint8) error
	setAlt(*libusbDevHandle, uint8, uint8) error

	// synchronous transfers
	control(d *libusbDevHandle, timeout time.Duration, rType, request uint8, val, idx uint16, data []byte) (int, error)
	bulk(d *libusbDevHandle, endpoint uint8, data []byte, timeout time.Duration) (int, error)
	interrupt(d *libusbDevHandle, endpoint uint8, data []byte, timeout time.Duration) (int, error)

	// asynchronous transfers. allocTransfer returns the native transfer and
	// a Go slice aliasing the native buffer (setup prefix included).
	allocTransfer(d *libusbDevHandle, rec *transferRecord, req *transferRequest) (*libusbTransfer, []byte, error)
	submit(*libusbTransfer) error
	cancel(*libusbTransfer) error
	setTransferLength(*libusbTransfer, int)
	free(*libusbTransfer)

	// event handling
	pollfds(*libusbContext) []pollFD
	tryLockEvents(*libusbContext) bool
	unlockEvents(*libusbContext)
	eventHandlingOk(*libusbContext) bool
	handleEventsLocked(*libusbContext) error
}

// libusbImpl is the implementation of libusbIntf using the native library.
type libusbImpl struct{}

func (libusbImpl) init() (*libusbContext, error) {
	var ctx *C.libusb_context
	if err := fromErrNo(C.libusb_init(&ctx)); err != nil {
		return nil, err
	}
	return (*libusbContext)(ctx), nil
}

func (libusbImpl) exit(c *libusbContext) {
	C.libusb_exit((*C.libusb_context)(c))
}

func (libusbImpl) setDebug(c *libusbContext, lvl int) {
	C.ausb_set_log_level((*C.libusb_context)(c), C.int(lvl))
}

func (libusbImpl) pollfdsHandleTimeouts(c *libusbContext) bool {
	return C.libusb_pollfds_handle_timeouts((*C.libusb_context)(c)) != 0
}

func (libusbImpl) getDevices(c *libusbContext) ([]*libusbDevice, error) {
	var list **C.libusb_device
	cnt := C.libusb_get_device_list((*C.libusb_context)(c), &list)
	if cnt < 0 {
		return nil, fromErrNo(C.int(cnt))
	}
	var devs []*libusbDevice
	for _, d := range unsafe.Slice(list, int(cnt)) {
		devs = append(devs, (*libusbDevice)(d))
	}
	// The list is freed, the devices keep their enumeration references
	// until dereference.
	C.libusb_free_device_list(list, 0)
	return devs, nil
}

func (libusbImpl) dereference(d *libusbDevice) {
	C.libusb_unref_device((*C.libusb_device)(d))
}

func (libusbImpl) getDeviceDesc(d *libusbDevice) (*DeviceDesc, error) {
	var desc C.struct_libusb_device_descriptor
	if err := fromErrNo(C.libusb_get_device_descriptor((*C.libusb_device)(d), &desc)); err != nil {
		return nil, err
	}
	dev := &DeviceDesc{
		Bus:                  int(C.libusb_get_bus_number((*C.libusb_device)(d))),
		Address:              int(C.libusb_get_device_address((*C.libusb_device)(d))),
		Port:                 int(C.libusb_get_port_number((*C.libusb_device)(d))),
		Speed:                Speed(C.libusb_get_device_speed((*C.libusb_device)(d))),
		Spec:                 BCD(desc.bcdUSB),
		Device:               BCD(desc.bcdDevice),
		Vendor:               ID(desc.idVendor),
		Product:              ID(desc.idProduct),
		Class:                Class(desc.bDeviceClass),
		SubClass:             Class(desc.bDeviceSubClass),
		Protocol:             Protocol(desc.bDeviceProtocol),
		MaxControlPacketSize: int(desc.bMaxPacketSize0),
		Configs:              make(map[int]ConfigDesc),
		iManufacturer:        int(desc.iManufacturer),
		iProduct:             int(desc.iProduct),
		iSerialNumber:        int(desc.iSerialNumber),
	}
	for i := 0; i < int(desc.bNumConfigurations); i++ {
		var cfg *C.struct_libusb_config_descriptor
		if err := fromErrNo(C.libusb_get_config_descriptor((*C.libusb_device)(d), C.uint8_t(i), &cfg)); err != nil {
			return nil, err
		}
		c := ConfigDesc{
			Number:       int(cfg.bConfigurationValue),
			SelfPowered:  cfg.bmAttributes&selfPoweredMask != 0,
			RemoteWakeup: cfg.bmAttributes&remoteWakeupMask != 0,
			// Config descriptors report the power consumption in units
			// of 2 mA.
			MaxPower: 2 * Milliamperes(cfg.MaxPower),
		}
		for _, iface := range unsafe.Slice(cfg._interface, int(cfg.bNumInterfaces)) {
			if iface.num_altsetting == 0 {
				continue
			}
			descs := unsafe.Slice(iface.altsetting, int(iface.num_altsetting))
			intf := InterfaceDesc{
				Number: int(descs[0].bInterfaceNumber),
			}
			for _, alt := range descs {
				i := InterfaceSetting{
					Number:    int(alt.bInterfaceNumber),
					Alternate: int(alt.bAlternateSetting),
					Class:     Class(alt.bInterfaceClass),
					SubClass:  Class(alt.bInterfaceSubClass),
					Protocol:  Protocol(alt.bInterfaceProtocol),
					Endpoints: make(map[uint8]EndpointDesc, int(alt.bNumEndpoints)),
				}
				for _, end := range unsafe.Slice(alt.endpoint, int(alt.bNumEndpoints)) {
					ep := EndpointDesc{
						Address:       uint8(end.bEndpointAddress),
						MaxPacketSize: int(end.wMaxPacketSize),
						TransferType:  TransferType(end.bmAttributes & transferTypeMask),
						PollInterval:  uint8(end.bInterval),
					}
					ep.fillFromAddress()
					i.Endpoints[ep.Address] = ep
				}
				intf.AltSettings = append(intf.AltSettings, i)
			}
			c.Interfaces = append(c.Interfaces, intf)
		}
		C.libusb_free_config_descriptor(cfg)
		dev.Configs[c.Number] = c
	}
	return dev, nil
}

func (libusbImpl) open(d *libusbDevice) (*libusbDevHandle, error) {
	var handle *C.libusb_device_handle
	if err := fromErrNo(C.libusb_open((*C.libusb_device)(d), &handle)); err != nil {
		return nil, err
	}
	return (*libusbDevHandle)(handle), nil
}

func (libusbImpl) close(d *libusbDevHandle) {
	C.libusb_close((*C.libusb_device_handle)(d))
}

func (libusbImpl) reset(d *libusbDevHandle) error {
	return fromErrNo(C.libusb_reset_device((*C.libusb_device_handle)(d)))
}

func (libusbImpl) getConfig(d *libusbDevHandle) (uint8, error) {
	var cfg C.int
	if err := fromErrNo(C.libusb_get_configuration((*C.libusb_device_handle)(d), &cfg)); err != nil {
		return 0, err
	}
	return uint8(cfg), nil
}

func (libusbImpl) setConfig(d *libusbDevHandle, cfg int) error {
	return fromErrNo(C.libusb_set_configuration((*C.libusb_device_handle)(d), C.int(cfg)))
}

func (libusbImpl) getStringDesc(d *libusbDevHandle, index int) (string, error) {
	buf := make([]byte, maxStringDescLen)
	ret := C.libusb_get_string_descriptor_ascii(
		(*C.libusb_device_handle)(d),
		C.uint8_t(index),
		(*C.uchar)(unsafe.Pointer(&buf[0])),
		C.int(len(buf)))
	if ret < 0 {
		return "", fromErrNo(C.int(ret))
	}
	return string(buf[:ret]), nil
}

func (libusbImpl) setAutoDetach(d *libusbDevHandle, val int) error {
	err := fromErrNo(C.libusb_set_auto_detach_kernel_driver((*C.libusb_device_handle)(d), C.int(val)))
	if err != nil && err != ErrorNotSupported {
		// ErrorNotSupported is returned on non-Linux platforms, where
		// the feature is quietly unavailable.
		return err
	}
	return nil
}

func (libusbImpl) detachKernelDriver(d *libusbDevHandle, iface uint8) error {
	err := fromErrNo(C.libusb_detach_kernel_driver((*C.libusb_device_handle)(d), C.int(iface)))
	if err != nil && err != ErrorNotSupported && err != ErrorNotFound {
		// ErrorNotSupported on non-Linux platforms, ErrorNotFound when
		// no driver is attached; neither blocks a subsequent claim.
		return err
	}
	return nil
}

func (libusbImpl) attachKernelDriver(d *libusbDevHandle, iface uint8) error {
	return fromErrNo(C.libusb_attach_kernel_driver((*C.libusb_device_handle)(d), C.int(iface)))
}

func (libusbImpl) kernelDriverActive(d *libusbDevHandle, iface uint8) (bool, error) {
	ret := C.libusb_kernel_driver_active((*C.libusb_device_handle)(d), C.int(iface))
	if ret < 0 {
		return false, fromErrNo(C.int(ret))
	}
	return ret == 1, nil
}

func (libusbImpl) claim(d *libusbDevHandle, iface uint8) error {
	return fromErrNo(C.libusb_claim_interface((*C.libusb_device_handle)(d), C.int(iface)))
}

func (libusbImpl) release(d *libusbDevHandle, iface uint8) error {
	return fromErrNo(C.libusb_release_interface((*C.libusb_device_handle)(d), C.int(iface)))
}

func (libusbImpl) setAlt(d *libusbDevHandle, iface, setting uint8) error {
	return fromErrNo(C.libusb_set_interface_alt_setting((*C.libusb_device_handle)(d), C.int(iface), C.int(setting)))
}

func (libusbImpl) control(d *libusbDevHandle, timeout time.Duration, rType, request uint8, val, idx uint16, data []byte) (int, error) {
	var dataPtr *C.uchar
	if len(data) > 0 {
		dataPtr = (*C.uchar)(unsafe.Pointer(&data[0]))
	}
	n := C.libusb_control_transfer(
		(*C.libusb_device_handle)(d),
		C.uint8_t(rType),
		C.uint8_t(request),
		C.uint16_t(val),
		C.uint16_t(idx),
		dataPtr,
		C.uint16_t(len(data)),
		C.uint(timeout/time.Millisecond))
	if n < 0 {
		return 0, fromErrNo(C.int(n))
	}
	return int(n), nil
}

func (libusbImpl) bulk(d *libusbDevHandle, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	var dataPtr *C.uchar
	if len(data) > 0 {
		dataPtr = (*C.uchar)(unsafe.Pointer(&data[0]))
	}
	var cnt C.int
	err := fromErrNo(C.libusb_bulk_transfer(
		(*C.libusb_device_handle)(d),
		C.uchar(endpoint),
		dataPtr,
		C.int(len(data)),
		&cnt,
		C.uint(timeout/time.Millisecond)))
	// A failed transfer may still have moved data.
	return int(cnt), err
}

func (libusbImpl) interrupt(d *libusbDevHandle, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	var dataPtr *C.uchar
	if len(data) > 0 {
		dataPtr = (*C.uchar)(unsafe.Pointer(&data[0]))
	}
	var cnt C.int
	err := fromErrNo(C.libusb_interrupt_transfer(
		(*C.libusb_device_handle)(d),
		C.uchar(endpoint),
		dataPtr,
		C.int(len(data)),
		&cnt,
		C.uint(timeout/time.Millisecond)))
	return int(cnt), err
}

func (libusbImpl) allocTransfer(d *libusbDevHandle, rec *transferRecord, req *transferRequest) (*libusbTransfer, []byte, error) {
	xfer := C.libusb_alloc_transfer(C.int(req.isoPackets))
	if xfer == nil {
		return nil, nil, ErrorNoMem
	}
	total := req.setupLen() + req.dataLen
	allocLen := total
	if allocLen == 0 {
		allocLen = 1
	}
	cbuf := C.malloc(C.size_t(allocLen))
	if cbuf == nil {
		C.libusb_free_transfer(xfer)
		return nil, nil, ErrorNoMem
	}
	shared := unsafe.Slice((*byte)(cbuf), total)

	xfer.dev_handle = (*C.libusb_device_handle)(d)
	xfer._type = C.uchar(req.kind)
	xfer.endpoint = C.uchar(req.endpoint)
	xfer.timeout = C.uint(req.timeout / time.Millisecond)
	xfer.buffer = (*C.uchar)(cbuf)
	xfer.length = C.int(total)
	xfer.num_iso_packets = C.int(req.isoPackets)
	C.ausb_install_callback(xfer)

	switch req.kind {
	case TransferTypeControl:
		s := req.setup
		shared[0] = s.bmRequestType
		shared[1] = s.bRequest
		binary.LittleEndian.PutUint16(shared[2:], s.wValue)
		binary.LittleEndian.PutUint16(shared[4:], s.wIndex)
		binary.LittleEndian.PutUint16(shared[6:], s.wLength)
	case TransferTypeIsochronous:
		C.libusb_set_iso_packet_lengths(xfer, C.uint(req.dataLen/req.isoPackets))
	case TransferTypeBulkStream:
		C.libusb_transfer_set_stream_id(xfer, C.uint32_t(req.streamID))
	}

	// user_data carries a runtime/cgo handle resolving back to the record,
	// not a real pointer.
	rec.userData = cgo.NewHandle(rec)
	xfer.user_data = unsafe.Pointer(uintptr(rec.userData))

	return (*libusbTransfer)(xfer), shared, nil
}

func (libusbImpl) submit(t *libusbTransfer) error {
	return fromErrNo(C.libusb_submit_transfer((*C.struct_libusb_transfer)(t)))
}

func (libusbImpl) cancel(t *libusbTransfer) error {
	return fromErrNo(C.libusb_cancel_transfer((*C.struct_libusb_transfer)(t)))
}

func (libusbImpl) setTransferLength(t *libusbTransfer, n int) {
	xfer := (*C.struct_libusb_transfer)(t)
	xfer.length = C.int(n)
	if TransferType(xfer._type) == TransferTypeControl && n >= controlSetupLen {
		// Keep the setup packet's wLength in step with the data stage.
		buf := unsafe.Slice((*byte)(unsafe.Pointer(xfer.buffer)), n)
		binary.LittleEndian.PutUint16(buf[6:], uint16(n-controlSetupLen))
	}
}

func (libusbImpl) free(t *libusbTransfer) {
	xfer := (*C.struct_libusb_transfer)(t)
	if xfer.user_data != nil {
		cgo.Handle(uintptr(xfer.user_data)).Delete()
		xfer.user_data = nil
	}
	if xfer.buffer != nil {
		C.free(unsafe.Pointer(xfer.buffer))
		xfer.buffer = nil
	}
	C.libusb_free_transfer(xfer)
}

func (libusbImpl) pollfds(c *libusbContext) []pollFD {
	list := C.libusb_get_pollfds((*C.libusb_context)(c))
	if list == nil {
		return nil
	}
	defer C.libusb_free_pollfds(list)
	var fds []pollFD
	// The list is NULL-terminated.
	for i := uintptr(0); ; i++ {
		p := *(**C.struct_libusb_pollfd)(unsafe.Pointer(uintptr(unsafe.Pointer(list)) + i*unsafe.Sizeof(*list)))
		if p == nil {
			break
		}
		fds = append(fds, pollFD{fd: int(p.fd), events: int16(p.events)})
	}
	return fds
}

func (libusbImpl) tryLockEvents(c *libusbContext) bool {
	return C.libusb_try_lock_events((*C.libusb_context)(c)) == 0
}

func (libusbImpl) unlockEvents(c *libusbContext) {
	C.libusb_unlock_events((*C.libusb_context)(c))
}

func (libusbImpl) eventHandlingOk(c *libusbContext) bool {
	return C.libusb_event_handling_ok((*C.libusb_context)(c)) != 0
}

func (libusbImpl) handleEventsLocked(c *libusbContext) error {
	// Zero timeout: the event loop already established readiness, this
	// must never block.
	var tv C.struct_timeval
	return fromErrNo(C.libusb_handle_events_locked((*C.libusb_context)(c), &tv))
}
