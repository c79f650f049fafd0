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
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// libusb does not export a way to allocate its opaque structs without the
// full USB stack behind them. The fake library uses the native pointer types
// only as identifiers, so it hands out arbitrary unique non-nil pointers
// whose contents are never accessed.
var fakePointerCounter uintptr = 0xfa4e0000

func fakePointer() unsafe.Pointer {
	return unsafe.Pointer(atomic.AddUintptr(&fakePointerCounter, 16))
}

func newContextPointer() *libusbContext     { return (*libusbContext)(fakePointer()) }
func newDevicePointer() *libusbDevice       { return (*libusbDevice)(fakePointer()) }
func newDevHandlePointer() *libusbDevHandle { return (*libusbDevHandle)(fakePointer()) }
func newTransferPointer() *libusbTransfer   { return (*libusbTransfer)(fakePointer()) }

// fakeDevice is the scripted state behind one fake USB device.
type fakeDevice struct {
	devDesc *DeviceDesc
	strDesc map[int]string
	alt     uint8
}

var fakeDevices = []fakeDevice{
	// Bus 001 Device 001: ID 9999:0001
	// One config, one interface, one alternate setting, a bulk IN/OUT
	// endpoint pair.
	{
		devDesc: &DeviceDesc{
			Bus:                  1,
			Address:              1,
			Port:                 1,
			Spec:                 BCD(0x0200),
			Device:               BCD(0x0100),
			Vendor:               ID(0x9999),
			Product:              ID(0x0001),
			Protocol:             255,
			MaxControlPacketSize: 64,
			Configs: map[int]ConfigDesc{1: {
				Number:   1,
				MaxPower: Milliamperes(100),
				Interfaces: []InterfaceDesc{{
					Number: 0,
					AltSettings: []InterfaceSetting{{
						Number:    0,
						Alternate: 0,
						Class:     ClassVendorSpec,
						Endpoints: map[uint8]EndpointDesc{
							0x01: {
								Address:       0x01,
								Number:        1,
								Direction:     EndpointDirectionOut,
								MaxPacketSize: 512,
								TransferType:  TransferTypeBulk,
							},
							0x82: {
								Address:       0x82,
								Number:        2,
								Direction:     EndpointDirectionIn,
								MaxPacketSize: 512,
								TransferType:  TransferTypeBulk,
							},
						},
					}},
				}},
			}},
			iManufacturer: 1,
			iProduct:      2,
			iSerialNumber: 3,
		},
		strDesc: map[int]string{
			1: "ausb",
			2: "fake bulk device",
			3: "S/N 00001",
		},
	},
	// Bus 001 Device 002: ID 8888:0002
	// One config, two interfaces; the second has two alternate settings
	// with an interrupt and an isochronous endpoint.
	{
		devDesc: &DeviceDesc{
			Bus:                  1,
			Address:              2,
			Port:                 2,
			Spec:                 BCD(0x0200),
			Device:               BCD(0x0103),
			Vendor:               ID(0x8888),
			Product:              ID(0x0002),
			Protocol:             255,
			MaxControlPacketSize: 64,
			Configs: map[int]ConfigDesc{1: {
				Number:   1,
				MaxPower: Milliamperes(100),
				Interfaces: []InterfaceDesc{{
					Number: 0,
					AltSettings: []InterfaceSetting{{
						Number:    0,
						Alternate: 0,
						Class:     ClassVendorSpec,
						Endpoints: map[uint8]EndpointDesc{
							0x86: {
								Address:       0x86,
								Number:        6,
								Direction:     EndpointDirectionIn,
								MaxPacketSize: 64,
								TransferType:  TransferTypeInterrupt,
								PollInterval:  10,
							},
						},
					}},
				}, {
					Number: 1,
					AltSettings: []InterfaceSetting{{
						Number:    1,
						Alternate: 0,
						Class:     ClassVendorSpec,
					}, {
						Number:    1,
						Alternate: 1,
						Class:     ClassVendorSpec,
						Endpoints: map[uint8]EndpointDesc{
							0x85: {
								Address:       0x85,
								Number:        5,
								Direction:     EndpointDirectionIn,
								MaxPacketSize: 3 * 1024,
								TransferType:  TransferTypeIsochronous,
								PollInterval:  1,
							},
						},
					}},
				}},
			}},
			iManufacturer: 1,
			iProduct:      2,
		},
		strDesc: map[int]string{
			1: "ausb",
			2: "fake iso device",
		},
	},
}

// fakeTransfer is the fake native stack's view of one allocated transfer.
type fakeTransfer struct {
	xfer *libusbTransfer
	rec  *transferRecord

	// req is a copy of the submission request, for test assertions.
	req transferRequest

	// buf is the "native" buffer (setup prefix included for control
	// transfers); length is its currently configured transfer length.
	buf    []byte
	length int

	inFlight bool
}

// complete scripts a terminal state for an in-flight transfer: data is what
// the fake device produced (IN direction). The completion is dispatched by
// the next handleEventsLocked call, like the real stack.
func (t *fakeTransfer) complete(f *fakeLibusb, status TransferStatus, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !t.inFlight {
		panic("fakeTransfer.complete called on a transfer that is not in flight")
	}
	t.inFlight = false
	copy(t.buf[t.req.setupLen():], data)
	f.finished = append(f.finished, scriptedCompletion{t: t, status: status, actual: len(data)})
}

type scriptedCompletion struct {
	t      *fakeTransfer
	status TransferStatus
	actual int
}

// fakeLibusb implements a fake libusb stack that pretends to have the
// fakeDevices connected to it. Enumeration, configuration and descriptor
// queries follow the fakeDevices data. Transfers have no behavior of their
// own; tests drive them explicitly through waitForSubmitted and
// fakeTransfer.complete, and scripted completions are dispatched by the
// next handleEventsLocked call, mirroring the threading of the real stack.
type fakeLibusb struct {
	mu sync.Mutex
	// devices has a map of devices and their descriptors.
	devices map[*libusbDevice]*fakeDevice
	// handles is a map of device handles pointing at opened devices.
	handles map[*libusbDevHandle]*libusbDevice
	// claims is a map of devices to a set of claimed interfaces.
	claims map[*libusbDevice]map[uint8]bool
	// ts has all allocated transfers, indexed by the fake native pointer.
	ts map[*libusbTransfer]*fakeTransfer
	// submitted receives fakeTransfers when submit is called.
	submitted chan *fakeTransfer
	// finished holds scripted completions awaiting the next
	// handleEventsLocked call.
	finished []scriptedCompletion

	// pfds is the pollable descriptor set reported by pollfds. Tests
	// mutate it with setPollFDs to exercise reconciliation.
	pfds []pollFD

	// Scripting hooks.
	controlHook func(rType, request uint8, val, idx uint16, data []byte) (int, error)
	handleErr   error
	submitErr   error

	// Event lock state. handlingOK false makes eventHandlingOk report
	// false, flipping back to true when the lock is released, so the
	// re-acquisition path terminates.
	evLocked   bool
	handlingOK bool

	// Call counters for negative assertions.
	handleEventsCalls int
	cancelCalls       int
	submitCalls       int
	tryLockCalls      int
	unlockCalls       int
}

func newFakeLibusb() *fakeLibusb {
	fl := &fakeLibusb{
		devices:    make(map[*libusbDevice]*fakeDevice),
		handles:    make(map[*libusbDevHandle]*libusbDevice),
		claims:     make(map[*libusbDevice]map[uint8]bool),
		ts:         make(map[*libusbTransfer]*fakeTransfer),
		submitted:  make(chan *fakeTransfer, 10),
		pfds:       []pollFD{{fd: 3, events: unix.POLLIN}},
		handlingOK: true,
	}
	for _, d := range fakeDevices {
		fd := new(fakeDevice)
		*fd = d
		fl.devices[newDevicePointer()] = fd
	}
	return fl
}

func (f *fakeLibusb) init() (*libusbContext, error) { return newContextPointer(), nil }
func (f *fakeLibusb) exit(*libusbContext)           {}
func (f *fakeLibusb) setDebug(*libusbContext, int)  {}

func (f *fakeLibusb) pollfdsHandleTimeouts(*libusbContext) bool { return true }

func (f *fakeLibusb) getDevices(*libusbContext) ([]*libusbDevice, error) {
	ret := make([]*libusbDevice, 0, len(f.devices))
	for d := range f.devices {
		ret = append(ret, d)
	}
	return ret, nil
}

func (f *fakeLibusb) dereference(*libusbDevice) {}

func (f *fakeLibusb) getDeviceDesc(d *libusbDevice) (*DeviceDesc, error) {
	if dev, ok := f.devices[d]; ok {
		return dev.devDesc, nil
	}
	return nil, fmt.Errorf("invalid USB device %p", d)
}

func (f *fakeLibusb) open(d *libusbDevice) (*libusbDevHandle, error) {
	h := newDevHandlePointer()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[h] = d
	return h, nil
}

func (f *fakeLibusb) close(h *libusbDevHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, h)
}

func (f *fakeLibusb) reset(*libusbDevHandle) error { return nil }

func (f *fakeLibusb) getConfig(*libusbDevHandle) (uint8, error) { return 1, nil }

func (f *fakeLibusb) setConfig(d *libusbDevHandle, cfg int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claims[f.handles[d]]) != 0 {
		return fmt.Errorf("can't set device config while interfaces are claimed: %v", f.claims[f.handles[d]])
	}
	if cfg != 1 && cfg != -1 {
		return fmt.Errorf("device doesn't have config number %d", cfg)
	}
	return nil
}

func (f *fakeLibusb) getStringDesc(d *libusbDevHandle, index int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[f.handles[d]]
	if !ok {
		return "", fmt.Errorf("invalid USB device %p", d)
	}
	str, ok := dev.strDesc[index]
	if !ok {
		return "", fmt.Errorf("invalid string descriptor index %d", index)
	}
	return str, nil
}

func (f *fakeLibusb) setAutoDetach(*libusbDevHandle, int) error        { return nil }
func (f *fakeLibusb) detachKernelDriver(*libusbDevHandle, uint8) error { return nil }
func (f *fakeLibusb) attachKernelDriver(*libusbDevHandle, uint8) error { return nil }
func (f *fakeLibusb) kernelDriverActive(*libusbDevHandle, uint8) (bool, error) {
	return false, nil
}

func (f *fakeLibusb) claim(d *libusbDevHandle, intf uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.claims[f.handles[d]]
	if c == nil {
		c = make(map[uint8]bool)
		f.claims[f.handles[d]] = c
	}
	c[intf] = true
	return nil
}

func (f *fakeLibusb) release(d *libusbDevHandle, intf uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.claims[f.handles[d]]
	if c == nil {
		return nil
	}
	delete(c, intf)
	return nil
}

func (f *fakeLibusb) setAlt(d *libusbDevHandle, intf, alt uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.claims[f.handles[d]][intf] {
		return fmt.Errorf("interface %d must be claimed before alt setup can be set", intf)
	}
	f.devices[f.handles[d]].alt = alt
	return nil
}

func (f *fakeLibusb) control(_ *libusbDevHandle, _ time.Duration, rType, request uint8, val, idx uint16, data []byte) (int, error) {
	f.mu.Lock()
	hook := f.controlHook
	f.mu.Unlock()
	if hook != nil {
		return hook(rType, request, val, idx, data)
	}
	return 0, ErrorNotSupported
}

func (f *fakeLibusb) bulk(_ *libusbDevHandle, _ uint8, data []byte, _ time.Duration) (int, error) {
	return len(data), nil
}

func (f *fakeLibusb) interrupt(_ *libusbDevHandle, _ uint8, data []byte, _ time.Duration) (int, error) {
	return len(data), nil
}

func (f *fakeLibusb) allocTransfer(_ *libusbDevHandle, rec *transferRecord, req *transferRequest) (*libusbTransfer, []byte, error) {
	total := req.setupLen() + req.dataLen
	t := newTransferPointer()
	ft := &fakeTransfer{
		xfer:   t,
		rec:    rec,
		req:    *req,
		buf:    make([]byte, total),
		length: total,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ts[t] = ft
	return t, ft.buf, nil
}

func (f *fakeLibusb) submit(t *libusbTransfer) error {
	f.mu.Lock()
	ft := f.ts[t]
	f.submitCalls++
	err := f.submitErr
	f.submitErr = nil
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if ft == nil {
		return ErrorNotFound
	}
	if ft.length > len(ft.buf) {
		return ErrorInvalidParam
	}
	ft.inFlight = true
	f.submitted <- ft
	return nil
}

func (f *fakeLibusb) cancel(t *libusbTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.ts[t]
	f.cancelCalls++
	if ft == nil || !ft.inFlight {
		return ErrorNotFound
	}
	ft.inFlight = false
	f.finished = append(f.finished, scriptedCompletion{t: ft, status: TransferCancelled})
	return nil
}

func (f *fakeLibusb) setTransferLength(t *libusbTransfer, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ts[t].length = n
}

func (f *fakeLibusb) free(t *libusbTransfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ts, t)
}

func (f *fakeLibusb) pollfds(*libusbContext) []pollFD {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pollFD(nil), f.pfds...)
}

func (f *fakeLibusb) tryLockEvents(*libusbContext) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tryLockCalls++
	if f.evLocked {
		return false
	}
	f.evLocked = true
	return true
}

func (f *fakeLibusb) unlockEvents(*libusbContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlockCalls++
	f.evLocked = false
	// Whatever made event handling not ok has passed by the time the
	// lock is reacquired.
	f.handlingOK = true
}

func (f *fakeLibusb) eventHandlingOk(*libusbContext) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlingOK
}

func (f *fakeLibusb) handleEventsLocked(*libusbContext) error {
	f.mu.Lock()
	f.handleEventsCalls++
	if f.handleErr != nil {
		err := f.handleErr
		f.handleErr = nil
		f.mu.Unlock()
		return err
	}
	batch := f.finished
	f.finished = nil
	f.mu.Unlock()
	for _, sc := range batch {
		sc.t.rec.io.completeTransfer(sc.t.rec, sc.t.xfer, sc.status, sc.actual)
	}
	return nil
}

// setControlHook scripts the behavior of synchronous control transfers.
func (f *fakeLibusb) setControlHook(hook func(rType, request uint8, val, idx uint16, data []byte) (int, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlHook = hook
}

// setPollFDs replaces the pollable descriptor set reported to the bridge.
func (f *fakeLibusb) setPollFDs(pfds []pollFD) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pfds = append([]pollFD(nil), pfds...)
}

// failNextSubmit makes the next submit call fail.
func (f *fakeLibusb) failNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// failNextHandleEvents makes the next handleEventsLocked call fail.
func (f *fakeLibusb) failNextHandleEvents(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handleErr = err
}

// markHandlingNotOK makes eventHandlingOk report false until the event lock
// is released once.
func (f *fakeLibusb) markHandlingNotOK() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlingOK = false
}

// waitForSubmitted is used by tests to define custom behavior of the
// transfers submitted on the USB bus.
func (f *fakeLibusb) waitForSubmitted(done <-chan struct{}) *fakeTransfer {
	select {
	case t, ok := <-f.submitted:
		if !ok {
			return nil
		}
		return t
	case <-done:
		return nil
	}
}

// leakedTransfers reports the number of allocated transfers that were never
// freed.
func (f *fakeLibusb) leakedTransfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ts)
}

// counters returns a snapshot of the native call counters.
func (f *fakeLibusb) counters() (handleEvents, cancels, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handleEventsCalls, f.cancelCalls, f.submitCalls
}
