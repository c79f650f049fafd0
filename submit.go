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
	"time"
)

// controlSetupLen is the size of the USB control setup packet that prefixes
// a control transfer's data buffer.
const controlSetupLen = 8

// controlSetup holds the fields of a control transfer setup packet, in
// host-endian order.
type controlSetup struct {
	bmRequestType uint8
	bRequest      uint8
	wValue        uint16
	wIndex        uint16
	wLength       uint16
}

// transferRequest describes one asynchronous submission for the native
// allocator: the transfer kind and its kind-specific native parameters.
type transferRequest struct {
	kind       TransferType
	endpoint   uint8
	isoPackets int
	streamID   uint32
	timeout    time.Duration
	setup      controlSetup
	dataLen    int
}

// setupLen is the length of the setup prefix in the native buffer: 8 bytes
// for control transfers, 0 otherwise.
func (r *transferRequest) setupLen() int {
	if r.kind == TransferTypeControl {
		return controlSetupLen
	}
	return 0
}

// TransferHandle refers to a submitted transfer and allows cancelling it.
type TransferHandle struct {
	id TransferID
	io *asyncIO
}

// ID returns the transfer's identifier. Completions drained by Pump carry
// the same identifier.
func (h *TransferHandle) ID() TransferID { return h.id }

// Cancel requests asynchronous cancellation. The transfer still finishes
// through the dispatcher, normally with TransferCancelled status. If the
// transfer already completed, Cancel returns ErrNotRunning.
func (h *TransferHandle) Cancel() error {
	return h.io.cancelTransfer(h.id)
}

// ControlAsync submits an asynchronous control transfer. The setup packet
// fields are given in host-endian order; buf is the data stage only (the
// library manages the setup prefix internally) and ownership of it passes to
// the transfer until completion. The callback, if any, runs on the
// event-handling thread; see Callback for its constraints.
func (d *Device) ControlAsync(rType, request uint8, val, idx uint16, buf []byte, timeout time.Duration, cb Callback) (*TransferHandle, error) {
	if err := d.usable("ControlAsync"); err != nil {
		return nil, err
	}
	return d.submitAsync(&transferRequest{
		kind:    TransferTypeControl,
		timeout: timeout,
		setup: controlSetup{
			bmRequestType: rType,
			bRequest:      request,
			wValue:        val,
			wIndex:        idx,
			wLength:       uint16(len(buf)),
		},
		dataLen: len(buf),
	}, buf, cb)
}

// BulkAsync submits an asynchronous bulk transfer on the given endpoint
// address. Ownership of buf passes to the transfer until completion.
func (d *Device) BulkAsync(endpoint uint8, buf []byte, timeout time.Duration, cb Callback) (*TransferHandle, error) {
	if err := d.usable("BulkAsync"); err != nil {
		return nil, err
	}
	return d.submitAsync(&transferRequest{
		kind:     TransferTypeBulk,
		endpoint: endpoint,
		timeout:  timeout,
		dataLen:  len(buf),
	}, buf, cb)
}

// InterruptAsync submits an asynchronous interrupt transfer on the given
// endpoint address.
func (d *Device) InterruptAsync(endpoint uint8, buf []byte, timeout time.Duration, cb Callback) (*TransferHandle, error) {
	if err := d.usable("InterruptAsync"); err != nil {
		return nil, err
	}
	return d.submitAsync(&transferRequest{
		kind:     TransferTypeInterrupt,
		endpoint: endpoint,
		timeout:  timeout,
		dataLen:  len(buf),
	}, buf, cb)
}

// IsochronousAsync submits an asynchronous isochronous transfer with the
// given number of packets. The buffer is split evenly across packets by the
// native library.
func (d *Device) IsochronousAsync(endpoint uint8, isoPackets int, buf []byte, timeout time.Duration, cb Callback) (*TransferHandle, error) {
	if err := d.usable("IsochronousAsync"); err != nil {
		return nil, err
	}
	if isoPackets <= 0 {
		return nil, fmt.Errorf("IsochronousAsync: isoPackets = %d, must be positive", isoPackets)
	}
	return d.submitAsync(&transferRequest{
		kind:       TransferTypeIsochronous,
		endpoint:   endpoint,
		isoPackets: isoPackets,
		timeout:    timeout,
		dataLen:    len(buf),
	}, buf, cb)
}

// BulkStreamAsync submits an asynchronous bulk transfer on a USB 3.0 stream.
func (d *Device) BulkStreamAsync(endpoint uint8, streamID uint32, buf []byte, timeout time.Duration, cb Callback) (*TransferHandle, error) {
	if err := d.usable("BulkStreamAsync"); err != nil {
		return nil, err
	}
	return d.submitAsync(&transferRequest{
		kind:     TransferTypeBulkStream,
		endpoint: endpoint,
		streamID: streamID,
		timeout:  timeout,
		dataLen:  len(buf),
	}, buf, cb)
}

// submitAsync allocates a transfer record and a native transfer, hands the
// buffer contents to the native side and submits. After a successful submit
// the transfer is in flight and owned by the native library until the
// dispatcher reaches a terminal outcome.
//
// When the transfer completes before submission bookkeeping records the
// native handle, submitAsync returns the handle together with a recoverable
// error; the completion is already on its way to the pump.
func (d *Device) submitAsync(req *transferRequest, buf []byte, cb Callback) (*TransferHandle, error) {
	a := d.ctx.aio

	a.mu.Lock()
	rec := a.allocateLocked(cb, buf, req.setupLen())
	a.mu.Unlock()

	xfer, shared, err := a.lib.allocTransfer(d.handle, rec, req)
	if err != nil {
		a.mu.Lock()
		a.retireLocked(rec)
		a.mu.Unlock()
		return nil, opError("alloc_transfer", err)
	}
	rec.shared = shared
	copy(shared[req.setupLen():], buf)

	if err := a.lib.submit(xfer); err != nil {
		a.mu.Lock()
		a.retireLocked(rec)
		a.mu.Unlock()
		a.lib.free(xfer)
		return nil, opError("submit", err)
	}

	handle := &TransferHandle{id: rec.id, io: a}
	if err := a.markSubmitted(rec.id, xfer); err != nil {
		return handle, err
	}
	return handle, nil
}
