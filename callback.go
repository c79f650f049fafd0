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
	"runtime/cgo"
	"unsafe"
)

// ausbTransferCallback is the completion trampoline libusb invokes for every
// transfer that reaches a terminal state. It runs on the thread that called
// libusb_handle_events_locked, i.e. inside the pump.
//
//export ausbTransferCallback
func ausbTransferCallback(xfer *C.struct_libusb_transfer) {
	if xfer == nil || xfer.user_data == nil {
		dispatchFatal("native callback delivered a transfer with no user data")
	}
	rec, ok := cgo.Handle(uintptr(xfer.user_data)).Value().(*transferRecord)
	if !ok {
		dispatchFatal("native transfer user data does not resolve to a transfer record")
	}

	actual := int(xfer.actual_length)
	if TransferType(xfer._type) == TransferTypeIsochronous {
		actual = isoActualLength(xfer)
	}
	status := decodeTransferStatus(uint8(xfer.status))
	rec.io.completeTransfer(rec, (*libusbTransfer)(unsafe.Pointer(xfer)), status, actual)
}

// isoActualLength sums the per-packet actual lengths; for isochronous
// transfers the top-level actual_length field is meaningless.
func isoActualLength(xfer *C.struct_libusb_transfer) int {
	n := int(xfer.num_iso_packets)
	if n == 0 {
		return 0
	}
	pkts := unsafe.Slice((*C.struct_libusb_iso_packet_descriptor)(unsafe.Pointer(&xfer.iso_packet_desc)), n)
	var total int
	for _, p := range pkts {
		if TransferStatus(p.status) == TransferCompleted {
			total += int(p.actual_length)
		}
	}
	return total
}
