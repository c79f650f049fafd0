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
//
// // libusb_strerror accepts enum libusb_error, whose cgo mapping differs
// // between platforms and compiler versions. Route it through a plain int.
// static inline const char* ausb_strerror(int code) {
//     return libusb_strerror(code);
// }
import "C"

import (
	"github.com/brickingsoft/errors"
)

// Error is a native libusb error code.
type Error C.int

// Error implements the error interface.
func (e Error) Error() string {
	return "libusb: " + C.GoString(C.ausb_strerror(C.int(e)))
}

// Error codes defined by libusb.
const (
	ErrorIO           Error = C.LIBUSB_ERROR_IO
	ErrorInvalidParam Error = C.LIBUSB_ERROR_INVALID_PARAM
	ErrorAccess       Error = C.LIBUSB_ERROR_ACCESS
	ErrorNoDevice     Error = C.LIBUSB_ERROR_NO_DEVICE
	ErrorNotFound     Error = C.LIBUSB_ERROR_NOT_FOUND
	ErrorBusy         Error = C.LIBUSB_ERROR_BUSY
	ErrorTimeout      Error = C.LIBUSB_ERROR_TIMEOUT
	ErrorOverflow     Error = C.LIBUSB_ERROR_OVERFLOW
	ErrorPipe         Error = C.LIBUSB_ERROR_PIPE
	ErrorInterrupted  Error = C.LIBUSB_ERROR_INTERRUPTED
	ErrorNoMem        Error = C.LIBUSB_ERROR_NO_MEM
	ErrorNotSupported Error = C.LIBUSB_ERROR_NOT_SUPPORTED
	ErrorOther        Error = C.LIBUSB_ERROR_OTHER
)

// fromErrNo converts a raw libusb return value to an error, nil for success.
func fromErrNo(errno C.int) error {
	if errno >= 0 {
		return nil
	}
	return Error(errno)
}

// Recoverable errors returned by the asynchronous I/O subsystem. Programmer
// misuse of the registration lifecycle (double register, deregister while
// unregistered) is not on this list: those panic, because the native library
// cannot safely continue past them.
var (
	// ErrNotRegistered is returned by Pump when the context's descriptor set
	// has not been registered with an event loop yet.
	ErrNotRegistered = errors.Define("ausb: register with the event loop before pumping")
	// ErrNotRunning is returned by cancellation attempts on a transfer that
	// is not currently in flight (already completed, or never submitted).
	ErrNotRunning = errors.Define("ausb: transfer is not running")
	// ErrUnknownTransfer indicates a transfer identifier with no matching
	// entry in the running table.
	ErrUnknownTransfer = errors.Define("ausb: unknown transfer identifier")
)

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "ausb"
	errMetaOpKey  = "op"
)

// opError wraps a native error with the operation that produced it.
func opError(op string, cause error) error {
	return errors.New(
		"ausb: "+op+" failed",
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithWrap(cause),
	)
}
