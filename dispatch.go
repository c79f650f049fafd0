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
	"os"
	"runtime/debug"
)

// dispatchFatal reports an internal-consistency failure inside the
// completion dispatcher and terminates the process. The dispatcher is
// entered from a native callback with no unwinding support across the C
// boundary; recovering and continuing would execute undefined behavior on
// the native side, so the only safe exit is no exit.
func dispatchFatal(msg string, args ...any) {
	logger.Error("fatal error in transfer completion dispatch", append([]any{"reason", msg}, args...)...)
	fmt.Fprintf(os.Stderr, "ausb: fatal: %s\n%s", msg, debug.Stack())
	os.Exit(2)
}

// dispatchBoundary converts a panic escaping the dispatcher (typically from
// a user callback) into process termination.
func dispatchBoundary() {
	if r := recover(); r != nil {
		dispatchFatal("panic in completion callback", "panic", fmt.Sprint(r))
	}
}

// completeTransfer is the completion dispatcher. The native library invokes
// it (through the exported C trampoline, or directly from the fake stack in
// tests) on whichever thread runs event handling, once per terminal
// transfer state.
//
// The record was recovered from the transfer's opaque user data by the
// caller; xfer is the native transfer reported by the callback. The whole
// dispatch runs under the table lock, so completions observed by the pump
// are whole.
func (a *asyncIO) completeTransfer(rec *transferRecord, xfer *libusbTransfer, status TransferStatus, actual int) {
	defer dispatchBoundary()

	if rec == nil || xfer == nil {
		// The native library violated its own callback contract; nothing
		// about the transfer can be trusted anymore.
		dispatchFatal("native callback delivered a nil transfer or record")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Take ownership of the caller's buffer for the duration of the
	// callback. Its absence here means the record was dispatched twice or
	// never initialized; both are protocol violations.
	buf := rec.buf
	if buf == nil {
		dispatchFatal("transfer record has no buffer at completion", "id", uint32(rec.id))
	}
	rec.buf = nil

	// Copy what the device produced back into the caller's buffer. For OUT
	// transfers this is a no-op copy of the bytes the caller supplied.
	n := actual
	if n > len(buf) {
		n = len(buf)
	}
	if rec.shared != nil {
		copy(buf[:n], rec.shared[rec.dataOff:])
	}

	data := CompletionData{
		Buf:          buf,
		ActualLength: actual,
		Status:       status,
	}
	logger.Debug("transfer complete", "id", uint32(rec.id), "status", status.String(), "actual", actual)

	comp := Completion{ID: rec.id}
	if rec.callback != nil {
		switch d := rec.callback(data); d.action {
		case actionHandled:
			comp.Handled = true
			comp.Data = CompletionData{ActualLength: actual, Status: status}

		case actionResubmit:
			if err := a.resubmitLocked(rec, xfer, d.buf); err == nil {
				// Still running under the same identifier; the record keeps
				// the new buffer and the dispatch ends without retiring.
				return
			} else {
				comp.Err = err
				comp.Data = CompletionData{Buf: d.buf, ActualLength: actual, Status: status}
			}

		default:
			comp.Data = data
		}
	} else {
		comp.Data = data
	}

	a.retireLocked(rec)
	a.complete = append(a.complete, comp)
	a.lib.free(xfer)
	rec.xfer = nil
	rec.shared = nil
}

// resubmitLocked installs buf as the transfer's new buffer and re-submits
// the native transfer. On success the record remains in the running table
// under its existing identifier. Requires a.mu.
func (a *asyncIO) resubmitLocked(rec *transferRecord, xfer *libusbTransfer, buf []byte) error {
	if rec.shared != nil && len(buf)+rec.dataOff > cap(rec.shared) {
		return opError("resubmit", ErrorInvalidParam)
	}
	if rec.shared != nil {
		copy(rec.shared[rec.dataOff:], buf)
		a.lib.setTransferLength(xfer, rec.dataOff+len(buf))
	}
	if err := a.lib.submit(xfer); err != nil {
		logger.Debug("resubmission rejected", "id", uint32(rec.id), "error", err)
		return opError("resubmit", err)
	}
	rec.buf = buf
	rec.xfer = xfer
	logger.Debug("transfer resubmitted", "id", uint32(rec.id), "len", len(buf))
	return nil
}
