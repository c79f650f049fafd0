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
	"runtime/cgo"
	"sync"

	"github.com/brickingsoft/errors"
)

// TransferID identifies an in-flight asynchronous transfer. Identifiers are
// unique among currently-running transfers; once a transfer retires its
// identifier may be reused by a later submission.
type TransferID uint32

// CompletionData carries the terminal result of a transfer to its callback
// and, for unhandled completions, to the pump output.
type CompletionData struct {
	// Buf is the transfer buffer, ownership returned to the receiver. For IN
	// transfers the first ActualLength bytes hold the data received from the
	// device; bytes beyond that are unspecified.
	Buf []byte
	// ActualLength is the number of bytes the native library reports as
	// actually transferred.
	ActualLength int
	// Status is the decoded native completion status.
	Status TransferStatus
}

// Callback is invoked by the completion dispatcher when a transfer finishes.
// It runs on the event-handling thread with the transfer table locked:
// submitting or cancelling transfers from inside a callback deadlocks.
// Resubmission is expressed through the returned Directive instead.
type Callback func(CompletionData) Directive

// Directive tells the completion dispatcher what to do with a finished
// transfer.
type Directive struct {
	action int
	buf    []byte
}

const (
	actionUnhandled = iota
	actionHandled
	actionResubmit
)

// Handled marks the completion as fully consumed by the callback, buffer
// included. The transfer retires and the pump reports it without data.
func Handled() Directive { return Directive{action: actionHandled} }

// Unhandled declines to process the completion. It surfaces through the pump
// with its data intact. A transfer without a callback always completes
// unhandled.
func Unhandled() Directive { return Directive{action: actionUnhandled} }

// Resubmit re-issues the transfer under the same identifier with buf as the
// new transfer buffer, resetting the transfer's timeout. buf must not exceed
// the capacity of the originally submitted buffer.
func Resubmit(buf []byte) Directive { return Directive{action: actionResubmit, buf: buf} }

// Completion is one drained entry of the completion list.
type Completion struct {
	// ID of the finished transfer.
	ID TransferID
	// Handled is true when the callback consumed the completion; Data.Buf is
	// nil in that case.
	Handled bool
	// Data is the completion payload.
	Data CompletionData
	// Err is set when the transfer retired because a resubmission was
	// rejected by the native library.
	Err error
}

// transferRecord is the per-transfer state owned by the running table from
// allocation until the dispatcher reaches a terminal outcome.
type transferRecord struct {
	id TransferID

	// io is a non-owning pointer back to the context's async state. It is
	// valid for the whole life of the record only because a Context must
	// outlive every transfer issued through it: the native library
	// guarantees no completion callback fires after the native context is
	// closed, and Context.Close refuses to run with transfers in flight.
	io *asyncIO

	// buf is the caller's buffer. It is non-nil except for the window inside
	// the dispatcher between taking it for the callback and replacing it on
	// resubmission.
	buf      []byte
	callback Callback

	// xfer is the native transfer handle. Owned by the record from
	// allocation until the native library frees it in the dispatcher. It is
	// recorded after submission and may briefly be nil while the submission
	// races the first completion.
	xfer *libusbTransfer

	// shared aliases the buffer owned by the native transfer. The data area
	// starts at dataOff (control transfers carry an 8-byte setup prefix).
	shared  []byte
	dataOff int

	// userData is the handle stored in the native transfer's user_data,
	// resolving back to this record from the C callback. Zero under the fake
	// native stack.
	userData cgo.Handle
}

// asyncIO is the per-Context asynchronous I/O state.
//
// Lock order: regMu may be taken before mu (the pump swaps the completion
// list while holding the registration lock), never the reverse.
type asyncIO struct {
	lib libusbIntf
	ctx *libusbContext

	// mu guards the running table, the identifier cursor and the completion
	// list. The completion dispatcher holds it for the whole dispatch.
	mu       sync.Mutex
	running  map[TransferID]*transferRecord
	nextID   TransferID
	complete []Completion

	// regMu guards the event-loop registration state.
	regMu sync.Mutex
	reg   *descriptorRegistration
}

func newAsyncIO(lib libusbIntf, ctx *libusbContext) *asyncIO {
	return &asyncIO{
		lib:     lib,
		ctx:     ctx,
		running: make(map[TransferID]*transferRecord),
		nextID:  1,
	}
}

// allocateLocked inserts a fresh record into the running table and returns
// it. The identifier is found by probing linearly from a rotating cursor, so
// recently retired identifiers are not immediately reused. Requires a.mu.
func (a *asyncIO) allocateLocked(callback Callback, buf []byte, dataOff int) *transferRecord {
	id := a.nextID
	for {
		if _, busy := a.running[id]; !busy {
			break
		}
		id++
	}
	a.nextID = id + 1

	rec := &transferRecord{
		id:       id,
		io:       a,
		buf:      buf,
		callback: callback,
		dataOff:  dataOff,
	}
	a.running[id] = rec
	logger.Debug("transfer allocated", "id", uint32(id), "len", len(buf))
	return rec
}

// markSubmitted records the native handle on the running entry. It fails
// when the identifier is no longer in the table, which happens only when the
// transfer completed before submission bookkeeping caught up.
func (a *asyncIO) markSubmitted(id TransferID, xfer *libusbTransfer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.running[id]
	if !ok {
		return errors.New(
			"ausb: transfer retired before submission was recorded",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, "mark_submitted"),
			errors.WithWrap(ErrUnknownTransfer),
		)
	}
	rec.xfer = xfer
	return nil
}

// cancelTransfer requests cancellation of a running transfer. Cancellation
// is asynchronous and best-effort: the transfer still completes through the
// dispatcher, with a cancelled status. Cancelling a transfer that already
// finished returns ErrNotRunning without touching the native library.
func (a *asyncIO) cancelTransfer(id TransferID) error {
	a.mu.Lock()
	rec, ok := a.running[id]
	var xfer *libusbTransfer
	if ok {
		xfer = rec.xfer
	}
	a.mu.Unlock()

	if !ok || xfer == nil {
		return ErrNotRunning
	}
	if err := a.lib.cancel(xfer); err != nil {
		return opError("cancel", err)
	}
	return nil
}

// retire removes a record from the running table. Requires a.mu.
func (a *asyncIO) retireLocked(rec *transferRecord) {
	delete(a.running, rec.id)
}
