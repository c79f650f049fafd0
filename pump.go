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

import "github.com/ausbio/ausb/eventloop"

// Pump drains pending asynchronous I/O for the context. The hosting event
// loop calls it whenever any of the registered descriptors signals
// readiness.
//
// Pump asks the native library to process pending events without blocking
// (the event loop already established readiness), then swaps the internal
// completion list with *out: after the call, *out holds every transfer that
// completed unhandled since the previous pump, in native reporting order,
// and the internal list continues with the caller's (truncated) slice. Each
// completion is delivered at most once.
//
// Completion callbacks run synchronously on the calling thread, inside the
// native event-handling call.
//
// Pump must only be called after Register; calling it earlier returns
// ErrNotRegistered. Only one thread per Context may pump: the zero-timeout
// event-handling call assumes the calling thread holds the native event
// lock, which Register acquired. Concurrent pumps of one Context are not
// supported.
//
// If the native event-handling call fails, its error is returned, but the
// descriptor registration is still reconciled: a failing pass may well be
// the one that changed the descriptor set.
func (c *Context) Pump(loop eventloop.Registrar, out *[]Completion) error {
	a := c.aio
	a.regMu.Lock()
	defer a.regMu.Unlock()
	if a.reg == nil {
		return ErrNotRegistered
	}

	var pumpErr error
	if err := a.lib.handleEventsLocked(a.ctx); err != nil {
		pumpErr = opError("handle_events", err)
	} else {
		// Hand the completed transfers over by swapping, not copying: the
		// drained entries become the caller's, the internal list continues
		// with the caller's recycled slice.
		a.mu.Lock()
		*out, a.complete = a.complete, (*out)[:0]
		a.mu.Unlock()
	}

	// Some other context may have grabbed conflicting internal locks while
	// events were being handled. If the library says event handling is no
	// longer ok from this thread, give the lock up and re-acquire cleanly.
	if !a.lib.eventHandlingOk(a.ctx) {
		a.lib.unlockEvents(a.ctx)
		a.spinUntilLockedAndOK()
	}

	if err := a.reconcileLocked(loop); err != nil && pumpErr == nil {
		pumpErr = err
	}
	return pumpErr
}
