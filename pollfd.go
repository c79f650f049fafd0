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
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ausbio/ausb/eventloop"
)

// pollFD is one entry of the native library's pollable descriptor set, as
// reported by libusb: a file descriptor plus raw poll(2) event flags.
type pollFD struct {
	fd     int
	events int16
}

// watchedFD is a pollFD translated into the event loop's vocabulary.
type watchedFD struct {
	fd    int
	ready eventloop.Readiness
}

// descriptorRegistration is the active event-loop registration: the token
// all descriptors are registered under and the sorted set registered last.
// At most one registration exists per Context.
type descriptorRegistration struct {
	token eventloop.Token
	fds   []watchedFD
}

// eventLockSpinInterval is the sleep quantum used while busy-waiting for the
// native library's event-handling lock. libusb only exposes a try-lock, so
// acquisition is a bounded-interval retry loop.
const eventLockSpinInterval = 10 * time.Millisecond

// descriptorSet queries the native library for its current pollable
// descriptor set and translates it for the event loop. Malformed entries are
// dropped; the result is sorted so set comparison is well-defined.
func (a *asyncIO) descriptorSet() []watchedFD {
	raw := a.lib.pollfds(a.ctx)
	fds := make([]watchedFD, 0, len(raw))
	for _, p := range raw {
		var ready eventloop.Readiness
		if p.events&unix.POLLIN != 0 {
			ready |= eventloop.ReadReady
		}
		if p.events&unix.POLLOUT != 0 {
			ready |= eventloop.WriteReady
		}
		if p.fd < 0 || ready == 0 {
			continue
		}
		fds = append(fds, watchedFD{fd: p.fd, ready: ready})
	}
	sort.Slice(fds, func(i, j int) bool {
		if fds[i].fd != fds[j].fd {
			return fds[i].fd < fds[j].fd
		}
		return fds[i].ready < fds[j].ready
	})
	logger.Debug("descriptor set", "count", len(fds))
	return fds
}

// spinUntilLockedAndOK acquires the native event-handling lock and holds it
// only once the library also reports that event handling by this thread is
// permitted. Both conditions are retried on a fixed interval; libusb
// releases conflicting internal locks in bounded time, so the spin
// terminates.
func (a *asyncIO) spinUntilLockedAndOK() {
	for {
		if a.lib.tryLockEvents(a.ctx) {
			if a.lib.eventHandlingOk(a.ctx) {
				return
			}
			a.lib.unlockEvents(a.ctx)
			logger.Warn("event handling not permitted, retrying", "interval", eventLockSpinInterval)
		} else {
			logger.Warn("could not acquire the event lock, retrying", "interval", eventLockSpinInterval)
		}
		time.Sleep(eventLockSpinInterval)
	}
}

// Register registers the native library's pollable descriptor set with the
// event loop under the given token and acquires the native event-handling
// lock on behalf of the pumping thread. The registration stays active, and
// the lock held, until Deregister.
//
// Registering a context that is already registered is a programmer error
// and panics: the native library does not support concurrent registration
// from multiple observers.
func (c *Context) Register(loop eventloop.Registrar, token eventloop.Token) error {
	a := c.aio
	a.regMu.Lock()
	defer a.regMu.Unlock()
	if a.reg != nil {
		panic("ausb: context descriptor set is already registered with an event loop")
	}

	a.spinUntilLockedAndOK()
	fds := a.descriptorSet()
	for _, w := range fds {
		if err := loop.Register(w.fd, token, w.ready); err != nil {
			return opError("register", err)
		}
	}
	a.reg = &descriptorRegistration{token: token, fds: fds}
	logger.Debug("registered with event loop", "token", uint32(token), "fds", len(fds))
	return nil
}

// Deregister removes every registered descriptor from the event loop,
// releases the native event-handling lock and clears the registration.
//
// Deregistering a context that is not registered is a programmer error and
// panics.
func (c *Context) Deregister(loop eventloop.Registrar) error {
	a := c.aio
	a.regMu.Lock()
	defer a.regMu.Unlock()
	if a.reg == nil {
		panic("ausb: context descriptor set is not registered with an event loop")
	}

	var firstErr error
	for _, w := range a.reg.fds {
		if err := loop.Deregister(w.fd); err != nil && firstErr == nil {
			firstErr = opError("deregister", err)
		}
	}
	a.lib.unlockEvents(a.ctx)
	a.reg = nil
	return firstErr
}

// reconcileLocked brings the event loop's registration in line with the
// native library's current descriptor set. The set changes as devices
// attach, detach or claim additional transfer types, so this runs after
// every event-handling pass. Only the difference is applied: stale
// descriptors are deregistered, new ones registered under the same token.
// Requires a.regMu and an active registration.
func (a *asyncIO) reconcileLocked(loop eventloop.Registrar) error {
	fds := a.descriptorSet()
	old := a.reg.fds
	if watchedEqual(old, fds) {
		return nil
	}

	current := make(map[int]eventloop.Readiness, len(fds))
	for _, w := range fds {
		current[w.fd] = w.ready
	}
	previous := make(map[int]eventloop.Readiness, len(old))
	for _, w := range old {
		previous[w.fd] = w.ready
	}

	var firstErr error
	for _, w := range old {
		ready, still := current[w.fd]
		if still && ready == w.ready {
			continue
		}
		if err := loop.Deregister(w.fd); err != nil && firstErr == nil {
			firstErr = opError("reconcile", err)
		}
		// An fd whose readiness changed is re-registered below.
		if still {
			delete(previous, w.fd)
		}
	}
	for _, w := range fds {
		if ready, had := previous[w.fd]; had && ready == w.ready {
			continue
		}
		if err := loop.Register(w.fd, a.reg.token, w.ready); err != nil && firstErr == nil {
			firstErr = opError("reconcile", err)
		}
	}

	a.reg.fds = fds
	logger.Debug("descriptor registration reconciled", "fds", len(fds))
	return firstErr
}

func watchedEqual(a, b []watchedFD) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
