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

// Package eventloop provides the readiness-notification vocabulary consumed
// by the ausb asynchronous I/O core, and a level-triggered epoll event loop
// implementing it on Linux.
//
// The core only depends on the Registrar interface; any event loop capable
// of level-triggered readiness monitoring keyed by (file descriptor,
// direction) pairs and opaque tokens can host it.
package eventloop

import "errors"

// Token is an opaque value chosen by the registrant. Every readiness event
// for a registered descriptor carries the token it was registered under.
type Token uint32

// Readiness is a bitmask of I/O directions a descriptor is monitored for,
// or was reported ready on.
type Readiness uint8

const (
	// ReadReady indicates input readiness.
	ReadReady Readiness = 1 << iota
	// WriteReady indicates output readiness.
	WriteReady
)

// IsReadable reports whether the mask includes input readiness.
func (r Readiness) IsReadable() bool { return r&ReadReady != 0 }

// IsWritable reports whether the mask includes output readiness.
func (r Readiness) IsWritable() bool { return r&WriteReady != 0 }

func (r Readiness) String() string {
	switch {
	case r.IsReadable() && r.IsWritable():
		return "read|write"
	case r.IsReadable():
		return "read"
	case r.IsWritable():
		return "write"
	default:
		return "none"
	}
}

// Event is a single readiness notification.
type Event struct {
	Token Token
	Ready Readiness
}

// Registrar is the registration surface an event loop exposes to
// descriptor-set owners. Registrations are level-triggered: a descriptor
// that stays ready keeps producing events.
type Registrar interface {
	// Register starts monitoring fd for the given directions. The token is
	// reported back with every event for this descriptor.
	Register(fd int, token Token, ready Readiness) error
	// Deregister stops monitoring fd.
	Deregister(fd int) error
}

// ErrUnsupported is returned by Open on platforms without an event loop
// implementation.
var ErrUnsupported = errors.New("eventloop: not supported on this platform")

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("eventloop: loop is closed")
