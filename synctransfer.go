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
	"errors"
	"fmt"
	"time"
)

// Synchronous transfer methods. Each submits a transfer and blocks until it
// finishes or the timeout elapses. The endpoint address carries the
// direction bit; Read* methods require an IN endpoint, Write* methods an
// OUT endpoint.

// ReadBulk reads from the given IN bulk endpoint into buf. It returns the
// number of bytes actually read.
func (d *Device) ReadBulk(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	if err := d.usable("ReadBulk"); err != nil {
		return 0, err
	}
	if err := checkDirection("ReadBulk", endpoint, EndpointDirectionIn); err != nil {
		return 0, err
	}
	n, err := d.ctx.lib.bulk(d.handle, endpoint, buf, timeout)
	return tolerateInterrupted(n, err)
}

// WriteBulk writes buf to the given OUT bulk endpoint. It returns the number
// of bytes actually written.
func (d *Device) WriteBulk(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	if err := d.usable("WriteBulk"); err != nil {
		return 0, err
	}
	if err := checkDirection("WriteBulk", endpoint, EndpointDirectionOut); err != nil {
		return 0, err
	}
	n, err := d.ctx.lib.bulk(d.handle, endpoint, buf, timeout)
	return tolerateInterrupted(n, err)
}

// ReadInterrupt reads from the given IN interrupt endpoint into buf.
func (d *Device) ReadInterrupt(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	if err := d.usable("ReadInterrupt"); err != nil {
		return 0, err
	}
	if err := checkDirection("ReadInterrupt", endpoint, EndpointDirectionIn); err != nil {
		return 0, err
	}
	n, err := d.ctx.lib.interrupt(d.handle, endpoint, buf, timeout)
	return tolerateInterrupted(n, err)
}

// WriteInterrupt writes buf to the given OUT interrupt endpoint.
func (d *Device) WriteInterrupt(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	if err := d.usable("WriteInterrupt"); err != nil {
		return 0, err
	}
	if err := checkDirection("WriteInterrupt", endpoint, EndpointDirectionOut); err != nil {
		return 0, err
	}
	n, err := d.ctx.lib.interrupt(d.handle, endpoint, buf, timeout)
	return tolerateInterrupted(n, err)
}

// ReadControl issues a device-to-host control request and reads the data
// stage into buf. The request type must have the IN direction bit set.
func (d *Device) ReadControl(rType, request uint8, val, idx uint16, buf []byte, timeout time.Duration) (int, error) {
	if err := d.usable("ReadControl"); err != nil {
		return 0, err
	}
	if rType&endpointDirectionMask == 0 {
		return 0, fmt.Errorf("ReadControl: request type 0x%02x has the OUT direction bit, use WriteControl", rType)
	}
	return d.ctx.lib.control(d.handle, timeout, rType, request, val, idx, buf)
}

// WriteControl issues a host-to-device control request with buf as the data
// stage. The request type must have the OUT direction bit (zero).
func (d *Device) WriteControl(rType, request uint8, val, idx uint16, buf []byte, timeout time.Duration) (int, error) {
	if err := d.usable("WriteControl"); err != nil {
		return 0, err
	}
	if rType&endpointDirectionMask != 0 {
		return 0, fmt.Errorf("WriteControl: request type 0x%02x has the IN direction bit, use ReadControl", rType)
	}
	return d.ctx.lib.control(d.handle, timeout, rType, request, val, idx, buf)
}

func checkDirection(op string, endpoint uint8, want EndpointDirection) error {
	got := EndpointDirection(endpoint&endpointDirectionMask != 0)
	if got != want {
		return fmt.Errorf("%s: endpoint address 0x%02x has direction %s, want %s", op, endpoint, got, want)
	}
	return nil
}

// tolerateInterrupted turns a signal-interrupted transfer that still moved
// data into a short success, matching what callers of read(2)-style APIs
// expect.
func tolerateInterrupted(n int, err error) (int, error) {
	if n > 0 && errors.Is(err, ErrorInterrupted) {
		return n, nil
	}
	return n, err
}
