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

// Package ausb wraps the native libusb library for safe use from Go. It
// provides device enumeration with parsed descriptors, synchronous control,
// bulk and interrupt transfers, and an asynchronous transfer subsystem whose
// completions are driven by an external event loop through Register and
// Pump.
package ausb

import (
	"fmt"
	"sync"
)

// Context manages all resources related to USB device handling: the native
// library context, the devices opened through it and the asynchronous I/O
// state shared by those devices.
type Context struct {
	ctx *libusbContext
	lib libusbIntf
	aio *asyncIO

	mu       sync.Mutex
	openDevs int
}

// NewContext initializes a new USB context backed by the native library.
// It panics when the native library cannot be initialized, or when the
// platform requires the application to handle libusb's internal timeouts
// itself: the event pump relies on every timing obligation surfacing
// through the pollable descriptor set.
func NewContext() *Context {
	return newContextWithImpl(libusbImpl{})
}

// newContextWithImpl is the test seam: it builds a Context over an
// arbitrary native stack.
func newContextWithImpl(impl libusbIntf) *Context {
	c, err := impl.init()
	if err != nil {
		panic(fmt.Sprintf("ausb: failed to initialize the native library: %v", err))
	}
	if !impl.pollfdsHandleTimeouts(c) {
		impl.exit(c)
		panic("ausb: this platform requires the application to handle native transfer timeouts, which this library does not support")
	}
	return &Context{
		ctx: c,
		lib: impl,
		aio: newAsyncIO(impl, c),
	}
}

// Debug changes the debug level of the native library. The level can be
// between 0 (no logging) and 4 (maximum logging).
func (c *Context) Debug(level int) {
	c.lib.setDebug(c.ctx, level)
}

// OpenDevices calls the opener with the descriptor of every device present
// on the system and opens those for which the opener returns true. All
// successfully opened devices are returned, together with the first error
// encountered while inspecting or opening the others, if any. Devices must
// be closed when no longer needed.
func (c *Context) OpenDevices(opener func(desc *DeviceDesc) bool) ([]*Device, error) {
	list, err := c.lib.getDevices(c.ctx)
	if err != nil {
		return nil, opError("get_device_list", err)
	}

	var reterr error
	var ret []*Device
	for _, dev := range list {
		desc, err := c.lib.getDeviceDesc(dev)
		if err != nil {
			c.lib.dereference(dev)
			reterr = err
			continue
		}
		if !opener(desc) {
			c.lib.dereference(dev)
			continue
		}
		handle, err := c.lib.open(dev)
		c.lib.dereference(dev)
		if err != nil {
			reterr = err
			continue
		}
		ret = append(ret, &Device{ctx: c, handle: handle, Desc: desc})
		c.mu.Lock()
		c.openDevs++
		c.mu.Unlock()
	}
	return ret, reterr
}

// OpenDeviceWithVIDPID opens the first device with the given vendor and
// product id. If no device matches, it returns nil and a nil error.
func (c *Context) OpenDeviceWithVIDPID(vid, pid ID) (*Device, error) {
	var found bool
	devs, err := c.OpenDevices(func(desc *DeviceDesc) bool {
		if found {
			return false
		}
		if desc.Vendor == vid && desc.Product == pid {
			found = true
			return true
		}
		return false
	})
	if len(devs) == 0 {
		return nil, err
	}
	return devs[0], nil
}

// closeDev notes that one of the context's devices was closed.
func (c *Context) closeDev() {
	c.mu.Lock()
	c.openDevs--
	c.mu.Unlock()
}

// Close releases the native context. All devices opened through the context
// must be closed first, and no asynchronous transfers may be in flight:
// the native library would otherwise invoke completion callbacks against a
// destroyed context.
func (c *Context) Close() error {
	if c.ctx == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openDevs > 0 {
		return fmt.Errorf("ausb: can't close the context, %d devices are still open", c.openDevs)
	}
	c.aio.mu.Lock()
	inflight := len(c.aio.running)
	c.aio.mu.Unlock()
	if inflight > 0 {
		return fmt.Errorf("ausb: can't close the context, %d transfers are still running", inflight)
	}
	c.lib.exit(c.ctx)
	c.ctx = nil
	return nil
}
