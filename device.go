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
	"sort"
	"sync"
	"time"
)

// Standard control request fields used by the string descriptor helpers.
const (
	requestTypeStandardIn = 0x80
	requestGetDescriptor  = 0x06
	maxStringDescLen      = 255
)

// Device represents an opened USB device.
//
// Synchronous transfers are available through Control, ReadBulk/WriteBulk
// and friends; asynchronous transfers through the *Async methods, whose
// completions are driven by the owning Context's event pump.
//
// A Device must be Close()d after use.
type Device struct {
	ctx    *Context
	handle *libusbDevHandle

	// Embed the device information for easy access
	Desc *DeviceDesc
	// Timeout for control commands
	ControlTimeout time.Duration

	// mu guards the claimed interface set and the handle lifecycle.
	mu      sync.Mutex
	claimed map[int]bool

	// Handle AutoDetach in this library
	autodetach bool
}

// String represents a human readable representation of the device.
func (d *Device) String() string {
	return fmt.Sprintf("vid=%s,pid=%s,bus=%d,addr=%d", d.Desc.Vendor, d.Desc.Product, d.Desc.Bus, d.Desc.Address)
}

// usable reports whether the device can serve the named operation, i.e. it
// has not been closed yet.
func (d *Device) usable(op string) error {
	if d.handle == nil {
		return fmt.Errorf("%s() called on %s after Close", op, d)
	}
	return nil
}

// Reset performs a USB port reset to reinitialize a device.
func (d *Device) Reset() error {
	if err := d.usable("Reset"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.claimed) > 0 {
		return fmt.Errorf("can't reset device %s while it has claimed interfaces %v", d, d.claimedInterfaces())
	}
	return d.ctx.lib.reset(d.handle)
}

// ActiveConfigNum returns the config id of the active configuration.
// The value corresponds to the ConfigDesc.Number field of one of the
// configurations of this Device.
func (d *Device) ActiveConfigNum() (int, error) {
	if err := d.usable("ActiveConfigNum"); err != nil {
		return 0, err
	}
	ret, err := d.ctx.lib.getConfig(d.handle)
	return int(ret), err
}

// SetConfig makes the configuration with the given number active. The number
// must correspond to the ConfigDesc.Number field of one of the device's
// configurations; USB supports only one active config per device at a time.
func (d *Device) SetConfig(cfgNum int) error {
	if err := d.usable("SetConfig"); err != nil {
		return err
	}
	if _, ok := d.Desc.Configs[cfgNum]; !ok {
		return fmt.Errorf("configuration id %d not found in the descriptor of the device %s. Available config ids: %v", cfgNum, d, d.Desc.sortedConfigIds())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.claimed) > 0 {
		return fmt.Errorf("can't change the configuration of %s while it has claimed interfaces %v", d, d.claimedInterfaces())
	}
	return d.ctx.lib.setConfig(d.handle, cfgNum)
}

// Unconfigure puts the device in an unconfigured state.
func (d *Device) Unconfigure() error {
	if err := d.usable("Unconfigure"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.claimed) > 0 {
		return fmt.Errorf("can't unconfigure %s while it has claimed interfaces %v", d, d.claimedInterfaces())
	}
	return d.ctx.lib.setConfig(d.handle, -1)
}

// ClaimInterface claims the interface with the given number for exclusive
// use by this handle. With SetAutoDetach enabled, a kernel driver bound to
// the interface is detached automatically.
func (d *Device) ClaimInterface(intf int) error {
	if err := d.usable("ClaimInterface"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[intf] {
		return fmt.Errorf("interface %d of %s is already claimed", intf, d)
	}
	if err := d.ctx.lib.claim(d.handle, uint8(intf)); err != nil {
		return fmt.Errorf("failed to claim interface %d of %s: %w", intf, d, err)
	}
	if d.claimed == nil {
		d.claimed = make(map[int]bool)
	}
	d.claimed[intf] = true
	logger.Debug("interface claimed", "device", d.String(), "interface", intf)
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (d *Device) ReleaseInterface(intf int) error {
	if err := d.usable("ReleaseInterface"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed[intf] {
		return fmt.Errorf("interface %d of %s is not claimed", intf, d)
	}
	delete(d.claimed, intf)
	return d.ctx.lib.release(d.handle, uint8(intf))
}

// SetAltSetting activates an alternate setting of a claimed interface.
func (d *Device) SetAltSetting(intf, alt int) error {
	if err := d.usable("SetAltSetting"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed[intf] {
		return fmt.Errorf("can't set alternate setting %d on interface %d of %s: the interface is not claimed", alt, intf, d)
	}
	return d.ctx.lib.setAlt(d.handle, uint8(intf), uint8(alt))
}

func (d *Device) claimedInterfaces() []int {
	var intfs []int
	for i := range d.claimed {
		intfs = append(intfs, i)
	}
	sort.Ints(intfs)
	return intfs
}

// KernelDriverActive reports whether a kernel driver is bound to the given
// interface.
func (d *Device) KernelDriverActive(intf int) (bool, error) {
	if err := d.usable("KernelDriverActive"); err != nil {
		return false, err
	}
	return d.ctx.lib.kernelDriverActive(d.handle, uint8(intf))
}

// DetachKernelDriver detaches the kernel driver from the given interface.
func (d *Device) DetachKernelDriver(intf int) error {
	if err := d.usable("DetachKernelDriver"); err != nil {
		return err
	}
	return d.ctx.lib.detachKernelDriver(d.handle, uint8(intf))
}

// AttachKernelDriver re-attaches the kernel driver to the given interface.
func (d *Device) AttachKernelDriver(intf int) error {
	if err := d.usable("AttachKernelDriver"); err != nil {
		return err
	}
	return d.ctx.lib.attachKernelDriver(d.handle, uint8(intf))
}

// SetAutoDetach enables/disables automatic kernel driver detachment.
// When autodetach is enabled the library will automatically detach the
// kernel driver on interface claim and reattach it on release.
// Automatic kernel driver detachment is disabled on newly opened device
// handles by default.
func (d *Device) SetAutoDetach(autodetach bool) error {
	if err := d.usable("SetAutoDetach"); err != nil {
		return err
	}
	d.autodetach = autodetach
	var autodetachInt int
	if autodetach {
		autodetachInt = 1
	}
	return d.ctx.lib.setAutoDetach(d.handle, autodetachInt)
}

// Control sends a synchronous control request to the device, using the
// device's ControlTimeout. It returns the number of data bytes transferred
// in the data stage.
func (d *Device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if err := d.usable("Control"); err != nil {
		return 0, err
	}
	return d.ctx.lib.control(d.handle, d.ControlTimeout, rType, request, val, idx, data)
}

// GetStringDescriptor returns a device string descriptor with the given
// index number. The first supported language is always used and the
// returned descriptor string is converted to ASCII (non-ASCII characters
// are replaced with "?").
func (d *Device) GetStringDescriptor(descIndex int) (string, error) {
	if err := d.usable("GetStringDescriptor"); err != nil {
		return "", err
	}
	return d.ctx.lib.getStringDesc(d.handle, descIndex)
}

// Languages returns the list of LANGID codes the device can return string
// descriptors in, from string descriptor zero.
func (d *Device) Languages() ([]uint16, error) {
	if err := d.usable("Languages"); err != nil {
		return nil, err
	}
	buf := make([]byte, maxStringDescLen)
	n, err := d.Control(requestTypeStandardIn, requestGetDescriptor, descriptorTypeString<<8, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read the language id table of %s: %w", d, err)
	}
	return parseLanguages(buf[:n])
}

// StringDescriptor returns the string descriptor with the given index, in
// the given language, decoded from UTF-16LE. Unlike GetStringDescriptor it
// preserves non-ASCII characters.
func (d *Device) StringDescriptor(lang uint16, descIndex int) (string, error) {
	if err := d.usable("StringDescriptor"); err != nil {
		return "", err
	}
	buf := make([]byte, maxStringDescLen)
	n, err := d.Control(requestTypeStandardIn, requestGetDescriptor, descriptorTypeString<<8|uint16(descIndex), lang, buf)
	if err != nil {
		return "", fmt.Errorf("failed to read string descriptor %d of %s: %w", descIndex, d, err)
	}
	return decodeStringDescriptor(buf[:n])
}

// Manufacturer returns the device's manufacturer string.
func (d *Device) Manufacturer() (string, error) {
	return d.namedStringDescriptor("manufacturer", d.Desc.iManufacturer)
}

// Product returns the device's product string.
func (d *Device) Product() (string, error) {
	return d.namedStringDescriptor("product", d.Desc.iProduct)
}

// SerialNumber returns the device's serial number string.
func (d *Device) SerialNumber() (string, error) {
	return d.namedStringDescriptor("serial number", d.Desc.iSerialNumber)
}

func (d *Device) namedStringDescriptor(name string, idx int) (string, error) {
	if idx == 0 {
		return "", fmt.Errorf("%s has no %s string descriptor", d, name)
	}
	return d.GetStringDescriptor(idx)
}

// Close closes the device. A device with claimed interfaces cannot be
// closed; release them first.
func (d *Device) Close() error {
	if d.handle == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.claimed) > 0 {
		return fmt.Errorf("can't release the device %s, it has claimed interfaces %v", d, d.claimedInterfaces())
	}
	d.ctx.lib.close(d.handle)
	d.handle = nil
	d.ctx.closeDev()
	return nil
}
