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
	"bytes"
	"testing"
	"time"
)

func TestControlAsyncSetupPrefix(t *testing.T) {
	t.Parallel()
	c, f := newTestContext(t)
	dev := openTestDevice(t, c, 0x9999, 0x0001)
	loop := newFakeLoop()
	if err := c.Register(loop, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf := make([]byte, 16)
	h, err := dev.ControlAsync(0xc0, 0x01, 0x1234, 0x5678, buf, time.Second, nil)
	if err != nil {
		t.Fatalf("ControlAsync: %v", err)
	}

	ft := f.waitForSubmitted(nil)
	if ft.req.kind != TransferTypeControl {
		t.Errorf("submitted transfer kind = %v, want control", ft.req.kind)
	}
	if got, want := len(ft.buf), controlSetupLen+16; got != want {
		t.Errorf("native buffer is %d bytes, want %d (setup prefix + data)", got, want)
	}
	if s := ft.req.setup; s.bmRequestType != 0xc0 || s.bRequest != 0x01 || s.wValue != 0x1234 || s.wIndex != 0x5678 || s.wLength != 16 {
		t.Errorf("setup packet = %+v, want {c0 01 1234 5678 16}", s)
	}

	// The data stage lands in the caller's buffer, without the setup
	// prefix.
	want := bytes.Repeat([]byte{0x5a}, 16)
	ft.complete(f, TransferCompleted, want)
	var out []Completion
	if err := c.Pump(loop, &out); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if len(out) != 1 || out[0].ID != h.ID() {
		t.Fatalf("Pump drained %v, want the control completion", out)
	}
	if !bytes.Equal(out[0].Data.Buf, want) {
		t.Errorf("control data stage = %x, want %x", out[0].Data.Buf, want)
	}
}

func TestSubmitKinds(t *testing.T) {
	t.Parallel()
	c, f := newTestContext(t)
	dev := openTestDevice(t, c, 0x8888, 0x0002)
	loop := newFakeLoop()
	if err := c.Register(loop, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, tc := range []struct {
		name   string
		submit func() (*TransferHandle, error)
		kind   TransferType
		ep     uint8
	}{{
		name: "interrupt",
		submit: func() (*TransferHandle, error) {
			return dev.InterruptAsync(0x86, make([]byte, 64), time.Second, nil)
		},
		kind: TransferTypeInterrupt,
		ep:   0x86,
	}, {
		name: "isochronous",
		submit: func() (*TransferHandle, error) {
			return dev.IsochronousAsync(0x85, 3, make([]byte, 3*1024), time.Second, nil)
		},
		kind: TransferTypeIsochronous,
		ep:   0x85,
	}, {
		name: "bulk stream",
		submit: func() (*TransferHandle, error) {
			return dev.BulkStreamAsync(0x85, 7, make([]byte, 512), time.Second, nil)
		},
		kind: TransferTypeBulkStream,
		ep:   0x85,
	}} {
		h, err := tc.submit()
		if err != nil {
			t.Fatalf("%s: submit: %v", tc.name, err)
		}
		ft := f.waitForSubmitted(nil)
		if ft.req.kind != tc.kind {
			t.Errorf("%s: transfer kind = %v, want %v", tc.name, ft.req.kind, tc.kind)
		}
		if ft.req.endpoint != tc.ep {
			t.Errorf("%s: endpoint = 0x%02x, want 0x%02x", tc.name, ft.req.endpoint, tc.ep)
		}
		if tc.kind == TransferTypeBulkStream && ft.req.streamID != 7 {
			t.Errorf("%s: stream id = %d, want 7", tc.name, ft.req.streamID)
		}
		if tc.kind == TransferTypeIsochronous && ft.req.isoPackets != 3 {
			t.Errorf("%s: iso packets = %d, want 3", tc.name, ft.req.isoPackets)
		}
		ft.complete(f, TransferCompleted, nil)
		var out []Completion
		if err := c.Pump(loop, &out); err != nil {
			t.Fatalf("%s: Pump: %v", tc.name, err)
		}
		if len(out) != 1 || out[0].ID != h.ID() {
			t.Errorf("%s: Pump drained %v, want one completion for id %d", tc.name, out, h.ID())
		}
	}
}

func TestIsochronousAsyncNeedsPackets(t *testing.T) {
	t.Parallel()
	c, _ := newTestContext(t)
	dev := openTestDevice(t, c, 0x8888, 0x0002)
	if _, err := dev.IsochronousAsync(0x85, 0, make([]byte, 1024), time.Second, nil); err == nil {
		t.Errorf("IsochronousAsync with 0 packets succeeded, want error")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()
	c, _ := newTestContext(t)
	dev := openTestDevice(t, c, 0x9999, 0x0001)
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := dev.BulkAsync(0x82, make([]byte, 8), time.Second, nil); err == nil {
		t.Errorf("BulkAsync on a closed device succeeded, want error")
	}
}

// A rejected submission leaves no trace: the record retires and the native
// transfer is freed.
func TestSubmitFailureCleansUp(t *testing.T) {
	t.Parallel()
	c, f := newTestContext(t)
	dev := openTestDevice(t, c, 0x9999, 0x0001)

	f.failNextSubmit(ErrorBusy)
	if _, err := dev.BulkAsync(0x82, make([]byte, 8), time.Second, nil); err == nil {
		t.Fatalf("BulkAsync with failing submit succeeded, want error")
	}
	c.aio.mu.Lock()
	running := len(c.aio.running)
	c.aio.mu.Unlock()
	if running != 0 {
		t.Errorf("%d transfers still in the running table after a failed submit", running)
	}
	if f.leakedTransfers() != 0 {
		t.Errorf("%d native transfers were not freed after a failed submit", f.leakedTransfers())
	}
}
