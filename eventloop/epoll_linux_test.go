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

//go:build linux

package eventloop

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopReadReadiness(t *testing.T) {
	t.Parallel()
	loop, err := Open()
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, loop.Register(int(r.Fd()), Token(42), ReadReady))

	// Nothing to read yet.
	n, err := loop.Wait(0, func(Event) { t.Error("unexpected event on an idle pipe") })
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	var got []Event
	n, err = loop.Wait(1000, func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Token(42), got[0].Token)
	assert.True(t, got[0].Ready.IsReadable())
	assert.False(t, got[0].Ready.IsWritable())
}

func TestLoopWriteReadiness(t *testing.T) {
	t.Parallel()
	loop, err := Open()
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	// An empty pipe is immediately writable.
	require.NoError(t, loop.Register(int(w.Fd()), Token(7), WriteReady))

	var got []Event
	n, err := loop.Wait(1000, func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Token(7), got[0].Token)
	assert.True(t, got[0].Ready.IsWritable())
}

func TestLoopDeregister(t *testing.T) {
	t.Parallel()
	loop, err := Open()
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, loop.Register(int(r.Fd()), Token(1), ReadReady))
	require.NoError(t, loop.Deregister(int(r.Fd())))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	n, err := loop.Wait(0, func(Event) { t.Error("event delivered for a deregistered fd") })
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Deregistering twice reports the kernel error.
	assert.Error(t, loop.Deregister(int(r.Fd())))
}

// Handlers may mutate the registration table for the fd that produced the
// event they are handling.
func TestLoopHandlerMayDeregister(t *testing.T) {
	t.Parallel()
	loop, err := Open()
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, loop.Register(int(r.Fd()), Token(3), ReadReady))
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	n, err := loop.Wait(1000, func(ev Event) {
		assert.NoError(t, loop.Deregister(int(r.Fd())))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoopClosed(t *testing.T) {
	t.Parallel()
	loop, err := Open()
	require.NoError(t, err)
	require.NoError(t, loop.Close())
	require.NoError(t, loop.Close())

	assert.ErrorIs(t, loop.Register(3, Token(1), ReadReady), ErrClosed)
	assert.ErrorIs(t, loop.Deregister(3), ErrClosed)
}

func TestReadinessString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "read", ReadReady.String())
	assert.Equal(t, "write", WriteReady.String())
	assert.Equal(t, "read|write", (ReadReady | WriteReady).String())
}
