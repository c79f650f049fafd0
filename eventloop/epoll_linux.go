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
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// Loop is a level-triggered epoll event loop.
//
// Wait gathers a batch of kernel events first and dispatches them afterwards
// through an internal FIFO, so handlers are free to Register and Deregister
// descriptors (including the one that produced the event) without racing the
// batch being processed.
type Loop struct {
	mu     sync.Mutex
	epfd   int
	tokens map[int]Token
	closed bool

	// pending holds events collected from the kernel but not yet handed to
	// the handler.
	pending *queue.Queue
}

// Open creates a new event loop.
func Open() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		tokens:  make(map[int]Token),
		pending: queue.New(),
	}, nil
}

// Register implements Registrar.
func (l *Loop) Register(fd int, token Token, ready Readiness) error {
	var ev unix.EpollEvent
	if ready.IsReadable() {
		ev.Events |= unix.EPOLLIN
	}
	if ready.IsWritable() {
		ev.Events |= unix.EPOLLOUT
	}
	ev.Fd = int32(fd)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	l.tokens[fd] = token
	return nil
}

// Deregister implements Registrar.
func (l *Loop) Deregister(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	delete(l.tokens, fd)
	return nil
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout expires, then invokes handler once per event. timeoutMs < 0 blocks
// indefinitely. It returns the number of events dispatched.
func (l *Loop) Wait(timeoutMs int, handler func(Event)) (int, error) {
	var events [128]unix.EpollEvent

	n, err := unix.EpollWait(l.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	// Collect the batch before dispatching, translating kernel flags and
	// resolving tokens while the registration table is stable.
	l.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		token, ok := l.tokens[fd]
		if !ok {
			continue
		}
		var ready Readiness
		if events[i].Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ready |= ReadReady
		}
		if events[i].Events&unix.EPOLLOUT != 0 {
			ready |= WriteReady
		}
		l.pending.Add(Event{Token: token, Ready: ready})
	}
	l.mu.Unlock()

	dispatched := 0
	for {
		l.mu.Lock()
		if l.pending.Length() == 0 {
			l.mu.Unlock()
			break
		}
		ev := l.pending.Remove().(Event)
		l.mu.Unlock()
		handler(ev)
		dispatched++
	}
	return dispatched, nil
}

// Run calls Wait in a loop until the loop is closed.
func (l *Loop) Run(handler func(Event)) error {
	for {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil
		}
		// Bounded wait so Close is noticed promptly.
		if _, err := l.Wait(100, handler); err != nil {
			l.mu.Lock()
			closed = l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
	}
}

// Close releases the epoll descriptor. Registered descriptors are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.epfd)
}
