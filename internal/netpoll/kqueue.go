// Copyright (c) 2024 The Looper Authors. All rights reserved.
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

//go:build freebsd || dragonfly || darwin

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Poller monitors a dynamic set of file descriptors through kqueue.
//
// Add, Mod and Delete may be called from any thread; Wait must only be
// called by the single thread that owns the poller.
type Poller struct {
	fd     int
	events [MaxPollEvents]unix.Kevent_t
	ready  [MaxPollEvents]PollEvent
}

// OpenPoller instantiates a poller.
func OpenPoller() (*Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	return &Poller{fd: fd}, nil
}

// Close releases the kernel readiness set.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

// Add registers fd for the subscribed events, one filter per event bit,
// attaching seq as the kernel-opaque udata token.
func (p *Poller) Add(fd, events int, seq uint64) error {
	_, err := unix.Kevent(p.fd, keventChanges(fd, events, seq), nil, nil)
	return os.NewSyscallError("kevent add", err)
}

// Mod renews the registration of fd. EV_ADD on an existing filter
// updates it in place, so modify and add share one path on kqueue.
func (p *Poller) Mod(fd, events int, seq uint64) error {
	_, err := unix.Kevent(p.fd, keventChanges(fd, events, seq), nil, nil)
	return os.NewSyscallError("kevent mod", err)
}

// Delete removes both filters of fd from the poller. A registration
// usually carries only one of the two filters, so per-filter ENOENT is
// expected; the call fails only when no filter could be removed.
func (p *Poller) Delete(fd int, seq uint64) error {
	var firstErr error
	deleted := false
	for _, filter := range []int16{unix.EVFILT_READ, unix.EVFILT_WRITE} {
		change := []unix.Kevent_t{keventChange(fd, filter, unix.EV_DELETE, seq)}
		if _, err := unix.Kevent(p.fd, change, nil, nil); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			deleted = true
		}
	}
	if deleted {
		return nil
	}
	return os.NewSyscallError("kevent delete", firstErr)
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout elapses, then returns the translated readiness. A negative
// timeout blocks indefinitely, zero polls. The returned slice is reused
// across calls. Kernel errors, EINTR included, are returned verbatim so
// the caller can tell an interrupted wait from a failed one.
func (p *Poller) Wait(timeoutMillis int) ([]PollEvent, error) {
	var tsp *unix.Timespec
	if timeoutMillis >= 0 {
		ts := unix.NsecToTimespec(int64(timeoutMillis) * int64(time.Millisecond))
		tsp = &ts
	}
	n, err := unix.Kevent(p.fd, nil, p.events[:], tsp)
	if err != nil {
		return nil, err
	}
	ready := p.ready[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		var events int
		switch ev.Filter {
		case unix.EVFILT_READ:
			events |= EventInput
		case unix.EVFILT_WRITE:
			events |= EventOutput
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			events |= EventError
		}
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
		ready = append(ready, PollEvent{Seq: keventSeq(ev), Events: events})
	}
	return ready, nil
}
