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

//go:build linux

package netpoll

import (
	"os"

	"golang.org/x/sys/unix"
)

// Poller monitors a dynamic set of file descriptors through epoll.
//
// Add, Mod and Delete may be called from any thread; Wait must only be
// called by the single thread that owns the poller.
type Poller struct {
	fd     int
	events [MaxPollEvents]unix.EpollEvent
	ready  [MaxPollEvents]PollEvent
}

// OpenPoller instantiates a poller.
func OpenPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{fd: fd}, nil
}

// Close releases the kernel readiness set.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

// Add registers fd for the subscribed events, attaching seq as the
// kernel-opaque token.
func (p *Poller) Add(fd, events int, seq uint64) error {
	ev := epollEvent(events, seq)
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev))
}

// Mod renews the registration of fd with a fresh event mask and token.
func (p *Poller) Mod(fd, events int, seq uint64) error {
	ev := epollEvent(events, seq)
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev))
}

// Delete removes fd from the poller. The sequence number is not needed
// on the epoll path; the parameter exists for symmetry with kqueue.
func (p *Poller) Delete(fd int, _ uint64) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout elapses, then returns the translated readiness. A negative
// timeout blocks indefinitely, zero polls. The returned slice is reused
// across calls. Kernel errors, EINTR included, are returned verbatim so
// the caller can tell an interrupted wait from a failed one.
func (p *Poller) Wait(timeoutMillis int) ([]PollEvent, error) {
	n, err := unix.EpollWait(p.fd, p.events[:], timeoutMillis)
	if err != nil {
		return nil, err
	}
	ready := p.ready[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		var events int
		if ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			events |= EventInput
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			events |= EventOutput
		}
		if ev.Events&unix.EPOLLERR != 0 {
			events |= EventError
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			events |= EventHangup
		}
		ready = append(ready, PollEvent{Seq: eventSeq(ev), Events: events})
	}
	return ready, nil
}
