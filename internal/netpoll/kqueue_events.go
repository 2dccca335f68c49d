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
	"unsafe"

	"golang.org/x/sys/unix"
)

// The sequence number rides in the kevent udata pointer. It is never
// dereferenced, only carried back by the kernel.

func keventChange(fd int, filter int16, flags uint16, seq uint64) unix.Kevent_t {
	return unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
		Udata:  (*byte)(unsafe.Pointer(uintptr(seq))),
	}
}

func keventChanges(fd, events int, seq uint64) []unix.Kevent_t {
	changes := make([]unix.Kevent_t, 0, 2)
	if events&EventInput != 0 {
		changes = append(changes, keventChange(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE, seq))
	}
	if events&EventOutput != 0 {
		changes = append(changes, keventChange(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE, seq))
	}
	return changes
}

func keventSeq(ev *unix.Kevent_t) uint64 {
	return uint64(uintptr(unsafe.Pointer(ev.Udata)))
}
