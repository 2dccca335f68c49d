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
	"unsafe"

	"golang.org/x/sys/unix"
)

// WakeFd is the counter wake descriptor, backed by an eventfd. A write
// bumps the counter, a single read drains it.
type WakeFd struct {
	fd  int
	buf [8]byte
}

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u          uint64 = 1
	wakeSignal        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// OpenWakeFd creates the wake descriptor.
func OpenWakeFd() (*WakeFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &WakeFd{fd: fd}, nil
}

// ReadFd returns the descriptor to register with the poller for input.
func (w *WakeFd) ReadFd() int {
	return w.fd
}

// Wake signals the descriptor. EAGAIN means the counter is already
// saturated and a reader is pending, which is as good as signalled.
func (w *WakeFd) Wake() error {
	for {
		_, err := unix.Write(w.fd, wakeSignal)
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return os.NewSyscallError("write", err)
		}
	}
}

// Drain consumes the accumulated counter value and discards it.
func (w *WakeFd) Drain() {
	for {
		if _, err := unix.Read(w.fd, w.buf[:]); err != unix.EINTR {
			return
		}
	}
}

// Close releases the descriptor.
func (w *WakeFd) Close() error {
	return os.NewSyscallError("close", unix.Close(w.fd))
}
