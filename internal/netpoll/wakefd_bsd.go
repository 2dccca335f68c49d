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

	"golang.org/x/sys/unix"
)

// WakeFd is the counter wake descriptor. These platforms have no
// eventfd, so the counter is shimmed over a non-blocking pipe: each
// wake writes one byte, draining reads everything pending. A full pipe
// still carries the signal, so EAGAIN on write is not a failure.
type WakeFd struct {
	rfd, wfd int
	buf      [64]byte
}

var wakeSignal = []byte{1}

// OpenWakeFd creates the wake descriptor pair.
func OpenWakeFd() (*WakeFd, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, os.NewSyscallError("fcntl nonblock", err)
		}
		unix.CloseOnExec(fd)
	}
	return &WakeFd{rfd: fds[0], wfd: fds[1]}, nil
}

// ReadFd returns the descriptor to register with the poller for input.
func (w *WakeFd) ReadFd() int {
	return w.rfd
}

// Wake signals the descriptor.
func (w *WakeFd) Wake() error {
	for {
		_, err := unix.Write(w.wfd, wakeSignal)
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

// Drain consumes and discards all pending wake bytes.
func (w *WakeFd) Drain() {
	for {
		n, err := unix.Read(w.rfd, w.buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(w.buf) {
			return
		}
	}
}

// Close releases both ends of the pipe.
func (w *WakeFd) Close() error {
	err := os.NewSyscallError("close", unix.Close(w.rfd))
	if cerr := os.NewSyscallError("close", unix.Close(w.wfd)); err == nil {
		err = cerr
	}
	return err
}
