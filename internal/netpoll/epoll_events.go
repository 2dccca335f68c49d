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

import "golang.org/x/sys/unix"

// The sequence number rides in the 64 bits of epoll_event.data, split
// across the Fd and Pad fields of unix.EpollEvent.

func epollEvent(events int, seq uint64) unix.EpollEvent {
	var ev unix.EpollEvent
	if events&EventInput != 0 {
		ev.Events |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if events&EventOutput != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	ev.Fd = int32(uint32(seq))
	ev.Pad = int32(uint32(seq >> 32))
	return ev
}

func eventSeq(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}
