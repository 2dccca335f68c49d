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

// Package netpoll wraps the kernel readiness facility (epoll on Linux,
// kqueue on *BSD/Darwin) behind a Poller keyed by caller-supplied
// sequence numbers rather than by file descriptors, plus a counter-like
// wake descriptor that unblocks a pending Wait from any thread.
//
// Sequence numbers are carried as the kernel-opaque token of each
// registration, which is what makes registrations robust against file
// descriptor recycling: the kernel may report readiness for a sequence
// number that has since been unregistered, and the caller can detect
// and drop it.
package netpoll

// Caller-visible event bits reported by Wait. Only EventInput and
// EventOutput may be subscribed; EventError and EventHangup are
// report-only.
const (
	EventInput  = 0x1
	EventOutput = 0x2
	EventError  = 0x4
	EventHangup = 0x8
)

// MaxPollEvents bounds the number of readiness items retrieved by a
// single Wait call. Excess readiness is returned by a subsequent call.
const MaxPollEvents = 16

// PollEvent is one unit of translated readiness.
type PollEvent struct {
	Seq    uint64
	Events int
}
