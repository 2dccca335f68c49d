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

/*
Package looper implements a per-thread event loop that multiplexes two
sources of work onto one waiting goroutine: readiness notifications for
a dynamic set of registered file descriptors, and time-ordered
in-process messages delivered to handler objects.

A looper is driven by a single goroutine calling PollOnce (or PollAll)
in a loop; any goroutine may register descriptors with AddFd/RemoveFd,
enqueue messages with the SendMessage family, or kick the waiter with
Wake. Descriptors registered with a callback have the callback invoked
by the polling goroutine; descriptors registered with a bare identifier
cause PollOnce to return that identifier along with the readiness.

Registrations are tracked by monotonic sequence numbers rather than by
descriptor integers, which keeps the kernel readiness set coherent when
callbacks close their own descriptors and the integers get recycled.

The kernel facility is epoll on Linux and kqueue on *BSD/Darwin; the
public surface is identical on both.
*/
package looper
