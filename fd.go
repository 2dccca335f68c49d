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

//go:build linux || freebsd || dragonfly || darwin

package looper

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/loopkit/looper/pkg/logging"
)

// AddFd adds a new file descriptor to be polled by the looper.
//
// If a callback is supplied, ident is forced to PollCallback and the
// callback is invoked by PollOnce when the descriptor is ready. If
// callback is nil, ident must be non-negative and the looper must have
// been created with allowNonCallbacks; PollOnce then returns the ident
// along with fd, events and data when the descriptor is ready.
//
// events is a subset of EventInput|EventOutput; EventError and
// EventHangup are always reported regardless of the subscription.
//
// Adding an fd that is already registered replaces the old
// registration: the old callback is never invoked again, even for
// readiness the kernel produced before the replacement.
//
// Returns 1 on success, -1 on argument error or kernel failure, in
// which case no state was changed. Safe to call from any goroutine,
// including from a callback running on the loop goroutine.
func (l *Looper) AddFd(fd, ident, events int, callback Callback, data interface{}) int {
	logging.Debugf("%p ~ addFd - fd=%d, ident=%d, events=0x%x", l, fd, ident, events)

	if callback == nil {
		if !l.allowNonCallbacks {
			logging.Errorf("invalid attempt to set nil callback but not allowed for this looper")
			return -1
		}
		if ident < 0 {
			logging.Errorf("invalid attempt to set nil callback with ident < 0")
			return -1
		}
	} else {
		ident = PollCallback
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// There is a sequence number reserved for the wake descriptor.
	if l.nextRequestSeq == wakeSeq {
		l.nextRequestSeq++
	}
	seq := l.nextRequestSeq
	l.nextRequestSeq++

	req := request{fd: fd, ident: ident, events: events, callback: callback, data: data}

	oldSeq, registered := l.seqByFd[fd]
	if !registered {
		if err := l.poller.Add(fd, req.subscribedEvents(), seq); err != nil {
			logging.Errorf("error adding poll events for fd %d: %v", fd, err)
			return -1
		}
		l.requests[seq] = req
		l.seqByFd[fd] = seq
		return 1
	}

	if err := l.poller.Mod(fd, req.subscribedEvents(), seq); err != nil {
		if !errors.Is(err, unix.ENOENT) {
			logging.Errorf("error modifying poll events for fd %d: %v", fd, err)
			return -1
		}
		// The old descriptor was closed before its registration was
		// removed and the integer has since been recycled; register the
		// newcomer from scratch. The kernel set may still hold the dead
		// handle, which cannot be deleted by fd anymore, so a full
		// rebuild is due.
		logging.Debugf("%p ~ addFd - modify failed for recycled fd %d, falling back to add", l, fd)
		if err := l.poller.Add(fd, req.subscribedEvents(), seq); err != nil {
			logging.Errorf("error modifying or adding poll events for fd %d: %v", fd, err)
			return -1
		}
		l.scheduleRebuildLocked()
	}

	delete(l.requests, oldSeq)
	l.requests[seq] = req
	l.seqByFd[fd] = seq
	return 1
}

// RemoveFd removes a previously added file descriptor from the looper.
// Returns 1 if the fd was removed, 0 if it was not registered, or -1 if
// the kernel refused the removal for a reason other than the fd having
// been closed; in that case the registration is still dropped and a
// rebuild of the kernel set is scheduled. Safe to call from any
// goroutine.
func (l *Looper) RemoveFd(fd int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, ok := l.seqByFd[fd]
	if !ok {
		return 0
	}
	return l.removeSequenceNumberLocked(seq)
}

// Repoll re-applies the subscribed event mask of the current epoch of
// fd, for callers that mutated their event interest in place. Returns 1
// on success, 0 if the fd is not registered or the kernel refused.
func (l *Looper) Repoll(fd int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.seqByFd[fd]
	if !ok {
		return 0
	}
	req, ok := l.requests[seq]
	if !ok {
		return 0
	}
	if req.fd != fd {
		logging.Fatalf("looper has inconsistent state: fd %d resolved to a request for fd %d", fd, req.fd)
	}

	if err := l.poller.Mod(fd, req.subscribedEvents(), seq); err != nil {
		return 0
	}
	return 1
}

// FdState reports the current registration of fd, primarily for
// debugging. ok is false if the fd is not registered.
func (l *Looper) FdState(fd int) (ident, events int, callback Callback, data interface{}, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, found := l.seqByFd[fd]
	if !found {
		return 0, 0, nil, nil, false
	}
	req, found := l.requests[seq]
	if !found {
		return 0, 0, nil, nil, false
	}
	return req.ident, req.events, req.callback, req.data, true
}

func (l *Looper) removeSequenceNumberLocked(seq uint64) int {
	logging.Debugf("%p ~ removeFd - seq=%d", l, seq)

	req, ok := l.requests[seq]
	if !ok {
		return 0
	}
	fd := req.fd

	// Erase both mappings before touching the kernel so that readiness
	// already in flight for a just-closed fd is dropped instead of being
	// delivered to a dead request.
	delete(l.requests, seq)
	delete(l.seqByFd, fd)

	if err := l.poller.Delete(fd, seq); err != nil {
		if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
			// The descriptor was closed before it was unregistered, which
			// happens naturally when a callback closes its own fd and then
			// returns 0. The kernel set may still hold the dead handle and
			// must be rebuilt.
			logging.Debugf("%p ~ removeFd - delete failed for closed fd %d, scheduling rebuild", l, fd)
			l.scheduleRebuildLocked()
		} else {
			// The registration map and the kernel set disagree in a way
			// that closing the fd does not explain. Rebuild to shed any
			// stale kernel entries with nowhere to go.
			logging.Errorf("error removing poll events for fd %d: %v", fd, err)
			l.scheduleRebuildLocked()
			return -1
		}
	}
	return 1
}
