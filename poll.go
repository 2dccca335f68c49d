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
	"math"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loopkit/looper/pkg/logging"
)

// PollOnce waits for events to be available, with an optional timeout
// in milliseconds. A timeout of zero polls and returns immediately; a
// negative timeout waits indefinitely until an event appears.
//
// It returns PollWake if the poll was awoken before the timeout,
// PollCallback if callbacks or message handlers were invoked,
// PollTimeout if the timeout expired, PollError if the kernel wait
// failed, or the identifier of a ready identifier registration, in
// which case fd, events and data describe the readiness. For the
// negative result codes the out values are zero.
//
// Only the loop goroutine may call PollOnce.
func (l *Looper) PollOnce(timeoutMillis int) (ident, fd, events int, data interface{}) {
	result := 0
	for {
		for l.responseIndex < len(l.responses) {
			r := &l.responses[l.responseIndex]
			l.responseIndex++
			if r.request.ident >= 0 {
				logging.Debugf("%p ~ pollOnce - returning signalled identifier %d: fd=%d, events=0x%x",
					l, r.request.ident, r.request.fd, r.events)
				return r.request.ident, r.request.fd, r.events, r.request.data
			}
		}

		if result != 0 {
			logging.Debugf("%p ~ pollOnce - returning result %d", l, result)
			return result, 0, 0, nil
		}

		result = l.pollInner(timeoutMillis)
	}
}

// PollAll is like PollOnce, except that it keeps polling until the
// timeout expires instead of returning when callbacks are invoked.
// It never returns PollCallback.
func (l *Looper) PollAll(timeoutMillis int) (ident, fd, events int, data interface{}) {
	if timeoutMillis <= 0 {
		for {
			ident, fd, events, data = l.PollOnce(timeoutMillis)
			if ident != PollCallback {
				return
			}
		}
	}

	endTime := Now() + int64(timeoutMillis)*int64(time.Millisecond)
	for {
		ident, fd, events, data = l.PollOnce(timeoutMillis)
		if ident != PollCallback {
			return
		}
		timeoutMillis = toMillisecondTimeoutDelay(Now(), endTime)
		if timeoutMillis == 0 {
			return PollTimeout, 0, 0, nil
		}
	}
}

func (l *Looper) pollInner(timeoutMillis int) int {
	logging.Debugf("%p ~ pollOnce - waiting: timeoutMillis=%d", l, timeoutMillis)

	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return PollError
	}

	// Adjust the timeout based on when the next message is due.
	if timeoutMillis != 0 && l.nextMessageUptime != maxUptime {
		now := Now()
		messageTimeoutMillis := toMillisecondTimeoutDelay(now, l.nextMessageUptime)
		if messageTimeoutMillis >= 0 && (timeoutMillis < 0 || messageTimeoutMillis < timeoutMillis) {
			timeoutMillis = messageTimeoutMillis
		}
	}

	result := PollWake
	l.responses = l.responses[:0]
	l.responseIndex = 0

	// We are about to idle.
	l.polling = true
	poller := l.poller
	l.mu.Unlock()

	ready, err := poller.Wait(timeoutMillis)

	l.mu.Lock()

	// No longer idling.
	l.polling = false

	switch {
	case l.rebuildRequired:
		l.rebuildRequired = false
		l.rebuildLocked()
	case err == unix.EINTR:
		// An interrupted wait counts as an external wake.
	case err != nil:
		logging.Warnf("poll failed with an unexpected error: %v", err)
		result = PollError
	case len(ready) == 0:
		result = PollTimeout
	default:
		for _, ev := range ready {
			if ev.Seq == wakeSeq {
				if ev.Events&EventInput != 0 {
					l.awoken()
				} else {
					logging.Warnf("ignoring unexpected events 0x%x on wake event fd", ev.Events)
				}
				continue
			}
			req, ok := l.requests[ev.Seq]
			if !ok {
				logging.Warnf("ignoring unexpected events 0x%x for sequence number %d that is no longer registered",
					ev.Events, ev.Seq)
				continue
			}
			l.responses = append(l.responses, response{seq: ev.Seq, events: ev.Events, request: req})
		}
	}

	// Invoke pending message callbacks.
	l.nextMessageUptime = maxUptime
	for len(l.messages) != 0 {
		now := Now()
		envelope := l.messages[0]
		if envelope.uptime > now {
			// The message at the head of the queue determines the next
			// wakeup time.
			l.nextMessageUptime = envelope.uptime
			break
		}

		// The handler reference is held only on the stack across the
		// unlocked region, so the caller can drop its own reference
		// without racing the dispatch.
		handler, message := envelope.handler, envelope.message
		l.popMessageLocked()
		putEnvelope(envelope)
		l.sendingMessage = true
		l.mu.Unlock()

		logging.Debugf("%p ~ pollOnce - sending message: what=%d", l, message.What)
		handler.HandleMessage(message)

		l.mu.Lock()
		l.sendingMessage = false
		result = PollCallback
	}

	l.mu.Unlock()

	// Invoke all response callbacks.
	for i := range l.responses {
		r := &l.responses[i]
		if r.request.ident == PollCallback {
			logging.Debugf("%p ~ pollOnce - invoking fd event callback: fd=%d, events=0x%x",
				l, r.request.fd, r.events)

			// The descriptor may be closed, and its integer recycled, by
			// the callback before it returns, so unregistration goes by
			// the sequence number captured in the response.
			callbackResult := r.request.callback.HandleEvent(r.request.fd, r.events, r.request.data)
			if callbackResult == 0 {
				l.mu.Lock()
				l.removeSequenceNumberLocked(r.seq)
				l.mu.Unlock()
			}

			// Clear the callback reference promptly; the response buffer
			// itself is not cleared until the next inner poll.
			r.request.callback = nil
			result = PollCallback
		}
	}
	return result
}

// toMillisecondTimeoutDelay converts the gap between two monotonic
// timestamps to a millisecond timeout, rounding up so a wait never
// returns before the deadline.
func toMillisecondTimeoutDelay(referenceTime, timeoutTime int64) int {
	if timeoutTime <= referenceTime {
		return 0
	}
	delay := (timeoutTime - referenceTime + int64(time.Millisecond) - 1) / int64(time.Millisecond)
	if delay > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(delay)
}
