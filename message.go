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
	"reflect"
	"sync"
	"time"

	"github.com/loopkit/looper/pkg/logging"
)

var envelopePool = sync.Pool{New: func() interface{} { return new(messageEnvelope) }}

func getEnvelope() *messageEnvelope {
	return envelopePool.Get().(*messageEnvelope)
}

func putEnvelope(envelope *messageEnvelope) {
	envelope.uptime, envelope.handler, envelope.message = 0, nil, Message{}
	envelopePool.Put(envelope)
}

// SendMessage enqueues msg for immediate delivery to handler on the
// loop goroutine. Equivalent to SendMessageDelayed with zero delay.
// Safe to call from any goroutine, including from handlers.
func (l *Looper) SendMessage(handler MessageHandler, msg Message) {
	l.SendMessageAtTime(Now(), handler, msg)
}

// SendMessageDelayed enqueues msg for delivery after the given delay.
func (l *Looper) SendMessageDelayed(delay time.Duration, handler MessageHandler, msg Message) {
	l.SendMessageAtTime(Now()+int64(delay), handler, msg)
}

// SendMessageAtTime enqueues msg for delivery at the absolute
// monotonic-clock time uptime, in nanoseconds (see Now). Messages with
// equal deadlines are delivered in the order they were enqueued.
func (l *Looper) SendMessageAtTime(uptime int64, handler MessageHandler, msg Message) {
	logging.Debugf("%p ~ sendMessageAtTime - uptime=%d, what=%d", l, uptime, msg.What)

	envelope := getEnvelope()
	envelope.uptime, envelope.handler, envelope.message = uptime, handler, msg

	l.mu.Lock()

	i := 0
	for i < len(l.messages) && uptime >= l.messages[i].uptime {
		i++
	}
	l.messages = append(l.messages, nil)
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = envelope

	// If the looper is dispatching messages right now, the next thing it
	// does after the handlers return is recompute the next wakeup time,
	// so no wake is needed.
	if l.sendingMessage {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	// Wake the poll loop only when the new message landed at the head.
	if i == 0 {
		l.wake()
	}
}

// comparableHandler reports whether handler can be matched by interface
// equality. Comparing two interface values panics when both carry the
// same non-comparable dynamic type (a HandlerFunc, say); a query of
// such a type can never have been matched anyway, so removal skips it.
// Envelopes holding a non-comparable handler are harmless to compare
// against a query of any other type.
func comparableHandler(handler MessageHandler) bool {
	return handler == nil || reflect.TypeOf(handler).Comparable()
}

// RemoveMessages removes all messages addressed to handler that have
// not yet been dispatched. Handlers are matched by interface identity,
// so handlers of non-comparable types (such as HandlerFunc) cannot be
// removed; use a pointer-backed handler when removal is needed.
func (l *Looper) RemoveMessages(handler MessageHandler) {
	logging.Debugf("%p ~ removeMessages", l)

	if !comparableHandler(handler) {
		logging.Warnf("ignoring removal for a handler of non-comparable type %T; use a pointer-backed handler", handler)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.messages); i != 0; {
		i--
		if l.messages[i].handler == handler {
			l.removeMessageAtLocked(i)
		}
	}
}

// RemoveMessagesWhat removes all undispatched messages addressed to
// handler whose What field equals what. The handler-matching rules of
// RemoveMessages apply.
func (l *Looper) RemoveMessagesWhat(handler MessageHandler, what int) {
	logging.Debugf("%p ~ removeMessages - what=%d", l, what)

	if !comparableHandler(handler) {
		logging.Warnf("ignoring removal for a handler of non-comparable type %T; use a pointer-backed handler", handler)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.messages); i != 0; {
		i--
		if l.messages[i].handler == handler && l.messages[i].message.What == what {
			l.removeMessageAtLocked(i)
		}
	}
}

func (l *Looper) removeMessageAtLocked(i int) {
	envelope := l.messages[i]
	copy(l.messages[i:], l.messages[i+1:])
	l.messages[len(l.messages)-1] = nil
	l.messages = l.messages[:len(l.messages)-1]
	putEnvelope(envelope)
}

func (l *Looper) popMessageLocked() {
	copy(l.messages, l.messages[1:])
	l.messages[len(l.messages)-1] = nil
	l.messages = l.messages[:len(l.messages)-1]
}
