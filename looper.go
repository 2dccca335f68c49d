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
	"sync"
	"time"

	"github.com/loopkit/looper/internal/netpoll"
	errorx "github.com/loopkit/looper/pkg/errors"
	"github.com/loopkit/looper/pkg/logging"
)

// Result codes returned by PollOnce and PollAll. Non-negative values
// are caller-assigned identifiers returned verbatim.
const (
	// PollWake means the poll was awoken before its timeout expired,
	// either explicitly through Wake or by an interrupted system call.
	PollWake = -1
	// PollCallback means one or more callbacks or message handlers
	// were invoked.
	PollCallback = -2
	// PollTimeout means the timeout expired with nothing to report.
	PollTimeout = -3
	// PollError means the kernel wait failed unexpectedly.
	PollError = -4
)

// Event bits reported to callbacks and identifier registrations. Only
// EventInput and EventOutput may be subscribed through AddFd;
// EventError and EventHangup are report-only.
const (
	EventInput  = netpoll.EventInput
	EventOutput = netpoll.EventOutput
	EventError  = netpoll.EventError
	EventHangup = netpoll.EventHangup
)

// PrepareAllowNonCallbacks is the option bit accepted by Prepare that
// permits registrations without a callback (identifier registrations).
const PrepareAllowNonCallbacks = 1 << 0

// wakeSeq is the sequence number reserved for the wake descriptor.
const wakeSeq uint64 = 1

// maxUptime marks "no message pending".
const maxUptime int64 = math.MaxInt64

// Message is an in-process message delivered to a MessageHandler at a
// monotonic-clock deadline.
type Message struct {
	What int
}

// MessageHandler receives messages dispatched by the looper.
type MessageHandler interface {
	HandleMessage(msg Message)
}

// HandlerFunc adapts a plain function to a MessageHandler.
//
// Function values are not comparable, so a HandlerFunc cannot be
// matched by RemoveMessages; use a pointer-backed handler when removal
// is needed.
type HandlerFunc func(msg Message)

// HandleMessage calls f(msg).
func (f HandlerFunc) HandleMessage(msg Message) {
	f(msg)
}

// Callback handles readiness events for a registered descriptor.
//
// HandleEvent returns non-zero to keep the registration alive, or 0 to
// have the looper unregister the descriptor. The callback may close its
// own descriptor before returning; unregistration is keyed by sequence
// number, not by the descriptor integer, so a recycled integer cannot
// be confused with the old registration.
type Callback interface {
	HandleEvent(fd, events int, data interface{}) int
}

// CallbackFunc adapts a plain function to a Callback.
type CallbackFunc func(fd, events int, data interface{}) int

// HandleEvent calls f(fd, events, data).
func (f CallbackFunc) HandleEvent(fd, events int, data interface{}) int {
	return f(fd, events, data)
}

// request is one active registration epoch of a file descriptor.
type request struct {
	fd       int
	ident    int
	events   int
	callback Callback
	data     interface{}
}

// subscribedEvents strips the report-only bits from the mask.
func (r *request) subscribedEvents() int {
	return r.events & (EventInput | EventOutput)
}

// response is a deferred delivery record built inside the inner poll
// while the mutex is held and consumed after it is dropped.
type response struct {
	seq     uint64
	events  int
	request request
}

type messageEnvelope struct {
	uptime  int64
	handler MessageHandler
	message Message
}

// Looper is a per-thread event loop multiplexing descriptor readiness
// and time-ordered messages onto one waiting thread.
//
// Exactly one goroutine, the loop goroutine, may call PollOnce and
// PollAll; every other operation is safe to call from any goroutine.
type Looper struct {
	allowNonCallbacks bool

	mu                sync.Mutex
	poller            *netpoll.Poller
	wakeFd            *netpoll.WakeFd
	requests          map[uint64]request
	seqByFd           map[int]uint64
	nextRequestSeq    uint64
	messages          []*messageEnvelope
	nextMessageUptime int64
	sendingMessage    bool
	polling           bool
	rebuildRequired   bool
	closed            bool

	// Only touched by the loop goroutine.
	responses     []response
	responseIndex int
}

// NewLooper constructs an unbound looper. Failure to create the kernel
// readiness set or the wake descriptor is unrecoverable and aborts.
//
// Most callers want Prepare instead, which also binds the looper to the
// calling goroutine.
func NewLooper(allowNonCallbacks bool) *Looper {
	wakeFd, err := netpoll.OpenWakeFd()
	if err != nil {
		logging.Fatalf("could not create wake event fd: %v", err)
	}
	l := &Looper{
		allowNonCallbacks: allowNonCallbacks,
		wakeFd:            wakeFd,
		requests:          make(map[uint64]request),
		seqByFd:           make(map[int]uint64),
		nextRequestSeq:    wakeSeq + 1,
		nextMessageUptime: maxUptime,
	}
	l.mu.Lock()
	l.rebuildLocked()
	l.mu.Unlock()
	return l
}

// AllowNonCallbacks reports whether identifier registrations without a
// callback are permitted on this looper.
func (l *Looper) AllowNonCallbacks() bool {
	return l.allowNonCallbacks
}

// IsPolling reports whether the looper is currently idling inside the
// kernel wait. This is a hint only; the state may change at any time.
func (l *Looper) IsPolling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.polling
}

// Close releases the kernel readiness set and the wake descriptor.
// It must not race an in-flight PollOnce; the loop goroutine should
// close its own looper once it is done polling.
func (l *Looper) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errorx.ErrLooperClosed
	}
	l.closed = true
	err := l.poller.Close()
	if werr := l.wakeFd.Close(); err == nil {
		err = werr
	}
	return err
}

// rebuildLocked destroys and recreates the kernel readiness set from
// the request table. Needed because the kernel cannot delete a token
// for a descriptor that has already been closed, so the set would
// otherwise keep a stale entry forever.
func (l *Looper) rebuildLocked() {
	if l.poller != nil {
		logging.Debugf("%p ~ rebuild - rebuilding kernel readiness set", l)
		logging.Error(l.poller.Close())
	}

	poller, err := netpoll.OpenPoller()
	if err != nil {
		logging.Fatalf("could not create kernel readiness set: %v", err)
	}
	l.poller = poller

	if err := poller.Add(l.wakeFd.ReadFd(), EventInput, wakeSeq); err != nil {
		logging.Fatalf("could not add wake event fd to readiness set: %v", err)
	}
	for seq, req := range l.requests {
		if err := poller.Add(req.fd, req.subscribedEvents(), seq); err != nil {
			logging.Errorf("error adding events for fd %d while rebuilding readiness set: %v", req.fd, err)
		}
	}
}

// scheduleRebuildLocked requests a rebuild at the top of the next poll
// iteration and kicks the waiter so it happens promptly.
func (l *Looper) scheduleRebuildLocked() {
	if !l.rebuildRequired {
		l.rebuildRequired = true
		l.wake()
	}
}

// Wake unblocks a pending kernel wait, making the poll return PollWake.
// Safe to call from any goroutine.
func (l *Looper) Wake() {
	l.wake()
}

func (l *Looper) wake() {
	if err := l.wakeFd.Wake(); err != nil {
		logging.Fatalf("could not write wake signal to fd %d: %v", l.wakeFd.ReadFd(), err)
	}
}

// awoken drains the wake descriptor after the kernel reported it ready.
func (l *Looper) awoken() {
	l.wakeFd.Drain()
}

// clockBase anchors the monotonic clock; readings are the monotonic
// nanoseconds elapsed since process start.
var clockBase = time.Now()

// Now returns the current monotonic clock time in nanoseconds. All
// message deadlines are expressed on this clock.
func Now() int64 {
	return int64(time.Since(clockBase))
}
