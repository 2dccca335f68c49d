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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueWhats(l *Looper) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	whats := make([]int, 0, len(l.messages))
	for _, envelope := range l.messages {
		whats = append(whats, envelope.message.What)
	}
	return whats
}

func TestEqualDeadlinesDispatchInEnqueueOrder(t *testing.T) {
	l := NewLooper(false)
	defer func() { require.NoError(t, l.Close()) }()

	h := new(recordingHandler)
	uptime := Now() + int64(10*time.Millisecond)
	l.SendMessageAtTime(uptime, h, Message{What: 1})
	l.SendMessageAtTime(uptime, h, Message{What: 2})
	l.SendMessageAtTime(uptime, h, Message{What: 3})

	assert.Equal(t, []int{1, 2, 3}, queueWhats(l))

	for len(h.whats) < 3 {
		ident, _, _, _ := l.PollOnce(-1)
		require.Contains(t, []int{PollWake, PollCallback}, ident)
	}
	assert.Equal(t, []int{1, 2, 3}, h.whats)
}

func TestQueueSortedByDeadline(t *testing.T) {
	l := NewLooper(false)
	defer func() { require.NoError(t, l.Close()) }()

	h := new(recordingHandler)
	base := Now() + int64(time.Hour)
	l.SendMessageAtTime(base+2, h, Message{What: 2})
	l.SendMessageAtTime(base+3, h, Message{What: 3})
	l.SendMessageAtTime(base+1, h, Message{What: 1})

	assert.Equal(t, []int{1, 2, 3}, queueWhats(l))
	l.RemoveMessages(h)
}

func TestRemoveMessages(t *testing.T) {
	l := NewLooper(false)
	defer func() { require.NoError(t, l.Close()) }()

	h1 := new(recordingHandler)
	h2 := new(recordingHandler)
	base := Now() + int64(time.Hour)
	l.SendMessageAtTime(base+1, h1, Message{What: 1})
	l.SendMessageAtTime(base+2, h1, Message{What: 2})
	l.SendMessageAtTime(base+3, h2, Message{What: 1})

	// Removing for a handler with nothing enqueued changes nothing.
	l.RemoveMessages(new(recordingHandler))
	assert.Equal(t, []int{1, 2, 1}, queueWhats(l))

	l.RemoveMessagesWhat(h1, 1)
	assert.Equal(t, []int{2, 1}, queueWhats(l))

	l.RemoveMessages(h1)
	assert.Equal(t, []int{1}, queueWhats(l))

	// Idempotent once drained.
	l.RemoveMessages(h1)
	assert.Equal(t, []int{1}, queueWhats(l))

	l.RemoveMessages(h2)
	assert.Empty(t, queueWhats(l))
}

func TestRemoveMessagesNonComparableHandler(t *testing.T) {
	l := NewLooper(false)
	defer func() { require.NoError(t, l.Close()) }()

	base := Now() + int64(time.Hour)
	fn := HandlerFunc(func(Message) {})
	h := new(recordingHandler)
	l.SendMessageAtTime(base+1, fn, Message{What: 1})
	l.SendMessageAtTime(base+2, h, Message{What: 2})

	// Removal by a func-typed handler is a no-op rather than a panic.
	require.NotPanics(t, func() { l.RemoveMessages(fn) })
	require.NotPanics(t, func() { l.RemoveMessagesWhat(fn, 1) })
	assert.Equal(t, []int{1, 2}, queueWhats(l))

	// A func-typed envelope in the queue does not disturb removal by a
	// pointer-backed handler.
	require.NotPanics(t, func() { l.RemoveMessages(h) })
	assert.Equal(t, []int{1}, queueWhats(l))

	l.mu.Lock()
	l.messages = l.messages[:0]
	l.mu.Unlock()
}

// chainingHandler re-enqueues from inside HandleMessage, exercising the
// no-wake path taken while the looper is dispatching messages.
type chainingHandler struct {
	l     *Looper
	count int
	limit int
}

func (h *chainingHandler) HandleMessage(msg Message) {
	h.count++
	if h.count < h.limit {
		h.l.SendMessage(h, Message{What: msg.What + 1})
	}
}

func TestHandlerChainsMessagesDuringDispatch(t *testing.T) {
	l := NewLooper(false)
	defer func() { require.NoError(t, l.Close()) }()

	h := &chainingHandler{l: l, limit: 3}
	l.SendMessage(h, Message{What: 1})

	for h.count < 3 {
		ident, _, _, _ := l.PollOnce(-1)
		require.Contains(t, []int{PollWake, PollCallback}, ident)
	}
	assert.Equal(t, 3, h.count)
	assert.Empty(t, queueWhats(l))
}

func TestSendMessageDeliversPromptly(t *testing.T) {
	l := NewLooper(false)
	defer func() { require.NoError(t, l.Close()) }()

	h := new(recordingHandler)
	start := time.Now()
	l.SendMessageDelayed(30*time.Millisecond, h, Message{What: 5})

	for len(h.whats) == 0 {
		ident, _, _, _ := l.PollOnce(-1)
		require.Contains(t, []int{PollWake, PollCallback}, ident)
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Equal(t, []int{5}, h.whats)
}
