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
	"sync"

	"github.com/loopkit/looper/internal/goid"
	"github.com/loopkit/looper/pkg/logging"
)

// threadLoopers maps goroutine id to that goroutine's looper.
var threadLoopers sync.Map

// Prepare returns the looper bound to the calling goroutine, creating
// and binding one on the first call. opts is a bitmask of preparation
// options; pass PrepareAllowNonCallbacks to permit identifier
// registrations without a callback.
//
// There is no goroutine-exit hook, so a goroutine that prepared a
// looper should release it with SetForThread(nil), and Close it, when
// it is done polling.
func Prepare(opts int) *Looper {
	allowNonCallbacks := opts&PrepareAllowNonCallbacks != 0
	looper := GetForThread()
	if looper == nil {
		looper = NewLooper(allowNonCallbacks)
		SetForThread(looper)
	}
	if looper.AllowNonCallbacks() != allowNonCallbacks {
		logging.Warnf("looper already prepared for this goroutine with a different value for the allow-non-callbacks option")
	}
	return looper
}

// SetForThread binds looper to the calling goroutine, replacing any
// previous binding. A nil looper releases the binding.
func SetForThread(looper *Looper) {
	gid := goid.Get()
	if looper == nil {
		threadLoopers.Delete(gid)
		return
	}
	threadLoopers.Store(gid, looper)
}

// GetForThread returns the looper bound to the calling goroutine, or
// nil if the goroutine has not prepared one.
func GetForThread() *Looper {
	if v, ok := threadLoopers.Load(goid.Get()); ok {
		return v.(*Looper)
	}
	return nil
}
