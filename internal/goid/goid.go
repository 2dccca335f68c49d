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

// Package goid resolves the runtime id of the calling goroutine, which
// the looper uses to key its per-goroutine singletons.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

var stackPrefix = []byte("goroutine ")

// Get returns the id of the calling goroutine.
//
// The id is parsed out of the first line of a single-goroutine stack
// dump ("goroutine N [running]:"). That costs a runtime.Stack call, so
// callers are expected to invoke it on binding operations, not on hot
// paths.
func Get() int64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], stackPrefix)
	if i := bytes.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	id, _ := strconv.ParseInt(string(s), 10, 64)
	return id
}
