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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPrepareCachesPerGoroutine(t *testing.T) {
	require.Nil(t, GetForThread())

	l := Prepare(PrepareAllowNonCallbacks)
	defer func() {
		SetForThread(nil)
		require.NoError(t, l.Close())
	}()
	require.NotNil(t, l)
	assert.True(t, l.AllowNonCallbacks())

	assert.Same(t, l, Prepare(PrepareAllowNonCallbacks))
	assert.Same(t, l, GetForThread())

	// Mismatched options warn but still return the cached looper with
	// its original configuration.
	assert.Same(t, l, Prepare(0))
	assert.True(t, l.AllowNonCallbacks())
}

func TestPrepareIsolatedBetweenGoroutines(t *testing.T) {
	l := Prepare(0)
	defer func() {
		SetForThread(nil)
		require.NoError(t, l.Close())
	}()

	var eg errgroup.Group
	eg.Go(func() error {
		assert.Nil(t, GetForThread())
		other := Prepare(0)
		assert.NotSame(t, l, other)
		SetForThread(nil)
		return other.Close()
	})
	require.NoError(t, eg.Wait())

	assert.Same(t, l, GetForThread())
}

func TestSetForThreadRelease(t *testing.T) {
	l := NewLooper(false)
	defer func() { require.NoError(t, l.Close()) }()

	SetForThread(l)
	assert.Same(t, l, GetForThread())
	SetForThread(nil)
	assert.Nil(t, GetForThread())
}
