/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockTickMonotonic(t *testing.T) {
	var ticks int64 = 100
	c := &Clock{nowFn: func() int64 { return ticks }}

	first := c.Tick()
	second := c.Tick() // same physical tick: counter must advance
	assert.Equal(t, first.Wall, second.Wall)
	assert.Greater(t, second.Counter, first.Counter)

	ticks = 200
	third := c.Tick() // physical time moved on: counter resets
	assert.Equal(t, int64(200), third.Wall)
	assert.Equal(t, uint32(0), third.Counter)
}

func TestClockObserveNeverGoesBackward(t *testing.T) {
	ticks := int64(100)
	c := &Clock{nowFn: func() int64 { return ticks }}
	c.Tick()

	observed := c.Observe(Stamp{Wall: 500, Counter: 7})
	assert.Equal(t, int64(500), observed.Wall)
	assert.Equal(t, uint32(8), observed.Counter)

	// A stale remote stamp must not move the clock backward.
	next := c.Observe(Stamp{Wall: 10, Counter: 99})
	assert.GreaterOrEqual(t, next.Wall, int64(500))
}

func TestBeforeTieBreaksOnServerId(t *testing.T) {
	a := Stamp{Wall: 1, Counter: 1}
	b := Stamp{Wall: 1, Counter: 1}
	assert.True(t, Before(a, b, "aaa", "bbb"))
	assert.False(t, Before(a, b, "bbb", "aaa"))
}
