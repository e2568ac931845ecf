/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

// Package replication implements the optional server-linking layer:
// peer handshake and burst exchange modeled on horgh-catbox's TS6
// SID/UID/SJOIN wire shapes, and a hybrid logical clock used to give
// every replicated event a causally-ordered timestamp so concurrent
// writes from different servers merge deterministically (last-writer-
// wins on the clock, ties broken by ServerId) instead of needing a
// consensus round trip.
package replication

import (
	"fmt"
	"sync"
	"time"
)

// Clock is a hybrid logical clock (Lamport/NTP hybrid, Kulkarni et al.):
// a physical timestamp paired with a logical counter that only advances
// when two events land in the same physical tick. It gives every local
// mutation a timestamp comparable across servers without requiring
// synchronized clocks tighter than NTP normally provides.
type Clock struct {
	mu      sync.Mutex
	wall    int64
	counter uint32
	nowFn   func() int64
}

// Stamp is one HLC reading: comparable, totally ordered, and safe to
// serialize across a Link.
type Stamp struct {
	Wall    int64
	Counter uint32
}

func New() *Clock {
	return &Clock{nowFn: func() int64 { return time.Now().UnixNano() }}
}

// Tick advances the clock for a local event and returns its Stamp.
func (c *Clock) Tick() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()
	if now > c.wall {
		c.wall = now
		c.counter = 0
	} else {
		c.counter++
	}
	return Stamp{Wall: c.wall, Counter: c.counter}
}

// Observe merges a remote Stamp into the clock (receipt of a replicated
// event), per the standard HLC update rule: the local clock never falls
// behind the furthest-ahead wall time it has seen (local, remote, or
// physical "now"), and the counter only advances when two events land
// on the same wall time.
func (c *Clock) Observe(remote Stamp) Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldWall, oldCounter := c.wall, c.counter
	now := c.nowFn()

	newWall := now
	if oldWall > newWall {
		newWall = oldWall
	}
	if remote.Wall > newWall {
		newWall = remote.Wall
	}

	switch {
	case newWall == oldWall && newWall == remote.Wall:
		c.counter = max(oldCounter, remote.Counter) + 1
	case newWall == oldWall:
		c.counter = oldCounter + 1
	case newWall == remote.Wall:
		c.counter = remote.Counter + 1
	default:
		c.counter = 0
	}
	c.wall = newWall
	return Stamp{Wall: c.wall, Counter: c.counter}
}

// Before reports whether a happened strictly before b. ServerId breaks
// ties so two stamps equal in (Wall, Counter) from different servers
// still resolve deterministically, rather than "neither before the
// other" being left ambiguous at merge time.
func Before(a, b Stamp, aServer, bServer string) bool {
	if a.Wall != b.Wall {
		return a.Wall < b.Wall
	}
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return aServer < bServer
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d.%d", s.Wall, s.Counter)
}
