/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"github.com/google/uuid"
)

// ServerId is a short, operator-assigned identifier for a server in the
// link mesh, analogous to a TS6 SID: three alphanumeric characters,
// unique within the network (spec.md §5, grounded on horgh-catbox's SID
// handling in its link burst code).
type ServerId string

// Uid is a network-unique user identifier, stable across nick changes and
// reused for collision detection during netsplit/heal merges (spec.md §5).
// Rendered as ServerId+9 alphanumerics, TS6-style.
type Uid string

// SessionId identifies one physical connection, independent of the
// account/nick it authenticates as. Multiple SessionIds may share one
// Uid/account under the bouncer model (spec.md §4.3). Generated with
// google/uuid since, unlike Uid, it never needs to be short enough to
// appear on the wire in S2S traffic.
type SessionId string

// NewSessionId returns a fresh random SessionId.
func NewSessionId() SessionId {
	return SessionId(uuid.NewString())
}

const uidAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// uidCounter generates the trailing 9-character suffix of a Uid by
// treating it as a base-36 odometer, the same scheme TS6 servers use so
// that UIDs assigned by one server never collide with another's.
type uidCounter struct {
	digits [9]byte
}

func newUidCounter() *uidCounter {
	c := &uidCounter{}
	for i := range c.digits {
		c.digits[i] = 'A'
	}
	return c
}

// Next returns the next Uid for sid and advances the odometer. Not safe
// for concurrent use; callers serialize through the Matrix's uid lock.
func (c *uidCounter) Next(sid ServerId) Uid {
	out := make([]byte, 9)
	copy(out, c.digits[:])

	for i := len(c.digits) - 1; i >= 0; i-- {
		idx := indexOf(uidAlphabet, c.digits[i])
		if idx < len(uidAlphabet)-1 {
			c.digits[i] = uidAlphabet[idx+1]
			break
		}
		c.digits[i] = uidAlphabet[0]
	}

	return Uid(string(sid) + string(out))
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
