/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import "time"

// PrefixMode is a bitmask of per-channel member status ranks (spec.md
// §4.4 "Mode language": prefix modes take a nick argument and mutate
// membership). Bit order is also rank order, highest first.
type PrefixMode uint8

const (
	PrefixOwner PrefixMode = 1 << iota
	PrefixAdmin
	PrefixOp
	PrefixHalfOp
	PrefixVoice
)

// prefixRank is the fixed, highest-to-lowest iteration order used
// whenever a single display prefix or multi-prefix string is rendered.
var prefixRank = []struct {
	mode   PrefixMode
	letter byte
	sigil  byte
}{
	{PrefixOwner, 'q', '~'},
	{PrefixAdmin, 'a', '&'},
	{PrefixOp, 'o', '@'},
	{PrefixHalfOp, 'h', '%'},
	{PrefixVoice, 'v', '+'},
}

// Highest returns the sigil for the highest-ranked bit set in m, or 0 if
// none are set.
func (m PrefixMode) Highest() byte {
	for _, p := range prefixRank {
		if m&p.mode != 0 {
			return p.sigil
		}
	}
	return 0
}

// Sigils renders every set bit's sigil, highest rank first, for the
// multi-prefix capability.
func (m PrefixMode) Sigils() string {
	buf := make([]byte, 0, len(prefixRank))
	for _, p := range prefixRank {
		if m&p.mode != 0 {
			buf = append(buf, p.sigil)
		}
	}
	return string(buf)
}

func PrefixModeFromLetter(letter byte) (PrefixMode, bool) {
	for _, p := range prefixRank {
		if p.letter == letter {
			return p.mode, true
		}
	}
	return 0, false
}

// Membership is the (Channel, Uid) entity from spec.md §3: per-member
// prefix modes and join time. It lives only inside the owning channel
// actor's member map and is never shared by reference outside it;
// GetSnapshot events copy it out by value.
type Membership struct {
	Uid      Uid
	Nick     string // snapshot of the nick at time of copy, for display without a Matrix round-trip
	Modes    PrefixMode
	JoinedAt time.Time
}

func (m Membership) HasAny(flags PrefixMode) bool {
	return m.Modes&flags != 0
}
