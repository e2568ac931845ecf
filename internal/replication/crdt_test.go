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

func TestMergeFlagsUnion(t *testing.T) {
	const modeInviteOnly uint32 = 1 << 0
	const modeModerated uint32 = 1 << 1
	assert.Equal(t, modeInviteOnly|modeModerated, MergeFlags(modeInviteOnly, modeModerated))
	assert.Equal(t, modeInviteOnly, MergeFlags(modeInviteOnly, modeInviteOnly))
}

func TestMergeLWWPicksLaterStamp(t *testing.T) {
	a := LWWRegister[string]{Value: "topic A", Stamp: Stamp{Wall: 100}, Origin: "srv-a"}
	b := LWWRegister[string]{Value: "topic B", Stamp: Stamp{Wall: 200}, Origin: "srv-b"}
	assert.Equal(t, b, MergeLWW(a, b))
	assert.Equal(t, b, MergeLWW(b, a))
	assert.Equal(t, a, MergeLWW(a, a))
}

func buildSet(adds map[string]int64, removes map[string]int64) *ORSet[string] {
	s := NewORSet[string]()
	for elem, wall := range adds {
		s.Add(elem, Stamp{Wall: wall})
	}
	for elem, wall := range removes {
		s.Remove(elem, Stamp{Wall: wall})
	}
	return s
}

func membersOf(s *ORSet[string]) map[string]bool {
	out := make(map[string]bool)
	for _, m := range s.Members() {
		out[m] = true
	}
	return out
}

func TestORSetAddWinsOnTie(t *testing.T) {
	s := NewORSet[string]()
	s.Add("opUid", Stamp{Wall: 100})
	s.Remove("opUid", Stamp{Wall: 100})
	assert.True(t, s.Contains("opUid"), "add must win a same-stamp tie against remove")
}

func TestORSetMergeCommutative(t *testing.T) {
	a := buildSet(map[string]int64{"alice": 10, "bob": 20}, nil)
	b := buildSet(map[string]int64{"carol": 15}, map[string]int64{"bob": 25})

	left := buildSet(map[string]int64{"alice": 10, "bob": 20}, nil)
	left.Merge(b)

	right := buildSet(map[string]int64{"carol": 15}, map[string]int64{"bob": 25})
	right.Merge(a)

	assert.Equal(t, membersOf(left), membersOf(right))
}

func TestORSetMergeIdempotent(t *testing.T) {
	a := buildSet(map[string]int64{"alice": 10}, nil)
	snapshot := membersOf(a)
	a.Merge(a)
	assert.Equal(t, snapshot, membersOf(a))
}

func TestORSetMergeAssociative(t *testing.T) {
	a := buildSet(map[string]int64{"alice": 10}, nil)
	b := buildSet(map[string]int64{"bob": 20}, nil)
	c := buildSet(map[string]int64{"carol": 30}, map[string]int64{"alice": 40})

	ab := buildSet(map[string]int64{"alice": 10}, nil)
	ab.Merge(b)
	abc := buildSet(map[string]int64{}, nil)
	abc.Merge(ab)
	abc.Merge(c)

	bc := buildSet(map[string]int64{"bob": 20}, nil)
	bc.Merge(c)
	aBc := buildSet(map[string]int64{"alice": 10}, nil)
	aBc.Merge(bc)

	assert.Equal(t, membersOf(abc), membersOf(aBc))
}
