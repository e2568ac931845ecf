/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package replication_test

import (
	. "github.com/relaynet/relayd/internal/replication"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func members(s *ORSet[string]) []string {
	ms := s.Members()
	out := make([]string, len(ms))
	copy(out, ms)
	return out
}

var _ = Describe("ORSet merge", func() {

	var a, b *ORSet[string]

	BeforeEach(func() {
		a = NewORSet[string]()
		b = NewORSet[string]()
	})

	Describe("commutativity", func() {
		It("merge(A,B) equals merge(B,A)", func() {
			a.Add("alice", Stamp{Wall: 10})
			a.Add("bob", Stamp{Wall: 20})
			b.Add("carol", Stamp{Wall: 15})
			b.Remove("bob", Stamp{Wall: 25})

			left := NewORSet[string]()
			left.Merge(a)
			left.Merge(b)

			right := NewORSet[string]()
			right.Merge(b)
			right.Merge(a)

			Expect(members(left)).Should(ConsistOf(members(right)))
		})
	})

	Describe("idempotence", func() {
		It("merge(A,A) equals A", func() {
			a.Add("alice", Stamp{Wall: 10})
			before := members(a)
			a.Merge(a)
			Expect(members(a)).Should(ConsistOf(before))
		})
	})

	Describe("associativity", func() {
		It("merge(merge(A,B),C) equals merge(A,merge(B,C))", func() {
			a.Add("alice", Stamp{Wall: 10})
			b.Add("bob", Stamp{Wall: 20})
			c := NewORSet[string]()
			c.Add("carol", Stamp{Wall: 30})
			c.Remove("alice", Stamp{Wall: 40})

			ab := NewORSet[string]()
			ab.Merge(a)
			ab.Merge(b)
			abThenC := NewORSet[string]()
			abThenC.Merge(ab)
			abThenC.Merge(c)

			bc := NewORSet[string]()
			bc.Merge(b)
			bc.Merge(c)
			aThenBc := NewORSet[string]()
			aThenBc.Merge(a)
			aThenBc.Merge(bc)

			Expect(members(abThenC)).Should(ConsistOf(members(aThenBc)))
		})
	})

	Describe("add-wins on a same-stamp tie against a remove", func() {
		It("keeps the element a member", func() {
			a.Add("opUid", Stamp{Wall: 100})
			a.Remove("opUid", Stamp{Wall: 100})
			Expect(a.Contains("opUid")).Should(BeTrue())
		})
	})
})

var _ = Describe("HLC-ordered LWWRegister merge", func() {
	It("picks the later stamp regardless of argument order", func() {
		earlier := LWWRegister[string]{Value: "old topic", Stamp: Stamp{Wall: 100}, Origin: "srv-a"}
		later := LWWRegister[string]{Value: "new topic", Stamp: Stamp{Wall: 200}, Origin: "srv-b"}

		Expect(MergeLWW(earlier, later)).Should(Equal(later))
		Expect(MergeLWW(later, earlier)).Should(Equal(later))
	})
})
