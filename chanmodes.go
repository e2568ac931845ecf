/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import "strings"

// ChannelMode is a bitmask of the channel-scoped boolean/keyed flags,
// distinct from PrefixMode which is per-member (spec.md §4.4).
type ChannelMode uint32

const (
	ModeInviteOnly ChannelMode = 1 << iota
	ModeModerated
	ModeNoExternal
	ModeSecret
	ModePrivate
	ModeTopicLock
	ModeKeyed    // +k, takes the C-class key param
	ModeLimited  // +l, takes the C-class limit param
	ModeRegistered
	ModePermanent
)

// modeClass categorizes a letter per ISUPPORT CHANMODES=<A>,<B>,<C>,<D>:
//
//	A: list modes, always take a parameter, both on set and unset (ban, except, invite-exception, quiet).
//	B: always take a parameter (key).
//	C: take a parameter only when setting (limit).
//	D: never take a parameter (the boolean flags, plus prefix modes are advertised separately via PREFIX).
type modeClass int

const (
	classA modeClass = iota
	classB
	classC
	classD
)

var channelModeLetters = map[byte]struct {
	class modeClass
	flag  ChannelMode // zero for class A/prefix letters, which don't map to a single ChannelMode bit
}{
	'b': {classA, 0},
	'e': {classA, 0},
	'I': {classA, 0},
	'q': {classA, 0}, // quiet list; distinct letter collision with PrefixOwner's 'q' is resolved by context: member-targeted MODE +q<nick> vs list MODE +q<mask> is disambiguated by argument shape in ParseModeChanges (an argument containing '!', '@' or '*' is a mask).
	'k': {classB, ModeKeyed},
	'l': {classC, ModeLimited},
	'i': {classD, ModeInviteOnly},
	'm': {classD, ModeModerated},
	'n': {classD, ModeNoExternal},
	's': {classD, ModeSecret},
	'p': {classD, ModePrivate},
	't': {classD, ModeTopicLock},
	'r': {classD, ModeRegistered},
	'P': {classD, ModePermanent},
}

// ISupportChanModes renders the CHANMODES= ISUPPORT value.
func ISupportChanModes() string {
	var a, b, c, d []byte
	for letter, info := range channelModeLetters {
		switch info.class {
		case classA:
			a = append(a, letter)
		case classB:
			b = append(b, letter)
		case classC:
			c = append(c, letter)
		case classD:
			d = append(d, letter)
		}
	}
	sortBytes(a)
	sortBytes(b)
	sortBytes(c)
	sortBytes(d)
	return string(a) + "," + string(b) + "," + string(c) + "," + string(d)
}

// ISupportPrefix renders the PREFIX= ISUPPORT value, e.g. "(qaohv)~&@%+".
func ISupportPrefix() string {
	var letters, sigils strings.Builder
	for _, p := range prefixRank {
		letters.WriteByte(p.letter)
		sigils.WriteByte(p.sigil)
	}
	return "(" + letters.String() + ")" + sigils.String()
}

func sortBytes(b []byte) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1] > b[j]; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}

// ModeChange is one parsed (sign, letter, argument?) tuple from a MODE
// command line, per spec.md §4.4's mode language.
type ModeChange struct {
	Add     bool
	Letter  byte
	Arg     string
	HasArg  bool
	IsPrefixTarget bool // true if Letter is a PrefixMode letter (o/v/h/a/q) rather than a channel flag
}

// ParseModeChanges walks a MODE params list ("+ov-b", "nick", "mask") into
// an ordered sequence of ModeChange tuples. An unknown letter yields a
// ModeChange with Letter set but no class resolution; the caller checks
// that before applying and emits ERR_UNKNOWNMODE.
func ParseModeChanges(params []string) []ModeChange {
	if len(params) == 0 {
		return nil
	}
	var changes []ModeChange
	argi := 1
	add := true
	for i := 0; i < len(params[0]); i++ {
		c := params[0][i]
		switch c {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}

		change := ModeChange{Add: add, Letter: c}

		if _, isPrefix := PrefixModeFromLetter(c); isPrefix && !(c == 'q' && argi < len(params) && strings.ContainsAny(params[argi], "!@*")) {
			change.IsPrefixTarget = true
			if argi < len(params) {
				change.Arg = params[argi]
				change.HasArg = true
				argi++
			}
			changes = append(changes, change)
			continue
		}

		info, known := channelModeLetters[c]
		if !known {
			changes = append(changes, change)
			continue
		}

		needsArg := false
		switch info.class {
		case classA, classB:
			needsArg = true
		case classC:
			needsArg = add
		}

		if needsArg && argi < len(params) {
			change.Arg = params[argi]
			change.HasArg = true
			argi++
		}

		changes = append(changes, change)
	}
	return changes
}
