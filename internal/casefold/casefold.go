/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

// Package casefold implements the nickname/channel-name folding rules a
// Matrix uses as map keys, per spec.md §4.3's requirement that "nick" and
// "channel" comparisons are casefold-aware, not byte-equal.
package casefold

import (
	"strings"

	"golang.org/x/text/secure/precis"
	"golang.org/x/text/width"
)

// Profile folds a name into its canonical comparison form. Two names that
// fold to the same string are the same identity for MONITOR, NICK
// collision detection, and channel lookup purposes.
type Profile interface {
	Fold(name string) string
	Name() string
}

// ASCII implements the traditional RFC 1459 "rfc1459" casemapping: ASCII
// letters lowercased, plus the four punctuation pairs treated as
// uppercase/lowercase equivalents of each other.
type ASCII struct{}

func (ASCII) Name() string { return "ascii" }

func (ASCII) Fold(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		case c == '[':
			c = '{'
		case c == ']':
			c = '}'
		case c == '\\':
			c = '|'
		case c == '~':
			c = '^'
		}
		b[i] = c
	}
	return string(b)
}

// PRECIS folds Unicode nicknames via the PRECIS UsernameCaseMapped
// profile (width-folded first, so fullwidth/halfwidth confusables collapse
// to the same identity before case mapping), per the Open Question
// decision to support non-ASCII nicks when an operator opts in.
type PRECIS struct{}

func (PRECIS) Name() string { return "precis" }

func (PRECIS) Fold(name string) string {
	folded := width.Fold.String(name)
	out, err := precis.UsernameCaseMapped.String(folded)
	if err != nil {
		// Not a valid PRECIS identifier (stray control chars, bidi
		// violations, etc): fall back to a plain lowercase fold rather
		// than reject, since Matrix lookups must always produce a key.
		return strings.ToLower(folded)
	}
	return out
}

// FoldChannel folds a channel name, which keeps its leading sigil(s)
// ('#', '&', '+', '!') untouched and folds only the name portion, since
// PRECIS identifier profiles reject '#'.
func FoldChannel(p Profile, name string) string {
	i := 0
	for i < len(name) && isChannelSigil(name[i]) {
		i++
	}
	return name[:i] + p.Fold(name[i:])
}

func isChannelSigil(c byte) bool {
	switch c {
	case '#', '&', '+', '!':
		return true
	default:
		return false
	}
}
