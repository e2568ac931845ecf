/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

// UserMode is a bitmask of the RFC 2812 user modes plus the handful of
// IRCv3/ops extensions this core advertises.
type UserMode uint32

const (
	UModeAway UserMode = 1 << iota
	UModeInvisible
	UModeWallops
	UModeNetOp
	UModeHelpOp
	UModeAdmin
	UModeRegistered // account is authenticated (SASL or services)
	UModeBot
	UModeDeaf
)

var userModeLetters = map[UserMode]byte{
	UModeAway:       'a',
	UModeInvisible:  'i',
	UModeWallops:    'w',
	UModeNetOp:      'o',
	UModeHelpOp:     'h',
	UModeAdmin:      'O',
	UModeRegistered: 'r',
	UModeBot:        'B',
	UModeDeaf:       'D',
}

var letterToUserMode = func() map[byte]UserMode {
	inverse := make(map[byte]UserMode, len(userModeLetters))
	for mode, letter := range userModeLetters {
		inverse[letter] = mode
	}
	return inverse
}()

// String renders the set bits as a sorted mode-letter string, e.g. "+iow".
func (m UserMode) String() string {
	if m == 0 {
		return ""
	}
	buf := make([]byte, 0, len(userModeLetters))
	// Fixed iteration order (declaration order of the consts above) keeps
	// the rendering deterministic across calls, unlike ranging a map.
	for _, mode := range []UserMode{
		UModeAway, UModeInvisible, UModeWallops, UModeNetOp, UModeHelpOp,
		UModeAdmin, UModeRegistered, UModeBot, UModeDeaf,
	} {
		if m&mode != 0 {
			buf = append(buf, userModeLetters[mode])
		}
	}
	return string(buf)
}

// UserModeFromLetter resolves a single mode-change letter to its bitmask.
func UserModeFromLetter(letter byte) (UserMode, bool) {
	mode, ok := letterToUserMode[letter]
	return mode, ok
}

// userModeSelfSettable reports whether a user may toggle this mode on
// themselves without operator privileges. Modes like NetOp/Admin are only
// granted via OPER or a services ForceMode effect (spec.md §6.3).
func userModeSelfSettable(m UserMode) bool {
	switch m {
	case UModeAway, UModeInvisible, UModeWallops, UModeBot, UModeDeaf:
		return true
	default:
		return false
	}
}
