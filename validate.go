/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import "strings"

// isValidNick enforces the wire-level shape of a nickname (spec.md §4.3):
// non-empty, within the configured length, free of space/comma/colon/'*'/
// '?'/'!'/'@' and not starting with a digit or '-'.
func isValidNick(nick string, maxLen int) bool {
	if nick == "" || len(nick) > maxLen {
		return false
	}
	if nick[0] >= '0' && nick[0] <= '9' {
		return false
	}
	if nick[0] == '-' {
		return false
	}
	for i := 0; i < len(nick); i++ {
		switch nick[i] {
		case ' ', ',', ':', '*', '?', '!', '@', '\r', '\n', '\x00':
			return false
		}
	}
	return true
}

// channelTypes lists the sigils a channel name may begin with (spec.md
// §6.1 ISUPPORT CHANTYPES).
const channelTypes = "#&"

func isChannelName(name string) bool {
	if name == "" || !strings.ContainsAny(name[:1], channelTypes) {
		return false
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case ' ', ',', '\x07', '\r', '\n', '\x00':
			return false
		}
	}
	return true
}

func isValidChannelName(name string, maxLen int) bool {
	return isChannelName(name) && len(name) <= maxLen
}
