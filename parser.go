/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"strings"
	"unicode/utf8"
)

// Parse takes one IRC protocol line (without the trailing CRLF, stripped
// by the framer) and returns the Message it describes. Clients are never
// permitted to send a prefix (spec.md §4.1); a leading ':' is a protocol
// violation, not a no-op.
func Parse(data string) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrNotEnoughData
	}

	if len(data) > MaxLineLength {
		return nil, ErrInputTooLong
	}

	if !utf8.ValidString(data) {
		return nil, ErrInvalidUTF8
	}

	data = strings.Trim(data, " \t")
	if len(data) == 0 {
		return nil, ErrWhitespace
	}

	msg := MessagePool.New()

	if data[0] == '@' {
		sp := strings.IndexByte(data, ' ')
		if sp < 0 {
			MessagePool.Recycle(msg)
			return nil, ErrMalformed
		}
		tagPortion := data[1:sp]
		if len(tagPortion) > MaxTagsLength {
			MessagePool.Recycle(msg)
			return nil, ErrInputTooLong
		}
		msg.Tags = parseTags(tagPortion)
		data = strings.TrimLeft(data[sp+1:], " ")
	}

	if len(data) == 0 {
		MessagePool.Recycle(msg)
		return nil, ErrMalformed
	}

	if data[0] == ':' {
		MessagePool.Recycle(msg)
		return nil, ErrPrefixed
	}

	if len(data) > MaxClassicLineLength {
		MessagePool.Recycle(msg)
		return nil, ErrInputTooLong
	}

	split := strings.SplitN(data, " :", 2)
	args := strings.Fields(split[0])
	if len(args) == 0 {
		MessagePool.Recycle(msg)
		return nil, ErrMalformed
	}

	msg.Command = strings.ToUpper(args[0])
	msg.Params = args[1:]

	if len(msg.Params) > MaxMsgParams {
		MessagePool.Recycle(msg)
		return nil, ErrTooManyParams
	}

	if len(split) > 1 {
		msg.Text = split[1]
		msg.HasText = true
	}

	return msg, nil
}

// parseTags splits a raw "key=val;key2=val2" tag portion into a map,
// unescaping values per the IRCv3 message-tags escaping rules. A
// malformed individual tag is skipped rather than failing the whole line,
// matching how real clients tolerate tags they don't understand.
func parseTags(raw string) map[string]string {
	parts := strings.Split(raw, ";")
	tags := make(map[string]string, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if eq := strings.IndexByte(p, '='); eq >= 0 {
			tags[p[:eq]] = unescapeTagValue(p[eq+1:])
		} else {
			tags[p] = ""
		}
	}
	return tags
}
