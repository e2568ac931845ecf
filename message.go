/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relaynet/relayd/shared/itempool"
)

// Message represents one IRC protocol line, with IRCv3 message-tags.
// See RFC 1459 section 2.3.1 and the IRCv3 message-tags spec.
//
//	<message>  = ['@' <tags> <SPACE>] [':' <prefix> <SPACE>] <command> <params> <crlf>
//	<tags>     = <tag> [';' <tag>]*
//	<tag>      = <key> ['=' <escaped value>]
//	<prefix>   = <servername> | <nick> ['!' <user>] ['@' <host>]
//	<command>  = <letter>+ | <digit> <digit> <digit>
//	<params>   = <SPACE> [':' <trailing> | <middle> <params>]
type Message struct {
	Tags    map[string]string // IRCv3 client/server tags, nil if none present.
	Source  string            // Prefix: servername, or nick[!user][@host].
	Command string            // Upper-cased command token.
	Code    uint16            // Non-zero for numeric replies; takes precedence over Command on render.
	Params  []string          // Middle params, not including the trailing param.
	Text    string            // Trailing param (after the leading ':'), possibly empty.
	HasText bool              // Whether a trailing param was present at all, vs. an absent one.
}

const (
	space = " "
	crlf  = "\r\n"
	colon = ":"
)

// Scrub resets a Message to its zero value so it's safe to hand back to
// the pool, satisfying itempool.ScrubbableItem.
func (msg *Message) Scrub() {
	msg.Tags = nil
	msg.Source = ""
	msg.Command = ""
	msg.Code = 0
	msg.Params = nil
	msg.Text = ""
	msg.HasText = false
}

// MessagePool recycles Message objects to avoid an allocation per line on
// both the read and write paths of every session.
var MessagePool = itempool.New[*Message](4096, func() *Message { return &Message{} })

// String satisfies fmt.Stringer.
func (msg *Message) String() string {
	return msg.Render()
}

// Render returns the wire-formatted form of the message, including the
// trailing CRLF. Tags are rendered first if present, per the IRCv3
// order. It enforces spec.md §8 property 6: the classic portion (source
// through the trailing param, plus CRLF) never exceeds
// MaxClassicLineLength, and if tags push the full line above
// MaxLineLength, the lowest-priority tags are dropped first — client-only
// ('+'-prefixed) tags before anything a server or other client set.
func (msg *Message) Render() string {
	body := msg.renderBody()
	body = truncateLine(body, MaxClassicLineLength)

	if len(msg.Tags) == 0 {
		return body
	}

	tags := make(map[string]string, len(msg.Tags))
	for k, v := range msg.Tags {
		tags[k] = v
	}
	order := orderedTagKeysByPriority(tags)

	line := renderTags(tags) + body
	for len(line) > MaxLineLength && len(order) > 0 {
		delete(tags, order[0])
		order = order[1:]
		line = renderTags(tags) + body
	}
	return truncateLine(line, MaxLineLength)
}

// renderBody renders everything but the tags prefix: source, command or
// numeric code, params, trailing text, and the final CRLF.
func (msg *Message) renderBody() string {
	var b strings.Builder
	b.Grow(128)

	if msg.Source != "" {
		b.WriteString(colon)
		b.WriteString(msg.Source)
		b.WriteString(space)
	}

	if msg.Code > 0 {
		fmt.Fprintf(&b, "%03d", msg.Code)
	} else {
		b.WriteString(msg.Command)
	}

	params := msg.Params
	if len(params) > MaxMsgParams {
		params = params[:MaxMsgParams]
	}
	for _, p := range params {
		b.WriteString(space)
		b.WriteString(p)
	}

	if msg.HasText || msg.Text != "" {
		b.WriteString(space)
		b.WriteString(colon)
		b.WriteString(msg.Text)
	}

	b.WriteString(crlf)
	return b.String()
}

// renderTags renders the "@key=value;key2 " tags prefix for the given
// tag set, or "" if tags is empty.
func renderTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('@')
	first := true
	for k, v := range tags {
		if !first {
			b.WriteByte(';')
		}
		first = false
		b.WriteString(k)
		if v != "" {
			b.WriteByte('=')
			b.WriteString(escapeTagValue(v))
		}
	}
	b.WriteString(space)
	return b.String()
}

// orderedTagKeysByPriority lists tags's keys in the order they should be
// dropped under size pressure: client-only ('+'-prefixed) tags first,
// since IRCv3 treats them as advisory, then everything else. Each group
// is sorted for a deterministic drop order.
func orderedTagKeysByPriority(tags map[string]string) []string {
	var client, other []string
	for k := range tags {
		if strings.HasPrefix(k, "+") {
			client = append(client, k)
		} else {
			other = append(other, k)
		}
	}
	sort.Strings(client)
	sort.Strings(other)
	return append(client, other...)
}

// truncateLine caps line at max bytes, preserving the trailing CRLF.
func truncateLine(line string, max int) string {
	if len(line) <= max {
		return line
	}
	cut := max - len(crlf)
	if cut < 0 {
		cut = 0
	}
	return line[:cut] + crlf
}

// tagEscapeOrder maps raw bytes to their IRCv3 tag-value escape sequence.
// escapeTagValue looks each input byte up once, so an emitted escape is
// never escaped again.
var tagEscapeOrder = []struct {
	raw     byte
	escaped string
}{
	{'\\', "\\\\"},
	{';', "\\:"},
	{' ', "\\s"},
	{'\r', "\\r"},
	{'\n', "\\n"},
}

func escapeTagValue(v string) string {
	if !strings.ContainsAny(v, "\\; \r\n") {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		escaped := false
		for _, e := range tagEscapeOrder {
			if c == e.raw {
				b.WriteString(e.escaped)
				escaped = true
				break
			}
		}
		if !escaped {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeTagValue(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}
