/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageRender(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		expected string
	}{
		{
			name: "command with trailing",
			msg: Message{
				Source:  "irc.someserver.net",
				Command: CmdPrivMsg,
				Params:  []string{"nick1!someuser@irc.somehost.org"},
				Text:    "I am the server",
				HasText: true,
			},
			expected: ":irc.someserver.net PRIVMSG nick1!someuser@irc.somehost.org :I am the server\r\n",
		},
		{
			name: "numeric reply",
			msg: Message{
				Source:  "irc.someserver.net",
				Code:    ReplyWelcome,
				Params:  []string{"nick1!someuser@irc.somehost.org"},
				Text:    "Welcome to the server",
				HasText: true,
			},
			expected: ":irc.someserver.net 001 nick1!someuser@irc.somehost.org :Welcome to the server\r\n",
		},
		{
			name: "no params, no trailing",
			msg: Message{
				Source:  "irc.someserver.net",
				Command: CmdPing,
			},
			expected: ":irc.someserver.net PING\r\n",
		},
		{
			name: "tags rendered before prefix",
			msg: Message{
				Tags:    map[string]string{"batch": "abc"},
				Source:  "irc.someserver.net",
				Command: CmdPrivMsg,
				Params:  []string{"#chan"},
				Text:    "hi",
				HasText: true,
			},
			expected: "@batch=abc :irc.someserver.net PRIVMSG #chan :hi\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.msg.Render())
			assert.Equal(t, tt.expected, tt.msg.String())
		})
	}
}

func TestMessageTagEscaping(t *testing.T) {
	msg := Message{
		Tags:    map[string]string{"label": "a;b c\\d"},
		Command: CmdTagmsg,
	}
	rendered := msg.Render()
	assert.Contains(t, rendered, `label=a\:b\sc\\d`)
}

func TestTagValueRoundTrip(t *testing.T) {
	raw := "needs\\sescaping\\:and\\\\backslash"
	assert.Equal(t, "needs escaping;and\\backslash", unescapeTagValue(raw))
	assert.Equal(t, raw, escapeTagValue("needs escaping;and\\backslash"))
}

func TestScrub(t *testing.T) {
	msg := &Message{
		Tags: map[string]string{"a": "b"}, Source: "s", Command: "X",
		Code: 1, Params: []string{"p"}, Text: "t", HasText: true,
	}
	msg.Scrub()
	assert.Equal(t, Message{}, *msg)
}
