/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected error
	}{
		{
			name:     "valid message",
			input:    "PRIVMSG nick1!someuser@irc.somehost.org :I am the client",
			expected: nil,
		},
		{
			name:     "too many parameters",
			input:    "PRIVMSG 1 2 3 4 5 6 7 8 9 10 11 12 13 14 15 16 :I am the client",
			expected: ErrTooManyParams,
		},
		{
			name:     "client prefixed",
			input:    ":prefix PRIVMSG nick1!someuser@irc.somehost.org :I am the client",
			expected: ErrPrefixed,
		},
		{
			name:     "too long",
			input:    strings.Repeat("a", MaxLineLength+1),
			expected: ErrInputTooLong,
		},
		{
			name:     "all whitespace",
			input:    "   ",
			expected: ErrWhitespace,
		},
		{
			name:     "empty",
			input:    "",
			expected: ErrNotEnoughData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Equal(t, tt.expected, err)
		})
	}
}

func TestParseCommandUppercased(t *testing.T) {
	msg, err := Parse("privmsg #chan :hello")
	assert.NoError(t, err)
	assert.Equal(t, "PRIVMSG", msg.Command)
	assert.Equal(t, []string{"#chan"}, msg.Params)
	assert.True(t, msg.HasText)
	assert.Equal(t, "hello", msg.Text)
	MessagePool.Recycle(msg)
}

func TestParseNoTrailing(t *testing.T) {
	msg, err := Parse("JOIN #chan")
	assert.NoError(t, err)
	assert.False(t, msg.HasText)
	assert.Equal(t, "", msg.Text)
	MessagePool.Recycle(msg)
}

func TestParseTags(t *testing.T) {
	msg, err := Parse("@id=123;label=a\\sb PRIVMSG #chan :hi")
	assert.NoError(t, err)
	assert.Equal(t, "123", msg.Tags["id"])
	assert.Equal(t, "a b", msg.Tags["label"])
	MessagePool.Recycle(msg)
}
