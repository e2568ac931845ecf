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
	"github.com/stretchr/testify/require"
)

func TestFrameRenderParseRoundTrip(t *testing.T) {
	tests := []Frame{
		{Command: "PING", Params: []string{"8ZZ"}},
		{Source: "8ZZ", Command: "SID", Params: []string{"irc3.example.com", "2", "9ZQ", "My Desc"}},
		{Source: "8ZZAAAAAB", Command: "PRIVMSG", Params: []string{"#chan"}, Stamp: Stamp{Wall: 100, Counter: 3}},
	}
	for _, f := range tests {
		rendered := f.Render()
		got, err := ParseFrame(rendered)
		require.NoError(t, err)
		assert.Equal(t, f.Source, got.Source)
		assert.Equal(t, f.Command, got.Command)
		assert.Equal(t, f.Stamp, got.Stamp)
	}
}

func TestParseFrameRejectsEmpty(t *testing.T) {
	_, err := ParseFrame("")
	assert.Error(t, err)
}

func TestParseFrameMalformedSource(t *testing.T) {
	_, err := ParseFrame(":noCommandHere")
	assert.Error(t, err)
}
