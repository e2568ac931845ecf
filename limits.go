/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import "time"

// Wire and protocol limits. These are invariant properties of the wire
// format (spec.md §4.1, §8 property 6), not operator policy, so they stay
// as constants rather than options.
const (
	// MaxLineLength is the full line limit including tags, per IRCv3
	// message-tags (8191 bytes + the trailing CRLF the framer strips).
	MaxLineLength = 8191

	// MaxClassicLineLength is the limit on the portion of a line after
	// tags: prefix, command, params and trailing, per RFC 1459.
	MaxClassicLineLength = 512

	// MaxTagsLength is the maximum size of the tags portion alone.
	MaxTagsLength = 4096

	MaxMsgParams = 15

	SASLChunkSize = 400
)

// Limits holds the operator-tunable policy knobs the spec marks as
// "implementer should expose... as parameters, not constants" (spec.md §9).
// None of these affect wire-format validity; they bound resource usage and
// are safe to vary per deployment.
type Limits struct {
	NickLength    int
	ChannelLength int
	TopicLength   int
	KickLength    int
	AwayLength    int
	MaxModeChange int
	MaxTargets    int
	MaxJoinedChans int
	MaxListItems  int
	MaxMonitor    int

	ChannelMailbox int

	InviteTTL    time.Duration
	WhowasDepth  int
	BanSweepEvery time.Duration

	PingInterval     time.Duration
	PingGrace        time.Duration
	RegistrationGrace time.Duration
	SASLStepTimeout  time.Duration

	RateBurst     int
	RateInterval  time.Duration
	RateSustained time.Duration
}

// DefaultLimits returns the conservative defaults used when a Server is
// constructed without an explicit WithLimits option.
func DefaultLimits() Limits {
	return Limits{
		NickLength:     32,
		ChannelLength:  64,
		TopicLength:    390,
		KickLength:     390,
		AwayLength:     200,
		MaxModeChange:  6,
		MaxTargets:     4,
		MaxJoinedChans: 120,
		MaxListItems:   256,
		MaxMonitor:     100,

		ChannelMailbox: 1024,

		InviteTTL:     time.Hour,
		WhowasDepth:   100,
		BanSweepEvery: time.Minute,

		PingInterval:      120 * time.Second,
		PingGrace:         120 * time.Second,
		RegistrationGrace: 60 * time.Second,
		SASLStepTimeout:   30 * time.Second,

		RateBurst:     5,
		RateInterval:  2 * time.Second,
		RateSustained: time.Second,
	}
}
