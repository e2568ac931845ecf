/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

// Error is a workaround to allow for immutable error strings
// which satisfy the error interface.
type Error string

func (err Error) Error() string {
	return string(err)
}

func (err Error) String() string {
	return string(err)
}

// Immutable error strings used across the framer, session and dispatcher.
const (
	ErrNotEnoughData Error = "did not receive enough data from the client"
	ErrInputTooLong  Error = "input line exceeds the protocol length limit"
	ErrInvalidUTF8   Error = "input line is not valid utf-8"
	ErrMalformed     Error = "malformed protocol line"
	ErrWhitespace    Error = "line was all whitespace"
	ErrPrefixed      Error = "client sent a prefixed message"
	ErrTooManyParams Error = "too many parameters"

	ErrInvalidCapCmd     Error = "invalid CAP subcommand"
	ErrMissingParams     Error = "missing parameters"
	ErrUserInUse         Error = "this username is currently in use"
	ErrUserAlreadySet    Error = "you have already registered"
	ErrNickInUse         Error = "this nickname is currently in use"
	ErrNickRestricted    Error = "this nickname is restricted"
	ErrNickAlreadySet    Error = "you already have that nickname"
	ErrNotImplemented    Error = "that command is not implemented"
	ErrNotRegistered     Error = "you must register first"
	ErrAlreadyRegistered Error = "you are already registered"
	ErrNoNickGiven       Error = "no nickname given"
	ErrNoSuchNick        Error = "no such nick"
	ErrNoSuchChan        Error = "no such channel"
	ErrInsuffPerms       Error = "insufficient permissions"
	ErrUnknownMode       Error = "unknown mode"
	ErrUnknownCommand    Error = "unknown command"
	ErrBannedFromChan    Error = "you are banned from that channel"
	ErrInviteOnlyChan    Error = "that channel is invite-only"
	ErrBadChannelKey     Error = "bad channel key"
	ErrChannelIsFull     Error = "channel is full"
	ErrChanOpNeeded      Error = "channel operator privileges required"
	ErrUserNotInChan     Error = "user is not in that channel"
	ErrNotOnChannel      Error = "you are not on that channel"
	ErrMailboxFull       Error = "channel is too busy, try again"
	ErrSASLFailed        Error = "SASL authentication failed"
	ErrSASLAborted       Error = "SASL authentication aborted"
	ErrAuthRateLimit     Error = "too many authentication attempts"
	ErrNoSuchServer      Error = "no such server"
	ErrUnknownMech       Error = "unknown SASL mechanism"
	ErrLinkExists        Error = "a link to that server already exists"
	ErrBadLinkAuth       Error = "peer did not present a valid link secret"
	ErrCannotSendToChan  Error = "cannot send to channel"
)
