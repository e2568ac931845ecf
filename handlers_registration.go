/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/relaynet/relayd/internal/sasl"
)

func handlePass(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdPass}, "Not enough parameters")
		return
	}
	ctx.Session.SetPassWant(ctx.Msg.Params[0])
}

// handleNick implements initial nick selection and, once Registered,
// nick renaming. Both paths share one Matrix collision check.
func handleNick(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNoNicknameGiven, nil, "No nickname given")
		return
	}
	nick := ctx.Msg.Params[0]
	if !isValidNick(nick, ctx.Server.limits.NickLength) {
		ctx.Session.SendNumeric(ReplyErroneousNickname, []string{nick}, "Erroneous nickname")
		return
	}

	if ctx.Session.State() == StateRegistered {
		u := ctx.Session.User()
		if u == nil {
			return
		}
		old := u.Nick()
		if strings.EqualFold(old, nick) && ctx.Server.matrix.FoldNick(old) == ctx.Server.matrix.FoldNick(nick) {
			u.SetNick(nick)
			return
		}
		if err := ctx.Server.matrix.RenameNick(old, nick, u.Uid()); err != nil {
			ctx.Session.SendNumeric(ReplyNicknameInUse, []string{nick}, "Nickname is already in use")
			return
		}
		hostmask := u.Hostmask()
		u.SetNick(nick)
		ctx.Server.broadcastNickChange(u, hostmask, nick)
		ctx.Server.relayNick(u, nick)
		return
	}

	if !ctx.Server.matrix.NickAvailable(nick) {
		ctx.Session.SendNumeric(ReplyNicknameInUse, []string{nick}, "Nickname is already in use")
		return
	}
	ctx.Session.SetNickWant(nick)
	ctx.Session.TryCompleteRegistration()
}

func handleUser(ctx *Context) {
	if ctx.Session.State() == StateRegistered {
		ctx.Session.SendNumeric(ReplyAlreadyRegistered, nil, "You may not reregister")
		return
	}
	if len(ctx.Msg.Params) < 3 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdUser}, "Not enough parameters")
		return
	}
	ctx.Session.SetUserWant(ctx.Msg.Params[0], normalizeRealname(ctx.Msg.Text))
	ctx.Session.TryCompleteRegistration()
}

func handleWebirc(ctx *Context) {
	// WEBIRC <password> <gateway> <hostname> <ip> [options...]: trusted
	// web gateways assert a real client origin. Core only has credential
	// verification to offer through Persistence; the actual assertion of
	// a spoofed host/ip is therefore a no-op stub unless the Listener
	// collaborator itself already trusted the gateway upstream.
	if len(ctx.Msg.Params) < 4 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdWebirc}, "Not enough parameters")
	}
}

func handleCap(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		return
	}
	sub := strings.ToUpper(ctx.Msg.Params[0])
	switch sub {
	case "LS":
		ctx.Session.Caps().MarkRequested()
		tokens := ListTokens(ctx.Server.sasl.Names())
		ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdCap, Params: []string{"*", "LS"}, Text: strings.Join(tokens, " "), HasText: true})

	case "LIST":
		tokens := NegotiatedTokens(ctx.Session.Caps().Set())
		ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdCap, Params: []string{"*", "LIST"}, Text: strings.Join(tokens, " "), HasText: true})

	case "REQ":
		handleCapReq(ctx)

	case "END":
		ctx.Session.MarkCapEnd()
		ctx.Session.TryCompleteRegistration()
	}
}

func handleCapReq(ctx *Context) {
	if !ctx.Msg.HasText {
		return
	}
	var adds, removes Capability
	for _, token := range strings.Fields(ctx.Msg.Text) {
		cap, ok := CapabilityFromToken(token)
		if !ok {
			ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdCap, Params: []string{"*", "NAK"}, Text: ctx.Msg.Text, HasText: true})
			return
		}
		if strings.HasPrefix(token, "-") {
			removes |= cap
		} else {
			adds |= cap
		}
	}
	ctx.Session.Caps().Apply(adds, removes)
	ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdCap, Params: []string{"*", "ACK"}, Text: ctx.Msg.Text, HasText: true})
}

func handleAuthenticate(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		return
	}
	token := ctx.Msg.Params[0]

	mech := ctx.Session.SASLMechanism()
	if mech == nil {
		if token == "*" {
			return
		}
		m, ok := ctx.Server.sasl.New(token, ctx.Server.certFingerprintFor(ctx.Session))
		if !ok {
			ctx.Session.SendNumeric(ReplySASLMechs, []string{strings.Join(ctx.Server.sasl.Names(), ",")}, "SASL mechanisms available")
			ctx.Session.SendNumeric(ReplySASLFail, nil, "SASL authentication failed")
			return
		}
		ctx.Session.StartSASL(m)
		ctx.Session.Send(&Message{Command: CmdAuthenticate, Text: "+", HasText: true})
		return
	}

	if token == "*" {
		ctx.Session.AbortSASL()
		ctx.Session.SendNumeric(ReplySASLAborted, nil, "SASL authentication aborted")
		return
	}

	// A full SASLChunkSize line means more chunks follow; a shorter line or
	// a lone "+" ends the payload.
	if token != "+" {
		ctx.Session.mu.Lock()
		ctx.Session.saslBuf.WriteString(token)
		ctx.Session.mu.Unlock()
		if len(token) == SASLChunkSize {
			return
		}
	}
	ctx.Session.mu.Lock()
	encoded := ctx.Session.saslBuf.String()
	ctx.Session.saslBuf.Reset()
	ctx.Session.mu.Unlock()
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		ctx.Session.AbortSASL()
		ctx.Session.SendNumeric(ReplySASLFail, nil, "SASL authentication failed")
		return
	}

	challenge, done, identity, serr := mech.Step(context.Background(), payload)
	if serr != nil {
		ctx.Session.AbortSASL()
		ctx.Session.SendNumeric(ReplySASLFail, nil, "SASL authentication failed")
		return
	}
	if !done {
		ctx.Session.Send(&Message{Command: CmdAuthenticate, Text: chunkOrPlus(challenge), HasText: true})
		return
	}

	ctx.Session.AbortSASL()
	if identity == nil {
		ctx.Session.SendNumeric(ReplySASLFail, nil, "SASL authentication failed")
		return
	}
	if len(challenge) > 0 {
		ctx.Session.Send(&Message{Command: CmdAuthenticate, Text: chunkOrPlus(challenge), HasText: true})
	}

	completeSASLLogin(ctx, *identity)
}

func chunkOrPlus(b []byte) string {
	if len(b) == 0 {
		return "+"
	}
	return base64.StdEncoding.EncodeToString(b)
}

func completeSASLLogin(ctx *Context, id sasl.Identity) {
	ctx.Session.SetDevice(id.Device)
	ctx.Session.SendNumeric(ReplyLoggedIn, []string{id.Account}, "You are now logged in as "+id.Account)
	ctx.Session.SendNumeric(ReplySASLSuccess, nil, "SASL authentication successful")
	ctx.Session.TryCompleteRegistration()

	if u := ctx.Session.User(); u != nil {
		ctx.Server.bindAccount(ctx.Session, u, id)
	} else {
		// Registration hasn't completed yet; stash the identity on the
		// server, keyed by session id, and onSessionRegistered binds it
		// once the User exists.
		ctx.Server.stashPendingIdentity(ctx.Session.ID(), id)
	}
}

func handlePing(ctx *Context) {
	if len(ctx.Msg.Params) < 1 && !ctx.Msg.HasText {
		return
	}
	token := ctx.Msg.Text
	if token == "" && len(ctx.Msg.Params) > 0 {
		token = ctx.Msg.Params[0]
	}
	ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdPong, Params: []string{ctx.Server.name}, Text: token, HasText: true})
}

func handlePong(ctx *Context) {
	// Any PONG resets the heartbeat; the read loop already does this for
	// every message, so there is nothing mechanism-specific left to do.
}

func handleQuit(ctx *Context) {
	reason := "Client Quit"
	if ctx.Msg.HasText {
		reason = ctx.Msg.Text
	}
	ctx.Session.Terminate(reason)
}

func handleError(ctx *Context) {
	ctx.Session.Terminate("Received ERROR from peer")
}
