/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import "strings"

func handlePrivmsg(ctx *Context) { handleChannelOrUserMessage(ctx, MessagePrivmsg) }
func handleNotice(ctx *Context)  { handleChannelOrUserMessage(ctx, MessageNotice) }
func handleTagmsg(ctx *Context)  { handleChannelOrUserMessage(ctx, MessageTagmsg) }

// handleChannelOrUserMessage implements PRIVMSG/NOTICE/TAGMSG, which share
// everything except whether a Text trailing is required (spec.md §6.1).
func handleChannelOrUserMessage(ctx *Context, kind MessageKind) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{ctx.Msg.Command}, "Not enough parameters")
		return
	}
	if kind != MessageTagmsg && !ctx.Msg.HasText {
		ctx.Session.SendNumeric(ReplyNoTextToSend, nil, "No text to send")
		return
	}

	u := ctx.Session.User()
	if u == nil {
		return
	}

	targets := strings.Split(ctx.Msg.Params[0], ",")
	if len(targets) > ctx.Server.limits.MaxTargets {
		targets = targets[:ctx.Server.limits.MaxTargets]
	}

	for _, target := range targets {
		statusPrefix, bareTarget := splitStatusMsg(target)

		if isChannelName(bareTarget) {
			deliverChannelMessage(ctx, u, kind, bareTarget, statusPrefix)
			continue
		}
		deliverDirectMessage(ctx, u, kind, target)
	}

	u.Touch()
}

// splitStatusMsg peels off a leading STATUSMSG sigil (e.g. "@#chan"),
// returning the minimum prefix-mode rank required to receive the message.
func splitStatusMsg(target string) (PrefixMode, string) {
	if target == "" {
		return 0, target
	}
	if bit, ok := PrefixModeFromLetter(sigilToLetter(target[0])); ok {
		return bit, target[1:]
	}
	return 0, target
}

func sigilToLetter(sigil byte) byte {
	switch sigil {
	case '~':
		return 'q'
	case '&':
		return 'a'
	case '@':
		return 'o'
	case '%':
		return 'h'
	case '+':
		return 'v'
	default:
		return 0
	}
}

func deliverChannelMessage(ctx *Context, u *User, kind MessageKind, channel string, statusMin PrefixMode) {
	actor, ok := lookupActor(ctx, channel)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchChannel, []string{channel}, "No such channel")
		return
	}

	if statusMin != 0 {
		deliverStatusMessage(ctx, u, kind, actor, channel, statusMin)
		return
	}

	reply := make(chan error, 1)
	event := ChannelMessageEvent{Kind: kind, FromUid: u.Uid(), Text: ctx.Msg.Text, Tags: echoableTags(ctx.Msg.Tags), Reply: reply}
	if err := actor.Send(event); err != nil {
		ctx.Session.SendFail(ctx.Msg.Command, "TRY_AGAIN", "Channel is too busy, try again")
		return
	}
	if err := <-reply; err != nil {
		sendChannelError(ctx.Session, ctx.Msg.Command, channel, err)
		return
	}
	if kind != MessageTagmsg {
		ctx.Server.relayChannelMessage(u, channel, ctx.Msg.Command, ctx.Msg.Text)
	}
}

// deliverStatusMessage handles the STATUSMSG case (e.g. "@#chan"), which
// bypasses the channel actor's normal broadcast in favor of a direct
// snapshot-and-filter fan-out, since only a prefixed subset of members is
// addressed.
func deliverStatusMessage(ctx *Context, u *User, kind MessageKind, actor *ChannelActor, channel string, statusMin PrefixMode) {
	snap := snapshotOf(actor)
	cmd := CmdPrivMsg
	if kind == MessageNotice {
		cmd = CmdNotice
	} else if kind == MessageTagmsg {
		cmd = CmdTagmsg
	}
	msg := &Message{Source: u.Hostmask(), Command: cmd, Params: []string{statusSigil(statusMin) + snap.DisplayName}, Tags: echoableTags(ctx.Msg.Tags)}
	if kind != MessageTagmsg {
		msg.Text = ctx.Msg.Text
		msg.HasText = true
	}
	for _, m := range snap.Members {
		if m.Uid == u.Uid() || !rankAtLeast(m.Modes, statusMin) {
			continue
		}
		ctx.Server.matrix.DeliverTo(m.Uid, msg)
	}
}

func statusSigil(min PrefixMode) string {
	return string(min.Highest())
}

// rankAtLeast reports whether have holds a prefix mode ranked at or above
// target, where rank order is prefixRank's declaration order (owner
// highest). Prefix bits aren't cumulative, so this walks rank order rather
// than comparing bitmasks directly.
func rankAtLeast(have, target PrefixMode) bool {
	targetIdx := -1
	for i, p := range prefixRank {
		if p.mode == target {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return false
	}
	for i, p := range prefixRank {
		if i <= targetIdx && have&p.mode != 0 {
			return true
		}
	}
	return false
}

func deliverDirectMessage(ctx *Context, u *User, kind MessageKind, nick string) {
	target, ok := ctx.Server.matrix.LookupNick(nick)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchNick, []string{nick}, "No such nick")
		return
	}

	if kind != MessageTagmsg {
		if away, isAway := target.Away(); isAway {
			ctx.Session.SendNumeric(ReplyAway, []string{nick}, away)
		}
	}

	cmd := CmdPrivMsg
	if kind == MessageNotice {
		cmd = CmdNotice
	} else if kind == MessageTagmsg {
		cmd = CmdTagmsg
	}
	msg := &Message{Source: u.Hostmask(), Command: cmd, Params: []string{nick}, Tags: echoableTags(ctx.Msg.Tags)}
	if kind != MessageTagmsg {
		msg.Text = ctx.Msg.Text
		msg.HasText = true
	}
	ctx.Server.matrix.DeliverTo(target.Uid(), msg)

	if u.Caps().Has(CapEchoMessage) {
		ctx.Session.Send(msg)
	}
}

// echoableTags returns a copy of every tag that arrived, client-only tags
// included and unmodified (the parser already preserves the client-tag '+'
// prefix), and returns nil if there are none, so Message.Render omits an
// empty "@ " prefix.
func echoableTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
