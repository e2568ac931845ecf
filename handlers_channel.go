/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"strconv"
	"strings"

	"github.com/relaynet/relayd/shared/stringutils"
)

func lookupActor(ctx *Context, name string) (*ChannelActor, bool) {
	return ctx.Server.matrix.LookupChannel(name)
}

func handleJoin(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdJoin}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}

	names := strings.Split(ctx.Msg.Params[0], ",")
	var keys []string
	if len(ctx.Msg.Params) > 1 {
		keys = strings.Split(ctx.Msg.Params[1], ",")
	}

	for i, name := range names {
		if !isValidChannelName(name, ctx.Server.limits.ChannelLength) {
			ctx.Session.SendNumeric(ReplyNoSuchChannel, []string{name}, "No such channel")
			continue
		}
		if len(u.Channels()) >= ctx.Server.limits.MaxJoinedChans {
			ctx.Session.SendNumeric(ReplyTooManyChannels, []string{name}, "You have joined too many channels")
			continue
		}

		key := ""
		if i < len(keys) {
			key = keys[i]
		}

		actor := ctx.Server.matrix.GetOrCreateChannel(name, ctx.Server.onChannelEmpty)

		reply := make(chan error, 1)
		err := actor.Send(JoinEvent{Uid: u.Uid(), Hostmask: u.Hostmask(), Account: u.Account(), KeyAttempt: key, Reply: reply})
		if err != nil {
			ctx.Session.SendFail(CmdJoin, "TRY_AGAIN", "Channel is too busy, try again")
			continue
		}
		if err := <-reply; err != nil {
			sendChannelError(ctx.Session, CmdJoin, name, err)
			continue
		}

		folded := ctx.Server.matrix.FoldChannel(name)
		u.JoinedChannel(folded)
		ctx.Server.relayJoin(u, name, folded)
		sendJoinBurst(ctx, actor, u, name)
	}
}

func sendJoinBurst(ctx *Context, actor *ChannelActor, u *User, name string) {
	snap := snapshotOf(actor)

	if snap.Topic == "" {
		ctx.Session.SendNumeric(ReplyNoTopic, []string{snap.DisplayName}, "No topic is set")
	} else {
		ctx.Session.SendNumeric(ReplyChanTopic, []string{snap.DisplayName}, snap.Topic)
		ctx.Session.SendNumeric(ReplyTopicWhoTime, []string{snap.DisplayName, snap.TopicSetter, strconv.FormatInt(snap.TopicAt.Unix(), 10)}, "")
	}

	sendNames(ctx.Session, ctx.Server.name, snap)
}

func snapshotOf(actor *ChannelActor) Snapshot {
	reply := make(chan Snapshot, 1)
	if err := actor.Send(SnapshotEvent{Reply: reply}); err != nil {
		return Snapshot{}
	}
	return <-reply
}

func sendNames(s *Session, serverName string, snap Snapshot) {
	var names []string
	for _, m := range snap.Members {
		prefix := ""
		if h := m.Modes.Highest(); h != 0 {
			prefix = string(h)
		}
		names = append(names, prefix+m.Nick)
	}
	chunks := stringutils.ChunkJoinStrings(MaxClassicLineLength-100, " ", names...)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for _, chunk := range chunks {
		s.SendNumeric(ReplyNames, []string{"=", snap.DisplayName}, chunk)
	}
	s.SendNumeric(ReplyEndOfNames, []string{snap.DisplayName}, "End of /NAMES list")
}

func sendChannelError(s *Session, cmd, channel string, err error) {
	switch err {
	case ErrChannelIsFull:
		s.SendNumeric(ReplyChannelIsFull, []string{channel}, "Cannot join channel (+l)")
	case ErrBadChannelKey:
		s.SendNumeric(ReplyBadChannelKey, []string{channel}, "Cannot join channel (+k)")
	case ErrBannedFromChan:
		s.SendNumeric(ReplyBannedFromChan, []string{channel}, "Cannot join channel (+b)")
	case ErrInviteOnlyChan:
		s.SendNumeric(ReplyInviteOnlyChan, []string{channel}, "Cannot join channel (+i)")
	case ErrNotOnChannel:
		s.SendNumeric(ReplyNotOnChannel, []string{channel}, "You're not on that channel")
	case ErrUserNotInChan:
		s.SendNumeric(ReplyUserNotInChannel, []string{channel}, "They aren't on that channel")
	case ErrChanOpNeeded:
		s.SendNumeric(ReplyChanOpPrivsNeeded, []string{channel}, "You're not a channel operator")
	default:
		s.SendFail(cmd, "UNKNOWN_ERROR", err.Error())
	}
}

func handlePart(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdPart}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	for _, name := range strings.Split(ctx.Msg.Params[0], ",") {
		actor, ok := lookupActor(ctx, name)
		if !ok {
			ctx.Session.SendNumeric(ReplyNoSuchChannel, []string{name}, "No such channel")
			continue
		}
		reply := make(chan error, 1)
		if err := actor.Send(PartEvent{Uid: u.Uid(), Reason: ctx.Msg.Text, Reply: reply}); err != nil {
			ctx.Session.SendFail(CmdPart, "TRY_AGAIN", "Channel is too busy, try again")
			continue
		}
		if err := <-reply; err != nil {
			sendChannelError(ctx.Session, CmdPart, name, err)
			continue
		}
		u.PartedChannel(ctx.Server.matrix.FoldChannel(name))
		ctx.Server.relayPart(u, name, ctx.Msg.Text)
	}
}

func handleKick(ctx *Context) {
	if len(ctx.Msg.Params) < 2 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdKick}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	name, targetNick := ctx.Msg.Params[0], ctx.Msg.Params[1]
	actor, ok := lookupActor(ctx, name)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchChannel, []string{name}, "No such channel")
		return
	}
	target, ok := ctx.Server.matrix.LookupNick(targetNick)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchNick, []string{targetNick}, "No such nick")
		return
	}
	reason := ctx.Msg.Text
	if reason == "" {
		reason = u.Nick()
	}
	reply := make(chan error, 1)
	if err := actor.Send(KickEvent{ByUid: u.Uid(), Target: target.Uid(), Reason: reason, Reply: reply}); err != nil {
		ctx.Session.SendFail(CmdKick, "TRY_AGAIN", "Channel is too busy, try again")
		return
	}
	if err := <-reply; err != nil {
		sendChannelError(ctx.Session, CmdKick, name, err)
		return
	}
	target.PartedChannel(ctx.Server.matrix.FoldChannel(name))
}

func handleTopic(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdTopic}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	name := ctx.Msg.Params[0]
	actor, ok := lookupActor(ctx, name)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchChannel, []string{name}, "No such channel")
		return
	}

	var textPtr *string
	if len(ctx.Msg.Params) > 1 || ctx.Msg.HasText {
		t := ctx.Msg.Text
		textPtr = &t
	}

	reply := make(chan TopicResult, 1)
	if err := actor.Send(TopicEvent{ByUid: u.Uid(), Text: textPtr, Reply: reply}); err != nil {
		ctx.Session.SendFail(CmdTopic, "TRY_AGAIN", "Channel is too busy, try again")
		return
	}
	res := <-reply
	if res.Err != nil {
		sendChannelError(ctx.Session, CmdTopic, name, res.Err)
		return
	}
	if textPtr != nil {
		ctx.Server.relayTopic(res.Snapshot)
	}
	if textPtr == nil {
		if res.Snapshot.Topic == "" {
			ctx.Session.SendNumeric(ReplyNoTopic, []string{res.Snapshot.DisplayName}, "No topic is set")
		} else {
			ctx.Session.SendNumeric(ReplyChanTopic, []string{res.Snapshot.DisplayName}, res.Snapshot.Topic)
			ctx.Session.SendNumeric(ReplyTopicWhoTime, []string{res.Snapshot.DisplayName, res.Snapshot.TopicSetter, strconv.FormatInt(res.Snapshot.TopicAt.Unix(), 10)}, "")
		}
	}
}

func handleNames(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		return
	}
	for _, name := range strings.Split(ctx.Msg.Params[0], ",") {
		actor, ok := lookupActor(ctx, name)
		if !ok {
			ctx.Session.SendNumeric(ReplyEndOfNames, []string{name}, "End of /NAMES list")
			continue
		}
		sendNames(ctx.Session, ctx.Server.name, snapshotOf(actor))
	}
}

func handleList(ctx *Context) {
	count := 0
	ctx.Session.SendNumeric(ReplyListStart, nil, "Channel :Users Name")
	for _, actor := range ctx.Server.matrix.AllChannels() {
		if count >= ctx.Server.limits.MaxListItems {
			break
		}
		snap := snapshotOf(actor)
		if snap.Flags&ModeSecret != 0 || snap.Flags&ModePrivate != 0 {
			continue
		}
		ctx.Session.SendNumeric(ReplyList, []string{snap.DisplayName, strconv.Itoa(len(snap.Members))}, snap.Topic)
		count++
	}
	ctx.Session.SendNumeric(ReplyEndOfList, nil, "End of /LIST")
}

func handleInvite(ctx *Context) {
	if len(ctx.Msg.Params) < 2 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdInvite}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	targetNick, channel := ctx.Msg.Params[0], ctx.Msg.Params[1]
	target, ok := ctx.Server.matrix.LookupNick(targetNick)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchNick, []string{targetNick}, "No such nick")
		return
	}
	actor, ok := lookupActor(ctx, channel)
	if !ok {
		actor = ctx.Server.matrix.GetOrCreateChannel(channel, ctx.Server.onChannelEmpty)
	}

	reply := make(chan error, 1)
	if err := actor.Send(InviteEvent{ByUid: u.Uid(), Target: target.Uid(), Reply: reply}); err != nil {
		ctx.Session.SendFail(CmdInvite, "TRY_AGAIN", "Channel is too busy, try again")
		return
	}
	if err := <-reply; err != nil {
		sendChannelError(ctx.Session, CmdInvite, channel, err)
		return
	}
	ctx.Session.SendNumeric(ReplyInviting, []string{targetNick, channel}, "")
}

// handleKnock requests an invite-only channel's operators be notified of a
// join request. Implemented as a NOTICE to every channel operator, since
// there's no dedicated KNOCK reply numeric in widespread use.
func handleKnock(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdKnock}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	channel := ctx.Msg.Params[0]
	actor, ok := lookupActor(ctx, channel)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchChannel, []string{channel}, "No such channel")
		return
	}
	snap := snapshotOf(actor)
	notice := &Message{Source: ctx.Server.name, Command: CmdNotice, Params: []string{channel}, Text: u.Nick() + " is requesting an invite.", HasText: true}
	for _, m := range snap.Members {
		if m.HasAny(PrefixOp | PrefixHalfOp | PrefixAdmin | PrefixOwner) {
			ctx.Server.matrix.DeliverTo(m.Uid, notice)
		}
	}
	ctx.Session.SendNumeric(ReplyInviting, []string{channel}, "Knock delivered")
}

func handleMode(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdMode}, "Not enough parameters")
		return
	}
	target := ctx.Msg.Params[0]

	if !isChannelName(target) {
		handleUserMode(ctx, target)
		return
	}

	u := ctx.Session.User()
	if u == nil {
		return
	}
	actor, ok := lookupActor(ctx, target)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchChannel, []string{target}, "No such channel")
		return
	}

	if len(ctx.Msg.Params) == 1 {
		snap := snapshotOf(actor)
		ctx.Session.SendNumeric(ReplyChannelModeIs, []string{snap.DisplayName, "+" + flagString(snap.Flags)}, "")
		return
	}

	changes := ParseModeChanges(ctx.Msg.Params[1:])
	for _, c := range changes {
		if _, known := channelModeLetters[c.Letter]; !known && !c.IsPrefixTarget {
			ctx.Session.SendNumeric(ReplyUnknownMode, []string{string(c.Letter)}, "is unknown mode char to me")
		}
	}
	reply := make(chan ModeResult, 1)
	if err := actor.Send(ModeEvent{ByUid: u.Uid(), Changes: changes, Reply: reply}); err != nil {
		ctx.Session.SendFail(CmdMode, "TRY_AGAIN", "Channel is too busy, try again")
		return
	}
	res := <-reply
	if res.Err != nil {
		sendChannelError(ctx.Session, CmdMode, target, res.Err)
		return
	}
	if len(res.Applied) > 0 {
		ctx.Server.relayMode(target, snapshotOf(actor).Flags)
	}
}

func flagString(flags ChannelMode) string {
	var out strings.Builder
	for letter, info := range channelModeLetters {
		if info.class == classD && flags&info.flag != 0 {
			out.WriteByte(letter)
		}
	}
	return out.String()
}

func handleUserMode(ctx *Context, nick string) {
	u := ctx.Session.User()
	if u == nil {
		return
	}
	if !strings.EqualFold(u.Nick(), nick) {
		ctx.Session.SendNumeric(ReplyUsersDontMatch, nil, "Cannot change mode for other users")
		return
	}
	if len(ctx.Msg.Params) < 2 {
		ctx.Session.SendNumeric(ReplyUserModeIs, []string{u.FormattedModeString()}, "")
		return
	}
	add := true
	for i := 0; i < len(ctx.Msg.Params[1]); i++ {
		c := ctx.Msg.Params[1][i]
		switch c {
		case '+':
			add = true
		case '-':
			add = false
		default:
			m, ok := UserModeFromLetter(c)
			if !ok || !userModeSelfSettable(m) {
				continue
			}
			if add {
				u.AddMode(m)
			} else {
				u.DelMode(m)
			}
		}
	}
	ctx.Session.SendNumeric(ReplyUserModeIs, []string{u.FormattedModeString()}, "")
}
