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
	"time"
)

func handleWho(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyEndOfWho, []string{"*"}, "End of /WHO list")
		return
	}
	mask := ctx.Msg.Params[0]

	if isChannelName(mask) {
		actor, ok := lookupActor(ctx, mask)
		if !ok {
			ctx.Session.SendNumeric(ReplyEndOfWho, []string{mask}, "End of /WHO list")
			return
		}
		snap := snapshotOf(actor)
		for _, m := range snap.Members {
			u, ok := ctx.Server.matrix.LookupUser(m.Uid)
			if !ok {
				continue
			}
			sendWhoLine(ctx.Session, u, snap.DisplayName, m.Modes.Highest())
		}
		ctx.Session.SendNumeric(ReplyEndOfWho, []string{mask}, "End of /WHO list")
		return
	}

	if u, ok := ctx.Server.matrix.LookupNick(mask); ok {
		sendWhoLine(ctx.Session, u, "*", 0)
	}
	ctx.Session.SendNumeric(ReplyEndOfWho, []string{mask}, "End of /WHO list")
}

func sendWhoLine(s *Session, u *User, channel string, prefix byte) {
	flags := "H"
	if _, away := u.Away(); away {
		flags = "G"
	}
	if prefix != 0 {
		flags += string(prefix)
	}
	s.SendNumeric(ReplyWho, []string{channel, u.Username(), u.VisibleHost(), s.server.name, u.Nick(), flags}, "0 "+u.Realname())
}

func handleWhois(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNoNicknameGiven, nil, "No nickname given")
		return
	}
	nick := ctx.Msg.Params[len(ctx.Msg.Params)-1]
	u, ok := ctx.Server.matrix.LookupNick(nick)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchNick, []string{nick}, "No such nick")
		ctx.Session.SendNumeric(ReplyEndOfWhois, []string{nick}, "End of /WHOIS list")
		return
	}

	ctx.Session.SendNumeric(ReplyWhoisUser, []string{u.Nick(), u.Username(), u.VisibleHost(), "*"}, u.Realname())
	ctx.Session.SendNumeric(ReplyWhoisServer, []string{u.Nick(), ctx.Server.name}, ctx.Server.networkName)

	if away, isAway := u.Away(); isAway {
		ctx.Session.SendNumeric(ReplyAway, []string{u.Nick()}, away)
	}
	if u.HasMode(UModeNetOp) || u.HasMode(UModeAdmin) {
		ctx.Session.SendNumeric(ReplyWhoisOperator, []string{u.Nick()}, "is an IRC operator")
	}

	var chans []string
	for _, name := range u.Channels() {
		if actor, ok := ctx.Server.matrix.LookupChannel(name); ok {
			snap := snapshotOf(actor)
			for _, m := range snap.Members {
				if m.Uid == u.Uid() {
					chans = append(chans, string(m.Modes.Highest())+snap.DisplayName)
				}
			}
		}
	}
	if len(chans) > 0 {
		ctx.Session.SendNumeric(ReplyWhoisChannels, []string{u.Nick()}, strings.Join(chans, " "))
	}

	idle := time.Since(u.IdleSince()) / time.Second
	ctx.Session.SendNumeric(ReplyWhoisIdle, []string{u.Nick(), strconv.FormatInt(int64(idle), 10), strconv.FormatInt(u.RegisteredAt().Unix(), 10)}, "seconds idle, signon time")
	ctx.Session.SendNumeric(ReplyEndOfWhois, []string{u.Nick()}, "End of /WHOIS list")
}

func handleWhowas(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNoNicknameGiven, nil, "No nickname given")
		return
	}
	nick := ctx.Msg.Params[0]
	entries := ctx.Server.whowas.Lookup(nick)
	if len(entries) == 0 {
		ctx.Session.SendNumeric(ReplyWasNoSuchNick, []string{nick}, "There was no such nickname")
	}
	for _, e := range entries {
		ctx.Session.SendNumeric(ReplyWhoWasUser, []string{e.Nick, e.Username, e.Host, "*"}, e.Realname)
	}
	ctx.Session.SendNumeric(ReplyEndOfWhoWas, []string{nick}, "End of WHOWAS")
}

func handleUserhost(ctx *Context) {
	var out []string
	for _, nick := range ctx.Msg.Params {
		u, ok := ctx.Server.matrix.LookupNick(nick)
		if !ok {
			continue
		}
		away := "+"
		if _, isAway := u.Away(); isAway {
			away = "-"
		}
		oper := ""
		if u.HasMode(UModeNetOp) {
			oper = "*"
		}
		out = append(out, u.Nick()+oper+"="+away+u.VisibleHost())
	}
	ctx.Session.SendNumeric(ReplyUserHost, nil, strings.Join(out, " "))
}

func handleIson(ctx *Context) {
	var out []string
	for _, nick := range ctx.Msg.Params {
		if u, ok := ctx.Server.matrix.LookupNick(nick); ok {
			out = append(out, u.Nick())
		}
	}
	ctx.Session.SendNumeric(ReplyIsOn, nil, strings.Join(out, " "))
}

func handleMonitor(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	sub := strings.ToUpper(ctx.Msg.Params[0])
	switch sub {
	case "+":
		if len(ctx.Msg.Params) < 2 {
			return
		}
		for _, nick := range strings.Split(ctx.Msg.Params[1], ",") {
			if ctx.Server.matrix.MonitorCount(u.Uid()) >= ctx.Server.limits.MaxMonitor {
				ctx.Session.SendNumeric(ReplyMonListFull, []string{strconv.Itoa(ctx.Server.limits.MaxMonitor), nick}, "Monitor list is full")
				continue
			}
			ctx.Server.matrix.MonitorAdd(u.Uid(), nick)
			if target, ok := ctx.Server.matrix.LookupNick(nick); ok {
				ctx.Session.SendNumeric(ReplyMonOnline, nil, target.Hostmask())
			} else {
				ctx.Session.SendNumeric(ReplyMonOffline, nil, nick)
			}
		}
	case "-":
		if len(ctx.Msg.Params) < 2 {
			return
		}
		for _, nick := range strings.Split(ctx.Msg.Params[1], ",") {
			ctx.Server.matrix.MonitorRemove(u.Uid(), nick)
		}
	case "C":
		for _, nick := range ctx.Server.matrix.MonitorList(u.Uid()) {
			ctx.Server.matrix.MonitorRemove(u.Uid(), nick)
		}
	case "L":
		list := ctx.Server.matrix.MonitorList(u.Uid())
		if len(list) == 0 {
			ctx.Session.SendNumeric(ReplyEndOfMonList, nil, "End of MONITOR list")
			return
		}
		ctx.Session.SendNumeric(ReplyMonList, nil, strings.Join(list, " "))
		ctx.Session.SendNumeric(ReplyEndOfMonList, nil, "End of MONITOR list")
	case "S":
		var online, offline []string
		for _, nick := range ctx.Server.matrix.MonitorList(u.Uid()) {
			if target, ok := ctx.Server.matrix.LookupNick(nick); ok {
				online = append(online, target.Hostmask())
			} else {
				offline = append(offline, nick)
			}
		}
		if len(online) > 0 {
			ctx.Session.SendNumeric(ReplyMonOnline, nil, strings.Join(online, ","))
		}
		if len(offline) > 0 {
			ctx.Session.SendNumeric(ReplyMonOffline, nil, strings.Join(offline, ","))
		}
	}
}
