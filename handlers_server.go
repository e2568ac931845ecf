/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"strconv"
	"time"
)

func handleMotd(ctx *Context) {
	ctx.Server.sendMOTD(ctx.Session)
}

func handleLusers(ctx *Context) {
	ctx.Server.sendLusers(ctx.Session)
}

func handleVersion(ctx *Context) {
	ctx.Session.SendNumeric(ReplyVersion, []string{ctx.Server.version, ctx.Server.name}, ctx.Server.networkName)
}

func handleTime(ctx *Context) {
	ctx.Session.SendNumeric(ReplyTime, []string{ctx.Server.name}, time.Now().UTC().Format(time.RFC1123))
}

func handleAdmin(ctx *Context) {
	ctx.Session.SendNumeric(ReplyAdminMe, []string{ctx.Server.name}, "Administrative info")
	ctx.Session.SendNumeric(ReplyAdminLoc1, nil, ctx.Server.admin.Location1)
	ctx.Session.SendNumeric(ReplyAdminLoc2, nil, ctx.Server.admin.Location2)
	ctx.Session.SendNumeric(ReplyAdminEmail, nil, ctx.Server.admin.Email)
}

func handleInfo(ctx *Context) {
	ctx.Session.SendNumeric(ReplyInfo, nil, ctx.Server.name+" relay daemon")
	ctx.Session.SendNumeric(ReplyEndOfInfo, nil, "End of /INFO list")
}

func handleStats(ctx *Context) {
	var query byte
	if len(ctx.Msg.Params) > 0 && len(ctx.Msg.Params[0]) > 0 {
		query = ctx.Msg.Params[0][0]
	}
	switch query {
	case 'u':
		uptime := int64(time.Since(ctx.Server.startedAt).Seconds())
		ctx.Session.SendNumeric(ReplyInfo, nil, "Server Up "+strconv.FormatInt(uptime, 10)+" seconds")
	case 'm':
		ctx.Session.SendNumeric(ReplyInfo, nil, "Command usage stats are not tracked")
	default:
		ctx.Session.SendNumeric(ReplyInfo, nil, "Unknown STATS query")
	}
}

func handleLinks(ctx *Context) {
	for _, peer := range ctx.Server.LinkedServers() {
		ctx.Session.SendNumeric(ReplyLinks, []string{peer, ctx.Server.name}, "1 linked server")
	}
	ctx.Session.SendNumeric(ReplyEndOfLinks, []string{"*"}, "End of /LINKS list")
}

func handleMap(ctx *Context) {
	ctx.Session.SendNumeric(ReplyInfo, nil, ctx.Server.name)
	for _, peer := range ctx.Server.LinkedServers() {
		ctx.Session.SendNumeric(ReplyInfo, nil, "  "+peer)
	}
	ctx.Session.SendNumeric(ReplyEndOfInfo, nil, "End of /MAP")
}

func handleWallops(ctx *Context) {
	u := ctx.Session.User()
	if u == nil || u.Permission() < PermNetOp {
		ctx.Session.SendNumeric(ReplyNoPrivileges, nil, "Permission Denied- You're not an IRC operator")
		return
	}
	ctx.Server.broadcastWallops(u, ctx.Msg.Text, UModeWallops)
}

func handleGlobops(ctx *Context) {
	u := ctx.Session.User()
	if u == nil || u.Permission() < PermNetOp {
		ctx.Session.SendNumeric(ReplyNoPrivileges, nil, "Permission Denied- You're not an IRC operator")
		return
	}
	ctx.Server.broadcastWallops(u, ctx.Msg.Text, UModeNetOp)
}

func handleOper(ctx *Context) {
	if len(ctx.Msg.Params) < 2 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdOper}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	name, pass := ctx.Msg.Params[0], ctx.Msg.Params[1]
	perm, ok := ctx.Server.checkOperCredentials(name, pass)
	if !ok {
		ctx.Session.SendNumeric(ReplyNoOperHost, nil, "No O-lines for your host")
		return
	}
	u.SetPermission(perm)
	u.AddMode(UModeNetOp)
	ctx.Session.SendNumeric(ReplyYoureOper, nil, "You are now an IRC operator")
}

func handleKill(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendNumeric(ReplyNeedMoreParams, []string{CmdKill}, "Not enough parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil || u.Permission() < PermNetOp {
		ctx.Session.SendNumeric(ReplyNoPrivileges, nil, "Permission Denied- You're not an IRC operator")
		return
	}
	target, ok := ctx.Server.matrix.LookupNick(ctx.Msg.Params[0])
	if !ok {
		ctx.Session.SendNumeric(ReplyNoSuchNick, []string{ctx.Msg.Params[0]}, "No such nick")
		return
	}
	reason := ctx.Msg.Text
	if reason == "" {
		reason = "Killed by " + u.Nick()
	}
	ctx.Server.killUser(target, u.Nick()+": "+reason)
}

func handleRehash(ctx *Context) {
	u := ctx.Session.User()
	if u == nil || u.Permission() < PermAdmin {
		ctx.Session.SendNumeric(ReplyNoPrivileges, nil, "Permission Denied- You're not an IRC operator")
		return
	}
	ctx.Session.SendNumeric(ReplyRehashing, []string{"relayd.conf"}, "Rehashing")
	ctx.Server.requestRehash()
}

func handleDie(ctx *Context) {
	u := ctx.Session.User()
	if u == nil || u.Permission() < PermAdmin {
		ctx.Session.SendNumeric(ReplyNoPrivileges, nil, "Permission Denied- You're not an IRC operator")
		return
	}
	ctx.Server.requestShutdown("DIE from " + u.Nick())
}

func handleRestart(ctx *Context) {
	u := ctx.Session.User()
	if u == nil || u.Permission() < PermAdmin {
		ctx.Session.SendNumeric(ReplyNoPrivileges, nil, "Permission Denied- You're not an IRC operator")
		return
	}
	ctx.Server.requestRestart("RESTART from " + u.Nick())
}
