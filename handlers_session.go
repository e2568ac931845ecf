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

	"github.com/relaynet/relayd/internal/history"
)

func handleAway(ctx *Context) {
	u := ctx.Session.User()
	if u == nil {
		return
	}
	text := ctx.Msg.Text
	if len(text) > ctx.Server.limits.AwayLength {
		text = text[:ctx.Server.limits.AwayLength]
	}
	u.SetAway(text)
	if text == "" {
		ctx.Session.SendNumeric(ReplyUnAway, nil, "You are no longer marked as being away")
	} else {
		ctx.Session.SendNumeric(ReplyNowAway, nil, "You have been marked as being away")
	}
	ctx.Server.notifyAwayChange(u, text)
}

func handleSetname(ctx *Context) {
	u := ctx.Session.User()
	if u == nil {
		return
	}
	name := ctx.Msg.Text
	if len(ctx.Msg.Params) > 0 && name == "" {
		name = ctx.Msg.Params[0]
	}
	u.SetRealname(name)
	setname := &Message{Source: u.Hostmask(), Command: CmdSetname, Text: name, HasText: true}
	ctx.Server.broadcastToPeers(u, setname, CapSetname)
}

// handleBatch accepts a client-originated BATCH line and ignores it: no
// reply is sent, and the line is neither relayed to any target nor used to
// reassemble a multiline (draft/multiline) message. Only server-originated
// batches, such as CHATHISTORY playback, carry BATCH framing.
func handleBatch(ctx *Context) {}

func handleChatHistory(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		ctx.Session.SendFail(CmdChatHistory, "NEED_MORE_PARAMS", "Missing parameters")
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	sub := strings.ToUpper(ctx.Msg.Params[0])
	if len(ctx.Msg.Params) < 2 {
		ctx.Session.SendFail(CmdChatHistory, "NEED_MORE_PARAMS", "Missing target")
		return
	}
	target := ctx.Server.matrix.FoldChannel(ctx.Msg.Params[1])

	limit := 50
	if n := lastIntParam(ctx.Msg.Params); n > 0 {
		limit = n
	}

	var entries []history.Entry
	switch sub {
	case "LATEST":
		entries = ctx.Server.history.Latest(target, limit)
	case "BEFORE":
		if t, ok := parseHistoryTimestamp(paramAt(ctx.Msg.Params, 2)); ok {
			entries = ctx.Server.history.Before(target, t, limit)
		}
	case "AFTER":
		if t, ok := parseHistoryTimestamp(paramAt(ctx.Msg.Params, 2)); ok {
			entries = ctx.Server.history.After(target, t, limit)
		}
	case "AROUND":
		if t, ok := parseHistoryTimestamp(paramAt(ctx.Msg.Params, 2)); ok {
			entries = ctx.Server.history.Around(target, t, limit)
		}
	case "BETWEEN":
		from, okFrom := parseHistoryTimestamp(paramAt(ctx.Msg.Params, 2))
		to, okTo := parseHistoryTimestamp(paramAt(ctx.Msg.Params, 3))
		if okFrom && okTo {
			entries = ctx.Server.history.Between(target, from, to, limit)
		}
	case "TARGETS":
		since, _ := parseHistoryTimestamp(paramAt(ctx.Msg.Params, 1))
		for _, t := range ctx.Server.history.Targets(since) {
			ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdChatHistory, Params: []string{"TARGETS", t}})
		}
		return
	default:
		ctx.Session.SendFail(CmdChatHistory, "INVALID_PARAMS", "Unknown subcommand")
		return
	}

	batchName := "chathistory-" + string(NewSessionId())
	ctx.Session.Send(&Message{Source: ctx.Server.name, Command: "BATCH", Params: []string{"+" + batchName, "chathistory", ctx.Msg.Params[1]}})
	for _, e := range entries {
		ctx.Session.Send(&Message{
			Tags:    withBatchTag(e.Tags, batchName),
			Source:  e.Sender,
			Command: e.Command,
			Params:  []string{ctx.Msg.Params[1]},
			Text:    e.Text,
			HasText: true,
		})
	}
	ctx.Session.Send(&Message{Command: "BATCH", Params: []string{"-" + batchName}})
}

func withBatchTag(tags map[string]string, batch string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out["batch"] = batch
	return out
}

func lastIntParam(params []string) int {
	if len(params) == 0 {
		return 0
	}
	n, err := strconv.Atoi(params[len(params)-1])
	if err != nil {
		return 0
	}
	return n
}

func paramAt(params []string, i int) string {
	if i < len(params) {
		return params[i]
	}
	return ""
}

func parseHistoryTimestamp(s string) (time.Time, bool) {
	s = strings.TrimPrefix(s, "timestamp=")
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func handleMarkRead(ctx *Context) {
	if len(ctx.Msg.Params) < 1 {
		return
	}
	u := ctx.Session.User()
	if u == nil {
		return
	}
	account := u.Account()
	if account == "" {
		return
	}
	client := ctx.Server.matrix.GetOrCreateClient(account)
	target := ctx.Msg.Params[0]
	if len(ctx.Msg.Params) < 2 {
		at, ok := client.ReadMarker(target)
		if !ok {
			at = time.Time{}
		}
		ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdMarkRead, Params: []string{target, "timestamp=" + at.UTC().Format(time.RFC3339Nano)}})
		return
	}
	t, ok := parseHistoryTimestamp(ctx.Msg.Params[1])
	if !ok {
		t = time.Now()
	}
	client.MarkRead(target, t)
	ctx.Session.Send(&Message{Source: ctx.Server.name, Command: CmdMarkRead, Params: []string{target, ctx.Msg.Params[1]}})
}
