/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

// Context bundles everything a handler needs: the session it's acting
// on, the server (for Matrix/limits/dispatch of further effects), and
// the message being handled. Handlers never reach for package-level
// state; everything comes through this struct (spec.md §9 "explicit
// Matrix handle passed into tasks").
type Context struct {
	Session *Session
	Server  *Server
	Msg     *Message
}

// HandlerFunc is the shape of every command handler. Handlers validate,
// mutate (via Matrix/ChannelActor calls), and reply; they never return an
// error to a generic caller; each handler is responsible for emitting its
// own numeric/FAIL/WARN reply per spec.md §7.
type HandlerFunc func(ctx *Context)

// Dispatcher resolves a command token to a handler using three disjoint,
// state-tagged tables (spec.md §9's redesign note: "compile-time-
// dispatched, state-tagged handler groups" rather than runtime string
// registration). Registered-only commands are simply absent from the
// unregistered table, so an Unregistered session can never reach them.
type Dispatcher struct {
	any          map[string]HandlerFunc
	unregistered map[string]HandlerFunc
	registered   map[string]HandlerFunc
}

// NewDispatcher builds the full handler surface spec.md §4.3 enumerates.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		any:          make(map[string]HandlerFunc),
		unregistered: make(map[string]HandlerFunc),
		registered:   make(map[string]HandlerFunc),
	}
	d.registerAny()
	d.registerUnregistered()
	d.registerRegistered()
	return d
}

func (d *Dispatcher) registerAny() {
	d.any[CmdCap] = handleCap
	d.any[CmdPing] = handlePing
	d.any[CmdPong] = handlePong
	d.any[CmdQuit] = handleQuit
	d.any[CmdError] = handleError
}

func (d *Dispatcher) registerUnregistered() {
	d.unregistered[CmdPass] = handlePass
	d.unregistered[CmdNick] = handleNick
	d.unregistered[CmdUser] = handleUser
	d.unregistered[CmdAuthenticate] = handleAuthenticate
	d.unregistered[CmdWebirc] = handleWebirc
}

func (d *Dispatcher) registerRegistered() {
	d.registered[CmdJoin] = handleJoin
	d.registered[CmdPart] = handlePart
	d.registered[CmdKick] = handleKick
	d.registered[CmdTopic] = handleTopic
	d.registered[CmdNames] = handleNames
	d.registered[CmdList] = handleList
	d.registered[CmdInvite] = handleInvite
	d.registered[CmdKnock] = handleKnock
	d.registered[CmdMode] = handleMode

	d.registered[CmdPrivMsg] = handlePrivmsg
	d.registered[CmdNotice] = handleNotice
	d.registered[CmdTagmsg] = handleTagmsg

	d.registered[CmdWho] = handleWho
	d.registered[CmdWhois] = handleWhois
	d.registered[CmdWhowas] = handleWhowas
	d.registered[CmdUserhost] = handleUserhost
	d.registered[CmdIson] = handleIson
	d.registered[CmdMonitor] = handleMonitor

	d.registered[CmdAway] = handleAway
	d.registered[CmdSetname] = handleSetname
	d.registered[CmdBatch] = handleBatch
	d.registered[CmdChatHistory] = handleChatHistory
	d.registered[CmdMarkRead] = handleMarkRead

	d.registered[CmdMotd] = handleMotd
	d.registered[CmdLusers] = handleLusers
	d.registered[CmdVersion] = handleVersion
	d.registered[CmdTime] = handleTime
	d.registered[CmdAdmin] = handleAdmin
	d.registered[CmdInfo] = handleInfo
	d.registered[CmdStats] = handleStats
	d.registered[CmdLinks] = handleLinks
	d.registered[CmdMap] = handleMap
	d.registered[CmdWallops] = handleWallops
	d.registered[CmdGlobops] = handleGlobops
	d.registered[CmdOper] = handleOper
	d.registered[CmdKill] = handleKill
	d.registered[CmdRehash] = handleRehash
	d.registered[CmdDie] = handleDie
	d.registered[CmdRestart] = handleRestart
}

// Dispatch resolves msg.Command against the table appropriate to the
// session's current state and invokes the handler, or emits the relevant
// rejection if none applies.
func (d *Dispatcher) Dispatch(s *Session, msg *Message) {
	ctx := &Context{Session: s, Server: s.server, Msg: msg}

	if h, ok := d.any[msg.Command]; ok {
		h(ctx)
		return
	}

	switch s.State() {
	case StateUnregistered:
		if h, ok := d.unregistered[msg.Command]; ok {
			h(ctx)
			return
		}
		s.SendNumeric(ReplyNotRegistered, nil, "You have not registered")

	case StateRegistered:
		if h, ok := d.registered[msg.Command]; ok {
			h(ctx)
			return
		}
		// NICK (rename) and other unregistered-phase commands remain
		// reachable after registration; the handler itself branches on
		// session state where the behavior differs.
		if h, ok := d.unregistered[msg.Command]; ok {
			h(ctx)
			return
		}
		s.SendNumeric(ReplyUnknownCommand, []string{msg.Command}, "Unknown command")
	}
}
