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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaynet/relayd/internal/replication"
)

// remoteUsers tracks which peer introduced a replicated Uid, so LinkLost
// knows exactly which users to QUIT with a netsplit reason when that
// peer's link goes down. Local users are never present here.
type remoteUsers struct {
	mu   sync.RWMutex
	peer map[Uid]string
}

func newRemoteUsers() *remoteUsers { return &remoteUsers{peer: make(map[Uid]string)} }

func (r *remoteUsers) add(uid Uid, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer[uid] = peer
}

func (r *remoteUsers) remove(uid Uid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peer, uid)
}

func (r *remoteUsers) isRemote(uid Uid) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peer[uid]
	return ok
}

func (r *remoteUsers) fromPeer(peer string) []Uid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Uid, 0, len(r.peer))
	for uid, p := range r.peer {
		if p == peer {
			out = append(out, uid)
		}
	}
	return out
}

// FrameReceived implements replication.Delegate: inbound S2S frames are
// decoded and merged into Matrix using the CRDT primitives in
// internal/replication/crdt.go (MergeFlags for channel boolean modes,
// MergeLWW for the topic; membership is applied through
// remoteJoinEvent/remotePartEvent, not an ORSet), so a concurrent
// edit on either side of a netsplit converges the same way regardless of
// which half observes it first (spec.md §6 "State reconciliation").
func (s *Server) FrameReceived(peer string, f replication.Frame) {
	switch f.Command {
	case "UID":
		s.applyRemoteUID(peer, f)
	case "SJOIN":
		s.applyRemoteSJOIN(f)
	case "TMODE":
		s.applyRemoteTMODE(f)
	case "TB":
		s.applyRemoteTB(f)
	case "NICK":
		s.applyRemoteNick(f)
	case "PART":
		s.applyRemotePart(f)
	case "QUIT":
		s.applyRemoteQuit(f)
	case "PRIVMSG", "NOTICE", "TAGMSG":
		s.applyRemoteMessage(f)
	default:
		s.log.WithFields(logrus.Fields{"peer": peer, "command": f.Command}).Debug("unhandled replication frame")
	}
}

// LinkLost implements replication.Delegate: spec.md's netsplit handling.
// Local state is preserved, but every user introduced over the
// now-unreachable peer is removed from local view with a QUIT carrying a
// synthetic "<server name> *.net *.split" reason, mirroring horgh-catbox's
// serverSplitCleanUp.
func (s *Server) LinkLost(peer string, reason string) {
	s.log.WithFields(logrus.Fields{"peer": peer, "reason": reason}).Warn("replication link lost")
	splitReason := s.name + " *.net *.split"
	for _, uid := range s.remotes.fromPeer(peer) {
		u, ok := s.matrix.LookupUser(uid)
		if !ok {
			continue
		}
		s.removeRemoteUser(u, splitReason)
	}
}

// Burst implements replication.Delegate: every local user and channel is
// streamed to a freshly-bursting peer as UID/SJOIN/TB frames, the
// introduction horgh-catbox's sendBurst performs on link-up. Users this
// server learned from some other peer are skipped (the originating server
// bursts them); every channel is burst, with its full member list,
// remote members included.
func (s *Server) Burst() []replication.Frame {
	var frames []replication.Frame
	for _, u := range s.matrix.users.Values() {
		if s.remotes.isRemote(u.Uid()) {
			continue
		}
		frames = append(frames, s.uidFrame(u))
	}
	for _, actor := range s.matrix.AllChannels() {
		snap := snapshotOf(actor)
		frames = append(frames, s.sjoinFrame(snap))
		if snap.Topic != "" {
			frames = append(frames, s.tbFrame(snap))
		}
	}
	return frames
}

func (s *Server) uidFrame(u *User) replication.Frame {
	return replication.Frame{
		Source:  s.name,
		Command: "UID",
		Params:  []string{string(u.Uid()), u.Nick(), u.Username(), u.VisibleHost(), u.Account(), u.Realname()},
		Stamp:   s.links.Stamp(),
	}
}

func (s *Server) sjoinFrame(snap Snapshot) replication.Frame {
	members := make([]string, 0, len(snap.Members))
	for _, m := range snap.Members {
		members = append(members, prefixLetters(m.Modes)+":"+string(m.Uid))
	}
	return replication.Frame{
		Source:  s.name,
		Command: "SJOIN",
		Params: []string{
			strconv.FormatInt(snap.CreatedAt.Unix(), 10),
			snap.DisplayName,
			"+" + flagString(snap.Flags),
			strings.Join(members, " "),
		},
		Stamp: s.links.Stamp(),
	}
}

func (s *Server) tbFrame(snap Snapshot) replication.Frame {
	return replication.Frame{
		Source:  s.name,
		Command: "TB",
		Params:  []string{snap.DisplayName, snap.TopicSetter, snap.Topic},
		Stamp:   replication.Stamp{Wall: snap.TopicAt.UnixNano()},
	}
}

// prefixLetters renders m's set bits as mode letters (highest rank
// first), the membership-token half of an SJOIN member entry.
func prefixLetters(m PrefixMode) string {
	var b strings.Builder
	for _, p := range prefixRank {
		if m&p.mode != 0 {
			b.WriteByte(p.letter)
		}
	}
	return b.String()
}

func prefixModesFromLetters(letters string) PrefixMode {
	var m PrefixMode
	for i := 0; i < len(letters); i++ {
		if bit, ok := PrefixModeFromLetter(letters[i]); ok {
			m |= bit
		}
	}
	return m
}

// parseFlagString decodes a "+<letters>" TMODE/SJOIN flags param into the
// classD boolean bits. Only adds are meaningful here: MergeFlags's union
// semantics mean a remote '-' is never applied as a local unset (spec.md
// §6's documented, intentionally lossy mode-union tradeoff).
func parseFlagString(spec string) ChannelMode {
	var flags ChannelMode
	add := true
	for i := 0; i < len(spec); i++ {
		switch c := spec[i]; c {
		case '+':
			add = true
		case '-':
			add = false
		default:
			if info, ok := channelModeLetters[c]; ok && info.class == classD && add {
				flags |= info.flag
			}
		}
	}
	return flags
}

func (s *Server) applyRemoteUID(peer string, f replication.Frame) {
	if len(f.Params) < 6 {
		s.log.WithField("peer", peer).Warn("malformed UID frame")
		return
	}
	uid := Uid(f.Params[0])
	nick, username, host, account, realname := f.Params[1], f.Params[2], f.Params[3], f.Params[4], f.Params[5]

	if existing, ok := s.matrix.LookupUser(uid); ok {
		existing.SetRealname(realname)
		existing.SetAccount(account)
		return
	}

	u := NewUser(uid, nick, username, realname, host)
	u.SetAccount(account)
	if err := s.matrix.RegisterUser(u); err != nil {
		s.log.WithError(err).WithField("peer", peer).Warn("dropping remote UID on nick collision")
		return
	}
	s.remotes.add(uid, peer)
}

func (s *Server) applyRemoteSJOIN(f replication.Frame) {
	if len(f.Params) < 3 {
		return
	}
	displayName := f.Params[1]
	flags := parseFlagString(f.Params[2])
	var members []string
	if len(f.Params) > 3 && f.Params[3] != "" {
		members = strings.Fields(f.Params[3])
	}

	actor := s.matrix.GetOrCreateChannel(displayName, s.onChannelEmpty)
	folded := s.matrix.FoldChannel(displayName)

	snap := snapshotOf(actor)
	merged := replication.MergeFlags(snap.Flags, flags)
	if merged != snap.Flags {
		reply := make(chan error, 1)
		if actor.Send(remoteModeEvent{Flags: merged, Source: f.Source, Reply: reply}) == nil {
			<-reply
		}
	}

	for _, tok := range members {
		idx := strings.IndexByte(tok, ':')
		if idx < 0 {
			continue
		}
		letters, uidPart := tok[:idx], tok[idx+1:]
		uid := Uid(uidPart)

		nick := uidPart
		if u, ok := s.matrix.LookupUser(uid); ok {
			nick = u.Nick()
		}

		reply := make(chan error, 1)
		if actor.Send(remoteJoinEvent{Uid: uid, Nick: nick, Modes: prefixModesFromLetters(letters), Reply: reply}) != nil {
			continue
		}
		<-reply
		if u, ok := s.matrix.LookupUser(uid); ok {
			u.JoinedChannel(folded)
		}
	}
}

func (s *Server) applyRemoteTMODE(f replication.Frame) {
	if len(f.Params) < 2 {
		return
	}
	actor, ok := s.matrix.LookupChannel(f.Params[0])
	if !ok {
		return
	}
	snap := snapshotOf(actor)
	merged := replication.MergeFlags(snap.Flags, parseFlagString(f.Params[1]))
	if merged == snap.Flags {
		return
	}
	reply := make(chan error, 1)
	if actor.Send(remoteModeEvent{Flags: merged, Source: f.Source, Reply: reply}) == nil {
		<-reply
	}
}

func (s *Server) applyRemoteTB(f replication.Frame) {
	if len(f.Params) < 3 {
		return
	}
	actor, ok := s.matrix.LookupChannel(f.Params[0])
	if !ok {
		return
	}
	snap := snapshotOf(actor)
	local := replication.LWWRegister[string]{Value: snap.Topic, Stamp: replication.Stamp{Wall: snap.TopicAt.UnixNano()}, Origin: s.name}
	remote := replication.LWWRegister[string]{Value: f.Params[2], Stamp: f.Stamp, Origin: f.Source}
	merged := replication.MergeLWW(local, remote)
	if merged.Origin == s.name {
		return
	}
	reply := make(chan error, 1)
	event := remoteTopicEvent{Text: merged.Value, Setter: f.Params[1], SetAt: time.Unix(0, merged.Stamp.Wall), Reply: reply}
	if actor.Send(event) == nil {
		<-reply
	}
}

func (s *Server) applyRemoteNick(f replication.Frame) {
	if len(f.Params) < 1 {
		return
	}
	uid := Uid(f.Source)
	u, ok := s.matrix.LookupUser(uid)
	if !ok {
		return
	}
	oldNick := u.Nick()
	if err := s.matrix.RenameNick(oldNick, f.Params[0], uid); err != nil {
		return
	}
	oldHostmask := u.Hostmask()
	u.SetNick(f.Params[0])
	s.broadcastNickChange(u, oldHostmask, f.Params[0])
}

func (s *Server) applyRemotePart(f replication.Frame) {
	if len(f.Params) < 1 {
		return
	}
	uid := Uid(f.Source)
	u, ok := s.matrix.LookupUser(uid)
	if !ok {
		return
	}
	actor, ok := s.matrix.LookupChannel(f.Params[0])
	if !ok {
		return
	}
	reason := ""
	if len(f.Params) > 1 {
		reason = f.Params[len(f.Params)-1]
	}
	reply := make(chan error, 1)
	if actor.Send(remotePartEvent{Uid: uid, Reason: reason, Reply: reply}) == nil {
		<-reply
	}
	u.PartedChannel(s.matrix.FoldChannel(f.Params[0]))
}

func (s *Server) applyRemoteQuit(f replication.Frame) {
	uid := Uid(f.Source)
	u, ok := s.matrix.LookupUser(uid)
	if !ok {
		return
	}
	reason := ""
	if len(f.Params) > 0 {
		reason = f.Params[len(f.Params)-1]
	}
	s.removeRemoteUser(u, reason)
}

// removeRemoteUser parts u from every channel it believes it is in and
// drops it from Matrix entirely; shared by applyRemoteQuit and LinkLost's
// netsplit QUIT synthesis.
func (s *Server) removeRemoteUser(u *User, reason string) {
	for _, folded := range u.Channels() {
		if actor, ok := s.matrix.LookupChannel(folded); ok {
			reply := make(chan error, 1)
			if actor.Send(remotePartEvent{Uid: u.Uid(), Reason: reason, Reply: reply}) == nil {
				<-reply
			}
		}
	}
	quitMsg := &Message{Command: CmdQuit, Source: u.Hostmask(), Text: reason, HasText: true}
	for _, watcher := range s.matrix.WatchersOf(u.Nick()) {
		s.Deliver(watcher, quitMsg)
	}
	s.matrix.UnregisterUser(u)
	s.remotes.remove(u.Uid())
}

func (s *Server) applyRemoteMessage(f replication.Frame) {
	if len(f.Params) < 1 {
		return
	}
	uid := Uid(f.Source)
	target := f.Params[0]
	text := ""
	if len(f.Params) > 1 {
		text = f.Params[1]
	}

	kind := MessagePrivmsg
	switch f.Command {
	case "NOTICE":
		kind = MessageNotice
	case "TAGMSG":
		kind = MessageTagmsg
	}

	if isChannelName(target) {
		actor, ok := s.matrix.LookupChannel(target)
		if !ok {
			return
		}
		reply := make(chan error, 1)
		if actor.Send(ChannelMessageEvent{Kind: kind, FromUid: uid, Text: text, Reply: reply}) == nil {
			<-reply
		}
		return
	}

	to, ok := s.matrix.LookupNick(target)
	if !ok {
		return
	}
	cmd := CmdPrivMsg
	if kind == MessageNotice {
		cmd = CmdNotice
	} else if kind == MessageTagmsg {
		cmd = CmdTagmsg
	}
	msg := &Message{Command: cmd, Params: []string{target}}
	if from, ok := s.matrix.LookupUser(uid); ok {
		msg.Source = from.Hostmask()
	}
	if kind != MessageTagmsg {
		msg.Text = text
		msg.HasText = true
	}
	s.Deliver(to.Uid(), msg)
}

// --- Outbound relay: local mutations become Frames for the mesh ---

func (s *Server) relayJoin(u *User, name, folded string) {
	if s.links == nil {
		return
	}
	actor, ok := s.matrix.LookupChannel(folded)
	if !ok {
		return
	}
	snap := snapshotOf(actor)
	var mine Membership
	for _, m := range snap.Members {
		if m.Uid == u.Uid() {
			mine = m
			break
		}
	}
	f := replication.Frame{
		Source:  s.name,
		Command: "SJOIN",
		Params: []string{
			strconv.FormatInt(snap.CreatedAt.Unix(), 10),
			snap.DisplayName,
			"+" + flagString(snap.Flags),
			prefixLetters(mine.Modes) + ":" + string(u.Uid()),
		},
		Stamp: s.links.Stamp(),
	}
	s.links.Broadcast(f, "")
}

func (s *Server) relayPart(u *User, name, reason string) {
	if s.links == nil {
		return
	}
	f := replication.Frame{Source: string(u.Uid()), Command: "PART", Params: []string{name, reason}, Stamp: s.links.Stamp()}
	s.links.Broadcast(f, "")
}

func (s *Server) relayMode(name string, flags ChannelMode) {
	if s.links == nil {
		return
	}
	f := replication.Frame{Source: s.name, Command: "TMODE", Params: []string{name, "+" + flagString(flags)}, Stamp: s.links.Stamp()}
	s.links.Broadcast(f, "")
}

func (s *Server) relayTopic(snap Snapshot) {
	if s.links == nil {
		return
	}
	f := s.tbFrame(snap)
	f.Stamp = s.links.Stamp()
	s.links.Broadcast(f, "")
}

func (s *Server) relayNick(u *User, newNick string) {
	if s.links == nil {
		return
	}
	f := replication.Frame{Source: string(u.Uid()), Command: "NICK", Params: []string{newNick}, Stamp: s.links.Stamp()}
	s.links.Broadcast(f, "")
}

func (s *Server) relayQuit(u *User, reason string) {
	if s.links == nil {
		return
	}
	f := replication.Frame{Source: string(u.Uid()), Command: "QUIT", Params: []string{reason}, Stamp: s.links.Stamp()}
	s.links.Broadcast(f, "")
}

func (s *Server) relayChannelMessage(u *User, channel, command, text string) {
	if s.links == nil {
		return
	}
	f := replication.Frame{Source: string(u.Uid()), Command: command, Params: []string{channel, text}, Stamp: s.links.Stamp()}
	s.links.Broadcast(f, "")
}
