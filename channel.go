/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MemberRouter is the slice of Matrix a ChannelActor needs to deliver
// messages to members and resolve Uids to Users. Channels never hold a
// *User pointer in their own state (spec.md §9 "explicit indices"); they
// route everything back through this interface.
type MemberRouter interface {
	LookupUser(uid Uid) (*User, bool)
	DeliverTo(uid Uid, msg *Message)
}

// banEntry is one entry of a channel's ban/except/invite-exception/quiet
// list: a mask plus who set it and when (spec.md §3 BanListEntry).
type banEntry struct {
	mask    string
	setter  string
	setAt   time.Time
	expires time.Time // zero if no expiry
}

type inviteEntry struct {
	account string
	invitedAt time.Time
}

// Channel is the state a ChannelActor owns exclusively. Every field here
// is touched only from the actor's run loop; nothing outside channel.go
// ever reads or writes it directly.
type Channel struct {
	name          string // casefolded
	displayName   string // as first created, for display purposes
	topic         string
	topicSetter   string
	topicAt       time.Time
	createdAt     time.Time

	flags ChannelMode
	key   string
	limit int

	members map[Uid]*Membership

	bans     map[string]banEntry
	excepts  map[string]banEntry
	invexes  map[string]banEntry
	quiets   map[string]banEntry
	invites  map[Uid]inviteEntry

	maxInvites int
}

func newChannelState(name, displayName string) *Channel {
	return &Channel{
		name:        name,
		displayName: displayName,
		createdAt:   time.Now(),
		members:     make(map[Uid]*Membership),
		bans:        make(map[string]banEntry),
		excepts:     make(map[string]banEntry),
		invexes:     make(map[string]banEntry),
		quiets:      make(map[string]banEntry),
		invites:     make(map[Uid]inviteEntry),
		maxInvites:  64,
	}
}

// Snapshot is an immutable, point-in-time copy of channel state, returned
// by the GetSnapshot event for handlers that need to read without holding
// any actor-internal lock (spec.md §4.4: "synchronous-style read").
type Snapshot struct {
	Name        string
	DisplayName string
	Topic       string
	TopicSetter string
	TopicAt     time.Time
	CreatedAt   time.Time
	Flags       ChannelMode
	Key         string
	Limit       int
	Members     []Membership
}

func (c *Channel) snapshot() Snapshot {
	members := make([]Membership, 0, len(c.members))
	for _, m := range c.members {
		members = append(members, *m)
	}
	return Snapshot{
		Name:        c.name,
		DisplayName: c.displayName,
		Topic:       c.topic,
		TopicSetter: c.topicSetter,
		TopicAt:     c.topicAt,
		CreatedAt:   c.createdAt,
		Flags:       c.flags,
		Key:         c.key,
		Limit:       c.limit,
		Members:     members,
	}
}

// ---- Mailbox events ----

// JoinEvent requests uid join the channel. KeyAttempt is the key param the
// client supplied, if any. Account is the joiner's account name, if any; a
// non-empty Account together with a hostmask matching an invite-exception
// (+I) entry lets the join past invite-only.
type JoinEvent struct {
	Uid        Uid
	Hostmask   string
	Account    string
	KeyAttempt string
	Reply      chan<- error
}

type PartEvent struct {
	Uid    Uid
	Reason string
	Reply  chan<- error
}

type KickEvent struct {
	ByUid  Uid
	Target Uid
	Reason string
	Reply  chan<- error
}

type TopicEvent struct {
	ByUid Uid
	Text  *string // nil = query, non-nil = set
	Reply chan<- TopicResult
}

type TopicResult struct {
	Snapshot Snapshot
	Err      error
}

type ModeEvent struct {
	ByUid   Uid
	Changes []ModeChange
	Reply   chan<- ModeResult
}

type ModeResult struct {
	Applied []ModeChange
	Err     error
}

type MessageKind int

const (
	MessagePrivmsg MessageKind = iota
	MessageNotice
	MessageTagmsg
)

type ChannelMessageEvent struct {
	Kind    MessageKind
	FromUid Uid
	Text    string
	Tags    map[string]string
	Reply   chan<- error
}

type InviteEvent struct {
	ByUid  Uid
	Target Uid
	Reply  chan<- error
}

type SnapshotEvent struct {
	Reply chan<- Snapshot
}

// remoteJoinEvent/remotePartEvent/remoteModeEvent/remoteTopicEvent mirror
// their local counterparts but are driven by replicated state a peer has
// already accepted, so they skip the ban/key/invite-only/topic-lock
// checks handleJoin/handlePart/handleMode/handleTopic apply to a local
// client's own request (spec.md §6 "State reconciliation (CRDT)": a
// burst or steady-state frame from a peer is authoritative, not subject
// to renegotiation on this side).
type remoteJoinEvent struct {
	Uid      Uid
	Nick     string
	Modes    PrefixMode
	Reply    chan<- error
}

type remotePartEvent struct {
	Uid    Uid
	Reason string
	Reply  chan<- error
}

type remoteModeEvent struct {
	Flags  ChannelMode
	Source string // server name crediting the change, for the announced MODE line
	Reply  chan<- error
}

type remoteTopicEvent struct {
	Text   string
	Setter string
	SetAt  time.Time
	Reply  chan<- error
}

type shutdownEvent struct{}

// ChannelActor is the bounded-mailbox task owning one Channel's state
// (spec.md §4.4). All mutation happens inside run(); callers only ever
// send events.
type ChannelActor struct {
	state  *Channel
	router MemberRouter
	limits Limits
	log    *logrus.Entry

	mailbox chan any
	done    chan struct{}

	onEmpty func(name string) // invoked when membership drops to zero and channel isn't persistent
}

// NewChannelActor starts a new actor goroutine for a freshly-created
// channel and returns its handle.
func NewChannelActor(name, displayName string, router MemberRouter, limits Limits, log *logrus.Entry, onEmpty func(string)) *ChannelActor {
	a := &ChannelActor{
		state:   newChannelState(name, displayName),
		router:  router,
		limits:  limits,
		log:     log.WithField("channel", displayName),
		mailbox: make(chan any, limits.ChannelMailbox),
		done:    make(chan struct{}),
		onEmpty: onEmpty,
	}
	go a.run()
	return a
}

// Send enqueues an event without blocking the caller's network loop. If
// the mailbox is full it returns ErrMailboxFull immediately, which the
// session surfaces as FAIL <cmd> TRY_AGAIN per spec.md §4.4.
func (a *ChannelActor) Send(event any) error {
	select {
	case a.mailbox <- event:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Shutdown requests the actor stop after draining its current event.
func (a *ChannelActor) Shutdown() {
	select {
	case a.mailbox <- shutdownEvent{}:
	default:
	}
}

func (a *ChannelActor) run() {
	defer close(a.done)
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case event := <-a.mailbox:
			if _, stop := event.(shutdownEvent); stop {
				return
			}
			a.handle(event)
		case <-sweep.C:
			a.pruneInvites()
		}
	}
}

func (a *ChannelActor) handle(event any) {
	switch e := event.(type) {
	case JoinEvent:
		a.handleJoin(e)
	case PartEvent:
		a.handlePart(e)
	case KickEvent:
		a.handleKick(e)
	case TopicEvent:
		a.handleTopic(e)
	case ModeEvent:
		a.handleMode(e)
	case ChannelMessageEvent:
		a.handleMessage(e)
	case InviteEvent:
		a.handleInvite(e)
	case SnapshotEvent:
		e.Reply <- a.state.snapshot()
	case remoteJoinEvent:
		a.handleRemoteJoin(e)
	case remotePartEvent:
		a.handleRemotePart(e)
	case remoteModeEvent:
		a.handleRemoteMode(e)
	case remoteTopicEvent:
		a.handleRemoteTopic(e)
	default:
		a.log.Warnf("channel actor: unrecognized event type %T", e)
	}
}

func (a *Channel) matchesAny(list map[string]banEntry, hostmask string) bool {
	for mask := range list {
		if hostmaskMatches(mask, hostmask) {
			return true
		}
	}
	return false
}

// hostmaskMatches implements the glob-style ('*','?') ban mask match used
// throughout IRC ban/except/invex lists, case-insensitively.
func hostmaskMatches(pattern, hostmask string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(hostmask))
}

func globMatch(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(s); i++ {
			if globMatch(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	}
}

func (a *ChannelActor) handleJoin(e JoinEvent) {
	s := a.state

	if _, already := s.members[e.Uid]; already {
		a.reply(e.Reply, nil)
		return
	}

	if s.limit > 0 && len(s.members) >= s.limit {
		a.reply(e.Reply, ErrChannelIsFull)
		return
	}

	if s.flags&ModeKeyed != 0 && e.KeyAttempt != s.key {
		a.reply(e.Reply, ErrBadChannelKey)
		return
	}

	banned := s.matchesAny(s.bans, e.Hostmask) && !s.matchesAny(s.excepts, e.Hostmask)
	if banned {
		a.reply(e.Reply, ErrBannedFromChan)
		return
	}

	if s.flags&ModeInviteOnly != 0 {
		_, invited := s.invites[e.Uid]
		invitedByAccount := e.Account != "" && s.matchesAny(s.invexes, e.Hostmask)
		if !invited && !invitedByAccount {
			a.reply(e.Reply, ErrInviteOnlyChan)
			return
		}
	}
	delete(s.invites, e.Uid)

	modes := PrefixMode(0)
	if len(s.members) == 0 {
		modes = PrefixOp // first joiner founds the channel; services may adjust via ForceMode later
	}

	user, ok := a.router.LookupUser(e.Uid)
	nick := string(e.Uid)
	if ok {
		nick = user.Nick()
	}

	s.members[e.Uid] = &Membership{Uid: e.Uid, Nick: nick, Modes: modes, JoinedAt: time.Now()}

	join := &Message{Command: CmdJoin, Source: e.Hostmask, Params: []string{s.displayName}}
	a.broadcast(join, 0)
	a.reply(e.Reply, nil)
}

func (a *ChannelActor) handlePart(e PartEvent) {
	s := a.state
	if _, ok := s.members[e.Uid]; !ok {
		a.reply(e.Reply, ErrNotOnChannel)
		return
	}

	hostmask := string(e.Uid)
	if user, ok := a.router.LookupUser(e.Uid); ok {
		hostmask = user.Hostmask()
	}

	part := &Message{Command: CmdPart, Source: hostmask, Params: []string{s.displayName}, Text: e.Reason, HasText: e.Reason != ""}
	a.broadcast(part, 0)
	delete(s.members, e.Uid)
	a.reply(e.Reply, nil)
	a.maybeDestroy()
}

// handleRemoteJoin applies a membership add an SJOIN burst or incremental
// frame already decided on a peer: no ban/key/invite-only check, since
// the peer has already let the user in. A Uid already present just gets
// its prefix modes unioned in, matching MergeFlags's union semantics.
func (a *ChannelActor) handleRemoteJoin(e remoteJoinEvent) {
	s := a.state
	if m, already := s.members[e.Uid]; already {
		m.Modes |= e.Modes
		a.reply(e.Reply, nil)
		return
	}

	s.members[e.Uid] = &Membership{Uid: e.Uid, Nick: e.Nick, Modes: e.Modes, JoinedAt: time.Now()}

	hostmask := e.Nick
	if user, ok := a.router.LookupUser(e.Uid); ok {
		hostmask = user.Hostmask()
	}
	join := &Message{Command: CmdJoin, Source: hostmask, Params: []string{s.displayName}}
	a.broadcast(join, 0)
	a.reply(e.Reply, nil)
}

func (a *ChannelActor) handleRemotePart(e remotePartEvent) {
	s := a.state
	m, ok := s.members[e.Uid]
	if !ok {
		a.reply(e.Reply, nil)
		return
	}

	hostmask := m.Nick
	if user, ok := a.router.LookupUser(e.Uid); ok {
		hostmask = user.Hostmask()
	}
	part := &Message{Command: CmdPart, Source: hostmask, Params: []string{s.displayName}, Text: e.Reason, HasText: e.Reason != ""}
	a.broadcast(part, 0)
	delete(s.members, e.Uid)
	a.reply(e.Reply, nil)
	a.maybeDestroy()
}

// handleRemoteMode installs flags already merged by replication's
// MergeFlags (bitwise-OR union, so a -o issued on one side of a split
// never un-sets a +o the other side kept); the caller passes the
// post-merge value, not a delta.
func (a *ChannelActor) handleRemoteMode(e remoteModeEvent) {
	s := a.state
	if s.flags == e.Flags {
		a.reply(e.Reply, nil)
		return
	}
	old := s.flags
	s.flags = e.Flags
	added := renderFlagDelta(old, e.Flags)
	if added != "" {
		modeMsg := &Message{Command: CmdMode, Source: e.Source, Params: []string{s.displayName, "+" + added}}
		a.broadcast(modeMsg, 0)
	}
	a.reply(e.Reply, nil)
}

// handleRemoteTopic installs a topic a peer's TB frame won the LWW merge
// for; no topic-lock check applies since the peer already decided it.
func (a *ChannelActor) handleRemoteTopic(e remoteTopicEvent) {
	s := a.state
	if s.topic == e.Text {
		a.reply(e.Reply, nil)
		return
	}
	s.topic = e.Text
	s.topicSetter = e.Setter
	s.topicAt = e.SetAt

	topicMsg := &Message{Command: CmdTopic, Source: e.Setter, Params: []string{s.displayName}, Text: s.topic, HasText: true}
	a.broadcast(topicMsg, 0)
	a.reply(e.Reply, nil)
}

// renderFlagDelta returns the letters present in next but not prev, for
// the MODE line a remote-origin flag merge still announces locally.
func renderFlagDelta(prev, next ChannelMode) string {
	var out strings.Builder
	for letter, info := range channelModeLetters {
		if info.class == classD && next&info.flag != 0 && prev&info.flag == 0 {
			out.WriteByte(letter)
		}
	}
	return out.String()
}

func (a *ChannelActor) handleKick(e KickEvent) {
	s := a.state
	kicker, ok := s.members[e.ByUid]
	if !ok {
		a.reply(e.Reply, ErrNotOnChannel)
		return
	}
	if !kicker.HasAny(PrefixOp | PrefixHalfOp | PrefixAdmin | PrefixOwner) {
		a.reply(e.Reply, ErrChanOpNeeded)
		return
	}
	if _, ok := s.members[e.Target]; !ok {
		a.reply(e.Reply, ErrUserNotInChan)
		return
	}

	byHostmask := string(e.ByUid)
	if user, ok := a.router.LookupUser(e.ByUid); ok {
		byHostmask = user.Hostmask()
	}
	targetNick := s.members[e.Target].Nick

	kick := &Message{Command: CmdKick, Source: byHostmask, Params: []string{s.displayName, targetNick}, Text: e.Reason, HasText: true}
	a.broadcast(kick, 0)
	delete(s.members, e.Target)
	a.reply(e.Reply, nil)
	a.maybeDestroy()
}

func (a *ChannelActor) handleTopic(e TopicEvent) {
	s := a.state
	if e.Text == nil {
		e.Reply <- TopicResult{Snapshot: s.snapshot()}
		return
	}

	m, onChan := s.members[e.ByUid]
	if !onChan {
		e.Reply <- TopicResult{Err: ErrNotOnChannel}
		return
	}
	if s.flags&ModeTopicLock != 0 && !m.HasAny(PrefixOp|PrefixHalfOp|PrefixAdmin|PrefixOwner) {
		e.Reply <- TopicResult{Err: ErrChanOpNeeded}
		return
	}

	s.topic = *e.Text
	s.topicSetter = m.Nick
	s.topicAt = time.Now()

	hostmask := s.topicSetter
	if user, ok := a.router.LookupUser(e.ByUid); ok {
		hostmask = user.Hostmask()
	}
	topicMsg := &Message{Command: CmdTopic, Source: hostmask, Params: []string{s.displayName}, Text: s.topic, HasText: true}
	a.broadcast(topicMsg, 0)

	e.Reply <- TopicResult{Snapshot: s.snapshot()}
}

func (a *ChannelActor) handleMode(e ModeEvent) {
	s := a.state
	actor, onChan := s.members[e.ByUid]
	if !onChan {
		e.Reply <- ModeResult{Err: ErrNotOnChannel}
		return
	}
	isOp := actor.HasAny(PrefixOp | PrefixHalfOp | PrefixAdmin | PrefixOwner)

	var applied []ModeChange
	for _, change := range e.Changes {
		if change.IsPrefixTarget {
			if !isOp {
				continue
			}
			target := a.resolveMemberByNick(change.Arg)
			if target == nil {
				continue
			}
			bit, _ := PrefixModeFromLetter(change.Letter)
			if change.Add {
				target.Modes |= bit
			} else {
				target.Modes &^= bit
			}
			applied = append(applied, change)
			continue
		}

		info, known := channelModeLetters[change.Letter]
		if !known {
			continue
		}
		if !isOp {
			continue
		}

		switch info.class {
		case classA:
			list := a.listFor(change.Letter)
			if list == nil {
				continue
			}
			if change.Add {
				list[change.Arg] = banEntry{mask: change.Arg, setter: actor.Nick, setAt: time.Now()}
			} else {
				delete(list, change.Arg)
			}
		case classB:
			if change.Add {
				s.key = change.Arg
				s.flags |= ModeKeyed
			} else {
				s.key = ""
				s.flags &^= ModeKeyed
			}
		case classC:
			if change.Add {
				var n int
				for _, r := range change.Arg {
					if r < '0' || r > '9' {
						n = -1
						break
					}
					n = n*10 + int(r-'0')
				}
				if n > 0 {
					s.limit = n
					s.flags |= ModeLimited
				}
			} else {
				s.limit = 0
				s.flags &^= ModeLimited
			}
		case classD:
			if change.Add {
				s.flags |= info.flag
			} else {
				s.flags &^= info.flag
			}
		}
		applied = append(applied, change)
	}

	if len(applied) > 0 {
		hostmask := actor.Nick
		if user, ok := a.router.LookupUser(e.ByUid); ok {
			hostmask = user.Hostmask()
		}
		modeMsg := &Message{Command: CmdMode, Source: hostmask, Params: append([]string{s.displayName}, renderModeChanges(applied)...)}
		a.broadcast(modeMsg, 0)
	}

	e.Reply <- ModeResult{Applied: applied}
}

func renderModeChanges(changes []ModeChange) []string {
	var sign byte
	letters := strings.Builder{}
	var args []string
	var out []string
	flush := func() {
		if letters.Len() > 0 {
			out = append(out, string(sign)+letters.String())
			letters.Reset()
		}
	}
	for _, c := range changes {
		s := byte('+')
		if !c.Add {
			s = '-'
		}
		if s != sign {
			flush()
			sign = s
		}
		letters.WriteByte(c.Letter)
		if c.HasArg {
			args = append(args, c.Arg)
		}
	}
	flush()
	return append(out, args...)
}

func (a *ChannelActor) listFor(letter byte) map[string]banEntry {
	switch letter {
	case 'b':
		return a.state.bans
	case 'e':
		return a.state.excepts
	case 'I':
		return a.state.invexes
	case 'q':
		return a.state.quiets
	default:
		return nil
	}
}

func (a *ChannelActor) resolveMemberByNick(nick string) *Membership {
	for _, m := range a.state.members {
		if strings.EqualFold(m.Nick, nick) {
			return m
		}
	}
	return nil
}

func (a *ChannelActor) handleMessage(e ChannelMessageEvent) {
	s := a.state
	sender, onChan := s.members[e.FromUid]

	if !onChan && s.flags&ModeNoExternal != 0 {
		a.reply(e.Reply, ErrCannotSendToChan)
		return
	}
	if onChan && s.flags&ModeModerated != 0 && !sender.HasAny(PrefixVoice|PrefixHalfOp|PrefixOp|PrefixAdmin|PrefixOwner) {
		a.reply(e.Reply, ErrCannotSendToChan)
		return
	}
	if onChan {
		if user, ok := a.router.LookupUser(e.FromUid); ok && s.matchesAny(s.quiets, user.Hostmask()) && !sender.HasAny(PrefixOp|PrefixHalfOp|PrefixAdmin|PrefixOwner) {
			a.reply(e.Reply, ErrCannotSendToChan)
			return
		}
	}

	cmd := CmdPrivMsg
	switch e.Kind {
	case MessageNotice:
		cmd = CmdNotice
	case MessageTagmsg:
		cmd = CmdTagmsg
	}

	source := string(e.FromUid)
	if user, ok := a.router.LookupUser(e.FromUid); ok {
		source = user.Hostmask()
	}

	msg := &Message{Command: cmd, Source: source, Params: []string{s.displayName}, Tags: e.Tags}
	if e.Kind != MessageTagmsg {
		msg.Text = e.Text
		msg.HasText = true
	}
	a.broadcast(msg, e.FromUid)
	a.reply(e.Reply, nil)
}

func (a *ChannelActor) handleInvite(e InviteEvent) {
	s := a.state
	inviter, onChan := s.members[e.ByUid]
	if s.flags&ModeInviteOnly != 0 {
		if !onChan || !inviter.HasAny(PrefixOp|PrefixHalfOp|PrefixAdmin|PrefixOwner) {
			a.reply(e.Reply, ErrChanOpNeeded)
			return
		}
	}
	if len(s.invites) >= s.maxInvites {
		a.reply(e.Reply, ErrChannelIsFull)
		return
	}

	account := ""
	if user, ok := a.router.LookupUser(e.Target); ok {
		account = user.Account()
	}
	s.invites[e.Target] = inviteEntry{account: account, invitedAt: time.Now()}

	invite := &Message{Command: CmdInvite, Params: []string{string(e.Target), s.displayName}}
	a.router.DeliverTo(e.Target, invite)
	a.reply(e.Reply, nil)
}

func (a *ChannelActor) pruneInvites() {
	ttl := a.limits.InviteTTL
	if ttl <= 0 {
		return
	}
	now := time.Now()
	for uid, inv := range a.state.invites {
		if now.Sub(inv.invitedAt) > ttl {
			delete(a.state.invites, uid)
		}
	}
}

func (a *ChannelActor) maybeDestroy() {
	if len(a.state.members) == 0 && a.state.flags&ModePermanent == 0 && a.onEmpty != nil {
		a.onEmpty(a.state.name)
		a.Shutdown()
	}
}

// broadcast delivers msg to every member except exclude (zero value sends
// to all, including any Uid("")-less sender which can't occur in
// practice since a Uid is never empty for a live member).
func (a *ChannelActor) broadcast(msg *Message, exclude Uid) {
	for uid := range a.state.members {
		if uid == exclude {
			continue
		}
		a.router.DeliverTo(uid, msg)
	}
}

func (a *ChannelActor) reply(ch chan<- error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
