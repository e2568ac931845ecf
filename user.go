/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"strings"
	"sync"
	"time"
)

// User holds the state of one registered identity in the Matrix: a Uid
// plus everything visible about it on the wire (spec.md §3 Entities). A
// User is created at registration and destroyed when its last session
// closes, unless its account is bound to an always-on Client.
type User struct {
	mu sync.RWMutex

	uid  Uid
	nick string

	username string
	realname string

	visibleHost string
	realHost    string
	vhostActive bool

	perm Permission
	mode UserMode

	account string // empty if not SASL/services-authenticated

	awayText    string
	idleSince   time.Time
	registeredAt time.Time

	caps CapState

	sessions map[SessionId]struct{}
	channels map[string]struct{} // casefolded channel names this Uid has joined
}

// NewUser constructs a User in its post-registration form. Callers insert
// it into the Matrix's users/nicks maps under the Matrix's own lock
// discipline; NewUser itself touches no shared state.
func NewUser(uid Uid, nick, username, realname, host string) *User {
	now := time.Now()
	return &User{
		uid:          uid,
		nick:         nick,
		username:     username,
		realname:     realname,
		visibleHost:  host,
		realHost:     host,
		perm:         PermUser,
		idleSince:    now,
		registeredAt: now,
		sessions:     make(map[SessionId]struct{}, 1),
		channels:     make(map[string]struct{}),
	}
}

func (u *User) Uid() Uid { return u.uid }

// Hostmask returns "<nick>!<user>@<host>", using the vanity host in place
// of the real one when one is set and active.
func (u *User) Hostmask() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	host := u.realHost
	if u.vhostActive && u.visibleHost != "" {
		host = u.visibleHost
	}
	return u.nick + "!" + u.username + "@" + host
}

// RealHostmask always uses the real host, regardless of vanity settings;
// used for operator-facing WHOIS output and ban matching.
func (u *User) RealHostmask() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.nick + "!" + u.username + "@" + u.realHost
}

func (u *User) Nick() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.nick
}

func (u *User) SetNick(nick string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nick = nick
}

func (u *User) Username() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.username
}

func (u *User) Realname() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.realname
}

func (u *User) SetRealname(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.realname = name
}

func (u *User) RealHost() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.realHost
}

func (u *User) VisibleHost() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.vhostActive && u.visibleHost != "" {
		return u.visibleHost
	}
	return u.realHost
}

func (u *User) SetVanityHost(host string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.visibleHost = host
}

func (u *User) SetVanityActive(active bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.vhostActive = active
}

func (u *User) Permission() Permission {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.perm
}

func (u *User) SetPermission(p Permission) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.perm = p
}

func (u *User) Modes() UserMode {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mode
}

func (u *User) HasMode(m UserMode) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.mode&m != 0
}

func (u *User) AddMode(m UserMode) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mode |= m
}

func (u *User) DelMode(m UserMode) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mode &^= m
}

func (u *User) Account() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.account
}

func (u *User) SetAccount(account string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.account = account
	if account != "" {
		u.mode |= UModeRegistered
	} else {
		u.mode &^= UModeRegistered
	}
}

func (u *User) Away() (text string, isAway bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.awayText, u.mode&UModeAway != 0
}

func (u *User) SetAway(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.awayText = text
	if text == "" {
		u.mode &^= UModeAway
	} else {
		u.mode |= UModeAway
	}
}

func (u *User) Touch() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.idleSince = time.Now()
}

func (u *User) IdleSince() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.idleSince
}

func (u *User) RegisteredAt() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.registeredAt
}

// Caps returns the capability-negotiation state shared across this User's
// primary session. Multi-session bouncer semantics filter per attached
// Session, not per-User, so each Session carries its own *CapState too;
// this one reflects the session that most recently completed CAP END.
func (u *User) Caps() *CapState { return &u.caps }

// AddSession/RemoveSession track which SessionIds are currently attached
// to this User, for WHO/WHOIS session-count reporting.
func (u *User) AddSession(id SessionId) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessions[id] = struct{}{}
}

func (u *User) RemoveSession(id SessionId) (remaining int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sessions, id)
	return len(u.sessions)
}

func (u *User) SessionCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.sessions)
}

// Sessions returns every SessionId currently attached to this User, for
// the bouncer fan-out in Server.Deliver/killUser.
func (u *User) Sessions() []SessionId {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]SessionId, 0, len(u.sessions))
	for id := range u.sessions {
		out = append(out, id)
	}
	return out
}

// JoinedChannel/PartedChannel maintain the reverse index of casefolded
// channel names this Uid believes it has joined, per the Membership
// invariant in spec.md §3: this set must mirror each channel actor's
// member map.
func (u *User) JoinedChannel(casefoldedName string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.channels[casefoldedName] = struct{}{}
}

func (u *User) PartedChannel(casefoldedName string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.channels, casefoldedName)
}

func (u *User) Channels() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.channels))
	for name := range u.channels {
		out = append(out, name)
	}
	return out
}

func (u *User) InChannel(casefoldedName string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.channels[casefoldedName]
	return ok
}

// FormattedModeString renders the user's current mode flags with a
// leading '+', e.g. "+iw"; "+" alone if no flags are set.
func (u *User) FormattedModeString() string {
	modes := u.Modes().String()
	if modes == "" {
		return "+"
	}
	return "+" + modes
}

func normalizeRealname(s string) string {
	return strings.TrimSpace(s)
}
