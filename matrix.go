/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relaynet/relayd/internal/casefold"
	"github.com/relaynet/relayd/shared/concurrentmap"
)

// Matrix is the process-wide global state registry spec.md §4.5
// describes: users, nicks, channels, clients, monitor watches and (when
// replication is enabled) peers. Every map here is a short-lock
// concurrent map; per-entity mutation still happens through that
// entity's own lock (User, Client) or its own actor (ChannelActor), never
// by holding the Matrix's map lock across a suspension point.
type Matrix struct {
	log *logrus.Entry

	limits   Limits
	casefold casefold.Profile

	users    concurrentmap.ConcurrentMap[Uid, *User]
	nicks    concurrentmap.ConcurrentMap[string, Uid] // casefolded nick -> uid
	channels concurrentmap.ConcurrentMap[string, *ChannelActor] // casefolded name -> actor
	clients  concurrentmap.ConcurrentMap[string, *Client] // account -> client

	deliverer Deliverer

	monitorMu sync.RWMutex
	monitor   map[Uid]map[string]struct{} // uid -> set of casefolded nicks it watches
	watchedBy map[string]map[Uid]struct{} // casefolded nick -> set of uids watching it

	uidMu   sync.Mutex
	uids    *uidCounter
	serverId ServerId
}

// NewMatrix constructs an empty Matrix for a server identified by sid.
func NewMatrix(sid ServerId, limits Limits, profile casefold.Profile, log *logrus.Entry) *Matrix {
	return &Matrix{
		log:       log.WithField("component", "matrix"),
		limits:    limits,
		casefold:  profile,
		users:     concurrentmap.New[Uid, *User](),
		nicks:     concurrentmap.New[string, Uid](),
		channels:  concurrentmap.New[string, *ChannelActor](),
		clients:   concurrentmap.New[string, *Client](),
		monitor:   make(map[Uid]map[string]struct{}),
		watchedBy: make(map[string]map[Uid]struct{}),
		uids:      newUidCounter(),
		serverId:  sid,
	}
}

func (m *Matrix) FoldNick(nick string) string    { return m.casefold.Fold(nick) }
func (m *Matrix) FoldChannel(name string) string { return casefold.FoldChannel(m.casefold, name) }

// NextUid allocates a fresh, server-unique Uid. Serialized by uidMu since
// the underlying odometer is not itself safe for concurrent use.
func (m *Matrix) NextUid() Uid {
	m.uidMu.Lock()
	defer m.uidMu.Unlock()
	return m.uids.Next(m.serverId)
}

// --- Users & nicks ---

// RegisterUser inserts a freshly-registered User under uid and its
// casefolded nick. Returns ErrNickInUse if the nick is already taken;
// caller is expected to have already checked NickAvailable but this is
// the authoritative, race-free check since Set/Exists aren't atomic
// together on the underlying map — callers retry on this error.
func (m *Matrix) RegisterUser(u *User) error {
	folded := m.FoldNick(u.Nick())
	if m.nicks.Exists(folded) {
		return ErrNickInUse
	}
	m.users.Set(u.Uid(), u)
	m.nicks.Set(folded, u.Uid())
	return nil
}

func (m *Matrix) LookupUser(uid Uid) (*User, bool) {
	return m.users.Get(uid)
}

func (m *Matrix) LookupNick(nick string) (*User, bool) {
	uid, ok := m.nicks.Get(m.FoldNick(nick))
	if !ok {
		return nil, false
	}
	return m.users.Get(uid)
}

func (m *Matrix) NickAvailable(nick string) bool {
	return !m.nicks.Exists(m.FoldNick(nick))
}

// RenameNick moves a user's nick index entry, used by the NICK handler
// after it has already validated the new nick doesn't collide.
func (m *Matrix) RenameNick(oldNick, newNick string, uid Uid) error {
	newFolded := m.FoldNick(newNick)
	if m.nicks.Exists(newFolded) {
		return ErrNickInUse
	}
	m.nicks.Set(newFolded, uid)
	m.nicks.Delete(m.FoldNick(oldNick))
	return nil
}

// UnregisterUser removes a user from both maps on disconnect, per
// spec.md §4.5 "On disconnect".
func (m *Matrix) UnregisterUser(u *User) {
	m.nicks.Delete(m.FoldNick(u.Nick()))
	m.users.Delete(u.Uid())
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	for target := range m.monitor[u.Uid()] {
		if watchers, ok := m.watchedBy[target]; ok {
			delete(watchers, u.Uid())
			if len(watchers) == 0 {
				delete(m.watchedBy, target)
			}
		}
	}
	delete(m.monitor, u.Uid())
}

// DeliverTo implements MemberRouter for channel actors: looks up the
// user's attached sessions and hands the message to each one's outbound
// queue. Concrete delivery is via the Server's session registry, wired in
// by NewServer; Matrix itself only resolves identity, so this indirection
// goes through a settable Deliverer.
func (m *Matrix) DeliverTo(uid Uid, msg *Message) {
	if m.deliverer != nil {
		m.deliverer.Deliver(uid, msg)
	}
}

// Deliverer is the minimal outbound-fanout surface Matrix needs, provided
// by the Server so channel actors can reach live sessions without Matrix
// importing the session package directly.
type Deliverer interface {
	Deliver(uid Uid, msg *Message)
}

func (m *Matrix) SetDeliverer(d Deliverer) { m.deliverer = d }

// --- Channels ---

// GetOrCreateChannel returns the existing actor for name, or starts a new
// one. onEmpty is invoked by the new actor if it ever empties out.
func (m *Matrix) GetOrCreateChannel(displayName string, onEmpty func(string)) *ChannelActor {
	folded := m.FoldChannel(displayName)
	if actor, ok := m.channels.Get(folded); ok {
		return actor
	}
	actor := NewChannelActor(folded, displayName, m, m.limits, m.log, onEmpty)
	m.channels.Set(folded, actor)
	return actor
}

func (m *Matrix) LookupChannel(name string) (*ChannelActor, bool) {
	return m.channels.Get(m.FoldChannel(name))
}

func (m *Matrix) DestroyChannel(foldedName string) {
	m.channels.Delete(foldedName)
}

func (m *Matrix) ChannelCount() int { return m.channels.Length() }

func (m *Matrix) AllChannels() []*ChannelActor { return m.channels.Values() }

// --- Clients (account binding) ---

func (m *Matrix) GetOrCreateClient(account string) *Client {
	if c, ok := m.clients.Get(account); ok {
		return c
	}
	c := NewClient(account)
	m.clients.Set(account, c)
	return c
}

func (m *Matrix) LookupClient(account string) (*Client, bool) {
	return m.clients.Get(account)
}

func (m *Matrix) DisposeClient(account string) {
	m.clients.Delete(account)
}

// --- Monitor ---

func (m *Matrix) MonitorAdd(watcher Uid, targetNick string) {
	folded := m.FoldNick(targetNick)
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitor[watcher] == nil {
		m.monitor[watcher] = make(map[string]struct{})
	}
	m.monitor[watcher][folded] = struct{}{}
	if m.watchedBy[folded] == nil {
		m.watchedBy[folded] = make(map[Uid]struct{})
	}
	m.watchedBy[folded][watcher] = struct{}{}
}

func (m *Matrix) MonitorRemove(watcher Uid, targetNick string) {
	folded := m.FoldNick(targetNick)
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	delete(m.monitor[watcher], folded)
	delete(m.watchedBy[folded], watcher)
}

func (m *Matrix) MonitorList(watcher Uid) []string {
	m.monitorMu.RLock()
	defer m.monitorMu.RUnlock()
	out := make([]string, 0, len(m.monitor[watcher]))
	for nick := range m.monitor[watcher] {
		out = append(out, nick)
	}
	return out
}

func (m *Matrix) MonitorCount(watcher Uid) int {
	m.monitorMu.RLock()
	defer m.monitorMu.RUnlock()
	return len(m.monitor[watcher])
}

// WatchersOf returns every Uid monitoring targetNick, for the
// online/offline notification the NICK/registration/QUIT handlers send.
func (m *Matrix) WatchersOf(targetNick string) []Uid {
	m.monitorMu.RLock()
	defer m.monitorMu.RUnlock()
	folded := m.FoldNick(targetNick)
	out := make([]Uid, 0, len(m.watchedBy[folded]))
	for uid := range m.watchedBy[folded] {
		out = append(out, uid)
	}
	return out
}

// deliverer is unexported and set once at server construction.
var _ MemberRouter = (*Matrix)(nil)
