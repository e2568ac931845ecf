/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"sync"
	"time"
)

// Client is the account-level "bouncer" object spec.md §4.7 describes: it
// persists across Sessions when the account has opted into always-on, so
// that channel membership and read markers survive every session closing.
// A Client's lifetime equals its bound User's lifetime unless always-on
// is enabled, in which case it outlives every session.
type Client struct {
	mu sync.RWMutex

	account string
	uid     Uid // the User currently presenting this account on the network; empty if always-on with no live User

	sessions map[SessionId]struct{}

	alwaysOn bool

	lastSeenPerDevice map[string]time.Time
	readMarkers       map[string]time.Time // per-target MARKREAD cursor, casefolded target -> timestamp

	dirty bool // set on any mutation the Persistence collaborator should durably flush
}

// NewClient creates a Client bound to account, with no sessions attached
// yet; the first successful SASL attach or registration populates uid and
// sessions.
func NewClient(account string) *Client {
	return &Client{
		account:           account,
		sessions:          make(map[SessionId]struct{}),
		lastSeenPerDevice: make(map[string]time.Time),
		readMarkers:       make(map[string]time.Time),
	}
}

func (c *Client) Account() string { return c.account }

func (c *Client) Uid() Uid {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uid
}

func (c *Client) BindUid(uid Uid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uid = uid
	c.dirty = true
}

func (c *Client) AlwaysOn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alwaysOn
}

func (c *Client) SetAlwaysOn(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alwaysOn = on
	c.dirty = true
}

// Attach records device as having a live Session. Per spec.md §4.7, the
// caller has already decided attach is permitted (multi-session enabled,
// or no existing active session) before calling this.
func (c *Client) Attach(id SessionId, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = struct{}{}
	if device != "" {
		c.lastSeenPerDevice[device] = time.Now()
	}
	c.dirty = true
}

// Detach removes a Session from this Client and returns the number of
// sessions remaining attached. If device is non-empty its last-seen time
// is stamped so a future CHATHISTORY replay knows the cutover point.
func (c *Client) Detach(id SessionId, device string) (remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	if device != "" {
		c.lastSeenPerDevice[device] = time.Now()
	}
	c.dirty = true
	return len(c.sessions)
}

func (c *Client) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Client) Sessions() []SessionId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SessionId, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// LastSeen returns when device was last attached, for resolving the
// CHATHISTORY replay watermark on reattach (spec.md scenario S5).
func (c *Client) LastSeen(device string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.lastSeenPerDevice[device]
	return t, ok
}

// MarkRead records a read-marker cursor for target if newer than the
// stored one; the cursor is monotonic-forward per spec.md §4.7; an older
// or equal write is a silent no-op.
func (c *Client) MarkRead(target string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.readMarkers[target]; ok && !at.After(cur) {
		return
	}
	c.readMarkers[target] = at
	c.dirty = true
}

func (c *Client) ReadMarker(target string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.readMarkers[target]
	return t, ok
}

// Dirty/ClearDirty let the Persistence collaborator poll-and-flush rather
// than the core having to know anything about its storage format; the
// core only needs to know whether there's something worth persisting.
func (c *Client) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

func (c *Client) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}
