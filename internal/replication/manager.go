/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package replication

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Delegate is core's side of the replication boundary (spec.md §6:
// core never imports an S2S library directly; the Matrix/Server
// collaborate with replication only through this interface, the same
// separation matrix.go keeps from Deliverer). Burst is called once a
// link reaches StateBursting, in both directions, so core can hand the
// Manager its UID/SJOIN/TB introduction frames the way horgh-catbox's
// sendBurst streams SID/UID/SJOIN to a newly linked server. FrameReceived
// is called for every Frame other than PASS/SERVER/SVINFO from any peer,
// burst frames included; LinkLost is called
// once a link fails or is deliberately SQUIT, so core can run the
// netsplit QUIT burst horgh-catbox's serverSplitCleanUp performs.
type Delegate interface {
	Burst() []Frame
	FrameReceived(peer string, f Frame)
	LinkLost(peer string, reason string)
}

// defaultCapabs is advertised in both the dialed and the answering
// CAPAB frame of a handshake.
var defaultCapabs = []string{"QS", "EX", "ENCAP"}

// PeerConfig names one configured peer and the shared secret used for
// its PASS handshake in both directions.
type PeerConfig struct {
	Name        string
	Address     string
	Secret      string
	Autoconnect bool
}

// Manager owns every Link this server holds open, dispatches inbound
// frames to Delegate, and fans outbound frames out to every link but
// the one a frame arrived on (split-horizon, as in any TS6 mesh: never
// echo a frame back to the peer that sent it).
type Manager struct {
	selfName string
	selfSID  string
	secret   func(peer string) (string, bool)

	log   *logrus.Entry
	clock *Clock

	mu    sync.RWMutex
	links map[string]*Link // keyed by peer server name

	delegate Delegate
	wg       conc.WaitGroup
}

func NewManager(selfName, selfSID string, secrets map[string]string, log *logrus.Entry, delegate Delegate) *Manager {
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	return &Manager{
		selfName: selfName,
		selfSID:  selfSID,
		secret:   func(peer string) (string, bool) { s, ok := copied[peer]; return s, ok },
		log:      log.WithField("component", "replication"),
		clock:    New(),
		links:    make(map[string]*Link),
		delegate: delegate,
	}
}

// Connect dials a peer and drives its handshake/burst loop under the
// Manager's WaitGroup, the way Server.Serve spawns Session.Serve.
func (m *Manager) Connect(cfg PeerConfig) error {
	conn, err := net.DialTimeout("tcp", cfg.Address, 10*time.Second)
	if err != nil {
		return fmt.Errorf("replication: dial %s: %w", cfg.Address, err)
	}
	link := m.adopt(conn, cfg.Name, true)
	if err := link.Handshake(m.selfName, m.selfSID, cfg.Secret, defaultCapabs); err != nil {
		link.Close(err)
		return err
	}
	m.wg.Go(link.Serve)
	return nil
}

// Accept takes an inbound connection from a Listener collaborator
// (Manager itself never binds a socket, matching spec.md's "core does
// not bind sockets"). The peer's name is learned from its first PASS/
// SERVER frames, so links start anonymous in the registry.
func (m *Manager) Accept(conn net.Conn) {
	link := m.adopt(conn, "", false)
	m.wg.Go(link.Serve)
}

func (m *Manager) adopt(conn net.Conn, knownName string, initiated bool) *Link {
	link := NewLink(conn, m.log, m.handleFrame, m.handleClose)
	link.Name = knownName
	link.initiated = initiated
	if knownName != "" {
		m.mu.Lock()
		m.links[knownName] = link
		m.mu.Unlock()
	}
	return link
}

func (m *Manager) handleFrame(link *Link, f Frame) {
	m.clock.Observe(f.Stamp)

	switch f.Command {
	case "PASS":
		if len(f.Params) < 1 {
			link.Close(fmt.Errorf("replication: malformed PASS"))
			return
		}
		link.pendingSecret = f.Params[0]
	case "SERVER":
		if len(f.Params) < 1 {
			link.Close(fmt.Errorf("replication: malformed SERVER"))
			return
		}
		want, ok := m.secret(f.Params[0])
		if !ok || !VerifySecret(link.pendingSecret, want) {
			link.Close(fmt.Errorf("replication: bad link secret for %s", f.Params[0]))
			return
		}
		link.Name = f.Params[0]
		link.setState(StateBursting)
		m.mu.Lock()
		m.links[link.Name] = link
		m.mu.Unlock()
		if !link.initiated {
			// We accepted this connection, so the peer has no reason to
			// expect a reply unless we answer in kind: send our own
			// credentials back over the same link before bursting.
			_ = link.Handshake(m.selfName, m.selfSID, want, defaultCapabs)
		}
		m.sendBurst(link)
	case "SVINFO":
		link.setState(StateEstablished)
	default:
		if m.delegate != nil {
			m.delegate.FrameReceived(link.Name, f)
		}
		// Relay onward to every other established peer so a frame
		// crosses a mesh deeper than one hop without echoing back to
		// whichever link it arrived on.
		m.Broadcast(f, link.Name)
	}
}

// sendBurst streams the delegate's current local state (UID/SJOIN/TB
// frames) down a freshly-bursting link, followed by an SVINFO marking
// the end of this side's burst, mirroring horgh-catbox's sendBurst.
func (m *Manager) sendBurst(link *Link) {
	if m.delegate == nil {
		return
	}
	for _, f := range m.delegate.Burst() {
		link.Send(f)
	}
	link.Send(Frame{Command: "SVINFO"})
}

func (m *Manager) handleClose(link *Link, err error) {
	m.mu.Lock()
	if link.Name != "" {
		delete(m.links, link.Name)
	}
	m.mu.Unlock()

	reason := "link closed"
	if err != nil {
		reason = err.Error()
	}
	if m.delegate != nil && link.Name != "" {
		m.delegate.LinkLost(link.Name, reason)
	}
}

// Stamp ticks the Manager's clock for a locally-originated replicated
// event; callers attach the result to the Frame they Broadcast.
func (m *Manager) Stamp() Stamp { return m.clock.Tick() }

// Broadcast fans a Frame out to every established link except
// excludePeer (the link it arrived on, if any), implementing the
// split-horizon rule a server mesh needs to avoid infinite relay loops.
func (m *Manager) Broadcast(f Frame, excludePeer string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, link := range m.links {
		if name == excludePeer || link.State() < StateBursting {
			continue
		}
		link.Send(f)
	}
}

// Peers lists every server name with a live link, for LINKS/MAP output.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.links))
	for name := range m.links {
		out = append(out, name)
	}
	return out
}

// Shutdown closes every link and waits for their Serve loops to exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.RUnlock()
	for _, l := range links {
		l.Close(nil)
	}
	m.wg.Wait()
}
