/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package replication

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// State tracks a Link's handshake progress, mirroring horgh-catbox's
// LocalServer.Bursting flag but as an explicit small state machine
// rather than a single bool, since relayd also distinguishes "link
// rejected" from "not yet bursting".
type State int

const (
	StateConnecting State = iota
	StateAwaitingCapab
	StateAwaitingServer
	StateBursting
	StateEstablished
	StateClosed
)

const (
	writeQueueDepth = 256
	readTimeout     = 2 * time.Minute
	pingInterval    = 30 * time.Second
)

// Link is one peer-to-peer connection in the server mesh: a framed
// reader/writer pair plus the handshake state, modeled on
// horgh-catbox's LocalServer (PASS/CAPAB/SERVER/SVINFO handshake,
// then bursting, then steady-state relay).
type Link struct {
	Name string // peer's advertised server name, set once known
	SID  string

	conn net.Conn
	log  *logrus.Entry

	mu    sync.Mutex
	state State

	initiated bool // true if we dialed this peer; false if we accepted it

	pendingSecret string // PASS token received, checked once SERVER arrives

	outbox chan Frame
	done   chan struct{}
	closeOnce sync.Once

	onFrame func(*Link, Frame)
	onClose func(*Link, error)
}

// NewLink wraps conn for one peer. onFrame is invoked from the Link's
// own read goroutine for every frame except PING/PONG, handshake frames
// included;
// onClose is invoked exactly once when the link goes down, from
// whichever goroutine detects it first.
func NewLink(conn net.Conn, log *logrus.Entry, onFrame func(*Link, Frame), onClose func(*Link, error)) *Link {
	return &Link{
		conn:    conn,
		log:     log,
		outbox:  make(chan Frame, writeQueueDepth),
		done:    make(chan struct{}),
		onFrame: onFrame,
		onClose: onClose,
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Handshake sends the PASS/CAPAB/SERVER sequence. The link we dialed
// sends this up front and then waits for the peer's own SERVER frame;
// an accepted link instead waits to learn the peer's name from its
// PASS/SERVER before the Manager calls this to answer in kind, so both
// sides of a link always authenticate each other, not just the dialer.
func (l *Link) Handshake(selfName, selfSID, secret string, capabs []string) error {
	l.setState(StateAwaitingCapab)
	l.Send(Frame{Command: "PASS", Params: []string{secret, "TS", "6", selfSID}})
	l.Send(Frame{Command: "CAPAB", Params: capabs})
	l.Send(Frame{Command: "SERVER", Params: []string{selfName, "1"}})
	return nil
}

// Send enqueues a Frame for delivery; it never blocks the caller past
// the outbox's buffer, matching the teacher's maybeQueueMessage
// pattern of dropping rather than stalling a hung peer — an
// over-full outbox closes the link instead of back-pressuring core.
func (l *Link) Send(f Frame) {
	select {
	case l.outbox <- f:
	case <-l.done:
	default:
		l.Close(fmt.Errorf("replication: outbox full for %s", l.Name))
	}
}

// Close tears the link down exactly once; err is passed to onClose
// (nil for a locally-initiated clean close).
func (l *Link) Close(err error) {
	l.closeOnce.Do(func() {
		l.setState(StateClosed)
		close(l.done)
		_ = l.conn.Close()
		if l.onClose != nil {
			l.onClose(l, err)
		}
	})
}

// Serve drives the link's read and write loops until it closes. It
// blocks the calling goroutine; callers run it under their own
// conc.WaitGroup the way Server.handleConn runs Session.Serve.
func (l *Link) Serve() {
	wg := conc.NewWaitGroup()
	wg.Go(l.writeLoop)
	wg.Go(l.readLoop)
	wg.Wait()
}

func (l *Link) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if _, err := fmt.Fprintf(l.conn, "PING :%s\r\n", l.SID); err != nil {
				l.Close(err)
				return
			}
		case f, ok := <-l.outbox:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(l.conn, "%s\r\n", f.Render()); err != nil {
				l.Close(err)
				return
			}
		}
	}
}

func (l *Link) readLoop() {
	_ = l.conn.SetReadDeadline(time.Now().Add(readTimeout))
	scanner := bufio.NewScanner(l.conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		_ = l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		line := scanner.Text()
		if line == "" {
			continue
		}
		frame, err := ParseFrame(line)
		if err != nil {
			l.log.WithError(err).Warn("dropping malformed replication frame")
			continue
		}
		if frame.Command == "PING" {
			l.Send(Frame{Command: "PONG", Params: frame.Params})
			continue
		}
		if frame.Command == "PONG" {
			continue
		}
		if l.onFrame != nil {
			l.onFrame(l, frame)
		}
	}
	l.Close(scanner.Err())
}

// VerifySecret checks a received PASS token against the configured
// link secret in constant time, the same discipline server.go uses
// for operator passwords.
func VerifySecret(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
