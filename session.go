/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btnmasher/random"
	"github.com/sirupsen/logrus"

	"github.com/relaynet/relayd/internal/sasl"
)

// SessionState is the Unregistered/Registered/Closed sum type spec.md
// §4.2 requires be enforced at dispatch time, not just checked ad hoc in
// each handler.
type SessionState int32

const (
	StateUnregistered SessionState = iota
	StateRegistered
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection task: one goroutine pair (read/write)
// driving a Transport through the registration state machine and into
// the Dispatcher (spec.md §4.2, §4.3).
type Session struct {
	id        SessionId
	server    *Server
	transport *Transport
	log       *logrus.Entry

	state atomic.Int32

	mu       sync.RWMutex
	uid      Uid
	nickWant string
	userWant string
	realWant string
	passWant string
	device   string

	caps CapState

	saslMech      sasl.Mechanism
	saslBuf       strings.Builder
	saslStarted   time.Time

	outbound chan *Message
	kill     chan struct{}
	closeOnce sync.Once

	heartbeat    *time.Timer
	lastPingSent string

	regGraceTimer *time.Timer
	capEndSeen    bool
}

// NewSession wraps an accepted connection. The Listener collaborator
// (spec.md §6.3) has already done TCP/TLS/WebSocket/PROXY-protocol
// handling; Session only sees a plain net.Conn from here on.
func NewSession(id SessionId, conn net.Conn, srv *Server) *Session {
	s := &Session{
		id:        id,
		server:    srv,
		transport: NewTransport(conn, srv.limits.PingInterval+srv.limits.PingGrace, 10*time.Second),
		log:       srv.log.WithField("session", string(id)),
		outbound:  make(chan *Message, 256),
		kill:      make(chan struct{}),
	}
	s.state.Store(int32(StateUnregistered))
	s.heartbeat = time.NewTimer(srv.limits.PingInterval)
	s.regGraceTimer = time.AfterFunc(srv.limits.RegistrationGrace, func() {
		if s.State() == StateUnregistered {
			s.Terminate("Registration timeout")
		}
	})
	return s
}

func (s *Session) ID() SessionId      { return s.id }
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *Session) Caps() *CapState { return &s.caps }

func (s *Session) Uid() Uid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

func (s *Session) User() *User {
	if uid := s.Uid(); uid != "" {
		if u, ok := s.server.matrix.LookupUser(uid); ok {
			return u
		}
	}
	return nil
}

func (s *Session) RemoteAddr() string { return s.transport.RemoteAddr() }

// Serve runs the session to completion: read loop in the caller's
// goroutine, write loop spawned separately, torn down together on exit.
func (s *Session) Serve() {
	defer s.cleanup()
	go s.writeLoop()
	s.readLoop()
}

func (s *Session) readLoop() {
	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			return
		}

		msg, perr := Parse(line)
		if perr != nil {
			s.handleParseError(perr)
			if perr == ErrInputTooLong {
				s.Terminate("Input too long")
				return
			}
			continue
		}

		s.heartbeat.Reset(s.server.limits.PingInterval)

		account := ""
		if u := s.User(); u != nil {
			account = u.Account()
		}
		if !s.server.ratelimit.Allow(string(s.id), account) {
			s.SendFail(msg.Command, "TRY_AGAIN", "You have hit your flood limit, please wait")
			MessagePool.Recycle(msg)
			continue
		}

		s.server.dispatcher.Dispatch(s, msg)
		MessagePool.Recycle(msg)

		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) handleParseError(err error) {
	switch err {
	case ErrPrefixed:
		s.SendFail("*", "INVALID_MESSAGE", "Clients must not send a message prefix")
	case ErrInvalidUTF8:
		s.SendFail("*", "INVALID_UTF8", "Message is not valid UTF-8")
	case ErrTooManyParams:
		s.SendFail("*", "INVALID_MESSAGE", "Too many parameters")
	default:
		s.SendFail("*", "INVALID_MESSAGE", "Malformed message")
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.kill:
			return
		case msg := <-s.outbound:
			if err := s.transport.WriteMessage(msg); err != nil {
				s.Terminate("Write error")
				return
			}
		case <-s.heartbeat.C:
			s.sendPing()
		}
	}
}

func (s *Session) sendPing() {
	token := random.String(10)
	s.lastPingSent = token
	s.heartbeat.Reset(s.server.limits.PingInterval)
	s.Send(&Message{Command: CmdPing, Text: token, HasText: true})
}

// Send enqueues an outbound message, never blocking the caller: a full
// outbound queue means the session is unhealthy and gets torn down
// rather than backpressuring whatever's trying to deliver to it.
func (s *Session) Send(msg *Message) {
	select {
	case s.outbound <- msg:
	default:
		s.Terminate("Outbound queue full")
	}
}

func (s *Session) SendNumeric(code uint16, params []string, text string) {
	s.Send(&Message{Source: s.server.name, Code: code, Params: params, Text: text, HasText: true})
}

// SendFail emits an IRCv3 standard FAIL reply (spec.md §7). cmd is the
// offending command token (or "*" if none was resolved yet).
func (s *Session) SendFail(cmd, code, description string) {
	s.Send(&Message{Source: s.server.name, Command: CmdFail, Params: []string{cmd, code}, Text: description, HasText: true})
}

func (s *Session) SendWarn(cmd, code, description string) {
	s.Send(&Message{Source: s.server.name, Command: CmdWarn, Params: []string{cmd, code}, Text: description, HasText: true})
}

// Terminate closes the session from any goroutine, idempotently.
func (s *Session) Terminate(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.heartbeat.Stop()
		s.regGraceTimer.Stop()
		close(s.kill)
		_ = s.transport.Close()
		s.server.ratelimit.Forget(string(s.id))
		s.server.onSessionClosed(s, reason)
	})
}

func (s *Session) cleanup() {
	s.Terminate("Connection closed")
}

// --- Registration staging ---

func (s *Session) SetNickWant(n string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickWant = n
}

func (s *Session) SetUserWant(user, real string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userWant = user
	s.realWant = real
}

func (s *Session) SetPassWant(pass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passWant = pass
}

func (s *Session) registrationStaged() (nick, user, real string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickWant, s.userWant, s.realWant, s.nickWant != "" && s.userWant != ""
}

func (s *Session) SetDevice(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = device
}

func (s *Session) Device() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// MarkCapEnd records that CAP END (or the implicit single-shot skip of
// CAP entirely) has happened, one of the gating conditions for leaving
// Unregistered (spec.md §4.2).
func (s *Session) MarkCapEnd() {
	s.mu.Lock()
	s.capEndSeen = true
	s.mu.Unlock()
}

func (s *Session) capNegotiationDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capEndSeen || !s.caps.Requested()
}

// TryCompleteRegistration checks every gating condition from spec.md
// §4.2 and, if satisfied, allocates a Uid, inserts the User into Matrix,
// transitions to Registered, and sends the welcome burst.
func (s *Session) TryCompleteRegistration() {
	if s.State() != StateUnregistered {
		return
	}
	nick, user, real, staged := s.registrationStaged()
	if !staged || !s.capNegotiationDone() || s.saslInProgress() {
		return
	}

	uid := s.server.matrix.NextUid()
	u := NewUser(uid, nick, user, real, s.RemoteAddr())
	if err := s.server.matrix.RegisterUser(u); err != nil {
		s.SendNumeric(ReplyNicknameInUse, []string{nick}, "Nickname is already in use")
		s.mu.Lock()
		s.nickWant = ""
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()
	u.AddSession(s.id)

	s.setState(StateRegistered)
	s.regGraceTimer.Stop()
	s.server.onSessionRegistered(s, u)
	s.server.sendWelcome(s, u)
}

func (s *Session) saslInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saslMech != nil
}

func (s *Session) StartSASL(mech sasl.Mechanism) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saslMech = mech
	s.saslStarted = time.Now()
	s.saslBuf.Reset()
}

func (s *Session) SASLMechanism() sasl.Mechanism {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saslMech
}

func (s *Session) AbortSASL() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saslMech = nil
	s.saslBuf.Reset()
}
