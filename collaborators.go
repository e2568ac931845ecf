/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"context"
	"net"

	"github.com/relaynet/relayd/internal/sasl"
)

// Services is the scripted-automation collaborator spec.md §6.3 describes:
// an external process (NickServ/ChanServ-style or a moderation bot) that
// observes the network and issues effects back into core. Core never
// depends on any concrete Services implementation; this is the interface
// a services process is driven through.
type Services interface {
	Apply(effect ServiceEffect) error
}

// ServiceEffect is the closed vocabulary of actions a Services
// collaborator may request of core (spec.md §6.3).
type ServiceEffect interface {
	isServiceEffect()
}

type EffectReply struct{ To, Text string }
type EffectKill struct{ Target, Reason string }
type EffectForceMode struct {
	Channel string
	Target  string
	Changes []ModeChange
}
type EffectAccountIdentify struct {
	Uid     Uid
	Account string
}
type EffectAccountClear struct{ Uid Uid }
type EffectKick struct{ Channel, Target, Reason string }
type EffectForceNick struct {
	Uid    Uid
	NewNick string
}

func (EffectReply) isServiceEffect()           {}
func (EffectKill) isServiceEffect()             {}
func (EffectForceMode) isServiceEffect()        {}
func (EffectAccountIdentify) isServiceEffect()  {}
func (EffectAccountClear) isServiceEffect()     {}
func (EffectKick) isServiceEffect()             {}
func (EffectForceNick) isServiceEffect()        {}

// Observability is the metrics/tracing sink collaborator; Server calls
// into it on the events spec.md §6.3 lists. A nil Observability is valid
// and every call becomes a no-op (see noopObservability).
type Observability interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected(reason string)
	MessageReceived(command string)
	MessageDropped(reason string)
}

type noopObservability struct{}

func (noopObservability) ConnectionOpened()             {}
func (noopObservability) ConnectionClosed()              {}
func (noopObservability) ConnectionRejected(string)      {}
func (noopObservability) MessageReceived(string)         {}
func (noopObservability) MessageDropped(string)          {}

// Listener is the transport-termination collaborator (spec.md §6.3): it
// owns TCP/TLS/WebSocket/PROXY-protocol handling and hands core a plain
// net.Conn plus, for TLS, a certificate-fingerprint accessor for SASL
// EXTERNAL. Server.Serve accepts directly from a net.Listener for the
// plain-TCP case; a Listener collaborator wrapping TLS or WebSocket
// termination can call Server.HandleConn directly instead.
type Listener interface {
	Accept() (conn net.Conn, certFingerprint func() (string, bool), err error)
	Close() error
}

// noopCredentials is the zero-configuration Credentials fallback: every
// SASL attempt fails closed rather than panicking when no real account
// store (LDAP, SQL, services link) has been wired in via WithCredentials.
type noopCredentials struct{}

func (noopCredentials) VerifyPlain(context.Context, string, string) (bool, error) {
	return false, nil
}

func (noopCredentials) Lookup(context.Context, string) (sasl.ScramRecord, bool, error) {
	return sasl.ScramRecord{}, false, nil
}

func (noopCredentials) VerifyCertificate(context.Context, string) (string, bool, error) {
	return "", false, nil
}

var _ sasl.Credentials = noopCredentials{}
