/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

// Package sasl implements the AUTHENTICATE mechanisms spec.md §4.2
// requires: PLAIN, EXTERNAL, and SCRAM-SHA-256. Mechanisms are pure state
// machines; they never touch a connection or session directly, so the
// dispatcher can drive them from AUTHENTICATE payload chunks without
// either package importing the other.
package sasl

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrMechFailed is returned by Step when the supplied response cannot
// possibly lead to success (bad credentials, malformed payload).
var ErrMechFailed = errors.New("sasl: authentication failed")

// Identity is what a successful mechanism resolves the connection to.
// Device carries the bouncer "account@device" suffix (spec.md §4.3) a
// client may attach to its authcid to request a named always-on session,
// distinct from the bare account identity services authenticates against.
type Identity struct {
	Account string
	Device  string
}

// ParseIdentity splits an authcid of the form "account@device" into its
// two parts; an authcid with no '@' has an empty Device.
func ParseIdentity(authcid string) Identity {
	if i := strings.IndexByte(authcid, '@'); i >= 0 {
		return Identity{Account: authcid[:i], Device: authcid[i+1:]}
	}
	return Identity{Account: authcid}
}

// Credentials is the password-verification collaborator mechanisms call
// into. It is the SASL-specific slice of the broader Persistence
// collaborator (spec.md §6.3); core never stores passwords itself.
type Credentials interface {
	// VerifyPlain checks authcid/passwd directly (PLAIN).
	VerifyPlain(ctx context.Context, authcid, passwd string) (ok bool, err error)
	// Lookup returns a SCRAM credential record for authcid, or ok=false
	// if no account exists under that name (SCRAM-SHA-256).
	Lookup(ctx context.Context, authcid string) (rec ScramRecord, ok bool, err error)
	// VerifyCertificate checks a TLS client certificate fingerprint
	// against a stored authorization (EXTERNAL).
	VerifyCertificate(ctx context.Context, fingerprint string) (account string, ok bool, err error)
}

// Mechanism drives one AUTHENTICATE exchange to completion. Step is called
// once per AUTHENTICATE line (after the 400-byte chunk reassembly the
// dispatcher performs); done=true means no further Step calls are valid,
// and a non-nil err on a done=true call means the exchange failed.
type Mechanism interface {
	Name() string
	Step(ctx context.Context, response []byte) (challenge []byte, done bool, identity *Identity, err error)
}

// Registry resolves a mechanism name advertised via CAP LS sasl= to a
// fresh Mechanism instance for one connection's exchange.
type Registry struct {
	creds Credentials
}

func NewRegistry(creds Credentials) *Registry {
	return &Registry{creds: creds}
}

// Names returns the mechanism tokens this registry can start, in
// advertisement order.
func (r *Registry) Names() []string {
	return []string{"SCRAM-SHA-256", "PLAIN", "EXTERNAL"}
}

// New starts a mechanism by name for one connection. certFingerprint is
// the TLS client certificate fingerprint presented on this connection, if
// any, needed by EXTERNAL; it's nil for plaintext connections.
func (r *Registry) New(name string, certFingerprint func() (string, bool)) (Mechanism, bool) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return &plainMech{creds: r.creds}, true
	case "EXTERNAL":
		return &externalMech{creds: r.creds, fingerprint: certFingerprint}, true
	case "SCRAM-SHA-256":
		return newScramMech(r.creds), true
	default:
		return nil, false
	}
}

// plainMech implements RFC 4616 PLAIN: a single response of the form
// authzid\0authcid\0passwd.
type plainMech struct {
	creds Credentials
	done  bool
}

func (m *plainMech) Name() string { return "PLAIN" }

func (m *plainMech) Step(ctx context.Context, response []byte) ([]byte, bool, *Identity, error) {
	if m.done {
		return nil, true, nil, ErrMechFailed
	}
	m.done = true

	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return nil, true, nil, ErrMechFailed
	}
	authcid := string(parts[1])
	passwd := string(parts[2])

	ok, err := m.creds.VerifyPlain(ctx, authcid, passwd)
	if err != nil {
		return nil, true, nil, err
	}
	if !ok {
		return nil, true, nil, ErrMechFailed
	}
	id := ParseIdentity(authcid)
	return nil, true, &id, nil
}

// externalMech implements SASL EXTERNAL: identity is asserted entirely by
// the already-verified TLS client certificate, so the AUTHENTICATE
// response body (if any) is only used as an authzid override.
type externalMech struct {
	creds       Credentials
	fingerprint func() (string, bool)
	done        bool
}

func (m *externalMech) Name() string { return "EXTERNAL" }

func (m *externalMech) Step(ctx context.Context, response []byte) ([]byte, bool, *Identity, error) {
	if m.done {
		return nil, true, nil, ErrMechFailed
	}
	m.done = true

	if m.fingerprint == nil {
		return nil, true, nil, ErrMechFailed
	}
	fp, ok := m.fingerprint()
	if !ok {
		return nil, true, nil, ErrMechFailed
	}

	account, ok, err := m.creds.VerifyCertificate(ctx, fp)
	if err != nil {
		return nil, true, nil, err
	}
	if !ok {
		return nil, true, nil, ErrMechFailed
	}

	id := ParseIdentity(account)
	if len(response) > 0 {
		// An explicit authzid in the response overrides only the device
		// suffix resolution, never the certificate-verified account.
		asserted := ParseIdentity(string(response))
		if asserted.Account == id.Account {
			id.Device = asserted.Device
		}
	}
	return nil, true, &id, nil
}

// constantTimeEqual compares two byte slices without leaking timing
// information about where they first differ.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
