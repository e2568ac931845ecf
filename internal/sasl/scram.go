/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package sasl

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramRecord is the stored credential a SCRAM-SHA-256 exchange verifies
// against, derived once at account-creation time from the plaintext
// password (RFC 5802 §3).
type ScramRecord struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte // H(ClientKey)
	ServerKey  []byte // HMAC(SaltedPassword, "Server Key")
}

// DeriveScramRecord computes a ScramRecord from a plaintext password, for
// use by the Persistence collaborator's account-creation path.
func DeriveScramRecord(password string, salt []byte, iterations int) ScramRecord {
	salted := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))
	return ScramRecord{Salt: salt, Iterations: iterations, StoredKey: storedKey[:], ServerKey: serverKey}
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

type scramState int

const (
	scramAwaitingClientFirst scramState = iota
	scramAwaitingClientFinal
	scramDone
)

// scramMech implements SASL SCRAM-SHA-256 per RFC 5802/7677, without
// channel binding (the "n," gs2-header only, since core never terminates
// TLS itself and so has no channel-binding data to offer).
type scramMech struct {
	creds Credentials
	state scramState

	authcid          string
	clientNonce      string
	serverNonce      string
	clientFirstBare  string
	serverFirstMsg   string
	rec              ScramRecord
}

func newScramMech(creds Credentials) *scramMech {
	return &scramMech{creds: creds}
}

func (m *scramMech) Name() string { return "SCRAM-SHA-256" }

func (m *scramMech) Step(ctx context.Context, response []byte) ([]byte, bool, *Identity, error) {
	switch m.state {
	case scramAwaitingClientFirst:
		return m.stepClientFirst(ctx, response)
	case scramAwaitingClientFinal:
		return m.stepClientFinal(response)
	default:
		return nil, true, nil, ErrMechFailed
	}
}

// stepClientFirst parses "n,,n=<authcid>,r=<clientNonce>" and replies with
// the server-first message carrying the combined nonce, salt and
// iteration count.
func (m *scramMech) stepClientFirst(ctx context.Context, response []byte) ([]byte, bool, *Identity, error) {
	msg := string(response)
	if !strings.HasPrefix(msg, "n,,") && !strings.HasPrefix(msg, "y,,") {
		return nil, true, nil, ErrMechFailed
	}
	bare := strings.TrimPrefix(strings.TrimPrefix(msg, "n,,"), "y,,")
	m.clientFirstBare = bare

	fields := parseScramFields(bare)
	authcid, ok := fields["n"]
	if !ok {
		return nil, true, nil, ErrMechFailed
	}
	m.authcid = authcid
	m.clientNonce, ok = fields["r"]
	if !ok {
		return nil, true, nil, ErrMechFailed
	}

	rec, ok, err := m.creds.Lookup(ctx, authcid)
	if err != nil {
		return nil, true, nil, err
	}
	if !ok {
		// Per RFC 5802 we must not reveal account non-existence: proceed
		// with a fabricated, unguessable record so the final verification
		// fails uniformly later instead of short-circuiting here.
		rec = DeriveScramRecord(randomNonce(), randomSaltBytes(), 4096)
	}
	m.rec = rec

	nonce := randomNonce()
	m.serverNonce = m.clientNonce + nonce

	m.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d",
		m.serverNonce, base64.StdEncoding.EncodeToString(rec.Salt), rec.Iterations)

	m.state = scramAwaitingClientFinal
	return []byte(m.serverFirstMsg), false, nil, nil
}

// stepClientFinal verifies the client's proof and, if it checks out,
// returns the server's own proof so the client can authenticate the
// server too (mutual authentication per RFC 5802 §3).
func (m *scramMech) stepClientFinal(response []byte) ([]byte, bool, *Identity, error) {
	m.state = scramDone

	fields := parseScramFields(string(response))
	channelBinding, ok := fields["c"]
	if !ok || channelBinding != base64.StdEncoding.EncodeToString([]byte("n,,")) {
		return nil, true, nil, ErrMechFailed
	}
	nonce, ok := fields["r"]
	if !ok || nonce != m.serverNonce {
		return nil, true, nil, ErrMechFailed
	}
	proofB64, ok := fields["p"]
	if !ok {
		return nil, true, nil, ErrMechFailed
	}
	clientProof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, true, nil, ErrMechFailed
	}

	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + nonce
	authMessage := m.clientFirstBare + "," + m.serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(m.rec.StoredKey, []byte(authMessage))
	recoveredClientKey := xorBytes(clientProof, clientSignature)
	recoveredStoredKey := sha256sum(recoveredClientKey)

	if !constantTimeEqual(recoveredStoredKey, m.rec.StoredKey) {
		return nil, true, nil, ErrMechFailed
	}

	serverSignature := hmacSHA256(m.rec.ServerKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)

	id := ParseIdentity(m.authcid)
	return []byte(serverFinal), true, &id, nil
}

func sha256sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func parseScramFields(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			out[part[:eq]] = part[eq+1:]
		}
	}
	return out
}

func randomNonce() string {
	buf := make([]byte, 18)
	_, _ = rand.Read(buf)
	return base64.RawStdEncoding.EncodeToString(buf)
}

func randomSaltBytes() []byte {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return buf
}
