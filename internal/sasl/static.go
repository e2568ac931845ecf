/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package sasl

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Account is one statically-configured SASL account: a bcrypt hash for
// PLAIN's initial verification, plus the SCRAM salt and iteration count
// an operator pre-derives with DeriveScramRecord so passwords never sit
// on disk in recoverable form, and the lower-cased hex SHA-256
// certificate fingerprints authorized to EXTERNAL-auth as this account.
type Account struct {
	Name             string
	BcryptHash       string
	Scram            ScramRecord
	CertFingerprints []string
}

// StaticCredentials implements Credentials against a fixed, config-loaded
// account table. It is the relayd analogue of dittofs's bcrypt-hashed
// AdminConfig.PasswordHash: passwords never appear in the config file or
// in memory, only their bcrypt digest.
type StaticCredentials struct {
	accounts     map[string]Account
	fingerprints map[string]string // hex fingerprint -> account name
}

func NewStaticCredentials(accounts []Account) *StaticCredentials {
	m := make(map[string]Account, len(accounts))
	fp := make(map[string]string)
	for _, a := range accounts {
		m[strings.ToLower(a.Name)] = a
		for _, f := range a.CertFingerprints {
			fp[strings.ToLower(f)] = a.Name
		}
	}
	return &StaticCredentials{accounts: m, fingerprints: fp}
}

func (s *StaticCredentials) VerifyPlain(_ context.Context, authcid, passwd string) (bool, error) {
	acct, ok := s.accounts[strings.ToLower(authcid)]
	if !ok || acct.BcryptHash == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(acct.BcryptHash), []byte(passwd)) == nil, nil
}

func (s *StaticCredentials) Lookup(_ context.Context, authcid string) (ScramRecord, bool, error) {
	acct, ok := s.accounts[strings.ToLower(authcid)]
	if !ok || acct.Scram.Salt == nil {
		return ScramRecord{}, false, nil
	}
	return acct.Scram, true, nil
}

func (s *StaticCredentials) VerifyCertificate(_ context.Context, fingerprint string) (string, bool, error) {
	account, ok := s.fingerprints[strings.ToLower(fingerprint)]
	return account, ok, nil
}

var _ Credentials = (*StaticCredentials)(nil)
