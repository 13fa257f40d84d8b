// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/overlaynet/meshgate/pkg/keyring"
)

// A peer prefix is built from bytes [4, 12) of the primary key
// fingerprint, with the leading byte forced to 0xFC.
const (
	prefixOffset = 4
	prefixLen    = 8
)

// verifyPeer authenticates the peer's OpenPGP certificate during the
// handshake. It is installed as the DTLS config's VerifyPeerCertificate
// hook, so it runs with the raw bytes the peer presented. Returning a
// non-nil error aborts the handshake.
func (s *Session) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	// The peer chain must carry exactly one certificate.
	if len(rawCerts) != 1 {
		return NewVerificationError(AlertBadCertificate, nil)
	}
	raw := rawCerts[0]

	// An unparseable key block is treated as a wrong certificate type.
	entity, err := openpgp.ReadEntity(packet.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return NewVerificationError(AlertUnsupportedCertificate, err)
	}

	policy := s.gw.Policy()

	// Import the presented certificate into the local keyring, if enabled.
	if policy.Import != "" && policy.Keyring != nil {
		if err := policy.Keyring.Import(raw); err != nil {
			s.logger().WithField("error", err).Warn("verify: import failed, continuing")
		}
	}

	fingerprint := entity.PrimaryKey.Fingerprint
	fingerprintHex := hex.EncodeToString(fingerprint)

	// Ask the configured keyserver for the key, if enabled. A failed fetch
	// is not fatal; the local lookup below decides.
	if policy.Keyserver != "" && policy.Keyring != nil {
		if _, err := policy.Keyring.Fetch(policy.Keyserver, fingerprintHex); err != nil {
			s.logger().WithField("error", err).Debug("verify: keyserver fetch failed, continuing")
		}
	}

	if policy.Keyring == nil {
		return NewVerificationError(AlertCertificateUnknown, nil)
	}
	key, ok := policy.Keyring.Lookup(fingerprintHex)
	if !ok {
		return NewVerificationError(AlertBadCertificate, errKeyNotFound)
	}

	switch key.State {
	case keyring.StateDisabled, keyring.StateInvalid, keyring.StateRevoked:
		return NewVerificationError(AlertCertificateRevoked, nil)
	case keyring.StateExpired:
		return NewVerificationError(AlertCertificateExpired, nil)
	}

	// The peer's advertised subkey id is its newest authentication-capable
	// subkey; some locally-known subkey's fingerprint tail must match it.
	peerSubkeyHex, ok := newestAuthSubkeyHex(entity)
	if !ok {
		return NewVerificationError(AlertCertificateRevoked, errNoSubkey)
	}

	var matched *keyring.Subkey
	for i := range key.Subkeys {
		sk := key.Subkeys[i]
		if len(sk.FingerprintHex) >= 16 && len(peerSubkeyHex) >= 16 &&
			sk.FingerprintHex[len(sk.FingerprintHex)-16:] == peerSubkeyHex[len(peerSubkeyHex)-16:] {
			matched = &key.Subkeys[i]
			break
		}
	}
	if matched == nil {
		return NewVerificationError(AlertCertificateRevoked, errNoSubkeyMatch)
	}
	switch {
	case matched.State == keyring.StateDisabled || matched.State == keyring.StateInvalid || !matched.CanAuthenticate:
		return NewVerificationError(AlertCertificateUnknown, nil)
	case matched.State == keyring.StateExpired:
		return NewVerificationError(AlertCertificateExpired, nil)
	case matched.State == keyring.StateRevoked:
		return NewVerificationError(AlertCertificateRevoked, nil)
	}

	if key.UIDValidity < policy.MinValidity {
		return NewVerificationError(AlertCertificateExpired, errValidityTooLow)
	}

	prefix, ok := derivePrefix(fingerprint)
	if !ok {
		return NewVerificationError(AlertBadCertificate, errFingerprintShort)
	}

	handle, err := s.gw.ConnectPrefix(prefix, s)
	if err != nil {
		return NewVerificationError(AlertCertificateUnknown, err)
	}

	s.mu.Lock()
	s.prefixHandle = handle
	s.verified = true
	s.mu.Unlock()

	s.logger().WithField("prefix", prefix).Info("verify: peer accepted")
	return nil
}

// derivePrefix builds the peer's 64-bit overlay identity: fingerprint
// bytes [4, 12) as a big-endian value, leading byte overwritten with 0xFC.
func derivePrefix(fingerprint []byte) (Prefix, bool) {
	if len(fingerprint) < prefixOffset+prefixLen {
		return 0, false
	}

	var b [prefixLen]byte
	copy(b[:], fingerprint[prefixOffset:prefixOffset+prefixLen])
	b[0] = 0xFC

	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return Prefix(v), true
}

func newestAuthSubkeyHex(entity *openpgp.Entity) (string, bool) {
	var best *openpgp.Subkey
	for i := range entity.Subkeys {
		sk := &entity.Subkeys[i]
		if sk.Sig == nil || !sk.Sig.FlagsValid || !sk.Sig.FlagAuthenticate {
			continue
		}
		if best == nil || sk.Sig.CreationTime.After(best.Sig.CreationTime) {
			best = sk
		}
	}
	if best == nil {
		return "", false
	}
	return hex.EncodeToString(best.PublicKey.Fingerprint), true
}

var (
	errKeyNotFound      = verificationPlainError("key not found locally")
	errNoSubkey         = verificationPlainError("no authentication-capable subkey presented")
	errNoSubkeyMatch    = verificationPlainError("no local subkey matches peer subkey id")
	errValidityTooLow   = verificationPlainError("uid validity below configured minimum")
	errFingerprintShort = verificationPlainError("fingerprint too short for prefix derivation")
)

type verificationPlainError string

func (e verificationPlainError) Error() string { return string(e) }
