// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/overlaynet/meshgate/pkg/keyring"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("peer", "", "peer@example.org", &packet.Config{RSABits: 2048})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return entity
}

func TestNewCredentialsCarriesParseableKeyBlock(t *testing.T) {
	entity := newTestEntity(t)

	creds, err := NewCredentials(entity, "NORMAL")
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}

	if len(creds.Certificate.Certificate) != 1 {
		t.Fatalf("expected exactly one certificate blob, got %d", len(creds.Certificate.Certificate))
	}
	if creds.Certificate.PrivateKey == nil {
		t.Fatal("expected a signing key to be attached")
	}
	if creds.Priority != "NORMAL" {
		t.Fatalf("expected priority NORMAL, got %q", creds.Priority)
	}

	// The blob that goes on the wire must parse back as the same entity;
	// this is what verifyPeer does with a peer's certificate message.
	parsed, err := openpgp.ReadEntity(packet.NewReader(bytes.NewReader(creds.Certificate.Certificate[0])))
	if err != nil {
		t.Fatalf("ReadEntity on wire blob: %v", err)
	}
	if !bytes.Equal(parsed.PrimaryKey.Fingerprint, entity.PrimaryKey.Fingerprint) {
		t.Fatalf("expected fingerprint %x, got %x", entity.PrimaryKey.Fingerprint, parsed.PrimaryKey.Fingerprint)
	}
}

func TestNewCredentialsRejectsPublicOnlyEntity(t *testing.T) {
	entity := newTestEntity(t)
	entity.PrivateKey = nil

	if _, err := NewCredentials(entity, ""); err == nil {
		t.Fatal("expected NewCredentials to reject an entity without a private key")
	}
}

func TestVerifyPeerParsesCredentialsBlobWithKnownKey(t *testing.T) {
	entity := newTestEntity(t)

	creds, err := NewCredentials(entity, "")
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}

	fpHex := hex.EncodeToString(entity.PrimaryKey.Fingerprint)
	kr := newTestKeyring()
	kr.entries[fpHex] = &keyring.Key{FingerprintHex: fpHex, State: keyring.StateGood, UIDValidity: 100}

	gw := newMockGateway(Policy{Keyring: kr})
	s, err := newSession(gw, RoleServer, "peer-a:4433", nil)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	err = s.verifyPeer([][]byte{creds.Certificate.Certificate[0]}, nil)
	// The generated entity's only subkey is encryption-capable, not
	// authentication-capable, so verification reaches the subkey step and
	// rejects there with the revoked classification. The important part:
	// the wire blob from NewCredentials parsed and passed the key lookup,
	// never being classified as a wrong certificate type.
	var verr *VerificationError
	if !asVerificationError(err, &verr) {
		t.Fatalf("expected a *VerificationError, got %T: %v", err, err)
	}
	if verr.Alert != AlertCertificateRevoked {
		t.Fatalf("expected AlertCertificateRevoked at the subkey step, got %v", verr.Alert)
	}
	if s.Verified() {
		t.Fatal("expected verification to stop short of registering a prefix")
	}
}
