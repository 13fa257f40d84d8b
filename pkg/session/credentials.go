// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// NewCredentials builds the DTLS identity from an OpenPGP entity. The
// DTLS layer transmits Certificate.Certificate[0] as-is in its
// Certificate message, so the serialized public key block goes on the
// wire and is what verifyPeer parses on the remote side; the primary
// key's material signs the handshake. The key must be unprotected and
// its algorithm must be one the TLS stack can sign with (RSA and ECDSA
// keys satisfy crypto.Signer; an entity whose key material does not is
// rejected here rather than failing mid-handshake).
func NewCredentials(entity *openpgp.Entity, priority string) (Credentials, error) {
	if entity.PrivateKey == nil {
		return Credentials{}, fmt.Errorf("session: identity %x carries no private key", entity.PrimaryKey.Fingerprint)
	}
	if entity.PrivateKey.Encrypted {
		return Credentials{}, fmt.Errorf("session: private key %x is passphrase-protected", entity.PrimaryKey.Fingerprint)
	}
	signer, ok := entity.PrivateKey.PrivateKey.(crypto.Signer)
	if !ok {
		return Credentials{}, fmt.Errorf("session: private key %x cannot sign handshakes", entity.PrimaryKey.Fingerprint)
	}

	var pub bytes.Buffer
	if err := entity.Serialize(&pub); err != nil {
		return Credentials{}, fmt.Errorf("session: serialize public key block: %w", err)
	}

	return Credentials{
		Certificate: tls.Certificate{
			Certificate: [][]byte{pub.Bytes()},
			PrivateKey:  signer,
		},
		Priority: priority,
	}, nil
}
