// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"crypto/tls"

	"github.com/overlaynet/meshgate/pkg/keyring"
)

// Prefix is the 64-bit overlay identity derived from a peer's certificate
// fingerprint.
type Prefix uint64

// EndpointHandle and PrefixHandle are opaque tokens a Gateway hands back
// from Connect calls; a Session holds them only to pass back to
// Disconnect on teardown. It never inspects their contents.
type EndpointHandle struct{ id uint64 }
type PrefixHandle struct{ id uint64 }

// NewEndpointHandle and NewPrefixHandle let a Gateway implementation mint
// handles; Session code only ever receives and returns them.
func NewEndpointHandle(id uint64) EndpointHandle { return EndpointHandle{id: id} }
func NewPrefixHandle(id uint64) PrefixHandle     { return PrefixHandle{id: id} }

// Credentials bundles the identity material and priority string a
// Session hands to the DTLS layer. Build one with NewCredentials so the
// certificate blob carries the OpenPGP public key block verifyPeer
// expects from the remote side.
type Credentials struct {
	Certificate tls.Certificate
	Priority    string
}

// Policy is the per-Gateway verification configuration, plumbed through
// construction instead of read from global state so Sessions can be
// tested in isolation.
type Policy struct {
	// Import, when non-empty, enables importing the peer's presented
	// certificate into the keyring.
	Import string
	// Keyserver, when non-empty, is the keyserver URL queried by
	// fingerprint before the local lookup.
	Keyserver string
	// MinValidity is the minimum acceptable UID validity level.
	MinValidity int
	// Keyring backs import, fetch, and lookup during verification.
	Keyring keyring.Keyring
}

// Gateway is the collaborator that owns credentials, the datagram socket,
// and the routing tables Sessions register themselves into. A concrete
// implementation lives in pkg/gateway; Session is built against this
// interface.
//
// Send MUST NOT call back into the Session synchronously: the DTLS layer
// invokes the transport shim's Write while the Session's serialisation
// lock may be held, and a reentrant call deadlocks.
type Gateway interface {
	Credentials() (Credentials, error)
	Policy() Policy
	Send(buf []byte, endpoint string) (int, error)
	ConnectEndpoint(endpoint string, s *Session) (EndpointHandle, error)
	ConnectPrefix(prefix Prefix, s *Session) (PrefixHandle, error)
	DisconnectEndpoint(h EndpointHandle)
	DisconnectPrefix(h PrefixHandle)
	Decrypted(buf []byte)
}
