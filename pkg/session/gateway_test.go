// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"sync"

	"github.com/overlaynet/meshgate/pkg/keyring"
)

// mockGateway is a minimal in-memory Gateway for this package's tests.
type mockGateway struct {
	mu sync.Mutex

	creds  Credentials
	policy Policy

	byEndpoint map[string]*Session
	byPrefix   map[Prefix]*Session

	endpointByHandle map[EndpointHandle]string
	prefixByHandle   map[PrefixHandle]Prefix

	nextHandle uint64

	sent      [][]byte
	decrypted [][]byte
}

func newMockGateway(policy Policy) *mockGateway {
	return &mockGateway{
		policy:           policy,
		byEndpoint:       make(map[string]*Session),
		byPrefix:         make(map[Prefix]*Session),
		endpointByHandle: make(map[EndpointHandle]string),
		prefixByHandle:   make(map[PrefixHandle]Prefix),
	}
}

func (g *mockGateway) Credentials() (Credentials, error) { return g.creds, nil }

func (g *mockGateway) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

func (g *mockGateway) Send(buf []byte, endpoint string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	g.sent = append(g.sent, cp)
	return len(buf), nil
}

func (g *mockGateway) ConnectEndpoint(endpoint string, s *Session) (EndpointHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byEndpoint[endpoint]; ok {
		return EndpointHandle{}, errDuplicateEndpoint
	}
	g.nextHandle++
	g.byEndpoint[endpoint] = s
	h := NewEndpointHandle(g.nextHandle)
	g.endpointByHandle[h] = endpoint
	return h, nil
}

func (g *mockGateway) ConnectPrefix(prefix Prefix, s *Session) (PrefixHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byPrefix[prefix]; ok {
		return PrefixHandle{}, errDuplicatePrefix
	}
	g.nextHandle++
	g.byPrefix[prefix] = s
	h := NewPrefixHandle(g.nextHandle)
	g.prefixByHandle[h] = prefix
	return h, nil
}

func (g *mockGateway) DisconnectEndpoint(h EndpointHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	endpoint, ok := g.endpointByHandle[h]
	if !ok {
		return
	}
	delete(g.endpointByHandle, h)
	delete(g.byEndpoint, endpoint)
}

func (g *mockGateway) DisconnectPrefix(h PrefixHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix, ok := g.prefixByHandle[h]
	if !ok {
		return
	}
	delete(g.prefixByHandle, h)
	delete(g.byPrefix, prefix)
}

func (g *mockGateway) Decrypted(buf []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	g.decrypted = append(g.decrypted, cp)
}

type plainError string

func (e plainError) Error() string { return string(e) }

const (
	errDuplicateEndpoint = plainError("endpoint already registered")
	errDuplicatePrefix   = plainError("prefix already registered")
)

// testKeyring is a minimal in-memory keyring.Keyring, for verify_test.go.
type testKeyring struct {
	entries map[string]*keyring.Key
}

func newTestKeyring() *testKeyring {
	return &testKeyring{entries: make(map[string]*keyring.Key)}
}

func (k *testKeyring) Import(raw []byte) error { return nil }

func (k *testKeyring) Lookup(fingerprintHex string) (*keyring.Key, bool) {
	key, ok := k.entries[fingerprintHex]
	return key, ok
}

func (k *testKeyring) Fetch(keyserver, fingerprintHex string) (bool, error) {
	return false, nil
}
