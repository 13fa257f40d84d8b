// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package gateway implements the session.Gateway collaborator: it owns
// credentials, performs the underlying UDP send, routes plaintext to
// upper layers, and maintains the by-endpoint and by-peer-prefix routing
// tables sessions register themselves into.
package gateway

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/overlaynet/meshgate/pkg/session"
)

// Manager is a concrete session.Gateway: one UDP socket, two routing
// tables, and an upward channel of delivered plaintext.
type Manager struct {
	conn *net.UDPConn

	credentials session.Credentials

	policyMu sync.RWMutex
	policy   session.Policy

	byEndpoint sync.Map // string -> *session.Session
	byPrefix   sync.Map // session.Prefix -> *session.Session

	endpointByHandle sync.Map // session.EndpointHandle -> string
	prefixByHandle   sync.Map // session.PrefixHandle -> session.Prefix

	nextHandle uint64

	decrypted chan []byte

	closed atomic.Bool
}

// NewManager opens the listening UDP socket and starts the receive loop.
func NewManager(listenAddr string, creds session.Credentials, policy session.Policy) (*Manager, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen %s: %w", listenAddr, err)
	}

	m := &Manager{
		conn:        conn,
		credentials: creds,
		policy:      policy,
		decrypted:   make(chan []byte, 256),
	}

	go m.readLoop()

	log.WithField("address", listenAddr).Info("gateway: listening")
	return m, nil
}

// Decrypted upward channel, for the application above the gateway to drain.
func (m *Manager) Upstream() <-chan []byte { return m.decrypted }

// Dial constructs a client Session against an ordered set of candidate
// endpoints, tried in sequence until one completes its handshake.
func (m *Manager) Dial(endpoints []string) (*session.Session, error) {
	return session.NewClientSession(m, endpoints)
}

// SetPolicy replaces the verification policy. A Session reads the policy
// once, when its peer verification runs, so a Session whose verification
// has not run yet also verifies against the new policy.
func (m *Manager) SetPolicy(p session.Policy) {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	m.policy = p
}

// Close shuts the listening socket. Established Sessions tear themselves
// down independently via terminate(); Close does not force that.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.conn.Close()
}

func (m *Manager) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if m.closed.Load() {
				return
			}
			log.WithField("error", err).Warn("gateway: udp read error")
			continue
		}

		endpoint := addr.String()
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		sess, err := m.sessionFor(endpoint)
		if err != nil {
			log.WithFields(log.Fields{
				"endpoint": endpoint,
				"error":    err,
			}).Warn("gateway: failed to construct server session")
			continue
		}

		sess.Receive(datagram, nil)
	}
}

// sessionFor returns the Session already registered for endpoint, or
// constructs a new server-role Session on the first datagram from an
// unknown endpoint.
func (m *Manager) sessionFor(endpoint string) (*session.Session, error) {
	if v, ok := m.byEndpoint.Load(endpoint); ok {
		return v.(*session.Session), nil
	}
	return session.NewServerSession(m, endpoint)
}

/*
session.Gateway interface
*/

func (m *Manager) Credentials() (session.Credentials, error) {
	return m.credentials, nil
}

func (m *Manager) Policy() session.Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// Send transmits one datagram to endpoint. It must not call back into
// the Session that invoked it.
func (m *Manager) Send(buf []byte, endpoint string) (int, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return 0, fmt.Errorf("gateway: resolve %s: %w", endpoint, err)
	}
	return m.conn.WriteToUDP(buf, addr)
}

func (m *Manager) ConnectEndpoint(endpoint string, s *session.Session) (session.EndpointHandle, error) {
	if _, loaded := m.byEndpoint.LoadOrStore(endpoint, s); loaded {
		return session.EndpointHandle{}, fmt.Errorf("gateway: endpoint %s already registered", endpoint)
	}
	h := session.NewEndpointHandle(atomic.AddUint64(&m.nextHandle, 1))
	m.endpointByHandle.Store(h, endpoint)
	return h, nil
}

func (m *Manager) ConnectPrefix(prefix session.Prefix, s *session.Session) (session.PrefixHandle, error) {
	if _, loaded := m.byPrefix.LoadOrStore(prefix, s); loaded {
		return session.PrefixHandle{}, fmt.Errorf("gateway: prefix %016x already registered", uint64(prefix))
	}
	h := session.NewPrefixHandle(atomic.AddUint64(&m.nextHandle, 1))
	m.prefixByHandle.Store(h, prefix)
	return h, nil
}

func (m *Manager) DisconnectEndpoint(h session.EndpointHandle) {
	v, ok := m.endpointByHandle.LoadAndDelete(h)
	if !ok {
		return
	}
	m.byEndpoint.Delete(v.(string))
}

func (m *Manager) DisconnectPrefix(h session.PrefixHandle) {
	v, ok := m.prefixByHandle.LoadAndDelete(h)
	if !ok {
		return
	}
	m.byPrefix.Delete(v.(session.Prefix))
}

func (m *Manager) Decrypted(buf []byte) {
	select {
	case m.decrypted <- buf:
	default:
		log.Warn("gateway: upstream channel full, dropping decrypted datagram")
	}
}
