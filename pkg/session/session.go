// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session implements the secure datagram session core of a
// peer-to-peer overlay gateway: one Session per authenticated DTLS tunnel
// to a remote endpoint, driving the handshake, verifying the peer's
// OpenPGP identity, and carrying encrypted application datagrams once
// established.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"
)

// Role is a Session's side of the handshake.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

const (
	// handshakeRetransmit is the DTLS flight retransmission interval.
	handshakeRetransmit = 500 * time.Millisecond
	// handshakeDeadline is the hard upper bound on handshake progress;
	// exceeding it fails over to the next candidate endpoint.
	handshakeDeadline = 10 * time.Second
	// dataMTU is the record-layer MTU once the handshake has completed.
	dataMTU = 1280
	// destructionGrace is the delay between terminate() and the final
	// teardown, letting in-flight callbacks drain.
	destructionGrace = 3 * time.Second
)

// Session is one authenticated secure-datagram connection to a peer. A
// Session owns its own lifetime: nothing outside this package tears one
// down directly, only terminate() does, via the deferred destruction
// timer.
type Session struct {
	// mu guards conn, timer, terminated, verified, handshakeCompleted,
	// pingsMissed, and the routing handles below, and is held for every
	// record write (send, heartbeat ping, pong). The handshake
	// (dtls.Server/dtls.Client) and the record read loop call into the
	// DTLS layer without holding mu.
	mu sync.Mutex

	role       Role
	primary    string
	candidates []string

	gw        Gateway
	transport *transportShim
	conn      *dtls.Conn

	// timer is reused across heartbeat cadence and deferred destruction;
	// at most one of those is armed at a time. Handshake retransmission is
	// driven by the DTLS layer's FlightInterval, not by this timer.
	timer *time.Timer

	handshakeCompleted bool
	verified           bool
	terminated         bool
	pingsMissed        int

	endpointHandle EndpointHandle
	prefixHandle   PrefixHandle

	handshakeCancel context.CancelFunc
}

func newSession(gw Gateway, role Role, primary string, candidates []string) (*Session, error) {
	s := &Session{
		role:       role,
		primary:    primary,
		candidates: candidates,
		gw:         gw,
	}
	s.transport = newTransportShim(gw, primary)

	handle, err := gw.ConnectEndpoint(primary, s)
	if err != nil {
		return nil, fmt.Errorf("session: register endpoint %s: %w", primary, err)
	}
	s.endpointHandle = handle

	return s, nil
}

// NewServerSession constructs a server-role Session against a single
// remote endpoint. The Gateway creates one on the first inbound datagram
// from an unknown endpoint; the handshake starts on the first Receive.
func NewServerSession(gw Gateway, endpoint string) (*Session, error) {
	s, err := newSession(gw, RoleServer, endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.logger().Debug("session: server constructed")
	return s, nil
}

// NewClientSession constructs a client-role Session against the first of
// an ordered set of candidate endpoints and initiates the handshake
// immediately. The remaining endpoints are retained for fail-over on
// handshake timeout.
func NewClientSession(gw Gateway, endpoints []string) (*Session, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("session: client requires at least one candidate endpoint")
	}
	s, err := newSession(gw, RoleClient, endpoints[0], endpoints[1:])
	if err != nil {
		return nil, err
	}
	s.logger().Debug("session: client constructed")
	s.startHandshake()
	return s, nil
}

// Receive feeds one inbound ciphertext datagram to the Session. dst is
// accepted for contract parity with gateways that hand a scratch
// plaintext buffer along; decrypted plaintext is delivered upstream
// asynchronously through Gateway.Decrypted instead of into dst.
func (s *Session) Receive(src []byte, dst []byte) {
	_ = dst

	s.mu.Lock()
	terminated := s.terminated
	completed := s.handshakeCompleted
	s.mu.Unlock()
	if terminated {
		return
	}

	// Installs src into the pull buffer; the goroutine blocked in
	// transport.Read (the in-flight handshake or the record read loop)
	// wakes up and processes it.
	s.transport.feed(src)

	if !completed {
		// A server Session enters handshake on its first datagram; a
		// client's handshake is already running from its constructor, so
		// startHandshake is then a no-op.
		s.startHandshake()
	}
}

// startHandshake launches the handshake driver once; later calls are
// no-ops. The check-and-set is a single critical section so concurrent
// Receive calls cannot both spawn a handshake.
func (s *Session) startHandshake() {
	s.mu.Lock()
	if s.handshakeCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeDeadline)
	s.handshakeCancel = cancel
	s.mu.Unlock()

	go s.runHandshake(ctx, cancel)
}

func (s *Session) runHandshake(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	creds, err := s.gw.Credentials()
	if err != nil {
		s.logger().WithField("error", err).Error("handshake: credentials unavailable")
		s.terminate()
		return
	}

	cfg := &dtls.Config{
		Certificates: []tls.Certificate{creds.Certificate},
		// Peer identity is authenticated entirely by verifyPeer; the x509
		// chain validation pion/dtls would otherwise run has no meaning
		// for an OpenPGP key block.
		InsecureSkipVerify:    true,
		ClientAuth:            dtls.RequireAnyClientCert,
		VerifyPeerCertificate: s.verifyPeer,
		FlightInterval:        handshakeRetransmit,
		MTU:                   dataMTU,
		ConnectContextMaker: func() (context.Context, func()) {
			return ctx, cancel
		},
	}

	var conn *dtls.Conn
	if s.role == RoleServer {
		conn, err = dtls.Server(s.transport, cfg)
	} else {
		conn, err = dtls.Client(s.transport, cfg)
	}

	switch {
	case err == nil:
		s.onHandshakeSuccess(conn)
	case errors.Is(err, context.DeadlineExceeded) || isWouldBlock(err):
		s.logger().Debug("handshake: timed out")
		s.failOver()
	default:
		s.logger().WithField("error", err).Warn("handshake: failed")
		s.terminate()
	}
}

func (s *Session) onHandshakeSuccess(conn *dtls.Conn) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.handshakeCompleted = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	role := s.role
	s.mu.Unlock()

	go s.recordReadLoop()

	if role == RoleServer {
		s.startHeartbeat()
	} else {
		s.ping()
	}

	s.logger().Info("handshake: completed")
}

// failOver reacts to a handshake timeout: spawn a fresh Session for the
// next candidate endpoint and terminate this one, or just terminate if no
// candidates remain.
func (s *Session) failOver() {
	s.mu.Lock()
	candidates := s.candidates
	s.mu.Unlock()

	if len(candidates) > 0 {
		if _, err := NewClientSession(s.gw, candidates); err != nil {
			s.logger().WithField("error", err).Warn("fail-over: failed to construct successor session")
		} else {
			s.logger().WithField("endpoint", candidates[0]).Info("fail-over: spawned successor session")
		}
	} else {
		s.logger().Debug("fail-over: no candidates remain")
	}

	s.terminate()
}

// terminate initiates shutdown and arms the deferred destruction timer.
// Idempotent: a second call is a no-op, so the Session is torn down
// exactly once.
func (s *Session) terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	if s.handshakeCancel != nil {
		s.handshakeCancel()
	}
	s.rearmTimerLocked(destructionGrace, s.destroy)
	s.mu.Unlock()

	s.logger().Debug("terminate: armed for destruction")
}

func (s *Session) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// destroy is the final teardown, run once by the deferred destruction
// timer. Closing the DTLS connection sends the close alert to the peer;
// both routing table entries are then released, the prefix entry only if
// verification ever succeeded.
func (s *Session) destroy() {
	s.mu.Lock()
	conn := s.conn
	verified := s.verified
	endpointHandle := s.endpointHandle
	prefixHandle := s.prefixHandle
	s.mu.Unlock()

	var errs *multierror.Error

	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("shutdown alert: %w", err))
		}
	} else {
		_ = s.transport.Close()
	}

	s.gw.DisconnectEndpoint(endpointHandle)
	if verified {
		s.gw.DisconnectPrefix(prefixHandle)
	}

	if err := errs.ErrorOrNil(); err != nil {
		s.logger().WithField("error", err).Warn("destroy: teardown errors")
	} else {
		s.logger().Debug("destroy: complete")
	}
}

// SetCookie accepts a DTLS cookie from the Gateway and consumes it
// without effect. The HelloVerifyRequest cookie exchange already happens
// inside pion/dtls's server handshake before user code runs, so there is
// no prestate to install; the method exists so a Gateway doing its own
// cookie handling can hand the cookie to the Session it spawns.
func (s *Session) SetCookie(cookie []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = cookie
}

// HandshakeCompleted reports whether the DTLS handshake has finished.
func (s *Session) HandshakeCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeCompleted
}

// Verified reports whether the peer's identity was accepted and the
// Session is registered under the peer's prefix.
func (s *Session) Verified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

// PingsMissed reports the current consecutive-missed-heartbeat count.
func (s *Session) PingsMissed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingsMissed
}

// Primary returns the endpoint this Session is (or was) connected to.
func (s *Session) Primary() string { return s.primary }

// Role returns the Session's role. Immutable after construction.
func (s *Session) Role() Role { return s.role }

func (s *Session) rearmTimerLocked(d time.Duration, fn func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fn)
}

func (s *Session) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"session": s.primary,
		"role":    s.role,
	})
}
