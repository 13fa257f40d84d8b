// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import "time"

// A ping goes out every heartbeatInterval; once more than maxMissedPings
// go unanswered the peer is considered gone, giving a worst-case
// detection window of about four intervals.
const (
	heartbeatInterval = 30 * time.Second
	maxMissedPings    = 3
)

// startHeartbeat arms the first heartbeat tick after a successful
// handshake.
func (s *Session) startHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rearmTimerLocked(heartbeatInterval, s.heartbeat)
}

// heartbeat sends a ping, counts it as unacknowledged, and terminates the
// Session once more than maxMissedPings have gone unanswered.
func (s *Session) heartbeat() {
	s.mu.Lock()
	if s.terminated || s.conn == nil {
		s.mu.Unlock()
		return
	}

	payload := make([]byte, heartbeatPayloadSize)
	raw, err := encodeRecord(recordPing, payload)
	if err != nil {
		s.mu.Unlock()
		s.logger().WithField("error", err).Warn("heartbeat: failed to encode ping")
		return
	}

	if _, err := s.conn.Write(raw); err != nil {
		s.mu.Unlock()
		s.logger().WithField("error", err).Debug("heartbeat: ping send failed")
		s.terminate()
		return
	}

	s.pingsMissed++
	missed := s.pingsMissed
	s.rearmTimerLocked(heartbeatInterval, s.heartbeat)
	s.mu.Unlock()

	if missed > maxMissedPings {
		s.logger().WithField("missed", missed).Info("heartbeat: peer unresponsive, terminating")
		s.terminate()
	}
}

// sendPong answers a received ping.
func (s *Session) sendPong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.conn == nil {
		return
	}
	raw, err := encodeRecord(recordPong, nil)
	if err != nil {
		s.logger().WithField("error", err).Warn("heartbeat: failed to encode pong")
		return
	}
	if _, err := s.conn.Write(raw); err != nil {
		s.logger().WithField("error", err).Debug("heartbeat: pong send failed")
	}
}

// resetMissedPings clears the counter when a pong arrives.
func (s *Session) resetMissedPings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingsMissed = 0
}

// ping sends the client's first heartbeat immediately after handshake
// success, so the server learns liveness without waiting a full interval.
func (s *Session) ping() {
	s.heartbeat()
}
