// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"io"

	"github.com/dtn7/cboring"
)

// recordKind distinguishes application data from the heartbeat ping/pong
// carried in-band over the established DTLS connection.
type recordKind uint64

const (
	recordData recordKind = iota
	recordPing
	recordPong
)

// heartbeatPayloadSize is the ping payload length.
const heartbeatPayloadSize = 256

// recordEnvelope is the two-field CBOR record every datagram carries once
// the handshake has completed.
type recordEnvelope struct {
	Kind    recordKind
	Payload []byte
}

func (e *recordEnvelope) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(e.Kind), w); err != nil {
		return err
	}
	return cboring.WriteByteString(e.Payload, w)
}

func (e *recordEnvelope) UnmarshalCbor(r io.Reader) error {
	l, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if l != 2 {
		return io.ErrUnexpectedEOF
	}

	kind, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	e.Kind = recordKind(kind)

	payload, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func encodeRecord(kind recordKind, payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	env := recordEnvelope{Kind: kind, Payload: payload}
	if err := cboring.Marshal(&env, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(raw []byte) (recordEnvelope, error) {
	var env recordEnvelope
	err := cboring.Unmarshal(&env, bytes.NewReader(raw))
	return env, err
}

// send encrypts and transmits plaintext. Fragmentation above the MTU is
// the record layer's responsibility.
func (s *Session) send(plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated || s.conn == nil {
		return NewHandshakeError("send: session not established", nil)
	}

	raw, err := encodeRecord(recordData, plaintext)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(raw)
	return err
}

// Send encrypts plaintext and emits the ciphertext through the Gateway's
// transport. It fails until the handshake has completed and after
// termination.
func (s *Session) Send(plaintext []byte) error { return s.send(plaintext) }

// recordReadLoop runs as long as the DTLS connection is established,
// decrypting inbound records and dispatching them: data goes upstream via
// Gateway.Decrypted, pings are answered, pongs clear the missed-ping
// counter. Any read error or malformed record terminates the Session.
func (s *Session) recordReadLoop() {
	buf := make([]byte, 2048)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if !s.isTerminated() {
				s.logger().WithField("error", err).Debug("record read loop: connection closed")
				s.terminate()
			}
			return
		}

		env, err := decodeRecord(buf[:n])
		if err != nil {
			s.logger().WithField("error", err).Warn("record read loop: malformed record, terminating")
			s.terminate()
			return
		}

		switch env.Kind {
		case recordData:
			s.gw.Decrypted(env.Payload)
		case recordPing:
			s.sendPong()
		case recordPong:
			s.resetMissedPings()
		default:
			s.logger().WithField("kind", env.Kind).Warn("record read loop: unknown record kind, terminating")
			s.terminate()
			return
		}
	}
}
