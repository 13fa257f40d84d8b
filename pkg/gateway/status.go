// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/overlaynet/meshgate/pkg/session"
)

// sessionStatus is the JSON shape returned by the status surface.
// Nothing here lets a caller act on a Session, only observe it.
type sessionStatus struct {
	Endpoint           string `json:"endpoint"`
	Role               string `json:"role"`
	HandshakeCompleted bool   `json:"handshake_completed"`
	Verified           bool   `json:"verified"`
	PingsMissed        int    `json:"pings_missed"`
}

// StatusRouter builds a read-only router exposing the active Session
// table for external inspection.
func (m *Manager) StatusRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sessions", m.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{endpoint}", m.handleSession).Methods(http.MethodGet)
	return r
}

func (m *Manager) handleSessions(w http.ResponseWriter, r *http.Request) {
	var out []sessionStatus
	m.byEndpoint.Range(func(_, v interface{}) bool {
		out = append(out, statusOf(v.(*session.Session)))
		return true
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (m *Manager) handleSession(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]

	v, ok := m.byEndpoint.Load(endpoint)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusOf(v.(*session.Session)))
}

func statusOf(s *session.Session) sessionStatus {
	return sessionStatus{
		Endpoint:           s.Primary(),
		Role:               s.Role().String(),
		HandshakeCompleted: s.HandshakeCompleted(),
		Verified:           s.Verified(),
		PingsMissed:        s.PingsMissed(),
	}
}
