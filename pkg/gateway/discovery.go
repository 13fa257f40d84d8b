// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package gateway

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// DiscoverCandidates broadcasts on the LAN and collects addresses of
// other responders, for use as the candidate endpoint list handed to
// Dial. notifyPayload is echoed back by every peer that hears the
// broadcast so responders can be filtered by deployment.
func DiscoverCandidates(notifyPayload string, timeout time.Duration) ([]string, error) {
	discoveries, err := peerdiscovery.Discover(peerdiscovery.Settings{
		Limit:     -1,
		TimeLimit: timeout,
		Delay:     250 * time.Millisecond,
		Payload:   []byte(notifyPayload),
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(discoveries))
	for _, d := range discoveries {
		candidates = append(candidates, d.Address)
	}

	log.WithField("count", len(candidates)).Debug("discovery: candidates found")
	return candidates, nil
}
