package webrtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"facegate/models"
)

// ============================================================
// REMOTE ICE CANDIDATES
// ============================================================

// handleICECandidate adds a browser candidate, queueing it until the
// remote description is set.
func (d *Device) handleICECandidate(data json.RawMessage) error {
	var payload models.SignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid candidate payload: %w", err)
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload.Candidate, &candidate); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}

	d.mu.Lock()
	peer := d.current
	d.mu.Unlock()
	if peer == nil {
		d.log.Debug().Msg("⚠️ ICE candidate without a call, dropped")
		return nil
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()

	if !peer.iceReady {
		peer.pendingICE = append(peer.pendingICE, candidate)
		d.log.Debug().Int("queued", len(peer.pendingICE)).Msg("📦 Queued ICE")
		return nil
	}

	if err := peer.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// flushPendingICE marks the peer ready for candidates and adds the queued
// ones.
func (d *Device) flushPendingICE(peer *peerState) {
	peer.mu.Lock()
	peer.iceReady = true
	pending := peer.pendingICE
	peer.pendingICE = nil
	peer.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	d.log.Debug().Int("count", len(pending)).Msg("📦 Processing pending ICE candidates")
	for i, candidate := range pending {
		if err := peer.pc.AddICECandidate(candidate); err != nil {
			d.log.Warn().Err(err).Int("index", i).Msg("⚠️ Failed to add pending ICE")
		}
	}
}
