package webrtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"facegate/internal/utils"
	"facegate/models"
)

// ============================================================
// CAMERA REQUESTS
// ============================================================

func (d *Device) sendCameraRequest() error {
	if err := d.signaler.Send(models.MsgCameraRequest, nil); err != nil {
		return fmt.Errorf("send camera request: %w", err)
	}
	d.log.Info().Msg("📷 Camera requested")
	return nil
}

func (d *Device) sendCameraRelease() {
	if err := d.signaler.Send(models.MsgCameraRelease, nil); err != nil {
		d.log.Warn().Err(err).Msg("⚠️ Camera release signal failed")
	}
}

// ============================================================
// ANSWER & ICE
// ============================================================

// sendAnswer sends the local description, gzip+base64 when the offer came
// that way.
func (d *Device) sendAnswer(answer webrtc.SessionDescription, compressed bool) error {
	sdp := answer.SDP
	if compressed {
		sdp = utils.CompressGzip(sdp)
	}
	if err := d.signaler.Send(models.MsgWebrtcAnswer, models.SignalPayload{SDP: sdp}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

func (d *Device) sendICECandidate(candidate *webrtc.ICECandidate) {
	candidateJSON, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		d.log.Warn().Err(err).Msg("⚠️ Failed to marshal ICE candidate")
		return
	}
	if err := d.signaler.Send(models.MsgWebrtcICE, models.SignalPayload{Candidate: candidateJSON}); err != nil {
		d.log.Warn().Err(err).Msg("⚠️ Failed to send ICE candidate")
	}
}
