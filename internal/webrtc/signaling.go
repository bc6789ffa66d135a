package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"facegate/internal/utils"
	"facegate/models"
)

var (
	errDeviceClosed    = errors.New("camera device closed")
	errUnexpectedOffer = errors.New("offer without a camera request")
	// ErrCameraDenied is returned by Open when the user refused the camera.
	ErrCameraDenied = errors.New("camera permission denied")
)

// answerHints keep the browser's encoder near a bitrate the decoder and the
// face endpoints handle well.
var answerHints = utils.BitrateHints{AS: 2500, MinKB: 1500, MaxKB: 3000}

// ============================================================
// MAIN SIGNAL HANDLER
// ============================================================

// HandleSignal processes one signaling message from the browser.
func (d *Device) HandleSignal(msgType string, data json.RawMessage) error {
	switch msgType {
	case models.MsgWebrtcOffer:
		return d.handleOffer(data)
	case models.MsgWebrtcICE:
		return d.handleICECandidate(data)
	case models.MsgWebrtcQuit:
		d.log.Info().Msg("👋 Call ended by browser")
		d.mu.Lock()
		peer := d.current
		d.mu.Unlock()
		if peer != nil {
			d.cleanup(peer)
		}
		return nil
	case models.MsgCameraDenied:
		d.log.Warn().Msg("🚫 Camera denied by browser")
		d.fail(ErrCameraDenied)
		return nil
	default:
		return fmt.Errorf("unknown signal type %q", msgType)
	}
}

// ============================================================
// OFFER HANDLING
// ============================================================

func (d *Device) handleOffer(data json.RawMessage) error {
	var payload models.SignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid offer payload: %w", err)
	}
	compressed := strings.HasPrefix(payload.SDP, "H4sI")
	sdp, err := utils.MaybeDecompressSDP(payload.SDP)
	if err != nil {
		return fmt.Errorf("decompress failed: %w", err)
	}
	if sdp == "" {
		return fmt.Errorf("invalid offer: missing sdp")
	}

	pc, err := d.createPeerConnection()
	if err != nil {
		err = fmt.Errorf("failed to create peer connection: %w", err)
		d.fail(err)
		return err
	}
	peer, err := d.newPeer(pc, compressed)
	if err != nil {
		_ = pc.Close()
		return err
	}
	d.log.Info().Str("peer", peer.id).Bool("compressed", compressed).Msg("📝 Processing offer")

	if err := d.negotiate(peer, sdp); err != nil {
		d.abandon(peer)
		d.fail(err)
		return err
	}

	d.flushPendingICE(peer)
	d.log.Info().Str("peer", peer.id).Msg("✅ Answer sent")
	d.deliver(peer)
	return nil
}

func (d *Device) negotiate(peer *peerState, sdp string) error {
	pc := peer.pc
	d.setupPeerConnectionHandlers(peer)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	if err := d.setupAudioTrack(peer); err != nil {
		d.log.Warn().Err(err).Msg("⚠️ Cue track unavailable")
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	answer.SDP = answerHints.Apply(answer.SDP)
	return d.sendAnswer(answer, peer.compressed)
}
