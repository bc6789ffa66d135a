package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"facegate/internal/audio"
)

// ============================================================
// AUDIO TRACK SETUP
// ============================================================

// setupAudioTrack adds the outgoing cue track. It is skipped when no cue
// is configured.
func (d *Device) setupAudioTrack(peer *peerState) error {
	if d.cues == nil || len(d.cues.List()) == 0 {
		return nil
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"facegate-cues",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}

	rtpSender, err := peer.pc.AddTrack(audioTrack)
	if err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}

	// Drain RTCP so the sender's interceptors keep working.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := rtpSender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	peer.mu.Lock()
	peer.audioPlayer = audio.NewPlayer(audioTrack)
	peer.mu.Unlock()
	return nil
}

// ============================================================
// CUES
// ============================================================

// playCue plays name on the peer's audio track, replacing whatever plays.
// onFinish runs when the cue ends, or right away when there is nothing to
// play.
func (d *Device) playCue(peer *peerState, name string, onFinish func()) {
	peer.mu.Lock()
	player := peer.audioPlayer
	peer.mu.Unlock()

	path, ok := d.cues.Get(name)
	if player == nil || !ok {
		if onFinish != nil {
			onFinish()
		}
		return
	}

	d.log.Debug().Str("cue", name).Str("peer", peer.id).Msg("🎵 Playing cue")
	player.PlayNow(audio.Item{
		FilePath: path,
		Name:     name,
		OnFinish: onFinish,
	})
}
