package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ============================================================
// PEER CONNECTION CREATION
// ============================================================

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

func (d *Device) createPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}

	codecs := []struct {
		params webrtc.RTPCodecParameters
		kind   webrtc.RTPCodecType
	}{
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 96,
		}, webrtc.RTPCodecTypeVideo},
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		}, webrtc.RTPCodecTypeVideo},
		{webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		}, webrtc.RTPCodecTypeAudio},
	}
	for _, c := range codecs {
		if err := mediaEngine.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", c.params.MimeType, err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: d.cfg.ICEServers})
}

// ============================================================
// PEER CONNECTION HANDLERS
// ============================================================

func (d *Device) setupPeerConnectionHandlers(peer *peerState) {
	pc := peer.pc

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			d.log.Debug().Str("peer", peer.id).Msg("✅ ICE gathering complete")
			return
		}
		d.sendICECandidate(candidate)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		d.log.Debug().Str("peer", peer.id).Str("state", state.String()).Msg("🔗 Connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			d.log.Info().Str("peer", peer.id).Msg("🎉 WebRTC connected")
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
			// cleanup closes pc itself; run it off the pion callback.
			go d.cleanup(peer)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		codec := track.Codec()
		d.log.Info().Str("kind", track.Kind().String()).Str("codec", codec.MimeType).Msg("🎬 Track")
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}

		ssrc := uint32(track.SSRC())
		sendPLI := func() {
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				d.log.Debug().Err(err).Msg("⚠️ PLI failed")
			}
		}
		peer.stream.setPLI(sendPLI)

		// Ask for an IDR right away, then keep asking.
		sendPLI()
		go d.startPLISender(peer.ctx, pc, ssrc)

		peer.stream.consume(peer.ctx, codec.MimeType, codec.ClockRate, func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		})
	})
}

// ============================================================
// PLI SENDER
// ============================================================

func (d *Device) startPLISender(ctx context.Context, pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(d.cfg.PLIInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	const maxErrors = 3

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			state := pc.ConnectionState()
			if state == webrtc.PeerConnectionStateClosed ||
				state == webrtc.PeerConnectionStateFailed {
				return
			}

			if err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: ssrc},
			}); err != nil {
				consecutiveErrors++
				if consecutiveErrors >= maxErrors {
					d.log.Warn().Int("errors", consecutiveErrors).Msg("⚠️ PLI sender stopping")
					return
				}
			} else {
				consecutiveErrors = 0
			}
		}
	}
}
