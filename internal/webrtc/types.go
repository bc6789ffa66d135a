// Package webrtc turns the browser's camera, streamed over a WebRTC peer
// connection, into a capture.Device. The gateway session relays signaling.
package webrtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"facegate/internal/audio"
	"facegate/internal/imaging"
)

// Signaler delivers gateway messages to the browser owning the camera.
type Signaler interface {
	Send(msgType string, payload any) error
}

// FrameEncoder turns a decoded frame into the image sent for verification.
type FrameEncoder interface {
	EncodeFrame(imaging.RawFrame) ([]byte, error)
}

// decodeFunc decodes one encoded keyframe of the given codec.
type decodeFunc func(ctx context.Context, mimeType string, frame []byte) (imaging.RawFrame, error)

// ============================================================
// DEVICE
// ============================================================

// Device is a remote camera. Open asks the browser for its camera and
// returns once the first keyframe arrived; closing the stream ends the call.
// One call is active at a time.
type Device struct {
	cfg      Config
	signaler Signaler
	frames   FrameEncoder
	cues     *audio.Library
	pool     *bufferPool
	decode   decodeFunc
	log      zerolog.Logger

	wg       sync.WaitGroup // lingering call teardowns
	shutdown chan struct{}

	mu       sync.Mutex
	waiting  chan offerResult // set while an Open waits for the browser
	current  *peerState
	closed   bool
	lastPeer int
}

type offerResult struct {
	peer *peerState
	err  error
}

// ============================================================
// PEER STATE
// ============================================================

type peerState struct {
	id          string
	pc          *webrtc.PeerConnection
	stream      *TrackStream
	compressed  bool // the offer SDP was gzip+base64, answer the same way
	audioPlayer *audio.Player
	ctx         context.Context
	cancelFunc  context.CancelFunc
	cleanupOnce sync.Once
	closed      chan struct{}

	mu         sync.Mutex
	pendingICE []webrtc.ICECandidateInit
	iceReady   bool
}

// ============================================================
// CONFIG
// ============================================================

type Config struct {
	ICEServers        []webrtc.ICEServer
	PLIInterval       time.Duration
	FirstFrameTimeout time.Duration
	Timeslice         time.Duration
	SampleBufferMax   uint16
	FFmpegPath        string
	MaxDecodeWidth    int
	MaxDecodeHeight   int
	// KeyframeWait bounds how long a snapshot waits for the keyframe it
	// asked for before using the latest one.
	KeyframeWait time.Duration
	// CueLinger bounds how long the call stays up for the closing cue.
	CueLinger time.Duration
}

// ============================================================
// BUFFER POOL
// ============================================================

type bufferPool struct {
	pool sync.Pool
}
