// Package capture owns the camera: exclusive device sessions, timed
// recording, fixed-count frame sampling and the controller that drives one
// capture attempt from acquisition to the remote verdict.
package capture

import (
	"context"
	"errors"
	"time"
)

// ============================================================
// PHASES & MODES
// ============================================================

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAcquiring  Phase = "acquiring"
	PhaseReady      Phase = "ready"
	PhaseCapturing  Phase = "capturing"
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether p accepts no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Mode selects what a capture produces.
type Mode string

const (
	ModeFrames Mode = "frames"
	ModeVideo  Mode = "video"
)

// ============================================================
// ARTIFACTS
// ============================================================

// Frame is one still image taken from a live stream.
type Frame struct {
	Data       []byte
	MimeType   string
	CapturedAt time.Time
}

// Artifact is the finalized output of a capture. It is either a *FrameSet
// or a *VideoBlob and is never modified after the capture stops.
type Artifact interface {
	Mode() Mode
	Size() int
	artifact()
}

// FrameSet is an ordered, fixed-count set of frames.
type FrameSet struct {
	Frames []Frame
}

func (f *FrameSet) Mode() Mode { return ModeFrames }

func (f *FrameSet) Size() int {
	n := 0
	for _, fr := range f.Frames {
		n += len(fr.Data)
	}
	return n
}

func (*FrameSet) artifact() {}

// VideoBlob is a single recorded payload with the negotiated container type.
type VideoBlob struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

func (v *VideoBlob) Mode() Mode { return ModeVideo }
func (v *VideoBlob) Size() int  { return len(v.Data) }
func (*VideoBlob) artifact()    {}

// ============================================================
// DEVICE ABSTRACTION
// ============================================================

// ErrSourceNotReady is returned by a stream that can no longer produce
// frames, e.g. after the track ended.
var ErrSourceNotReady = errors.New("frame source not ready")

// Device opens live camera streams.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open camera stream. Close turns the device's in-use
// indicator off.
type Stream interface {
	Snapshot() (Frame, error)
	SupportsEncoding(mimeType string) bool
	NewEncoder(mimeType string) (Encoder, error)
	Close() error
}

// Encoder produces the recorded container in chunks. NextChunk blocks until
// a chunk is ready; after Close it returns the remaining buffered data and
// then io.EOF.
type Encoder interface {
	NextChunk(ctx context.Context) ([]byte, error)
	Close() error
}
