package audio

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"facegate/models"
)

type sampleSink struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (s *sampleSink) WriteSample(sample media.Sample) error {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
	return nil
}

func (s *sampleSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// writeOgg creates an Opus file with n 20ms packets.
func writeOgg(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cue.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	require.NoError(t, err)
	for i := range n {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func TestPlayerStreamsFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := writeOgg(t, 3)
	sink := &sampleSink{}
	p := NewPlayer(sink)
	defer p.Stop()

	finished := make(chan struct{})
	p.Play(Item{FilePath: path, Name: CueCaptureDone, OnFinish: func() { close(finished) }})

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("cue did not finish")
	}
	assert.GreaterOrEqual(t, sink.count(), 3)
	for _, s := range sink.samples {
		assert.Positive(t, s.Duration)
	}
	playing, current, queued := p.Status()
	assert.False(t, playing)
	assert.Empty(t, current)
	assert.Zero(t, queued)
}

func TestPlayerMissingFileStillFinishes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewPlayer(&sampleSink{})
	defer p.Stop()

	finished := make(chan struct{})
	p.Play(Item{FilePath: filepath.Join(t.TempDir(), "missing.ogg"), Name: "missing", OnFinish: func() { close(finished) }})
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("OnFinish not called")
	}
}

func TestPlayerStopInterruptsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &sampleSink{}
	p := NewPlayer(sink)
	p.Play(Item{FilePath: writeOgg(t, 5), Name: CueLookAtCamera, Loop: true})

	require.Eventually(t, func() bool { return sink.count() > 0 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	n := sink.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, sink.count())
	p.Play(Item{Name: "after stop"})
}

func TestLibrary(t *testing.T) {
	dir := t.TempDir()
	success := filepath.Join(dir, "ok.ogg")
	require.NoError(t, os.WriteFile(success, []byte("x"), 0o644))

	lib := LoadLibrary(models.AudioConfig{
		Enabled:          true,
		CaptureDonePath:  success,
		LookAtCameraPath: filepath.Join(dir, "missing.ogg"),
	})
	got, ok := lib.Get(CueCaptureDone)
	assert.True(t, ok)
	assert.Equal(t, success, got)
	_, ok = lib.Get(CueLookAtCamera)
	assert.False(t, ok)
	assert.Equal(t, []string{CueCaptureDone}, lib.List())

	assert.Empty(t, LoadLibrary(models.AudioConfig{CaptureDonePath: success}).List())
}
