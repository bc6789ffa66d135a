// Package audio plays short Ogg/Opus cues into a WebRTC audio track.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"

	"facegate/internal/logging"
	"facegate/models"
)

// Cue names.
const (
	CueLookAtCamera = "look_at_camera"
	CueCaptureDone  = "capture_done"
)

// errStopped ends a stream when the player is stopped mid-file.
var errStopped = errors.New("player stopped")

// SampleWriter receives Opus samples; *webrtc.TrackLocalStaticSample is one.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// Item is one file to play.
type Item struct {
	FilePath string
	Name     string
	Loop     bool
	OnFinish func()
}

// Player plays queued items one after another into a track.
type Player struct {
	track    SampleWriter
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	queue    chan Item
	log      zerolog.Logger

	mu          sync.Mutex
	isPlaying   bool
	currentFile string
}

// NewPlayer starts a player; Stop ends it.
func NewPlayer(track SampleWriter) *Player {
	p := &Player{
		track:    track,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		queue:    make(chan Item, 10),
		log:      logging.WithComponent("audio"),
	}
	go p.processQueue()
	return p
}

// Play queues item after whatever is playing.
func (p *Player) Play(item Item) {
	select {
	case <-p.stopChan:
		return
	default:
	}
	select {
	case p.queue <- item:
		p.log.Debug().Str("cue", item.Name).Msg("🎵 Queued")
	default:
		p.log.Warn().Str("cue", item.Name).Msg("⚠️ Queue full, skipping")
	}
}

// PlayNow drops everything queued and plays item next.
func (p *Player) PlayNow(item Item) {
	p.mu.Lock()
	for len(p.queue) > 0 {
		<-p.queue
	}
	p.mu.Unlock()
	p.Play(item)
}

// Stop ends playback and waits for the player goroutine to exit.
func (p *Player) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	<-p.done
}

// Status reports what is playing and how much is queued.
func (p *Player) Status() (isPlaying bool, currentFile string, queueSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPlaying, p.currentFile, len(p.queue)
}

func (p *Player) processQueue() {
	defer close(p.done)
	for {
		select {
		case <-p.stopChan:
			p.log.Debug().Msg("🛑 Audio player stopped")
			return
		case item := <-p.queue:
			p.play(item)
		}
	}
}

func (p *Player) play(item Item) {
	p.mu.Lock()
	p.isPlaying = true
	p.currentFile = item.Name
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.isPlaying = false
		p.currentFile = ""
		p.mu.Unlock()

		if item.OnFinish != nil {
			item.OnFinish()
		}
	}()

	p.log.Debug().Str("cue", item.Name).Msg("▶️ Playing")
	for {
		err := p.streamOGG(item.FilePath)
		switch {
		case err == io.EOF:
		case errors.Is(err, errStopped):
			return
		case err != nil:
			p.log.Warn().Err(err).Str("cue", item.Name).Msg("❌ Error playing")
			return
		}
		if !item.Loop {
			return
		}
		select {
		case <-p.stopChan:
			return
		default:
		}
	}
}

// streamOGG writes the pages of an Ogg Opus file in real time.
func (p *Player) streamOGG(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("cannot open file: %w", err)
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("cannot create OGG reader: %w", err)
	}

	var lastGranule uint64
	for {
		pageData, pageHeader, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}

		// Opus granule positions count 48kHz samples.
		duration := 20 * time.Millisecond
		if lastGranule != 0 && pageHeader.GranulePosition > lastGranule {
			duration = time.Duration(pageHeader.GranulePosition-lastGranule) * time.Second / 48000
		}
		lastGranule = pageHeader.GranulePosition

		if err := p.track.WriteSample(media.Sample{Data: pageData, Duration: duration}); err != nil {
			return err
		}

		timer := time.NewTimer(duration)
		select {
		case <-p.stopChan:
			timer.Stop()
			return errStopped
		case <-timer.C:
		}
	}
}

// ============================================================
// AUDIO LIBRARY
// ============================================================

// Library maps cue names to files.
type Library struct {
	sounds map[string]string
	mu     sync.RWMutex
}

func NewLibrary() *Library {
	return &Library{sounds: make(map[string]string)}
}

// LoadLibrary registers the configured cues. Missing files are logged and
// skipped.
func LoadLibrary(cfg models.AudioConfig) *Library {
	lib := NewLibrary()
	if !cfg.Enabled {
		return lib
	}
	log := logging.WithComponent("audio")
	for name, path := range map[string]string{
		CueLookAtCamera: cfg.LookAtCameraPath,
		CueCaptureDone:  cfg.CaptureDonePath,
	} {
		if path == "" {
			continue
		}
		if err := lib.Register(name, path); err != nil {
			log.Warn().Err(err).Str("cue", name).Msg("⚠️ Failed to register audio")
		}
	}
	log.Info().Int("cues", len(lib.List())).Msg("🎵 Audio cues loaded")
	return lib
}

// Register maps name to an existing file.
func (l *Library) Register(name, filePath string) error {
	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("file not found: %s", filePath)
	}
	l.mu.Lock()
	l.sounds[name] = filePath
	l.mu.Unlock()
	return nil
}

func (l *Library) Get(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	path, ok := l.sounds[name]
	return path, ok
}

func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.sounds))
	for name := range l.sounds {
		names = append(names, name)
	}
	return names
}
