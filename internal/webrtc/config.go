package webrtc

import (
	"bytes"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"facegate/models"
)

// ============================================================
// DEFAULT CONFIGURATIONS
// ============================================================

func DefaultConfig() Config {
	return ConfigFrom(models.DefaultConfig().WebRTC)
}

// ConfigFrom builds the device configuration from the file/env settings.
func ConfigFrom(c models.WebRTCConfig) Config {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if c.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNServer},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return Config{
		ICEServers:        servers,
		PLIInterval:       c.PLIInterval,
		FirstFrameTimeout: c.FirstFrameTimeout,
		Timeslice:         c.Timeslice,
		SampleBufferMax:   c.SampleBufferMax,
		FFmpegPath:        c.FFmpegPath,
		MaxDecodeWidth:    640,
		MaxDecodeHeight:   480,
		KeyframeWait:      500 * time.Millisecond,
		CueLinger:         3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.PLIInterval <= 0 {
		c.PLIInterval = time.Second
	}
	if c.FirstFrameTimeout <= 0 {
		c.FirstFrameTimeout = 10 * time.Second
	}
	if c.Timeslice <= 0 {
		c.Timeslice = time.Second
	}
	if c.SampleBufferMax == 0 {
		c.SampleBufferMax = 128
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.MaxDecodeWidth <= 0 || c.MaxDecodeHeight <= 0 {
		c.MaxDecodeWidth, c.MaxDecodeHeight = 640, 480
	}
	if c.KeyframeWait <= 0 {
		c.KeyframeWait = 500 * time.Millisecond
	}
	return c
}

// ============================================================
// BUFFER POOL IMPLEMENTATION
// ============================================================

const (
	maxPooledBufferSize = 10 * 1024 * 1024 // 10MB
	initialBufferCap    = 512 * 1024       // 512KB
)

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := new(bytes.Buffer)
				buf.Grow(initialBufferCap)
				return buf
			},
		},
	}
}

func (p *bufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (p *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	// Only pool buffers < 10MB to prevent memory bloat
	if buf.Cap() < maxPooledBufferSize {
		p.pool.Put(buf)
	}
}
