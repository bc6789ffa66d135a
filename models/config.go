package models

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================
// CONFIGURATION
// ============================================================

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Progress ProgressConfig `yaml:"progress"`
	Capture  CaptureConfig  `yaml:"capture"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	Audio    AudioConfig    `yaml:"audio"`
	Detector DetectorConfig `yaml:"detector"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	RateLimit    int           `yaml:"rate_limit"` // websocket upgrades per IP per window
	RateWindow   time.Duration `yaml:"rate_window"`
	AllowOrigins []string      `yaml:"allow_origins"`
}

type BackendConfig struct {
	BaseURL   string        `yaml:"base_url"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProgressConfig selects the push transport for enrollment stages. When
// disabled, stages are derived from the upload response.
type ProgressConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type CaptureConfig struct {
	FaceLock            bool          `yaml:"face_lock"`
	LoginMode           string        `yaml:"login_mode"` // frames|video
	LoginFrames         int           `yaml:"login_frames"`
	LoginFrameInterval  time.Duration `yaml:"login_frame_interval"`
	LoginRecordDuration time.Duration `yaml:"login_record_duration"`
	EnrollDuration      time.Duration `yaml:"enroll_duration"`
	StageTimeout        time.Duration `yaml:"stage_timeout"`
	FinishDelay         time.Duration `yaml:"finish_delay"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	Encodings           []string      `yaml:"encodings"`
}

type WebRTCConfig struct {
	STUNServers       []string      `yaml:"stun_servers"`
	TURNServer        string        `yaml:"turn_server"`
	TURNUsername      string        `yaml:"turn_username"`
	TURNPassword      string        `yaml:"turn_password"`
	PLIInterval       time.Duration `yaml:"pli_interval"`
	FirstFrameTimeout time.Duration `yaml:"first_frame_timeout"`
	Timeslice         time.Duration `yaml:"timeslice"`
	SampleBufferMax   uint16        `yaml:"sample_buffer_max"`
	FFmpegPath        string        `yaml:"ffmpeg_path"`
}

type AudioConfig struct {
	Enabled          bool   `yaml:"enabled"`
	LookAtCameraPath string `yaml:"look_at_camera_path"`
	CaptureDonePath  string `yaml:"capture_done_path"`
}

type DetectorConfig struct {
	CropFaces   bool   `yaml:"crop_faces"`
	CascadePath string `yaml:"cascade_path"`
	MinFaceSize int    `yaml:"min_face_size"`
	JPEGQuality int    `yaml:"jpeg_quality"` // 85-95 recommended
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:       ":8090",
			RateLimit:  30,
			RateWindow: time.Minute,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:5001",
			Timeout: 30 * time.Second,
		},
		Capture: CaptureConfig{
			FaceLock:            true,
			LoginMode:           "frames",
			LoginFrames:         3,
			LoginFrameInterval:  500 * time.Millisecond,
			LoginRecordDuration: 2500 * time.Millisecond,
			EnrollDuration:      10 * time.Second,
			StageTimeout:        60 * time.Second,
			FinishDelay:         2 * time.Second,
			AcquireTimeout:      30 * time.Second,
		},
		WebRTC: WebRTCConfig{
			STUNServers:       []string{"stun:stun.l.google.com:19302"},
			PLIInterval:       time.Second,
			FirstFrameTimeout: 10 * time.Second,
			Timeslice:         time.Second,
			SampleBufferMax:   128,
			FFmpegPath:        "ffmpeg",
		},
		Audio: AudioConfig{
			Enabled:          true,
			LookAtCameraPath: "./audio/look-at-camera.ogg",
			CaptureDonePath:  "./audio/capture-done.ogg",
		},
		Detector: DetectorConfig{
			CropFaces:   true,
			CascadePath: "haarcascade_frontalface_default.xml",
			MinFaceSize: 80,
			JPEGQuality: 90,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by FACEGATE_CONFIG, and then environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("FACEGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("LISTEN_ADDR", &cfg.Server.Addr)
	envString("BASE_URL", &cfg.Backend.BaseURL)
	envString("SECRET_KEY", &cfg.Backend.SecretKey)
	envDuration("BACKEND_TIMEOUT", &cfg.Backend.Timeout)

	if url := os.Getenv("PROGRESS_URL"); url != "" {
		cfg.Progress.URL = url
		cfg.Progress.Enabled = true
	}
	envBool("PROGRESS_ENABLED", &cfg.Progress.Enabled)

	envBool("FACE_LOCK", &cfg.Capture.FaceLock)
	envString("LOGIN_CAPTURE_MODE", &cfg.Capture.LoginMode)
	cfg.Capture.LoginFrames = envInt("LOGIN_FRAMES", cfg.Capture.LoginFrames)
	envDuration("ENROLL_DURATION", &cfg.Capture.EnrollDuration)
	envDuration("STAGE_TIMEOUT", &cfg.Capture.StageTimeout)

	if v := os.Getenv("STUN_SERVERS"); v != "" {
		cfg.WebRTC.STUNServers = strings.Split(v, ",")
	}
	envString("TURN_SERVER", &cfg.WebRTC.TURNServer)
	envString("TURN_USERNAME", &cfg.WebRTC.TURNUsername)
	envString("TURN_PASSWORD", &cfg.WebRTC.TURNPassword)
	envString("FFMPEG_PATH", &cfg.WebRTC.FFmpegPath)

	envBool("AUDIO_ENABLED", &cfg.Audio.Enabled)
	envBool("FACE_CROP", &cfg.Detector.CropFaces)
	envString("CASCADE_PATH", &cfg.Detector.CascadePath)
	cfg.Detector.JPEGQuality = envInt("JPEG_QUALITY", cfg.Detector.JPEGQuality)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envBool("LOG_PRETTY", &cfg.Log.Pretty)
}

// Validate rejects settings the capture pipeline cannot run with.
func (c Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend base_url is required")
	}
	if c.Capture.LoginMode != "frames" && c.Capture.LoginMode != "video" {
		return fmt.Errorf("config: login_mode must be frames or video, got %q", c.Capture.LoginMode)
	}
	if c.Capture.LoginFrames <= 0 || c.Capture.LoginFrameInterval <= 0 {
		return fmt.Errorf("config: login frame count and interval must be positive")
	}
	if c.Capture.EnrollDuration <= 0 || c.Capture.LoginRecordDuration <= 0 {
		return fmt.Errorf("config: record durations must be positive")
	}
	if c.Progress.Enabled && c.Progress.URL == "" {
		return fmt.Errorf("config: progress socket enabled without url")
	}
	if q := c.Detector.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("config: jpeg_quality must be within 1-100, got %d", q)
	}
	return nil
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func envDuration(key string, dst *time.Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		*dst = d
	}
}
