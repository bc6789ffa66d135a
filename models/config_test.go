package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Capture.LoginFrames)
	assert.Equal(t, 500*time.Millisecond, cfg.Capture.LoginFrameInterval)
	assert.Equal(t, 10*time.Second, cfg.Capture.EnrollDuration)
	assert.Equal(t, 2*time.Second, cfg.Capture.FinishDelay)
}

func TestLoadConfigLayersFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: http://backend:5001
capture:
  login_mode: video
  enroll_duration: 8s
webrtc:
  stun_servers: ["stun:a", "stun:b"]
`), 0o600))

	t.Setenv("FACEGATE_CONFIG", path)
	t.Setenv("ENROLL_DURATION", "12s")
	t.Setenv("PROGRESS_URL", "ws://backend:5001/ws/face-register")
	t.Setenv("LOGIN_FRAMES", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://backend:5001", cfg.Backend.BaseURL)
	assert.Equal(t, "video", cfg.Capture.LoginMode)
	assert.Equal(t, 12*time.Second, cfg.Capture.EnrollDuration)
	assert.Equal(t, []string{"stun:a", "stun:b"}, cfg.WebRTC.STUNServers)
	assert.True(t, cfg.Progress.Enabled)
	assert.Equal(t, 3, cfg.Capture.LoginFrames)
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.LoginMode = "burst"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Progress.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestUserKindHome(t *testing.T) {
	assert.Equal(t, "/developer", UserKindDeveloper.Home())
	assert.Equal(t, "user", UserKindUser.String())
	assert.Empty(t, UserKindUnknown.Home())
}

func TestIdentifierResultNeedsFace(t *testing.T) {
	yes, no := true, false
	assert.True(t, (&IdentifierResult{Type: UserKindAdmin, RequiresFaceLogin: &yes}).NeedsFace(true))
	assert.False(t, (&IdentifierResult{Type: UserKindUser, RequiresFaceLogin: &no}).NeedsFace(true))
	assert.False(t, (&IdentifierResult{Type: UserKindAdmin}).NeedsFace(true))
	assert.True(t, (&IdentifierResult{Type: UserKindUser}).NeedsFace(true))
}
