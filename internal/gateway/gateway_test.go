package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facegate/internal/capture"
	"facegate/internal/capture/capturetest"
	"facegate/internal/webrtc"
	"facegate/models"
)

// stubBackend: "alice" is a plain user who must pass face login, "root" an
// admin who logs in by password. The password is always "secret".
type stubBackend struct{}

func (stubBackend) ResolveIdentifier(_ context.Context, id string) (*models.IdentifierResult, error) {
	switch id {
	case "alice":
		return &models.IdentifierResult{Type: models.UserKindUser}, nil
	case "root":
		return &models.IdentifierResult{Type: models.UserKindAdmin}, nil
	}
	return nil, capture.Errorf(capture.KindNotFound, "no account %q", id)
}

func (stubBackend) VerifyPassword(_ context.Context, id, secret string) (*models.PasswordResult, error) {
	if secret != "secret" {
		return nil, capture.Errorf(capture.KindInvalidCredentials, "wrong password")
	}
	kind := models.UserKindUser
	if id == "root" {
		kind = models.UserKindAdmin
	}
	return &models.PasswordResult{Success: true, Type: kind}, nil
}

func (stubBackend) VerifyFaceFrames(context.Context, string, []capture.Frame) (*models.FaceVerifyResult, error) {
	return &models.FaceVerifyResult{Success: true}, nil
}

func (stubBackend) VerifyFaceVideo(context.Context, string, *capture.VideoBlob) (*models.FaceVerifyResult, error) {
	return &models.FaceVerifyResult{Success: true}, nil
}

func (stubBackend) SubmitEnrollmentVideo(context.Context, string, *capture.VideoBlob) (*models.EnrollmentResult, error) {
	return &models.EnrollmentResult{Message: models.MessageEnrollmentComplete}, nil
}

func (stubBackend) UpdateBiometricData(context.Context, string, *capture.VideoBlob) (*models.EnrollmentResult, error) {
	return &models.EnrollmentResult{Message: "updated"}, nil
}

func (stubBackend) DeleteBiometricData(context.Context, string) error { return nil }

type fakeCamera struct {
	*capturetest.Device

	mu      sync.Mutex
	signals []string
	closes  int
}

func (c *fakeCamera) HandleSignal(msgType string, _ json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, msgType)
	return nil
}

func (c *fakeCamera) Close() {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
}

func (c *fakeCamera) Signals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.signals...)
}

func (c *fakeCamera) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type harness struct {
	srv     *Server
	http    *httptest.Server
	mu      sync.Mutex
	cameras []*fakeCamera
}

func testGatewayConfig() models.Config {
	cfg := models.DefaultConfig()
	cfg.Server.RateLimit = 0
	cfg.Capture.LoginFrames = 2
	cfg.Capture.LoginFrameInterval = 10 * time.Millisecond
	cfg.Capture.EnrollDuration = 50 * time.Millisecond
	cfg.Capture.FinishDelay = 10 * time.Millisecond
	cfg.Capture.StageTimeout = time.Second
	cfg.Capture.AcquireTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg models.Config) *harness {
	t.Helper()
	h := &harness{}
	backend := stubBackend{}
	h.srv = NewServer(cfg, Deps{
		Identity:  backend,
		Faces:     backend,
		Enroll:    backend,
		Biometric: backend,
		NewCamera: func(webrtc.Signaler) Camera {
			cam := &fakeCamera{Device: capturetest.NewDevice()}
			h.mu.Lock()
			h.cameras = append(h.cameras, cam)
			h.mu.Unlock()
			return cam
		},
	})
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.srv.Shutdown(ctx))
		h.http.Close()
	})
	return h
}

func (h *harness) camera(t *testing.T) *fakeCamera {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.cameras)
	return h.cameras[len(h.cameras)-1]
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env := models.Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Data = data
	}
	require.NoError(t, conn.WriteJSON(env))
}

// waitFor reads until a message of msgType satisfies match.
func waitFor[T any](t *testing.T, conn *websocket.Conn, msgType string, match func(T) bool) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", msgType)
		if env.Type != msgType {
			continue
		}
		var p T
		if len(env.Data) > 0 {
			require.NoError(t, json.Unmarshal(env.Data, &p))
		}
		if match == nil || match(p) {
			return p
		}
	}
}

func loginStep(step string) func(models.LoginStatePayload) bool {
	return func(p models.LoginStatePayload) bool { return p.Step == step }
}

// cameraReady matches face capture once the camera is open.
func cameraReady(p models.LoginStatePayload) bool {
	return p.Step == "face_capture" && p.Capture == string(capture.PhaseReady)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, testGatewayConfig())

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(h.http.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestPasswordLogin(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)

	send(t, conn, models.MsgLoginIdentifier, models.IdentifierPayload{Identifier: "root"})
	waitFor(t, conn, models.MsgLoginState, loginStep("password_entry"))

	send(t, conn, models.MsgLoginPassword, models.PasswordPayload{Password: "nope"})
	wrong := waitFor(t, conn, models.MsgLoginState, func(p models.LoginStatePayload) bool { return p.Error != "" })
	assert.Equal(t, "password_entry", wrong.Step)
	assert.Equal(t, string(capture.KindInvalidCredentials), wrong.ErrorKind)

	send(t, conn, models.MsgLoginPassword, models.PasswordPayload{Password: "secret"})
	done := waitFor(t, conn, models.MsgLoginState, loginStep("complete"))
	assert.Equal(t, "/admin", done.Redirect)
	assert.Zero(t, h.camera(t).Opens(), "password logins never touch the camera")
}

func TestFaceLogin(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)

	send(t, conn, models.MsgLoginIdentifier, models.IdentifierPayload{Identifier: "alice"})
	waitFor(t, conn, models.MsgLoginState, cameraReady)

	send(t, conn, models.MsgLoginFaceStart, nil)
	done := waitFor(t, conn, models.MsgLoginState, loginStep("complete"))
	assert.Equal(t, "/user", done.Redirect)
	assert.Empty(t, done.Error)

	cam := h.camera(t)
	assert.Equal(t, 1, cam.Opens())
	assert.Eventually(t, func() bool { return cam.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestUnknownAccount(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)

	send(t, conn, models.MsgLoginIdentifier, models.IdentifierPayload{Identifier: "mallory"})
	st := waitFor(t, conn, models.MsgLoginState, func(p models.LoginStatePayload) bool { return p.Error != "" })
	assert.Equal(t, "identifier", st.Step)
	assert.Equal(t, string(capture.KindNotFound), st.ErrorKind)
}

func TestEnrollment(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)

	send(t, conn, models.MsgEnrollStart, nil)
	notBegun := waitFor[models.ErrorPayload](t, conn, models.MsgError, nil)
	assert.Equal(t, string(capture.KindValidation), notBegun.Kind)

	send(t, conn, models.MsgEnrollBegin, models.IdentifierPayload{Identifier: "alice"})
	ready := waitFor(t, conn, models.MsgEnrollState, func(p models.EnrollStatePayload) bool { return p.Step == "ready" })
	assert.Zero(t, ready.Progress)

	send(t, conn, models.MsgEnrollStart, nil)
	finished := waitFor(t, conn, models.MsgEnrollState, func(p models.EnrollStatePayload) bool { return p.Step == "finished" })
	assert.Equal(t, 100, finished.Progress)
	waitFor[struct{}](t, conn, models.MsgEnrollFinished, nil)
}

func TestFacialDelete(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)

	send(t, conn, models.MsgFacialDelete, models.IdentifierPayload{Identifier: "alice"})
	st := waitFor(t, conn, models.MsgFacialState, func(p models.FacialStatePayload) bool { return !p.Busy })
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "Facial data deleted successfully", st.Message)
}

func TestSignalsReachCamera(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)

	send(t, conn, models.MsgWebrtcOffer, models.SignalPayload{SDP: "v=0"})
	send(t, conn, models.MsgWebrtcICE, models.SignalPayload{Candidate: json.RawMessage(`{}`)})
	send(t, conn, models.MsgCameraDenied, nil)
	// A round trip through the read loop orders the checks after dispatch.
	send(t, conn, "bogus", nil)
	bad := waitFor[models.ErrorPayload](t, conn, models.MsgError, nil)
	assert.Equal(t, string(capture.KindValidation), bad.Kind)

	assert.Equal(t, []string{models.MsgWebrtcOffer, models.MsgWebrtcICE, models.MsgCameraDenied}, h.camera(t).Signals())
}

func TestDisconnectClosesSession(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)

	send(t, conn, models.MsgLoginIdentifier, models.IdentifierPayload{Identifier: "alice"})
	waitFor(t, conn, models.MsgLoginState, cameraReady)
	cam := h.camera(t)
	require.Equal(t, 1, cam.Active())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return h.srv.Sessions() == 0 && cam.Closes() == 1 && cam.Active() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimitedUpgrades(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Server.RateLimit = 1
	cfg.Server.RateWindow = time.Minute
	h := newHarness(t, cfg)

	conn := h.dial(t)
	require.NotNil(t, conn)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	h := newHarness(t, testGatewayConfig())
	conn := h.dial(t)
	send(t, conn, models.MsgLoginIdentifier, models.IdentifierPayload{Identifier: "root"})
	waitFor(t, conn, models.MsgLoginState, loginStep("password_entry"))

	require.NoError(t, h.srv.Shutdown(context.Background()))
	assert.Zero(t, h.srv.Sessions())

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
