// Package gateway serves the browser: one websocket per page, carrying
// flow commands, state snapshots and the camera's WebRTC signaling.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"facegate/internal/audio"
	"facegate/internal/capture"
	"facegate/internal/flow"
	"facegate/internal/logging"
	"facegate/internal/webrtc"
	"facegate/models"
)

// Camera is the per-session camera: a capture device driven by the
// browser's signaling messages.
type Camera interface {
	capture.Device
	HandleSignal(msgType string, data json.RawMessage) error
	Close()
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Identity  flow.IdentityService
	Faces     flow.FaceVerifier
	Enroll    flow.EnrollmentService
	Biometric flow.BiometricDataService
	// Stages pushes enrollment stages; nil derives them from the upload
	// response.
	Stages flow.StageSource

	Frames webrtc.FrameEncoder
	Cues   *audio.Library
	// NewCamera overrides the WebRTC camera, mainly for tests.
	NewCamera func(signaler webrtc.Signaler) Camera
}

// Server accepts gateway websockets.
type Server struct {
	cfg      models.Config
	deps     Deps
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(cfg models.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      logging.WithComponent("gateway"),
		sessions: make(map[string]*Session),
	}
	if s.deps.NewCamera == nil {
		rtc := webrtc.ConfigFrom(cfg.WebRTC)
		s.deps.NewCamera = func(sig webrtc.Signaler) Camera {
			return webrtc.NewDevice(rtc, sig, deps.Frames, deps.Cues)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit > 0 {
			r.Use(rateLimit(s.cfg.Server.RateLimit, s.cfg.Server.RateWindow))
		}
		r.Get("/ws", s.serveWS)
	})
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)
}

// checkOrigin allows every origin when none is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowOrigins
	if len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, r.Header.Get("Origin"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("⚠️ Websocket upgrade failed")
		return
	}

	sess := newSession(s, conn)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	s.mu.Unlock()
	sessionsActive.Inc()

	go func() {
		defer s.wg.Done()
		defer sessionsActive.Dec()
		sess.run()

		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()
}

// Sessions is the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session and waits for them to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Int("sessions", len(sessions)).Msg("🛑 Gateway sessions closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
