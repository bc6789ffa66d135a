package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"facegate/internal/capture"
	"facegate/internal/flow"
	"facegate/models"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20 // offers carry full SDP
)

var errSessionClosed = errors.New("session closed")

// Session is one browser page. It owns the page's camera and at most one
// flow of each kind.
type Session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	camera Camera
	excl   *capture.Exclusive
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    sync.WaitGroup

	writeMu sync.Mutex

	mu        sync.Mutex
	login     *flow.VerificationFlow
	enroll    *flow.EnrollmentFlow
	facial    *flow.FacialDataManager
	facialFor string
	closing   bool
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		srv:    srv,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	s.log = srv.log.With().Str("session", s.id).Logger()
	s.camera = srv.deps.NewCamera(s)
	s.excl = capture.NewExclusive(s.camera)
	return s
}

// Send writes one message to the browser. It is safe for concurrent use.
func (s *Session) Send(msgType string, payload any) error {
	env := models.Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", msgType, err)
		}
		env.Data = data
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

// run reads until the browser goes away, then tears the session down.
func (s *Session) run() {
	defer s.Close()
	s.log.Info().Msg("🔌 Browser connected")

	s.conn.SetReadLimit(readLimit)
	for {
		var env models.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("📡 Read stopped")
			}
			return
		}
		messagesTotal.WithLabelValues(metricType(env.Type)).Inc()
		if err := s.dispatch(env); err != nil {
			s.sendError(err)
		}
	}
}

// Close is UI teardown: every flow is closed, the camera released and the
// socket shut. It waits for running operations to return.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	login, enroll, facial := s.login, s.enroll, s.facial
	s.mu.Unlock()

	if login != nil {
		login.Close()
	}
	if enroll != nil {
		enroll.Close()
	}
	if facial != nil {
		facial.Close()
	}
	s.camera.Close()

	s.writeMu.Lock()
	s.cancel()
	s.writeMu.Unlock()
	_ = s.conn.Close()

	s.ops.Wait()
	s.log.Info().Msg("🔌 Browser session closed")
}

// ============================================================
// DISPATCH
// ============================================================

func (s *Session) dispatch(env models.Envelope) error {
	switch env.Type {
	case models.MsgWebrtcOffer, models.MsgWebrtcICE, models.MsgWebrtcQuit, models.MsgCameraDenied:
		return s.camera.HandleSignal(env.Type, env.Data)

	case models.MsgLoginIdentifier:
		var p models.IdentifierPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		login, err := s.loginFlow(true)
		if err != nil {
			return err
		}
		s.goOp(func(ctx context.Context) error { return login.SubmitIdentifier(ctx, p.Identifier) })
	case models.MsgLoginFaceStart:
		login, err := s.loginFlow(false)
		if err != nil {
			return err
		}
		s.goOp(login.StartFaceCapture)
	case models.MsgLoginPassword:
		var p models.PasswordPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		login, err := s.loginFlow(false)
		if err != nil {
			return err
		}
		s.goOp(func(ctx context.Context) error { return login.SubmitPassword(ctx, p.Password) })
	case models.MsgLoginCancel:
		if login, err := s.loginFlow(false); err == nil {
			login.Cancel()
		}

	case models.MsgEnrollBegin:
		var p models.IdentifierPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return s.beginEnrollment(p.Identifier)
	case models.MsgEnrollStart:
		enroll, err := s.enrollFlow()
		if err != nil {
			return err
		}
		s.goOp(enroll.Start)
	case models.MsgEnrollStop:
		if enroll, err := s.enrollFlow(); err == nil {
			enroll.Stop()
		}
	case models.MsgEnrollCancel:
		if enroll, err := s.enrollFlow(); err == nil {
			enroll.Cancel()
		}

	case models.MsgFacialUpdate, models.MsgFacialDelete:
		var p models.IdentifierPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		m, err := s.facialManager(p.Identifier)
		if err != nil {
			return err
		}
		if env.Type == models.MsgFacialUpdate {
			s.goOp(m.Update)
		} else {
			s.goOp(m.Delete)
		}
	case models.MsgFacialCancel:
		s.mu.Lock()
		m := s.facial
		s.mu.Unlock()
		if m != nil {
			m.Cancel()
		}

	default:
		return capture.Errorf(capture.KindValidation, "unknown message type %q", env.Type)
	}
	return nil
}

// goOp runs a blocking flow operation off the read loop; the camera's
// signaling must keep flowing while it waits. Failures other than the
// ones the flow already reports in its state are sent as errors.
func (s *Session) goOp(op func(ctx context.Context) error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.ops.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.ops.Done()
		if err := op(s.ctx); err != nil && capture.KindOf(err) == "" {
			s.sendError(err)
		}
	}()
}

// ============================================================
// FLOW LIFECYCLE
// ============================================================

// loginFlow returns the session's login. With fresh set, a finished login
// is replaced by a new one.
func (s *Session) loginFlow(fresh bool) (*flow.VerificationFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, errSessionClosed
	}
	if s.login != nil && !(fresh && s.login.State().Step == flow.StepComplete) {
		return s.login, nil
	}
	if !fresh {
		return nil, capture.Errorf(capture.KindValidation, "no login in progress")
	}
	if s.login != nil {
		s.login.Close()
	}

	c := s.srv.cfg.Capture
	s.login = flow.NewVerificationFlow(s.srv.deps.Identity, s.srv.deps.Faces, s.excl, flow.VerificationConfig{
		FaceLock:       c.FaceLock,
		Mode:           capture.Mode(c.LoginMode),
		FrameCount:     c.LoginFrames,
		FrameInterval:  c.LoginFrameInterval,
		RecordDuration: c.LoginRecordDuration,
		Encodings:      c.Encodings,
		StageTimeout:   c.StageTimeout,
		AcquireTimeout: c.AcquireTimeout,
		OnChange:       func(st flow.VerificationState) { s.publish(models.MsgLoginState, loginPayload(st)) },
	})
	return s.login, nil
}

func (s *Session) beginEnrollment(identifier string) error {
	if identifier == "" {
		return capture.Errorf(capture.KindValidation, "identifier is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errSessionClosed
	}
	if s.enroll != nil {
		s.enroll.Close()
	}

	c := s.srv.cfg.Capture
	s.enroll = flow.NewEnrollmentFlow(identifier, s.srv.deps.Enroll, s.srv.deps.Stages, s.excl, flow.EnrollmentConfig{
		Duration:       c.EnrollDuration,
		Encodings:      c.Encodings,
		StageTimeout:   c.StageTimeout,
		FinishDelay:    c.FinishDelay,
		AcquireTimeout: c.AcquireTimeout,
		OnChange:       func(st flow.EnrollmentState) { s.publish(models.MsgEnrollState, enrollPayload(st)) },
		OnFinished:     func() { s.publish(models.MsgEnrollFinished, nil) },
	})
	s.publish(models.MsgEnrollState, enrollPayload(s.enroll.State()))
	return nil
}

func (s *Session) enrollFlow() (*flow.EnrollmentFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enroll == nil {
		return nil, capture.Errorf(capture.KindValidation, "enrollment not begun")
	}
	return s.enroll, nil
}

// facialManager returns the manager for identifier, replacing one bound to
// another account.
func (s *Session) facialManager(identifier string) (*flow.FacialDataManager, error) {
	if identifier == "" {
		return nil, capture.Errorf(capture.KindValidation, "identifier is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, errSessionClosed
	}
	if s.facial != nil && s.facialFor == identifier {
		return s.facial, nil
	}
	if s.facial != nil {
		s.facial.Close()
	}

	c := s.srv.cfg.Capture
	s.facialFor = identifier
	s.facial = flow.NewFacialDataManager(identifier, s.srv.deps.Biometric, s.excl, flow.FacialDataConfig{
		Duration:       c.EnrollDuration,
		Encodings:      c.Encodings,
		StageTimeout:   c.StageTimeout,
		AcquireTimeout: c.AcquireTimeout,
		OnChange:       func(st flow.FacialDataState) { s.publish(models.MsgFacialState, facialPayload(st)) },
	})
	return s.facial, nil
}

// ============================================================
// OUTBOUND
// ============================================================

func (s *Session) publish(msgType string, payload any) {
	if err := s.Send(msgType, payload); err != nil && !errors.Is(err, errSessionClosed) {
		s.log.Warn().Err(err).Str("type", msgType).Msg("⚠️ Failed to publish")
	}
}

func (s *Session) sendError(err error) {
	s.log.Debug().Err(err).Msg("❌ Request failed")
	s.publish(models.MsgError, models.ErrorPayload{
		Kind:    string(capture.KindOf(err)),
		Message: err.Error(),
	})
}

func decode(env models.Envelope, dst any) error {
	if len(env.Data) == 0 {
		return capture.Errorf(capture.KindValidation, "%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return capture.Errorf(capture.KindValidation, "%s: %v", env.Type, err)
	}
	return nil
}
