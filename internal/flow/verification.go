package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"facegate/internal/capture"
	"facegate/internal/fsm"
	"facegate/internal/logging"
	"facegate/models"
)

// Step is a login step.
type Step string

const (
	StepIdentifier    Step = "identifier"
	StepFaceCapture   Step = "face_capture"
	StepPasswordEntry Step = "password_entry"
	StepComplete      Step = "complete"
)

type loginEvent string

const (
	evFaceRequired  loginEvent = "face_required"
	evPasswordOnly  loginEvent = "password_only"
	evFaceVerified  loginEvent = "face_verified"
	evFaceFallback  loginEvent = "face_fallback"
	evPasswordValid loginEvent = "password_valid"
)

// loginTable builds the step table. open guards leaving the identifier
// step, so a flow closed while the account was resolving never opens the
// camera.
func loginTable(open func(Step, loginEvent) error) []fsm.Transition[Step, loginEvent] {
	return []fsm.Transition[Step, loginEvent]{
		{From: StepIdentifier, Event: evFaceRequired, To: StepFaceCapture, Guard: open},
		{From: StepIdentifier, Event: evPasswordOnly, To: StepPasswordEntry, Guard: open},
		{From: StepFaceCapture, Event: evFaceVerified, To: StepComplete},
		{From: StepFaceCapture, Event: evFaceFallback, To: StepPasswordEntry},
		{From: StepPasswordEntry, Event: evPasswordValid, To: StepComplete},
	}
}

// VerificationState is what the login screen renders.
type VerificationState struct {
	Step       Step
	Identifier string
	UserKind   models.UserKind
	LastError  error
	Capture    capture.Snapshot
}

type VerificationConfig struct {
	FaceLock       bool
	Mode           capture.Mode
	FrameCount     int
	FrameInterval  time.Duration
	RecordDuration time.Duration
	Encodings      []string
	StageTimeout   time.Duration
	AcquireTimeout time.Duration
	TickInterval   time.Duration

	OnChange func(VerificationState)
}

// VerificationFlow runs one login: identifier, then face capture or
// password, then complete. Any face capture failure falls back to the
// password step.
type VerificationFlow struct {
	identity IdentityService
	faces    FaceVerifier
	camera   *capture.Exclusive
	cfg      VerificationConfig
	machine  *fsm.Machine[Step, loginEvent]
	log      zerolog.Logger

	notifyMu sync.Mutex

	mu     sync.Mutex
	state  VerificationState
	ctrl   *capture.Controller
	closed bool
}

func NewVerificationFlow(identity IdentityService, faces FaceVerifier, camera *capture.Exclusive, cfg VerificationConfig) *VerificationFlow {
	f := &VerificationFlow{
		identity: identity,
		faces:    faces,
		camera:   camera,
		cfg:      cfg,
		log:      logging.WithComponent("login"),
		state:    VerificationState{Step: StepIdentifier},
	}
	f.machine = fsm.MustNew(StepIdentifier, loginTable(f.open), StepComplete)
	return f
}

// State returns the current login state.
func (f *VerificationFlow) State() VerificationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SubmitIdentifier resolves the account. Unknown accounts and network
// failures keep the identifier step with LastError set. Accounts that need
// face login move to face capture and the camera is acquired right away.
func (f *VerificationFlow) SubmitIdentifier(ctx context.Context, identifier string) error {
	if err := f.expect(StepIdentifier); err != nil {
		return err
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		err := capture.Errorf(capture.KindValidation, "identifier is required")
		f.setError(err)
		return err
	}

	res, err := f.identity.ResolveIdentifier(ctx, identifier)
	if err != nil {
		err = capture.Wrap(capture.KindNetworkError, err)
		f.setError(err)
		return err
	}

	if !res.NeedsFace(f.cfg.FaceLock) {
		return f.fire(evPasswordOnly, func(s *VerificationState) {
			s.Identifier = identifier
			s.UserKind = res.Type
			s.LastError = nil
		})
	}

	ctrl := capture.NewController(f.camera, faceUploader(f.faces, identifier), capture.Config{
		Mode:           f.cfg.Mode,
		FrameCount:     f.cfg.FrameCount,
		FrameInterval:  f.cfg.FrameInterval,
		RecordDuration: f.cfg.RecordDuration,
		Encodings:      f.cfg.Encodings,
		StageTimeout:   f.cfg.StageTimeout,
		TickInterval:   f.cfg.TickInterval,
		OnSnapshot:     f.onCapture,
	})
	err = f.fire(evFaceRequired, func(s *VerificationState) {
		s.Identifier = identifier
		s.UserKind = res.Type
		s.LastError = nil
		f.ctrl = ctrl
	})
	if err != nil {
		return err
	}
	f.log.Info().Str("identifier", identifier).Msg("📷 face login required, acquiring camera")

	acquireCtx := ctx
	if f.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, f.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := ctrl.Enter(acquireCtx); err != nil {
		f.fallback(err)
	}
	return nil
}

// StartFaceCapture runs the face capture and blocks until the verdict.
// Success completes the login; every failure falls back to password entry
// and is returned. A start before the camera is open is refused and the
// step is kept.
func (f *VerificationFlow) StartFaceCapture(ctx context.Context) error {
	if err := f.expect(StepFaceCapture); err != nil {
		return err
	}
	f.mu.Lock()
	ctrl := f.ctrl
	f.mu.Unlock()

	if p := ctrl.Phase(); p == capture.PhaseIdle || p == capture.PhaseAcquiring {
		return fmt.Errorf("login: camera still opening: %w", fsm.ErrInvalidTransition)
	}
	if err := ctrl.Start(ctx); err != nil {
		cause := ctrl.Err()
		if cause == nil {
			// Already capturing from an earlier start.
			return err
		}
		f.fallback(cause)
		return cause
	}
	<-ctrl.Done()

	snap := ctrl.Snapshot()
	if snap.Phase == capture.PhaseSucceeded {
		_ = f.fire(evFaceVerified, func(s *VerificationState) { s.LastError = nil })
		f.log.Info().Str("identifier", f.State().Identifier).Msg("✅ face verified")
		return nil
	}
	f.fallback(snap.Err)
	return snap.Err
}

// SubmitPassword checks the password. A wrong password keeps the step with
// LastError set; there is no attempt limit here.
func (f *VerificationFlow) SubmitPassword(ctx context.Context, secret string) error {
	if err := f.expect(StepPasswordEntry); err != nil {
		return err
	}
	if strings.TrimSpace(secret) == "" {
		err := capture.Errorf(capture.KindValidation, "password is required")
		f.setError(err)
		return err
	}

	res, err := f.identity.VerifyPassword(ctx, f.State().Identifier, secret)
	if err != nil {
		err = capture.Wrap(capture.KindNetworkError, err)
		f.setError(err)
		return err
	}
	return f.fire(evPasswordValid, func(s *VerificationState) {
		s.LastError = nil
		if res.Type != models.UserKindUnknown {
			s.UserKind = res.Type
		}
	})
}

// Cancel abandons face capture and moves to password entry.
func (f *VerificationFlow) Cancel() {
	f.mu.Lock()
	ctrl := f.ctrl
	step := f.state.Step
	f.mu.Unlock()
	if step != StepFaceCapture {
		return
	}
	if ctrl != nil {
		ctrl.Cancel()
	}
	f.fallback(&capture.Error{Kind: capture.KindCancelled, Err: errors.New("face capture cancelled")})
}

// Close tears the flow down: the camera is released and later calls fail.
// The visible step is left as is.
func (f *VerificationFlow) Close() {
	f.mu.Lock()
	f.closed = true
	ctrl := f.ctrl
	f.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

// fallback moves face capture to password entry with err as LastError.
func (f *VerificationFlow) fallback(err error) {
	f.mu.Lock()
	ctrl := f.ctrl
	f.mu.Unlock()
	if ctrl != nil {
		// Releases the camera if the failure came from outside the controller.
		ctrl.Cancel()
	}
	if f.fire(evFaceFallback, func(s *VerificationState) { s.LastError = err }) == nil {
		f.log.Warn().Err(err).Msg("🔑 face login failed, falling back to password")
	}
}

func (f *VerificationFlow) onCapture(snap capture.Snapshot) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	if f.state.Step != StepFaceCapture {
		f.mu.Unlock()
		return
	}
	f.state.Capture = snap
	state := f.state
	f.mu.Unlock()
	f.emit(state)
}

func (f *VerificationFlow) expect(step Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.state.Step != step {
		return fmt.Errorf("login: step is %s, not %s: %w", f.state.Step, step, fsm.ErrInvalidTransition)
	}
	return nil
}

// open is the guard on leaving the identifier step. It runs under f.mu.
func (f *VerificationFlow) open(Step, loginEvent) error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

// fire applies ev and mutate atomically under f.mu, then emits.
func (f *VerificationFlow) fire(ev loginEvent, mutate func(*VerificationState)) error {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	_, to, err := f.machine.Fire(ev)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("login: %w", err)
	}
	f.state.Step = to
	if mutate != nil {
		mutate(&f.state)
	}
	state := f.state
	f.mu.Unlock()

	f.emit(state)
	return nil
}

func (f *VerificationFlow) setError(err error) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	f.state.LastError = err
	state := f.state
	f.mu.Unlock()
	f.emit(state)
}

func (f *VerificationFlow) emit(s VerificationState) {
	if f.cfg.OnChange != nil {
		f.cfg.OnChange(s)
	}
}
