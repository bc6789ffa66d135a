package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"facegate/internal/capture"
	"facegate/internal/fsm"
	"facegate/internal/logging"
	"facegate/models"
)

// EnrollStep is an enrollment step.
type EnrollStep string

const (
	EnrollReady      EnrollStep = "ready"
	EnrollCapturing  EnrollStep = "capturing"
	EnrollProcessing EnrollStep = "processing"
	EnrollTraining   EnrollStep = "training"
	EnrollFinished   EnrollStep = "finished"
)

// Progress checkpoints.
const (
	progressRecorded  = 40
	progressProcessed = 70
	progressTrained   = 100
)

type enrollEvent string

const (
	evRecording enrollEvent = "recording"
	evRecorded  enrollEvent = "recorded"
	evProcessed enrollEvent = "processed"
	evTrained   enrollEvent = "trained"
	evAborted   enrollEvent = "aborted"
)

func enrollTable() []fsm.Transition[EnrollStep, enrollEvent] {
	return []fsm.Transition[EnrollStep, enrollEvent]{
		{From: EnrollReady, Event: evRecording, To: EnrollCapturing},
		{From: EnrollCapturing, Event: evRecorded, To: EnrollProcessing},
		{From: EnrollProcessing, Event: evProcessed, To: EnrollTraining},
		{From: EnrollProcessing, Event: evTrained, To: EnrollFinished},
		{From: EnrollTraining, Event: evTrained, To: EnrollFinished},
		{From: EnrollCapturing, Event: evAborted, To: EnrollReady},
		{From: EnrollProcessing, Event: evAborted, To: EnrollReady},
		{From: EnrollTraining, Event: evAborted, To: EnrollReady},
	}
}

// EnrollmentState is what the enrollment screen renders.
type EnrollmentState struct {
	Step             EnrollStep
	ProgressPercent  int
	RemainingSeconds int
	LastError        error
}

type EnrollmentConfig struct {
	Duration       time.Duration
	Encodings      []string
	StageTimeout   time.Duration
	FinishDelay    time.Duration
	AcquireTimeout time.Duration
	TickInterval   time.Duration

	OnChange func(EnrollmentState)
	// OnFinished runs FinishDelay after the finished step is reached.
	OnFinished func()
}

// EnrollmentFlow records a face clip and follows its remote processing.
// A failed attempt returns to ready; a new Start is a new attempt.
type EnrollmentFlow struct {
	identifier string
	svc        EnrollmentService
	stages     StageSource
	camera     *capture.Exclusive
	cfg        EnrollmentConfig
	machine    *fsm.Machine[EnrollStep, enrollEvent]
	log        zerolog.Logger

	notifyMu sync.Mutex

	mu          sync.Mutex
	state       EnrollmentState
	ctrl        *capture.Controller
	attempt     int
	finishTimer *time.Timer
	closed      bool
}

// NewEnrollmentFlow builds the flow for identifier. A nil stages source
// derives the processing stages from the upload response.
func NewEnrollmentFlow(identifier string, svc EnrollmentService, stages StageSource, camera *capture.Exclusive, cfg EnrollmentConfig) *EnrollmentFlow {
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	return &EnrollmentFlow{
		identifier: identifier,
		svc:        svc,
		stages:     stages,
		camera:     camera,
		cfg:        cfg,
		machine:    fsm.MustNew(EnrollReady, enrollTable(), EnrollFinished),
		log:        logging.WithComponent("enroll").With().Str("identifier", identifier).Logger(),
		state:      EnrollmentState{Step: EnrollReady},
	}
}

func (f *EnrollmentFlow) State() EnrollmentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Start runs one enrollment attempt and blocks until it finishes or fails.
func (f *EnrollmentFlow) Start(ctx context.Context) error {
	f.notifyMu.Lock()
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		f.notifyMu.Unlock()
		return ErrClosed
	case f.state.Step != EnrollReady || f.ctrl != nil:
		step := f.state.Step
		f.mu.Unlock()
		f.notifyMu.Unlock()
		return fmt.Errorf("enroll: step is %s: %w", step, fsm.ErrInvalidTransition)
	}
	f.attempt++
	attempt := f.attempt
	ctrl := capture.NewController(f.camera,
		stagedUploader(f.svc.SubmitEnrollmentVideo, f.identifier, f.stages, (*models.EnrollmentResult).Trained),
		capture.Config{
			Mode:           capture.ModeVideo,
			RecordDuration: f.cfg.Duration,
			Encodings:      f.cfg.Encodings,
			StageTimeout:   f.cfg.StageTimeout,
			TickInterval:   f.cfg.TickInterval,
			OnSnapshot:     func(s capture.Snapshot) { f.onCapture(attempt, s) },
		})
	f.ctrl = ctrl
	f.state = EnrollmentState{Step: EnrollReady}
	state := f.state
	f.mu.Unlock()
	f.emit(state)
	f.notifyMu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.ctrl == ctrl {
			f.ctrl = nil
		}
		f.mu.Unlock()
	}()

	f.log.Info().Dur("duration", f.cfg.Duration).Msg("🎬 enrollment attempt started")

	acquireCtx := ctx
	if f.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, f.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := ctrl.Enter(acquireCtx); err != nil {
		f.abort(attempt, err)
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		err = ctrl.Err()
		if err == nil {
			err = &capture.Error{Kind: capture.KindCancelled, Err: errors.New("enrollment closed")}
		}
		f.abort(attempt, err)
		return err
	}
	<-ctrl.Done()

	snap := ctrl.Snapshot()
	if snap.Phase != capture.PhaseSucceeded {
		f.abort(attempt, snap.Err)
		return snap.Err
	}
	return nil
}

// Stop ends the recording early; what was recorded is uploaded.
func (f *EnrollmentFlow) Stop() {
	if ctrl := f.current(); ctrl != nil {
		ctrl.Stop()
	}
}

// Cancel abandons the running attempt. Late stage updates are ignored.
func (f *EnrollmentFlow) Cancel() {
	if ctrl := f.current(); ctrl != nil {
		ctrl.Cancel()
	}
}

// Close releases the camera and cancels the pending finish callback.
func (f *EnrollmentFlow) Close() {
	f.mu.Lock()
	f.closed = true
	ctrl := f.ctrl
	if f.finishTimer != nil {
		f.finishTimer.Stop()
	}
	f.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

func (f *EnrollmentFlow) current() *capture.Controller {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctrl
}

// onCapture maps controller snapshots of attempt onto enrollment state.
func (f *EnrollmentFlow) onCapture(attempt int, snap capture.Snapshot) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	if attempt != f.attempt {
		f.mu.Unlock()
		return
	}
	changed := true
	switch snap.Phase {
	case capture.PhaseCapturing:
		if f.state.Step == EnrollReady {
			f.fireLocked(evRecording)
		}
		if snap.Duration > 0 {
			p := int(int64(progressRecorded) * int64(snap.Elapsed) / int64(snap.Duration))
			f.raise(min(p, progressRecorded))
		}
		f.state.RemainingSeconds = ceilSeconds(snap.Remaining)
	case capture.PhaseUploading:
		f.fireLocked(evRecorded)
		f.raise(progressRecorded)
		f.state.RemainingSeconds = 0
	case capture.PhaseProcessing:
		if snap.Stage == capture.StageProcessed && f.fireLocked(evProcessed) {
			f.raise(progressProcessed)
		}
	case capture.PhaseSucceeded:
		f.fireLocked(evTrained)
		f.raise(progressTrained)
		f.state.RemainingSeconds = 0
		f.scheduleFinish()
		f.log.Info().Msg("✅ enrollment finished")
	default:
		changed = false
	}
	state := f.state
	f.mu.Unlock()

	if changed {
		f.emit(state)
	}
}

// abort returns a failed attempt to ready with err as LastError. The
// progress reached is kept until the next Start.
func (f *EnrollmentFlow) abort(attempt int, err error) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	if attempt != f.attempt {
		f.mu.Unlock()
		return
	}
	f.fireLocked(evAborted)
	f.state.LastError = err
	f.state.RemainingSeconds = 0
	state := f.state
	f.mu.Unlock()

	f.log.Warn().Err(err).Msg("❌ enrollment attempt failed")
	f.emit(state)
}

// fireLocked applies ev if the table allows it. Caller holds mu.
func (f *EnrollmentFlow) fireLocked(ev enrollEvent) bool {
	_, to, err := f.machine.Fire(ev)
	if err != nil {
		return false
	}
	f.state.Step = to
	return true
}

// raise moves progress up, never down. Caller holds mu.
func (f *EnrollmentFlow) raise(p int) {
	if p > f.state.ProgressPercent {
		f.state.ProgressPercent = p
	}
}

// scheduleFinish arms the delayed OnFinished callback. Caller holds mu.
func (f *EnrollmentFlow) scheduleFinish() {
	if f.cfg.OnFinished == nil || f.closed {
		return
	}
	f.finishTimer = time.AfterFunc(f.cfg.FinishDelay, f.cfg.OnFinished)
}

func (f *EnrollmentFlow) emit(s EnrollmentState) {
	if f.cfg.OnChange != nil {
		f.cfg.OnChange(s)
	}
}
