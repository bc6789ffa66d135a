package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"facegate/internal/fsm"
	"facegate/internal/logging"
)

// Stage names a remote processing step after upload.
type Stage string

const (
	StageProcessed Stage = "processed"
	StageTrained   Stage = "trained"
)

// StageEvent reports one asynchronous remote stage. Err marks a failed
// stage; Final marks the last one.
type StageEvent struct {
	Stage Stage
	Final bool
	Err   error
}

// Receipt is the upload acknowledgement. A nil Stages channel means the
// accepted upload is the final verdict. Done, when set, is called once the
// controller stops listening.
type Receipt struct {
	Accepted bool
	Reason   string
	Stages   <-chan StageEvent
	Done     func()
}

// Uploader sends a finalized artifact to the remote side.
type Uploader interface {
	Upload(ctx context.Context, artifact Artifact) (*Receipt, error)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, artifact Artifact) (*Receipt, error)

func (f UploaderFunc) Upload(ctx context.Context, artifact Artifact) (*Receipt, error) {
	return f(ctx, artifact)
}

// Snapshot is the externally visible controller state.
type Snapshot struct {
	Phase          Phase
	Mode           Mode
	Elapsed        time.Duration
	Remaining      time.Duration
	Duration       time.Duration
	FramesCaptured int
	FramesWanted   int
	Stage          Stage
	Err            error
}

// Config parameterises one capture attempt.
type Config struct {
	Mode           Mode
	FrameCount     int
	FrameInterval  time.Duration
	RecordDuration time.Duration
	Encodings      []string
	StageTimeout   time.Duration
	TickInterval   time.Duration

	// OnSnapshot receives every state change in transition order. It must
	// not call back into the controller synchronously.
	OnSnapshot func(Snapshot)
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeFrames
	}
	if c.FrameCount <= 0 {
		c.FrameCount = 3
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 500 * time.Millisecond
	}
	if c.RecordDuration <= 0 {
		c.RecordDuration = 10 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 60 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// duration is the planned capture length.
func (c Config) duration() time.Duration {
	if c.Mode == ModeVideo {
		return c.RecordDuration
	}
	return time.Duration(c.FrameCount) * c.FrameInterval
}

type event string

const (
	evEnter    event = "enter"
	evAcquired event = "acquired"
	evStart    event = "start"
	evCaptured event = "captured"
	evAccepted event = "accepted"
	evStaged   event = "staged"
	evFinished event = "finished"
	evFail     event = "fail"
)

func phaseTable() []fsm.Transition[Phase, event] {
	t := []fsm.Transition[Phase, event]{
		{From: PhaseIdle, Event: evEnter, To: PhaseAcquiring},
		{From: PhaseAcquiring, Event: evAcquired, To: PhaseReady},
		{From: PhaseReady, Event: evStart, To: PhaseCapturing},
		{From: PhaseCapturing, Event: evCaptured, To: PhaseUploading},
		{From: PhaseUploading, Event: evAccepted, To: PhaseSucceeded},
		{From: PhaseUploading, Event: evStaged, To: PhaseProcessing},
		{From: PhaseProcessing, Event: evFinished, To: PhaseSucceeded},
	}
	for _, p := range []Phase{PhaseIdle, PhaseAcquiring, PhaseReady, PhaseCapturing, PhaseUploading, PhaseProcessing} {
		t = append(t, fsm.Transition[Phase, event]{From: p, Event: evFail, To: PhaseFailed})
	}
	return t
}

const closeTimeout = 5 * time.Second

// ============================================================
// CONTROLLER
// ============================================================

// Controller drives a single capture attempt. It is single-use: once it
// reaches succeeded or failed a retry needs a new Controller.
type Controller struct {
	cfg      Config
	session  *Session
	uploader Uploader
	machine  *fsm.Machine[Phase, event]
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	wg     sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once

	// notifyMu orders observer delivery; it is always taken before mu.
	notifyMu sync.Mutex

	mu        sync.Mutex
	snap      Snapshot
	stream    Stream
	recording *Recording
	startedAt time.Time
}

func NewController(device *Exclusive, uploader Uploader, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Controller{
		cfg:      cfg,
		session:  device.NewSession(),
		uploader: uploader,
		machine:  fsm.MustNew(PhaseIdle, phaseTable(), PhaseSucceeded, PhaseFailed),
		log:      logging.WithComponent("capture").With().Str("mode", string(cfg.Mode)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	c.snap = Snapshot{
		Phase:        PhaseIdle,
		Mode:         cfg.Mode,
		Duration:     cfg.duration(),
		Remaining:    cfg.duration(),
		FramesWanted: cfg.FrameCount,
	}
	if cfg.Mode == ModeVideo {
		c.snap.FramesWanted = 0
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap
	if s.Phase == PhaseCapturing {
		c.fillTiming(&s)
	}
	return s
}

func (c *Controller) Phase() Phase { return c.Snapshot().Phase }

// Err is the failure reason once the controller failed.
func (c *Controller) Err() error { return c.Snapshot().Err }

// Done is closed after the terminal snapshot has been delivered.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Wait blocks until the controller reaches a terminal phase and returns the
// final snapshot with its error.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-c.done:
		s := c.Snapshot()
		return s, s.Err
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Enter acquires the camera and moves the controller to ready. ctx bounds
// the acquisition only.
func (c *Controller) Enter(ctx context.Context) error {
	if !c.transition(evEnter, nil, nil) {
		return fmt.Errorf("capture: enter from %s: %w", c.Phase(), fsm.ErrInvalidTransition)
	}
	c.log.Debug().Msg("🔄 acquiring camera")

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	stream, err := c.session.Acquire(acquireCtx)
	if err != nil {
		switch {
		case c.ctx.Err() != nil:
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = &Error{Kind: KindDeviceUnavailable, Err: fmt.Errorf("camera not ready: %w", ctx.Err())}
		case ctx.Err() != nil:
			err = &Error{Kind: KindCancelled, Err: ctx.Err()}
		default:
			err = Wrap(KindDeviceUnavailable, err)
		}
		c.fail(err)
		return c.Err()
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	if !c.transition(evAcquired, nil, nil) {
		// Cancelled while the device was opening.
		c.session.Release()
		return c.Err()
	}
	return nil
}

// Start begins the capture on a worker goroutine. Cancelling ctx fails the
// attempt with cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	ok := c.transition(evStart, func(s *Snapshot) {
		c.startedAt = time.Now()
		s.Elapsed = 0
		s.Remaining = c.cfg.duration()
	}, nil)
	if !ok {
		return fmt.Errorf("capture: start from %s: %w", c.Phase(), fsm.ErrInvalidTransition)
	}
	c.log.Info().Dur("duration", c.cfg.duration()).Msg("🎬 capture started")

	stopWatch := context.AfterFunc(ctx, func() {
		c.fail(&Error{Kind: KindCancelled, Err: context.Cause(ctx)})
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stopWatch()
		c.run(c.ctx, stream)
	}()
	return nil
}

// Stop ends a running video capture early. The recorded part is uploaded.
// It is a no-op outside capturing and in frames mode.
func (c *Controller) Stop() {
	if c.cfg.Mode != ModeVideo || c.Phase() != PhaseCapturing {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Cancel abandons the attempt. Any later upload result is ignored.
func (c *Controller) Cancel() {
	c.fail(&Error{Kind: KindCancelled, Err: errors.New("capture cancelled")})
}

// Close cancels a running attempt, releases the camera and waits for the
// worker to exit.
func (c *Controller) Close() {
	c.Cancel()
	c.session.Release()
	c.cancel(context.Canceled)

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(closeTimeout):
		c.log.Warn().Msg("⚠️ capture worker did not exit before close timeout")
	}
}

// ============================================================
// WORKER
// ============================================================

func (c *Controller) run(ctx context.Context, stream Stream) {
	var (
		artifact Artifact
		err      error
	)
	if c.cfg.Mode == ModeVideo {
		artifact, err = c.record(ctx, stream)
	} else {
		artifact, err = c.sample(ctx, stream)
	}
	if err != nil {
		c.fail(err)
		return
	}

	ok := c.transition(evCaptured, func(s *Snapshot) {
		s.Elapsed = time.Since(c.startedAt)
		s.Remaining = 0
	}, c.session.Release)
	if !ok {
		return
	}
	artifactBytes.WithLabelValues(string(artifact.Mode())).Observe(float64(artifact.Size()))
	c.log.Info().Int("bytes", artifact.Size()).Msg("📤 uploading capture")

	c.upload(ctx, artifact)
}

func (c *Controller) record(ctx context.Context, stream Stream) (Artifact, error) {
	rec, err := NewTimedRecorder(c.cfg.Encodings...).Start(stream, c.cfg.RecordDuration)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.recording = rec
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_, _ = rec.Stop()
			return nil, &Error{Kind: KindCancelled, Err: context.Cause(ctx)}
		case <-c.stopCh:
			c.log.Debug().Msg("⏹️ recording stopped by user")
			return finishRecording(rec)
		case <-rec.Done():
			return finishRecording(rec)
		case <-ticker.C:
			c.update(nil)
		}
	}
}

func finishRecording(rec *Recording) (Artifact, error) {
	blob, err := rec.Stop()
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (c *Controller) sample(ctx context.Context, stream Stream) (Artifact, error) {
	sampler := FrameSampler{Count: c.cfg.FrameCount, Interval: c.cfg.FrameInterval}
	set, err := sampler.Sample(ctx, stream).Collect(func(n int) {
		c.update(func(s *Snapshot) { s.FramesCaptured = n })
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (c *Controller) upload(ctx context.Context, artifact Artifact) {
	receipt, err := c.uploader.Upload(ctx, artifact)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		switch KindOf(err) {
		case KindRemoteRejected, KindTimeout, KindCancelled:
		default:
			err = &Error{Kind: KindUploadError, Err: err}
		}
		c.fail(err)
		return
	}
	if receipt == nil {
		c.fail(Errorf(KindUploadError, "uploader returned no receipt"))
		return
	}
	if receipt.Done != nil {
		defer receipt.Done()
	}
	if !receipt.Accepted {
		reason := receipt.Reason
		if reason == "" {
			reason = "upload rejected"
		}
		c.fail(&Error{Kind: KindRemoteRejected, Err: errors.New(reason)})
		return
	}
	if receipt.Stages == nil {
		c.transition(evAccepted, nil, nil)
		return
	}
	if !c.transition(evStaged, nil, nil) {
		return
	}
	c.awaitStages(ctx, receipt.Stages)
}

func (c *Controller) awaitStages(ctx context.Context, stages <-chan StageEvent) {
	timer := time.NewTimer(c.cfg.StageTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.fail(Errorf(KindTimeout, "no stage update within %s", c.cfg.StageTimeout))
			return
		case ev, ok := <-stages:
			if !ok {
				c.fail(Errorf(KindRemoteRejected, "stage stream ended before completion"))
				return
			}
			if ev.Err != nil {
				c.fail(&Error{Kind: KindRemoteRejected, Err: ev.Err})
				return
			}
			if ev.Final {
				c.transition(evFinished, func(s *Snapshot) { s.Stage = ev.Stage }, nil)
				return
			}
			c.log.Debug().Str("stage", string(ev.Stage)).Msg("⏳ remote stage reached")
			c.update(func(s *Snapshot) { s.Stage = ev.Stage })
			timer.Reset(c.cfg.StageTimeout)
		}
	}
}

// ============================================================
// STATE CHANGES
// ============================================================

// transition fires ev, applies mutate to the snapshot, runs effect and then
// notifies the observer. It reports whether the event was accepted.
func (c *Controller) transition(ev event, mutate func(*Snapshot), effect func()) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	_, to, err := c.machine.Fire(ev)
	if err != nil {
		c.mu.Unlock()
		return false
	}
	c.snap.Phase = to
	if mutate != nil {
		mutate(&c.snap)
	}
	snap := c.snap
	c.mu.Unlock()

	if effect != nil {
		effect()
	}
	phaseTransitions.WithLabelValues(string(to)).Inc()
	c.emit(snap)

	if to.Terminal() {
		close(c.done)
	}
	return true
}

// update publishes a non-transition change while capturing or processing.
func (c *Controller) update(mutate func(*Snapshot)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.snap.Phase != PhaseCapturing && c.snap.Phase != PhaseProcessing {
		c.mu.Unlock()
		return
	}
	if mutate != nil {
		mutate(&c.snap)
	}
	snap := c.snap
	if snap.Phase == PhaseCapturing {
		c.fillTiming(&snap)
	}
	c.mu.Unlock()

	c.emit(snap)
}

// fillTiming computes elapsed and remaining time. Caller holds mu.
func (c *Controller) fillTiming(s *Snapshot) {
	if c.cfg.Mode == ModeVideo {
		elapsed := time.Since(c.startedAt)
		if c.recording != nil {
			elapsed = c.recording.Elapsed()
		}
		s.Elapsed = min(elapsed, c.cfg.RecordDuration)
		s.Remaining = c.cfg.RecordDuration - s.Elapsed
		return
	}
	s.Elapsed = time.Since(c.startedAt)
	s.Remaining = time.Duration(c.cfg.FrameCount-s.FramesCaptured) * c.cfg.FrameInterval
}

// fail moves any non-terminal phase to failed, stopping the recorder,
// releasing the camera and cancelling pending work before observers see
// the failure.
func (c *Controller) fail(err error) bool {
	if KindOf(err) == "" {
		err = &Error{Kind: KindCaptureInterrupted, Err: err}
	}
	return c.transition(evFail, func(s *Snapshot) {
		s.Err = err
		s.Remaining = 0
	}, func() {
		c.cancel(err)
		c.mu.Lock()
		rec := c.recording
		c.mu.Unlock()
		_, _ = rec.Stop()
		c.session.Release()

		kind := KindOf(err)
		captureFailures.WithLabelValues(string(kind)).Inc()
		c.log.Warn().Err(err).Str("kind", string(kind)).Msg("❌ capture failed")
	})
}

func (c *Controller) emit(s Snapshot) {
	if c.cfg.OnSnapshot != nil {
		c.cfg.OnSnapshot(s)
	}
}
