package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"facegate/internal/capture"
	"facegate/internal/logging"
	"facegate/models"
)

// FacialDataState is what the facial data settings screen renders.
type FacialDataState struct {
	Busy      bool
	Progress  int
	Message   string
	LastError error
}

type FacialDataConfig struct {
	Duration       time.Duration
	Encodings      []string
	StageTimeout   time.Duration
	AcquireTimeout time.Duration
	TickInterval   time.Duration

	OnChange func(FacialDataState)
}

// FacialDataManager re-records or removes an enrolled face.
type FacialDataManager struct {
	identifier string
	svc        BiometricDataService
	camera     *capture.Exclusive
	cfg        FacialDataConfig
	log        zerolog.Logger

	notifyMu sync.Mutex

	mu     sync.Mutex
	state  FacialDataState
	ctrl   *capture.Controller
	closed bool
}

func NewFacialDataManager(identifier string, svc BiometricDataService, camera *capture.Exclusive, cfg FacialDataConfig) *FacialDataManager {
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	return &FacialDataManager{
		identifier: identifier,
		svc:        svc,
		camera:     camera,
		cfg:        cfg,
		log:        logging.WithComponent("facial-data").With().Str("identifier", identifier).Logger(),
	}
}

func (m *FacialDataManager) State() FacialDataState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Update records a new clip and replaces the stored face data. It blocks
// until the backend answered.
func (m *FacialDataManager) Update(ctx context.Context) error {
	ctrl := capture.NewController(m.camera,
		stagedUploader(m.svc.UpdateBiometricData, m.identifier, nil, (*models.EnrollmentResult).IsSuccessful),
		capture.Config{
			Mode:           capture.ModeVideo,
			RecordDuration: m.cfg.Duration,
			Encodings:      m.cfg.Encodings,
			StageTimeout:   m.cfg.StageTimeout,
			TickInterval:   m.cfg.TickInterval,
			OnSnapshot:     m.onCapture,
		})
	if err := m.begin(ctrl); err != nil {
		return err
	}
	defer m.end(ctrl)

	acquireCtx := ctx
	if m.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, m.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := ctrl.Enter(acquireCtx); err != nil {
		m.finish("", err)
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		if cause := ctrl.Err(); cause != nil {
			err = cause
		}
		m.finish("", err)
		return err
	}
	<-ctrl.Done()

	snap := ctrl.Snapshot()
	if snap.Phase != capture.PhaseSucceeded {
		m.finish("", snap.Err)
		return snap.Err
	}
	m.finish("Facial data updated successfully", nil)
	return nil
}

// Delete removes the stored face data.
func (m *FacialDataManager) Delete(ctx context.Context) error {
	if err := m.begin(nil); err != nil {
		return err
	}
	defer m.end(nil)

	if err := m.svc.DeleteBiometricData(ctx, m.identifier); err != nil {
		err = capture.Wrap(capture.KindNetworkError, err)
		m.finish("", err)
		return err
	}
	m.finish("Facial data deleted successfully", nil)
	return nil
}

// Cancel abandons a running update.
func (m *FacialDataManager) Cancel() {
	m.mu.Lock()
	ctrl := m.ctrl
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.Cancel()
	}
}

// Close releases the camera; later calls fail.
func (m *FacialDataManager) Close() {
	m.mu.Lock()
	m.closed = true
	ctrl := m.ctrl
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

func (m *FacialDataManager) begin(ctrl *capture.Controller) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Busy {
		m.mu.Unlock()
		return fmt.Errorf("facial data: operation already running")
	}
	m.ctrl = ctrl
	m.state = FacialDataState{Busy: true}
	state := m.state
	m.mu.Unlock()

	m.emit(state)
	return nil
}

func (m *FacialDataManager) end(ctrl *capture.Controller) {
	m.mu.Lock()
	if m.ctrl == ctrl {
		m.ctrl = nil
	}
	m.mu.Unlock()
}

func (m *FacialDataManager) finish(message string, err error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.state.Busy = false
	m.state.Message = message
	m.state.LastError = err
	if err == nil {
		m.state.Progress = 100
	}
	state := m.state
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Msg("❌ facial data operation failed")
	} else {
		m.log.Info().Msg("✅ " + message)
	}
	m.emit(state)
}

// onCapture reports recording progress as the share of the clip recorded.
func (m *FacialDataManager) onCapture(snap capture.Snapshot) {
	if snap.Phase != capture.PhaseCapturing || snap.Duration <= 0 {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	p := min(int(int64(100)*int64(snap.Elapsed)/int64(snap.Duration)), 100)
	if !m.state.Busy || p <= m.state.Progress {
		m.mu.Unlock()
		return
	}
	m.state.Progress = p
	state := m.state
	m.mu.Unlock()
	m.emit(state)
}

func (m *FacialDataManager) emit(s FacialDataState) {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(s)
	}
}
