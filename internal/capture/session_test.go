package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"facegate/internal/capture"
	"facegate/internal/capture/capturetest"
)

func TestSessionSecondAcquirerWaitsForRelease(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dev := capturetest.NewDevice()
	x := capture.NewExclusive(dev)
	first, second := x.NewSession(), x.NewSession()

	_, err := first.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, x.InUse())

	acquired := make(chan error, 1)
	go func() {
		_, err := second.Acquire(context.Background())
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second session acquired while the first held the device")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	require.NoError(t, <-acquired)
	second.Release()

	assert.Equal(t, 1, dev.MaxActive())
	assert.Equal(t, 2, dev.Closes())
	assert.False(t, x.InUse())
}

func TestSessionReleaseIsIdempotent(t *testing.T) {
	dev := capturetest.NewDevice()
	s := capture.NewExclusive(dev).NewSession()

	s.Release() // never acquired
	_, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Held())

	s.Release()
	s.Release()
	s.Release()
	assert.Equal(t, 1, dev.Closes())
	assert.False(t, s.Held())
}

func TestSessionDoubleAcquire(t *testing.T) {
	s := capture.NewExclusive(capturetest.NewDevice()).NewSession()
	_, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer s.Release()

	_, err = s.Acquire(context.Background())
	assert.ErrorIs(t, err, capture.ErrAlreadyAcquired)
}

func TestSessionOpenFailureFreesDevice(t *testing.T) {
	dev := capturetest.NewDevice()
	dev.OpenErr = errors.New("permission denied")
	x := capture.NewExclusive(dev)

	_, err := x.NewSession().Acquire(context.Background())
	require.ErrorIs(t, err, capture.ErrDeviceUnavailable)

	dev.OpenErr = nil
	s := x.NewSession()
	_, err = s.Acquire(context.Background())
	require.NoError(t, err)
	s.Release()
}

func TestSessionAcquireCancelledWhileWaiting(t *testing.T) {
	x := capture.NewExclusive(capturetest.NewDevice())
	holder := x.NewSession()
	_, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = x.NewSession().Acquire(ctx)
	assert.ErrorIs(t, err, capture.ErrCancelled)
}

func TestSessionReleaseDuringOpenClosesLateStream(t *testing.T) {
	dev := capturetest.NewDevice()
	dev.OpenDelay = 30 * time.Millisecond
	s := capture.NewExclusive(dev).NewSession()

	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Release()

	require.ErrorIs(t, <-done, capture.ErrCancelled)
	assert.Equal(t, 0, dev.Active())
	assert.False(t, s.Held())
}
