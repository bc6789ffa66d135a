// Package flow holds the user-facing state machines: login with face or
// password, face enrollment and facial data management. Each flow owns at
// most one capture controller at a time.
package flow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"facegate/internal/capture"
	"facegate/models"
)

// ErrClosed is returned by operations on a flow after Close.
var ErrClosed = errors.New("flow closed")

// IdentityService resolves accounts and checks passwords.
type IdentityService interface {
	ResolveIdentifier(ctx context.Context, identifier string) (*models.IdentifierResult, error)
	VerifyPassword(ctx context.Context, identifier, secret string) (*models.PasswordResult, error)
}

// FaceVerifier matches a capture against the enrolled face.
type FaceVerifier interface {
	VerifyFaceFrames(ctx context.Context, identifier string, frames []capture.Frame) (*models.FaceVerifyResult, error)
	VerifyFaceVideo(ctx context.Context, identifier string, video *capture.VideoBlob) (*models.FaceVerifyResult, error)
}

// EnrollmentService stores a new face.
type EnrollmentService interface {
	SubmitEnrollmentVideo(ctx context.Context, identifier string, video *capture.VideoBlob) (*models.EnrollmentResult, error)
}

// BiometricDataService replaces or removes stored face data.
type BiometricDataService interface {
	UpdateBiometricData(ctx context.Context, identifier string, video *capture.VideoBlob) (*models.EnrollmentResult, error)
	DeleteBiometricData(ctx context.Context, identifier string) error
}

// StageSource pushes remote processing stages for an identifier. The
// returned func unsubscribes.
type StageSource interface {
	Subscribe(identifier string) (<-chan capture.StageEvent, func())
}

// ============================================================
// UPLOADER ADAPTERS
// ============================================================

// faceUploader sends frames or a clip for verification. The verdict is the
// receipt; there are no further stages.
func faceUploader(v FaceVerifier, identifier string) capture.Uploader {
	return capture.UploaderFunc(func(ctx context.Context, a capture.Artifact) (*capture.Receipt, error) {
		var (
			res *models.FaceVerifyResult
			err error
		)
		switch art := a.(type) {
		case *capture.FrameSet:
			res, err = v.VerifyFaceFrames(ctx, identifier, art.Frames)
		case *capture.VideoBlob:
			res, err = v.VerifyFaceVideo(ctx, identifier, art)
		default:
			return nil, fmt.Errorf("unexpected artifact %T", a)
		}
		if err != nil {
			return nil, err
		}
		return &capture.Receipt{Accepted: res.IsSuccessful(), Reason: res.Message}, nil
	})
}

type videoSubmitter func(ctx context.Context, identifier string, video *capture.VideoBlob) (*models.EnrollmentResult, error)

// stagedUploader submits a clip whose processing is reported in stages.
// With a StageSource the subscription is made before the upload so no push
// is missed; without one the stages are derived from the response, where
// trained decides whether the final confirmation was given.
func stagedUploader(submit videoSubmitter, identifier string, stages StageSource, trained func(*models.EnrollmentResult) bool) capture.Uploader {
	return capture.UploaderFunc(func(ctx context.Context, a capture.Artifact) (*capture.Receipt, error) {
		video, ok := a.(*capture.VideoBlob)
		if !ok {
			return nil, fmt.Errorf("unexpected artifact %T", a)
		}

		var (
			pushed      <-chan capture.StageEvent
			unsubscribe func()
		)
		if stages != nil {
			pushed, unsubscribe = stages.Subscribe(identifier)
		}

		res, err := submit(ctx, identifier, video)
		if err != nil {
			if unsubscribe != nil {
				unsubscribe()
			}
			return nil, err
		}
		if pushed != nil {
			return &capture.Receipt{Accepted: true, Stages: pushed, Done: unsubscribe}, nil
		}

		derived := make(chan capture.StageEvent, 2)
		derived <- capture.StageEvent{Stage: capture.StageProcessed}
		if trained(res) {
			derived <- capture.StageEvent{Stage: capture.StageTrained, Final: true}
		} else {
			derived <- capture.StageEvent{Stage: capture.StageTrained, Err: fmt.Errorf("training not confirmed: %s", res)}
		}
		close(derived)
		return &capture.Receipt{Accepted: true, Stages: derived}, nil
	})
}

// ceilSeconds renders a remaining duration as whole seconds, rounding up.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
