package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"facegate/internal/capture"
	"facegate/internal/utils"
	"facegate/models"
)

// Backend is the account and face service used by the login and enrollment
// flows.
type Backend struct {
	api *APIClient
}

func NewBackend(api *APIClient) *Backend {
	return &Backend{api: api}
}

// ResolveIdentifier looks up the account type for a username or email.
func (b *Backend) ResolveIdentifier(ctx context.Context, identifier string) (*models.IdentifierResult, error) {
	body, status, err := b.api.SendRequest(ctx, http.MethodPost, models.PathCheckCredentials,
		models.IdentifierRequest{Identifier: identifier})
	if err != nil {
		return nil, err
	}
	if !b.api.IsSuccessStatusCode(status) {
		return nil, statusError(status, body, map[int]capture.ErrorKind{
			http.StatusNotFound:   capture.KindNotFound,
			http.StatusBadRequest: capture.KindValidation,
		}, capture.KindNetworkError)
	}

	var result models.IdentifierResult
	if err := b.api.ParseResponse(body, &result); err != nil {
		return nil, &capture.Error{Kind: capture.KindNetworkError, Err: err}
	}
	return &result, nil
}

// VerifyPassword checks the secret for an identifier.
func (b *Backend) VerifyPassword(ctx context.Context, identifier, secret string) (*models.PasswordResult, error) {
	body, status, err := b.api.SendRequest(ctx, http.MethodPost, models.PathVerifyPassword,
		models.PasswordRequest{Identifier: identifier, Password: strings.TrimSpace(secret)})
	if err != nil {
		return nil, err
	}
	if !b.api.IsSuccessStatusCode(status) {
		return nil, statusError(status, body, map[int]capture.ErrorKind{
			http.StatusUnauthorized: capture.KindInvalidCredentials,
			http.StatusBadRequest:   capture.KindValidation,
		}, capture.KindNetworkError)
	}

	var result models.PasswordResult
	if err := b.api.ParseResponse(body, &result); err != nil {
		return nil, &capture.Error{Kind: capture.KindNetworkError, Err: err}
	}
	if !result.Success {
		return nil, &capture.Error{Kind: capture.KindInvalidCredentials, Err: errors.New(orDefault(result.Error, "password rejected"))}
	}
	return &result, nil
}

// VerifyFaceFrames sends still frames as data URLs. A 401 is a rejection,
// reported through the result rather than as an error.
func (b *Backend) VerifyFaceFrames(ctx context.Context, identifier string, frames []capture.Frame) (*models.FaceVerifyResult, error) {
	req := models.FaceFramesRequest{Username: identifier, Frames: make([]string, 0, len(frames))}
	for _, f := range frames {
		req.Frames = append(req.Frames, utils.DataURL(f.MimeType, f.Data))
	}
	body, status, err := b.api.SendRequest(ctx, http.MethodPost, models.PathVerifyFaceFrames, req)
	if err != nil {
		return nil, err
	}
	return b.faceResult(body, status)
}

// VerifyFaceVideo uploads a short clip for verification.
func (b *Backend) VerifyFaceVideo(ctx context.Context, identifier string, video *capture.VideoBlob) (*models.FaceVerifyResult, error) {
	body, status, err := b.api.SendMultipart(ctx, http.MethodPost, models.PathVerifyFace,
		map[string]string{"username": identifier}, videoPart(identifier, video))
	if err != nil {
		return nil, err
	}
	return b.faceResult(body, status)
}

func (b *Backend) faceResult(body []byte, status int) (*models.FaceVerifyResult, error) {
	if status == http.StatusUnauthorized {
		var result models.FaceVerifyResult
		_ = b.api.ParseResponse(body, &result)
		result.Success = false
		return &result, nil
	}
	if !b.api.IsSuccessStatusCode(status) {
		return nil, statusError(status, body, nil, capture.KindUploadError)
	}
	var result models.FaceVerifyResult
	if err := b.api.ParseResponse(body, &result); err != nil {
		return nil, &capture.Error{Kind: capture.KindUploadError, Err: err}
	}
	return &result, nil
}

// SubmitEnrollmentVideo uploads the enrollment clip. The backend processes
// and trains synchronously; a 400 means the video was unusable.
func (b *Backend) SubmitEnrollmentVideo(ctx context.Context, identifier string, video *capture.VideoBlob) (*models.EnrollmentResult, error) {
	body, status, err := b.api.SendMultipart(ctx, http.MethodPost, models.PathSaveFaceVideo,
		map[string]string{"username": identifier}, videoPart(identifier, video))
	if err != nil {
		return nil, err
	}
	return b.enrollmentResult(body, status)
}

// UpdateBiometricData replaces the stored face data with a new clip.
func (b *Backend) UpdateBiometricData(ctx context.Context, identifier string, video *capture.VideoBlob) (*models.EnrollmentResult, error) {
	body, status, err := b.api.SendMultipart(ctx, http.MethodPut, models.PathFacialData,
		map[string]string{"username": identifier}, videoPart(identifier, video))
	if err != nil {
		return nil, err
	}
	return b.enrollmentResult(body, status)
}

// DeleteBiometricData removes the stored face data.
func (b *Backend) DeleteBiometricData(ctx context.Context, identifier string) error {
	path := models.PathFacialData + "?username=" + utils.EncodeURIComponent(identifier)
	body, status, err := b.api.SendRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if !b.api.IsSuccessStatusCode(status) {
		return statusError(status, body, map[int]capture.ErrorKind{
			http.StatusBadRequest: capture.KindRemoteRejected,
			http.StatusNotFound:   capture.KindNotFound,
		}, capture.KindNetworkError)
	}
	return nil
}

func (b *Backend) enrollmentResult(body []byte, status int) (*models.EnrollmentResult, error) {
	if !b.api.IsSuccessStatusCode(status) {
		return nil, statusError(status, body, map[int]capture.ErrorKind{
			http.StatusBadRequest: capture.KindRemoteRejected,
		}, capture.KindUploadError)
	}
	var result models.EnrollmentResult
	if err := b.api.ParseResponse(body, &result); err != nil {
		return nil, &capture.Error{Kind: capture.KindUploadError, Err: err}
	}
	return &result, nil
}

func videoPart(identifier string, video *capture.VideoBlob) FilePart {
	return FilePart{
		Field:       "video",
		FileName:    fmt.Sprintf("%s_%s%s", identifier, uuid.NewString(), utils.FileExtension(video.MimeType)),
		ContentType: video.MimeType,
		Data:        video.Data,
	}
}

// statusError classifies a non-2xx response, taking the message from the
// body's error field when present.
func statusError(status int, body []byte, kinds map[int]capture.ErrorKind, fallback capture.ErrorKind) error {
	kind, ok := kinds[status]
	if !ok {
		kind = fallback
	}
	msg := fmt.Sprintf("backend returned %d", status)
	var resp models.ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if m := orDefault(resp.Error, resp.Message); m != "" {
			msg = m
		}
	}
	return &capture.Error{Kind: kind, Err: errors.New(msg)}
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
