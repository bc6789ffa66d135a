package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facegate/internal/capture"
	"facegate/models"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBackend(NewAPIClient(srv.URL+"/", "s3cret", 5*time.Second))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestResolveIdentifier(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, models.PathCheckCredentials, r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get("X-Secret-Key"))

		var req models.IdentifierRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Identifier {
		case "jane":
			writeJSON(w, http.StatusOK, map[string]any{"type": 2})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "User not found", "exists": false})
		}
	})

	res, err := b.ResolveIdentifier(context.Background(), "jane")
	require.NoError(t, err)
	assert.Equal(t, models.UserKindUser, res.Type)
	assert.True(t, res.NeedsFace(true))
	assert.False(t, res.NeedsFace(false))

	_, err = b.ResolveIdentifier(context.Background(), "ghost")
	require.ErrorIs(t, err, capture.ErrNotFound)
	assert.Contains(t, err.Error(), "User not found")
}

func TestResolveIdentifierNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	b := NewBackend(NewAPIClient(srv.URL, "", time.Second))

	_, err := b.ResolveIdentifier(context.Background(), "jane")
	assert.ErrorIs(t, err, capture.ErrNetworkError)
}

func TestVerifyPassword(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.PasswordRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password == "hunter2" {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "type": 1, "login_id": 7})
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Invalid password"})
	})

	res, err := b.VerifyPassword(context.Background(), "root", "  hunter2 ")
	require.NoError(t, err)
	assert.Equal(t, models.UserKindAdmin, res.Type)
	assert.Equal(t, "/admin", res.Type.Home())

	_, err = b.VerifyPassword(context.Background(), "root", "nope")
	assert.ErrorIs(t, err, capture.ErrInvalidCredentials)
}

func TestVerifyFaceVideoMultipart(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, models.PathVerifyFace, r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "jane", r.FormValue("username"))

		f, hdr, err := r.FormFile("video")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.True(t, strings.HasPrefix(hdr.Filename, "jane_"))
		assert.True(t, strings.HasSuffix(hdr.Filename, ".webm"))

		if string(data) == "good" {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Face verification successful"})
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Face verification failed"})
	})

	res, err := b.VerifyFaceVideo(context.Background(), "jane", &capture.VideoBlob{Data: []byte("good"), MimeType: "video/webm"})
	require.NoError(t, err)
	assert.True(t, res.IsSuccessful())

	res, err = b.VerifyFaceVideo(context.Background(), "jane", &capture.VideoBlob{Data: []byte("bad"), MimeType: "video/webm"})
	require.NoError(t, err)
	assert.False(t, res.IsSuccessful())
	assert.Equal(t, "Face verification failed", res.Message)
}

func TestVerifyFaceFramesSendsDataURLs(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.FaceFramesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jane", req.Username)
		require.Len(t, req.Frames, 2)
		assert.Equal(t, "data:image/jpeg;base64,AQ==", req.Frames[0])
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})

	res, err := b.VerifyFaceFrames(context.Background(), "jane", []capture.Frame{
		{Data: []byte{1}, MimeType: "image/jpeg"},
		{Data: []byte{2}, MimeType: "image/jpeg"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSubmitEnrollmentVideo(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		if r.FormValue("username") == "jane" {
			writeJSON(w, http.StatusOK, map[string]any{"message": models.MessageEnrollmentComplete, "filepath": "/tmp/x.webm"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Failed to process video for face registration"})
	})
	video := &capture.VideoBlob{Data: []byte("clip"), MimeType: "video/webm"}

	res, err := b.SubmitEnrollmentVideo(context.Background(), "jane", video)
	require.NoError(t, err)
	assert.True(t, res.Trained())

	_, err = b.SubmitEnrollmentVideo(context.Background(), "bob", video)
	assert.ErrorIs(t, err, capture.ErrRemoteRejected)
}

func TestUploadServerErrorIsUploadError(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := b.UpdateBiometricData(context.Background(), "jane", &capture.VideoBlob{Data: []byte("x"), MimeType: "video/mp4"})
	assert.ErrorIs(t, err, capture.ErrUploadError)
}

func TestBiometricDataUpdateAndDelete(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, models.PathFacialData, r.URL.Path)
		switch r.Method {
		case http.MethodPut:
			writeJSON(w, http.StatusOK, map[string]any{"message": "Facial data updated successfully"})
		case http.MethodDelete:
			assert.Equal(t, "jane doe", r.URL.Query().Get("username"))
			writeJSON(w, http.StatusOK, map[string]any{"message": "deleted"})
		}
	})

	res, err := b.UpdateBiometricData(context.Background(), "jane doe", &capture.VideoBlob{Data: []byte("x"), MimeType: "video/mp4"})
	require.NoError(t, err)
	assert.True(t, res.IsSuccessful())
	assert.False(t, res.Trained())

	require.NoError(t, b.DeleteBiometricData(context.Background(), "jane doe"))
}

func TestCancelledRequest(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.ResolveIdentifier(ctx, "jane")
	assert.ErrorIs(t, err, capture.ErrCancelled)
}
