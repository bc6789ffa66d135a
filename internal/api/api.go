package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"facegate/internal/capture"
	"facegate/internal/logging"
)

// ============================================================
// API CLIENT - Reusable HTTP client for the account backend
// ============================================================

type APIClient struct {
	Timeout   time.Duration
	BaseURL   string
	SecretKey string
	client    *http.Client
	log       zerolog.Logger
}

// FilePart is one file field of a multipart request.
type FilePart struct {
	Field       string
	FileName    string
	ContentType string
	Data        []byte
}

// NewAPIClient creates a new API client instance
func NewAPIClient(baseURL, secretKey string, timeout time.Duration) *APIClient {
	return &APIClient{
		Timeout:   timeout,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		log:       logging.WithComponent("api"),
	}
}

// IsSuccessStatusCode checks if the HTTP status code indicates success
func (c *APIClient) IsSuccessStatusCode(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// SendRequest sends a JSON request. A nil payload sends no body.
func (c *APIClient) SendRequest(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// SendMultipart sends form fields and one file as multipart/form-data.
func (c *APIClient) SendMultipart(ctx context.Context, method, path string, fields map[string]string, file FilePart) ([]byte, int, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, 0, fmt.Errorf("could not write field %s: %w", k, err)
		}
	}

	part, err := writer.CreatePart(fileHeader(file))
	if err != nil {
		return nil, 0, fmt.Errorf("could not create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, 0, fmt.Errorf("could not copy file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("could not close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req)
}

func (c *APIClient) do(req *http.Request) ([]byte, int, error) {
	start := time.Now()
	path := req.URL.Path
	c.log.Debug().Str("method", req.Method).Str("path", path).Msg("📡 backend request")

	resp, err := c.client.Do(req)
	if err != nil {
		backendRequests.WithLabelValues(path, "error").Inc()
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, 0, &capture.Error{Kind: capture.KindCancelled, Err: ctxErr}
		}
		return nil, 0, &capture.Error{Kind: capture.KindNetworkError, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	backendRequests.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()
	backendLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, resp.StatusCode, &capture.Error{Kind: capture.KindNetworkError, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.LogResponse(body, resp.StatusCode)
	return body, resp.StatusCode, nil
}

// setHeaders sets required headers for the API request
func (c *APIClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Cache-Control", "no-cache")
	if c.SecretKey != "" {
		req.Header.Set("X-Secret-Key", c.SecretKey)
	}
	req.Header.Set("User-Agent", "facegate/1.0")
}

// ParseResponse unmarshals JSON response into provided struct
func (c *APIClient) ParseResponse(body []byte, result any) error {
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// LogResponse logs the raw response if it's small enough
func (c *APIClient) LogResponse(body []byte, statusCode int) {
	ev := c.log.Debug()
	if !c.IsSuccessStatusCode(statusCode) {
		ev = c.log.Warn()
	}
	if len(body) > 0 && len(body) < 1000 {
		ev = ev.Str("body", string(body))
	}
	ev.Int("status", statusCode).Msg("📥 backend response")
}

func fileHeader(file FilePart) textproto.MIMEHeader {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.FileName)},
		"Content-Type":        {contentType},
	}
}
