// Package inference provides the HTTP client for the external inference
// services (speech recognition, translation, speech synthesis). Every call is
// bounded by a fixed timeout and classified into the stage engine's tagged
// outcome: transport failures, non-success service statuses, and success.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// Endpoint identifies one inference service deployment.
type Endpoint struct {
	URL         string
	AccessToken string
}

// ClientConfig holds the settings for one stage's inference client.
type ClientConfig struct {
	Endpoint Endpoint
	// Timeout bounds the whole call, connect through body read. Defaults to
	// 60 seconds.
	Timeout time.Duration
	// SuccessLevel and ErrorLevel tag the per-call log entries with the
	// stage's categories, e.g. "TRANSLATION_SUCCESS" / "TRANSLATION_ERROR".
	SuccessLevel string
	ErrorLevel   string
}

// Response is the decoded body of an inference call. All services answer with
// a status field; payload details stay raw for the stage to interpret.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Result pairs the decoded response, when one exists, with the engine-level
// classification of the call.
type Result struct {
	// Response is non-nil only when the service answered 2xx with valid JSON.
	Response *Response
	// Raw is the verbatim response body for passthrough publishing.
	Raw []byte
	// Outcome is the classification the stage loop branches on.
	Outcome stageflow.Outcome
}

// Client performs synchronous calls against one inference endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient validates the endpoint and creates a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint.URL == "" {
		return nil, fmt.Errorf("inference endpoint URL is required")
	}
	if cfg.Endpoint.AccessToken == "" {
		return nil, fmt.Errorf("inference access token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SuccessLevel == "" {
		cfg.SuccessLevel = stageflow.LevelInfo
	}
	if cfg.ErrorLevel == "" {
		cfg.ErrorLevel = stageflow.LevelError
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}, nil
}

// PostJSON sends a JSON body to the endpoint and classifies the result.
func (c *Client) PostJSON(ctx context.Context, payload any, logs stageflow.LogEmitter) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("failed to encode request payload: %v", err))
		return Result{Outcome: stageflow.APIFailure("network")}
	}
	return c.do(ctx, "application/json", bytes.NewReader(body), logs)
}

// PostMultipart sends binary data as a multipart form field and classifies
// the result. The recognition service expects the audio under "audio_file".
func (c *Client) PostMultipart(ctx context.Context, fieldName, fileName string, data []byte, logs stageflow.LogEmitter) Result {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(fieldName, fileName)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("failed to build multipart request: %v", err))
		return Result{Outcome: stageflow.APIFailure("network")}
	}
	return c.do(ctx, writer.FormDataContentType(), &buf, logs)
}

// do performs the call and emits exactly one log entry per branch.
func (c *Client) do(ctx context.Context, contentType string, body io.Reader, logs stageflow.LogEmitter) Result {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.Endpoint.URL, body)
	if err != nil {
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("failed to build request for %s: %v", c.cfg.Endpoint.URL, err))
		return Result{Outcome: stageflow.APIFailure("network")}
	}
	req.Header.Set("access-token", c.cfg.Endpoint.AccessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("request to %s timed out after %s", c.cfg.Endpoint.URL, c.cfg.Timeout))
			return Result{Outcome: stageflow.APIFailure("timeout")}
		}
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("request to %s failed: %v", c.cfg.Endpoint.URL, err))
		return Result{Outcome: stageflow.APIFailure("network")}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("request to %s timed out after %s", c.cfg.Endpoint.URL, c.cfg.Timeout))
			return Result{Outcome: stageflow.APIFailure("timeout")}
		}
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("failed to read response from %s: %v", c.cfg.Endpoint.URL, err))
		return Result{Outcome: stageflow.APIFailure("network")}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("request to %s returned HTTP %d", c.cfg.Endpoint.URL, resp.StatusCode))
		return Result{Outcome: stageflow.APIFailure(fmt.Sprintf("http:%d", resp.StatusCode))}
	}

	var decoded Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("service at %s returned an undecodable body: %v", c.cfg.Endpoint.URL, err))
		return Result{Raw: raw, Outcome: stageflow.Malformed(raw, "undecodable response body")}
	}

	if decoded.Status != "success" {
		reason := decoded.Message
		if reason == "" {
			reason = "unknown service error"
		}
		logs.Emit(c.cfg.ErrorLevel, fmt.Sprintf("service at %s reported non-success status: %s", c.cfg.Endpoint.URL, reason))
		return Result{Response: &decoded, Raw: raw, Outcome: stageflow.DomainFailure(reason)}
	}

	logs.Emit(c.cfg.SuccessLevel, fmt.Sprintf("inference call to %s succeeded", c.cfg.Endpoint.URL))
	return Result{Response: &decoded, Raw: raw, Outcome: stageflow.Success(raw)}
}

// isTimeout distinguishes deadline expiry from other transport failures.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
