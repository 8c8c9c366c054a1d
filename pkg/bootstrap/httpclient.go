package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
)

// HTTPClient implements SessionAPI against the service REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	auth    func(*http.Request)
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the default http.Client (15s timeout).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithBearerToken authenticates requests with an access token.
func WithBearerToken(token string) ClientOption {
	return func(h *HTTPClient) {
		h.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	}
}

// WithCaller sends the gateway identity headers (trusted-headers mode).
func WithCaller(userID string, role Role) ClientOption {
	return func(h *HTTPClient) {
		h.auth = func(r *http.Request) {
			r.Header.Set(constants.HeaderUserID, userID)
			r.Header.Set(constants.HeaderUserRole, string(role))
		}
	}
}

// NewHTTPClient creates a client for baseURL (e.g. http://localhost:8090).
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionByID resolves by internal, appointment or calendar slot id.
func (c *HTTPClient) SessionByID(ctx context.Context, id string) (*Session, error) {
	return c.resolve(ctx, expandPath(constants.PathSessionByID, "id", id))
}

// SessionByChannel resolves by RTC channel.
func (c *HTTPClient) SessionByChannel(ctx context.Context, channel string) (*Session, error) {
	return c.resolve(ctx, expandPath(constants.PathSessionByChannel, "channel", channel))
}

func (c *HTTPClient) resolve(ctx context.Context, path string) (*Session, error) {
	var res model.Resolution
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	if !res.Success || res.Data == nil {
		return nil, errs.New(errs.ErrSessionNotFound, errs.CodeNotFound, res.Message)
	}
	return res.Data, nil
}

// TokenByChannel returns the caller's token for channel, provisioning it
// server-side when needed.
func (c *HTTPClient) TokenByChannel(ctx context.Context, channel string) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.do(ctx, http.MethodPost, expandPath(constants.PathTokenByChannel, "channel", channel), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join registers the caller's first join for role.
func (c *HTTPClient) Join(ctx context.Context, sessionID string, role Role) (*JoinResponse, error) {
	var out JoinResponse
	body := model.JoinRequest{Role: string(role)}
	if err := c.do(ctx, http.MethodPost, expandPath(constants.PathSessionJoin, "id", sessionID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// сеть и таймауты считаем временными
		return errs.Wrap(errs.ErrTransient, "", fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.ErrTransient, "", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return classifyStatus(resp.StatusCode, data)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// classifyStatus maps an HTTP failure back to the error taxonomy.
func classifyStatus(status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusNotFound:
		code := body.Code
		if code == "" {
			code = errs.CodeNotFound
		}
		return errs.New(errs.ErrSessionNotFound, code, msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errs.New(errs.ErrPermissionDenied, body.Code, msg)
	case status == http.StatusGone:
		return errs.New(errs.ErrSessionTerminal, body.Code, msg)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return errs.New(errs.ErrTransient, body.Code, msg)
	}
	return &StatusError{Status: status, Code: body.Code, Message: msg}
}

// StatusError is an unclassified HTTP failure (4xx outside the taxonomy).
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

func expandPath(pattern, param, value string) string {
	return strings.Replace(pattern, ":"+param, url.PathEscape(value), 1)
}
