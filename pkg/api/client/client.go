package client

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shipth-is/shipgo/internal/domain"
)

// ErrUnauthorized is matched by any APIError with status 401.
var ErrUnauthorized = errors.New("api: unauthorized")

// Client provides typed access to the ShipThis API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	token          func() string
	onUnauthorized func()
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithTokenSource supplies the bearer credential for each request.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// WithUnauthorizedHook is called after any 401 response.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// New constructs a Client pointing at the provided API base URL, for example
// https://api.shipth.is/api/1.0.0.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		token: func() string { return "" },
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ParseError is returned when a 2xx body cannot be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("decode %s response: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(c.token()); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// extractError reads either a list of {message} validation errors, which are
// rendered as "Error - m1 Error - m2", or an {error} object.
func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return ""
	}
	var list []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if m := strings.TrimSpace(item.Message); m != "" {
				parts = append(parts, "Error - "+m)
			}
		}
		return strings.Join(parts, " ")
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if payload.Error != "" {
		return strings.TrimSpace(payload.Error)
	}
	return strings.TrimSpace(payload.Message)
}

type statusResponse struct {
	Status string `json:"status"`
}

// RequestOTP asks the backend to email a one-time code. It returns the
// server's status field, "ok" on success.
func (c *Client) RequestOTP(ctx context.Context, email string) (string, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/auth/email/send", map[string]string{"email": email}, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// VerifyOTP exchanges a one-time code for a session.
func (c *Client) VerifyOTP(ctx context.Context, email, otp, source string) (domain.Session, error) {
	body := map[string]string{"email": email, "otp": otp, "source": source}
	var sess domain.Session
	if err := c.do(ctx, http.MethodPost, "/auth/email/verify", body, &sess); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (domain.Self, error) {
	var self domain.Self
	if err := c.do(ctx, http.MethodGet, "/me", nil, &self); err != nil {
		return domain.Self{}, err
	}
	return self, nil
}

// AcceptTerms records acceptance of the current terms and returns the
// updated user.
func (c *Client) AcceptTerms(ctx context.Context) (domain.Self, error) {
	var self domain.Self
	if err := c.do(ctx, http.MethodPost, "/me/terms", struct{}{}, &self); err != nil {
		return domain.Self{}, err
	}
	return self, nil
}

// GDPRStatus lists the user's data requests.
func (c *Client) GDPRStatus(ctx context.Context) ([]domain.GDPRRequest, error) {
	var reqs []domain.GDPRRequest
	if err := c.do(ctx, http.MethodGet, "/me/gdpr", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// RequestGDPRExport asks for a data export.
func (c *Client) RequestGDPRExport(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/me/gdpr/export", struct{}{}, nil)
}

// RequestGDPRDelete asks for account deletion.
func (c *Client) RequestGDPRDelete(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/me/gdpr/delete", struct{}{}, nil)
}

// GetGoBuild fetches the descriptor for a build.
func (c *Client) GetGoBuild(ctx context.Context, buildID string) (domain.GoBuild, error) {
	path := fmt.Sprintf("/go/%s", url.PathEscape(buildID))
	var build domain.GoBuild
	if err := c.do(ctx, http.MethodGet, path, nil, &build); err != nil {
		return domain.GoBuild{}, err
	}
	return build, nil
}
