// Package remote talks to the shared notes server: it fetches and stores single notes
// by title and converts between the wire format and notes.Note.
package remote

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

	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNotFound means the server has no note for the title yet. It is not a failure.
var ErrNotFound = errors.New("remote: note not found")

var (
	errMissingBaseURL = errors.New("base url is required")
	errInvalidBaseURL = errors.New("base url must be absolute")
	// errResponseTooLarge marks a body longer than maxResponseSize; it is never truncated.
	errResponseTooLarge = errors.New("response body too large")
)

const (
	// NotFoundBody is the exact payload the server returns for an unknown title.
	NotFoundBody    = `{"detail":"Note not found."}`
	notFoundDetail  = "Note not found."
	jsonContentType = "application/json; charset=utf-8"
	maxResponseSize = 1 << 20

	defaultTimeout       = 10 * time.Second
	defaultRatePerSecond = 10.0
	defaultBurst         = 20

	opClientNew = "remote.client.new"
	opFetch     = "remote.fetch"
	opStore     = "remote.store"
	opEcho      = "remote.echo"
)

// HTTPError represents a non-success HTTP response from the server.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf(`response %d "%s"`, e.StatusCode, e.Message)
}

// ClientError carries a stable code of the form remote.<operation>.<reason>.
type ClientError struct {
	code string
	err  error
}

func (e *ClientError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ClientError) Unwrap() error {
	return e.err
}

func (e *ClientError) Code() string {
	return e.code
}

func newClientError(operation, reason string, cause error) error {
	return &ClientError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Logger        *zap.Logger
}

// Client is safe for concurrent use; one instance should be shared by every sync session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// rateLimitedTransport wraps an http.RoundTripper with a token bucket.
type rateLimitedTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// NewClient builds a Client for the server rooted at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, newClientError(opClientNew, "missing_base_url", errMissingBaseURL)
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, newClientError(opClientNew, "invalid_base_url", errInvalidBaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient.Transport = &rateLimitedTransport{
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: base, httpClient: httpClient, logger: logger}, nil
}

// Fetch returns the server's copy of the note. ErrNotFound is returned when the server
// has none; malformed payloads produce an error wrapping notes.ErrDecode.
func (c *Client) Fetch(ctx context.Context, title string) (notes.Note, error) {
	normalized, err := notes.NormalizeTitle(title)
	if err != nil {
		return notes.Note{}, newClientError(opFetch, "invalid_title", err)
	}

	status, body, err := c.do(ctx, http.MethodGet, notePath(normalized), nil)
	if err != nil {
		return notes.Note{}, newClientError(opFetch, requestFailureReason(err), err)
	}
	if isNotFound(status, body) {
		return notes.Note{}, ErrNotFound
	}
	if status >= http.StatusBadRequest {
		return notes.Note{}, newClientError(opFetch, "unexpected_status", responseError(status, body))
	}

	note, err := notes.DecodeNote(normalized, body)
	if err != nil {
		return notes.Note{}, newClientError(opFetch, "decode_failed", err)
	}
	return note, nil
}

// Store writes the note to the server with its own UpdatedAt.
func (c *Client) Store(ctx context.Context, note notes.Note) error {
	normalized, err := notes.NormalizeTitle(note.Title)
	if err != nil {
		return newClientError(opStore, "invalid_title", err)
	}
	payload, err := notes.EncodeNote(note)
	if err != nil {
		return newClientError(opStore, "encode_failed", err)
	}

	status, body, err := c.do(ctx, http.MethodPut, notePath(normalized), payload)
	if err != nil {
		return newClientError(opStore, requestFailureReason(err), err)
	}
	if status >= http.StatusBadRequest {
		return newClientError(opStore, "unexpected_status", responseError(status, body))
	}
	return nil
}

// Echo asks the server to repeat msg back; it is a cheap connectivity probe.
func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/echo/"+url.PathEscape(msg), nil)
	if err != nil {
		return "", newClientError(opEcho, requestFailureReason(err), err)
	}
	if status >= http.StatusBadRequest {
		return "", newClientError(opEcho, "unexpected_status", responseError(status, body))
	}
	var response struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", newClientError(opEcho, "decode_failed", err)
	}
	return response.Message, nil
}

// notePath percent-encodes the title as a single path segment; spaces become %20.
func notePath(title string) string {
	return "/notes/" + url.PathEscape(title)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("constructing http request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", jsonContentType)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("making http request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize+1))
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxResponseSize {
		return res.StatusCode, nil, fmt.Errorf("%w: more than %d bytes", errResponseTooLarge, maxResponseSize)
	}

	c.logger.Debug("remote request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	return res.StatusCode, body, nil
}

func isNotFound(status int, body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if string(trimmed) == NotFoundBody {
		return true
	}
	if status != http.StatusNotFound {
		return false
	}
	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(trimmed, &detail); err != nil {
		return false
	}
	return detail.Detail == notFoundDetail
}

func responseError(status int, body []byte) error {
	return &HTTPError{
		StatusCode: status,
		Message:    strings.TrimRight(string(body), "\n"),
	}
}

func requestFailureReason(err error) string {
	if errors.Is(err, errResponseTooLarge) {
		return "response_too_large"
	}
	return "request_failed"
}
