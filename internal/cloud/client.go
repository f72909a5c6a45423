package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"giro/internal/giro"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultRetries     = 3
	DefaultRetryBase   = 500 * time.Millisecond
	LicenseKeyHeader   = "X-License-Key"
	maxErrorBodyLength = 4096
)

// StatusError is a non-2xx answer from the cloud.
type StatusError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloud %d %s: %s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("cloud status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Conflict reports a version conflict on pushed data, as opposed to a 409
// about the license binding.
func (e *StatusError) Conflict() bool {
	return e.StatusCode == http.StatusConflict && (e.Code == "" || e.Code == CodeConflict)
}

// Unlicensed reports a rejection of the caller's license rather than of the
// request body. Data sent with it is still good once the license is fixed.
func (e *StatusError) Unlicensed() bool {
	switch e.Code {
	case CodeHardwareMismatch, CodeHardwareConflict, CodeLicenseExpired, CodeLicenseError,
		CodeNotActivated, CodeTimeDrift, CodeUnauthorized, CodeForbidden, CodeNotFound:
		return true
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden ||
		e.StatusCode == http.StatusTooManyRequests
}

// AsStatusError unwraps err into a *StatusError.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	licenseKey string
	hardwareID string
	retries    int
	retryBase  time.Duration
	logger     giro.Logger
	sleep      func(context.Context, time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets how many attempts a request gets and the first backoff.
func WithRetries(attempts int, base time.Duration) Option {
	return func(c *Client) {
		c.retries = attempts
		c.retryBase = base
	}
}

func WithLogger(l giro.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL, licenseKey, hardwareID string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		licenseKey: strings.TrimSpace(licenseKey),
		hardwareID: strings.TrimSpace(hardwareID),
		retries:    DefaultRetries,
		retryBase:  DefaultRetryBase,
		logger:     giro.NewNopLogger(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retries < 1 {
		c.retries = 1
	}
	return c
}

func (c *Client) LicenseKey() string { return c.licenseKey }
func (c *Client) HardwareID() string { return c.hardwareID }

func (c *Client) Activate(ctx context.Context, req ActivateRequest) (*ActivateResponse, error) {
	if req.Key == "" {
		req.Key = c.licenseKey
	}
	if req.HardwareFingerprint == "" {
		req.HardwareFingerprint = c.hardwareID
	}
	var out ActivateResponse
	if err := c.do(ctx, "/license/activate", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Validate(ctx context.Context, clientTime time.Time) (*ValidateResponse, error) {
	req := ValidateRequest{Key: c.licenseKey, HardwareFingerprint: c.hardwareID, ClientTime: clientTime}
	var out ValidateResponse
	if err := c.do(ctx, "/license/validate", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transfer clears the hardware binding of key. It needs an admin token.
func (c *Client) Transfer(ctx context.Context, adminToken, key string) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.do(ctx, "/license/transfer", adminToken, TransferRequest{Key: key}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Push(ctx context.Context, items []SyncItem) (*PushResponse, error) {
	if len(items) > MaxBatch {
		return nil, fmt.Errorf("push of %d items exceeds the batch limit of %d", len(items), MaxBatch)
	}
	req := PushRequest{LicenseKey: c.licenseKey, HardwareID: c.hardwareID, Items: items}
	var out PushResponse
	if err := c.do(ctx, "/sync/push", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pull(ctx context.Context, entityTypes []string, since *int64, max int) (*PullResponse, error) {
	if max <= 0 || max > MaxBatch {
		max = MaxBatch
	}
	req := PullRequest{
		LicenseKey:  c.licenseKey,
		HardwareID:  c.hardwareID,
		EntityTypes: entityTypes,
		Max:         max,
		Since:       since,
	}
	var out PullResponse
	if err := c.do(ctx, "/sync/pull", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	req := StatusRequest{LicenseKey: c.licenseKey, HardwareID: c.hardwareID}
	if err := c.do(ctx, "/sync/status", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do posts body as JSON and decodes a 2xx answer into out. Transport
// failures and 5xx answers are retried with doubling backoff; 4xx are not.
func (c *Client) do(ctx context.Context, path, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	var lastErr error
	delay := c.retryBase
	for attempt := 1; attempt <= c.retries; attempt++ {
		lastErr = c.once(ctx, path, bearer, payload, out)
		if lastErr == nil {
			return nil
		}
		if se, ok := AsStatusError(lastErr); ok && se.Permanent() {
			return lastErr
		}
		if ctx.Err() != nil || attempt == c.retries {
			break
		}
		c.logger.Warn("cloud request failed, retrying",
			"path", path,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, path, bearer string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.licenseKey != "" {
		req.Header.Set(LicenseKeyHeader, c.licenseKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	var eb ErrorResponse
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		se.Code = eb.Code
		se.Body = eb.Error
	}
	return se
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
