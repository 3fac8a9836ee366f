package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/version"
)

// DefaultMaxResponseBytes caps a backend response body unless ClientOptions overrides it.
const DefaultMaxResponseBytes = 32 << 20

// ErrResponseTooLarge is returned when a response body exceeds the configured cap.
// The endpoint stays healthy and the call is not retried.
var ErrResponseTooLarge = errors.New("backend response too large")

// AuthorizeFunc returns the Authorization header value for an outbound call, or "" for none.
type AuthorizeFunc func() (string, error)

// ClientOptions configures retries for backend calls.
type ClientOptions struct {
	CallTimeout    time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	NoEndpointWait time.Duration
	HTTPClient     *http.Client
	Authorize      AuthorizeFunc

	// MaxResponseBytes caps each response body. Zero uses DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// Client is the backend gateway: it routes each call through the pool and fails over
// between endpoints so callers never implement their own retry loop.
type Client struct {
	pool *Pool
	opts ClientOptions
	http *http.Client
	log  *logrus.Entry
}

// NewClient wraps pool with retry and failover.
func NewClient(pool *Pool, opts ClientOptions) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.NoEndpointWait < 0 {
		opts.NoEndpointWait = 0
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{pool: pool, opts: opts, http: hc, log: logger.Component("backend")}
}

// Pool exposes the underlying endpoint pool.
func (c *Client) Pool() *Pool {
	return c.pool
}

// Call sends payload (JSON-encoded, nil for no body) to path on a healthy endpoint.
// maxAttempts <= 0 uses the configured default. An attempt with no endpoint available
// waits NoEndpointWait and still consumes the attempt. Each endpoint is tried at most
// once per call. When every attempt fails the error is ErrNoResponse.
func (c *Client) Call(ctx context.Context, method, path string, payload any, maxAttempts int) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = c.opts.MaxAttempts
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode backend request: %w", err)
		}
		body = b
	}

	// Signing is local; a failure here says nothing about endpoint health.
	var auth string
	if c.opts.Authorize != nil {
		a, err := c.opts.Authorize()
		if err != nil {
			return nil, fmt.Errorf("authorize backend request: %w", err)
		}
		auth = a
	}

	tried := make(map[string]bool)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		ep, err := c.pool.PickExcluding(tried)
		if err != nil {
			c.log.WithFields(logrus.Fields{"path": path, "attempt": attempt}).Warn("No healthy backend endpoint for request")
			if !sleepCtx(ctx, c.opts.NoEndpointWait) {
				break
			}
			continue
		}
		tried[ep.ID()] = true

		resp, err := c.do(ctx, ep, method, path, body, auth)
		if err == nil {
			metrics.IncBackendCall("success")
			return resp, nil
		}
		if errors.Is(err, ErrResponseTooLarge) {
			metrics.IncBackendCall("too_large")
			c.log.WithError(err).WithFields(logrus.Fields{"endpoint": ep.ID(), "path": path}).Error("Backend response exceeds size limit")
			return nil, err
		}

		c.log.WithError(err).WithFields(logrus.Fields{
			"endpoint": ep.ID(),
			"path":     path,
			"attempt":  attempt,
		}).Warn("Backend request failed")
		c.pool.MarkUnhealthy(ep.ID())

		if attempt < maxAttempts && !sleepCtx(ctx, c.opts.RetryBackoff) {
			break
		}
	}

	metrics.IncBackendCall("no_response")
	c.log.WithFields(logrus.Fields{"method": method, "path": path, "attempts": maxAttempts}).Error("All backend attempts failed")
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return nil, ErrNoResponse
}

// CallJSON is Call followed by decoding the response into out.
func (c *Client) CallJSON(ctx context.Context, method, path string, payload, out any) error {
	raw, err := c.Call(ctx, method, path, payload, 0)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode backend response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, ep Endpoint, method, path string, body []byte, auth string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("unexpected HTTP %d", resp.StatusCode)
	}

	limit := c.opts.MaxResponseBytes
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: %s%s exceeds %d bytes", ErrResponseTooLarge, ep.ID(), path, limit)
	}
	return raw, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
