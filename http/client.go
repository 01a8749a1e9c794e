// Package http is the transport to the index service: bounded retries,
// request pacing that backs off on 429/503, and a circuit breaker that
// stops a sync from hammering a service that is down.
package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vidsync/internal/metrics"
	"vidsync/internal/retry"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Config holds transport settings.
type Config struct {
	Timeout   time.Duration
	Retry     retry.Config
	UserAgent string
	// RequestsPerSecond paces requests; 0 means unpaced.
	RequestsPerSecond float64
	Burst             int
	// FailureThreshold consecutive transient failures open the circuit
	// for Cooldown.
	FailureThreshold int
	Cooldown         time.Duration
	Log              *logrus.Entry
}

// DefaultConfig returns the settings used for the index service.
func DefaultConfig() *Config {
	return &Config{
		Timeout:           30 * time.Second,
		Retry:             retry.DefaultConfig(),
		UserAgent:         "vidsync/1.0",
		RequestsPerSecond: 5,
		Burst:             2,
		FailureThreshold:  DefaultFailureThreshold,
		Cooldown:          DefaultCooldown,
	}
}

// Client sends requests to one service.
type Client struct {
	base     *http.Client
	cfg      Config
	throttle *throttle
	breaker  *breaker
	log      *logrus.Entry
}

// New builds a client; a nil cfg means DefaultConfig.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		base: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		cfg:      *cfg,
		throttle: newThrottle(cfg.RequestsPerSecond, cfg.Burst),
		breaker:  newBreaker(cfg.FailureThreshold, cfg.Cooldown, log),
		log:      log,
	}
}

// Response is a successful answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Get is Do with GET and no body.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

// Do sends a request, retrying network errors, 5xx and rate limit answers.
// body is resent unchanged on every attempt. A non-2xx final answer is
// returned as *StatusError.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	if err := c.breaker.allow(); err != nil {
		return nil, err
	}

	var resp *Response
	err := retry.Do(ctx, c.cfg.Retry, shouldRetry, func(ctx context.Context) error {
		if err := c.throttle.wait(ctx); err != nil {
			return err
		}
		var err error
		resp, err = c.send(ctx, method, url, body, headers)
		return err
	})
	c.breaker.record(err)
	if err != nil {
		return nil, err
	}
	c.throttle.relax()
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, retry.Permanent(errors.Wrap(retry.ErrInvalidURL, err.Error()))
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	res, err := c.base.Do(req)
	if err != nil {
		metrics.IndexRequests.WithLabelValues(method, "error").Inc()
		return nil, errors.Wrapf(err, "%s %s", method, url)
	}
	defer res.Body.Close()
	metrics.IndexRequests.WithLabelValues(method, strconv.Itoa(res.StatusCode)).Inc()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s: read body", method, url)
	}
	c.log.WithFields(logrus.Fields{
		"method":   method,
		"url":      url,
		"status":   res.StatusCode,
		"duration": time.Since(started).String(),
	}).Debug("Index request")

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: data}, nil
	}
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	se := &StatusError{Method: method, URL: url, StatusCode: res.StatusCode, Body: data}
	if se.RateLimited() {
		se.RetryAfter = c.throttle.strike(parseRetryAfter(res.Header))
		c.log.WithField("pause", se.RetryAfter.String()).Warn("Index service is rate limiting")
	}
	return nil, se
}

func shouldRetry(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.RateLimited() || se.StatusCode >= 500
	}
	return true
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

// Close drops idle connections.
func (c *Client) Close() error {
	c.base.CloseIdleConnections()
	return nil
}
