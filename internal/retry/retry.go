// Package retry runs collaborator calls (yt-dlp, IPFS, the index service)
// with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vidsync/internal/syncerr"
)

// Config holds retry settings. MaxRetries counts retries, so a call runs
// at most MaxRetries+1 times.
type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	// JitterFraction spreads each delay by up to ±fraction of itself.
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// delay returns the wait before retry number n (0-based), capped at MaxBackoff.
func (c Config) delay(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < n && d < float64(c.MaxBackoff); i++ {
		d *= c.Multiplier
	}
	wait := time.Duration(d)
	if c.JitterFraction > 0 {
		wait += time.Duration((rand.Float64()*2 - 1) * c.JitterFraction * d)
	}
	if wait > c.MaxBackoff {
		wait = c.MaxBackoff
	}
	return wait
}

// ErrorClassifier reports whether an error is worth another attempt.
type ErrorClassifier func(error) bool

// Permanent failures of a source lookup.
var (
	ErrSourceNotFound = errors.New("source not found")
	ErrInvalidURL     = errors.New("invalid url")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsRetryable rejects it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable is the default classifier. Cancellation, permanent errors,
// missing sources and local state errors are final.
func IsRetryable(err error) bool {
	var perm *permanentError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &perm):
		return false
	case errors.Is(err, ErrSourceNotFound), errors.Is(err, ErrInvalidURL):
		return false
	case errors.Is(err, syncerr.ErrAssetMissing), errors.Is(err, syncerr.ErrInvalidState):
		return false
	}
	return true
}

// Do calls fn until it succeeds, classifier rejects its error, retries run
// out or ctx is done. A nil classifier means IsRetryable.
func Do(ctx context.Context, cfg Config, classifier ErrorClassifier, fn func(context.Context) error) error {
	if classifier == nil {
		classifier = IsRetryable
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !classifier(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return &ExhaustedError{Err: err, Retries: cfg.MaxRetries}
		}

		wait := cfg.delay(attempt)
		logrus.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}).Debug("Retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// ExhaustedError carries the last error once every retry failed.
type ExhaustedError struct {
	Err     error
	Retries int
}

func (e *ExhaustedError) Error() string {
	return pkgerrors.Wrapf(e.Err, "gave up after %d retries", e.Retries).Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
