package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"

	"vidsync/internal/syncerr"
)

func fastConfig(retries int) Config {
	return Config{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDo(t *testing.T) {
	transient := errors.New("connection reset")
	tests := []struct {
		name         string
		failures     int
		err          error
		retries      int
		wantAttempts int
		wantErr      error
		wantExhaust  bool
	}{
		{name: "first try", failures: 0, retries: 3, wantAttempts: 1},
		{name: "recovers", failures: 2, err: transient, retries: 3, wantAttempts: 3},
		{name: "exhausted", failures: 10, err: transient, retries: 2, wantAttempts: 3, wantErr: transient, wantExhaust: true},
		{name: "permanent", failures: 10, err: Permanent(transient), retries: 5, wantAttempts: 1, wantErr: transient},
		{name: "not found", failures: 10, err: pkgerrors.Wrap(ErrSourceNotFound, "yt-dlp"), retries: 5, wantAttempts: 1, wantErr: ErrSourceNotFound},
		{name: "missing asset", failures: 10, err: syncerr.ErrAssetMissing, retries: 5, wantAttempts: 1, wantErr: syncerr.ErrAssetMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), fastConfig(tt.retries), nil, func(context.Context) error {
				attempts++
				if attempts <= tt.failures {
					return tt.err
				}
				return nil
			})
			if attempts != tt.wantAttempts {
				t.Errorf("Do() made %d attempts, want %d", attempts, tt.wantAttempts)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Do() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
			var ex *ExhaustedError
			if errors.As(err, &ex) != tt.wantExhaust {
				t.Errorf("Do() error = %T, exhausted want %v", err, tt.wantExhaust)
			}
		})
	}
}

func TestDoCustomClassifier(t *testing.T) {
	upload := errors.New("upload rejected")
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(err error) bool { return !errors.Is(err, upload) },
		func(context.Context) error {
			attempts++
			return upload
		})
	if !errors.Is(err, upload) || attempts != 1 {
		t.Errorf("Do() = %v after %d attempts, want one attempt", err, attempts)
	}
}

func TestDoStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 10, InitialBackoff: time.Second, MaxBackoff: time.Second, Multiplier: 1}

	attempts := 0
	err := Do(ctx, cfg, nil, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("ipfs unreachable")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Do() made %d attempts, want 1", attempts)
	}
}

func TestDelay(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for n, w := range want {
		if got := cfg.delay(n); got != w {
			t.Errorf("delay(%d) = %v, want %v", n, got, w)
		}
	}

	cfg.JitterFraction = 0.2
	for i := 0; i < 100; i++ {
		got := cfg.delay(0)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("delay(0) with jitter = %v, want within 20%% of 100ms", got)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", errors.New("timeout"), true},
		{"upstream", syncerr.Upstream("upload", errors.New("502")), true},
		{"canceled", context.Canceled, false},
		{"deadline", pkgerrors.Wrap(context.DeadlineExceeded, "encode"), false},
		{"invalid url", ErrInvalidURL, false},
		{"invalid state", syncerr.ErrInvalidState, false},
		{"permanent", Permanent(errors.New("bad json")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
