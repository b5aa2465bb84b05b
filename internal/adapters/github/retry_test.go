package github

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryOptions {
	return RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "success first try",
			errs:      []error{nil},
			wantCalls: 1,
		},
		{
			name:      "retries 502 then succeeds",
			errs:      []error{&APIError{StatusCode: 502}, nil},
			wantCalls: 2,
		},
		{
			name:      "does not retry 404",
			errs:      []error{&APIError{StatusCode: 404}},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name: "gives up after max retries",
			errs: []error{
				&APIError{StatusCode: 503}, &APIError{StatusCode: 503},
				&APIError{StatusCode: 503}, &APIError{StatusCode: 503},
			},
			wantCalls: 4,
			wantErr:   true,
		},
		{
			name:      "retries network error",
			errs:      []error{errors.New("dial tcp: connection refused"), nil},
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := WithRetry(context.Background(), func() (int, error) {
				err := tt.errs[calls]
				calls++
				if err != nil {
					return 0, err
				}
				return 7, nil
			}, fastRetry())

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != 7 {
				t.Errorf("result = %d, want 7", got)
			}
		})
	}
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := RetryOptions{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	err := WithRetryVoid(ctx, func() error {
		return &APIError{StatusCode: 500}
	}, opts)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &APIError{StatusCode: 429}, true},
		{"500", &APIError{StatusCode: 500}, true},
		{"504", &APIError{StatusCode: 504}, true},
		{"401", &APIError{StatusCode: 401}, false},
		{"422", &APIError{StatusCode: 422}, false},
		{"403 secondary rate limit", &APIError{StatusCode: 403, Body: "You have exceeded a secondary rate limit"}, true},
		{"403 forbidden", &APIError{StatusCode: 403, Body: "Resource not accessible"}, false},
		{"timeout", errors.New("read tcp: i/o timeout"), true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExtractRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"header", &APIError{StatusCode: 429, Body: "slow down Retry-After: 12"}, 12 * time.Second},
		{"default 429", &APIError{StatusCode: 429}, 60 * time.Second},
		{"none", &APIError{StatusCode: 500}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractRetryAfter(tt.err); got != tt.want {
				t.Errorf("extractRetryAfter = %v, want %v", got, tt.want)
			}
		})
	}
}
