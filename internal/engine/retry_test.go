package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"context cancelled", context.Canceled, false},
		{"upstream engine error", schema.NewError(schema.ErrCodeUpstream, "503"), true},
		{"timeout engine error", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"store engine error", schema.NewError(schema.ErrCodeStore, "locked"), true},
		{"validation engine error", schema.NewError(schema.ErrCodeValidation, "bad config"), false},
		{"rejection engine error", schema.NewError(schema.ErrCodeRejectedByReviewer, "no"), false},
		{"no matching branch", schema.NewError(schema.ErrCodeNoMatchingBranch, "dead end"), false},
		{"connection refused string", errors.New("dial tcp: connection refused"), true},
		{"service unavailable string", errors.New("503 Service Unavailable"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	exponential := &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(exponential, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(exponential, 1))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(exponential, 2))

	linear := &schema.RetryPolicy{Max: 5, Backoff: "linear", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(linear, 0))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(linear, 2))

	constant := &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "250ms"}
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(constant, 0))
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(constant, 4))

	capped := &schema.RetryPolicy{Max: 10, Backoff: "exponential", Delay: "1s", MaxDelay: "3s"}
	assert.Equal(t, 3*time.Second, ComputeBackoff(capped, 5))

	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 3))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Max: 3}, 0))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Delay: "not-a-duration"}, 0))
}

func TestWaitForBackoff(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0))
	require.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
