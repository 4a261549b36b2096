package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/schema"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         20 * time.Millisecond,
		HalfOpenMax:      1,
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	reg := NewBreakerRegistry(testBreakerConfig())

	require.NoError(t, reg.Allow("wf/extract"))
	assert.Equal(t, CircuitClosed, reg.RecordFailure("wf/extract"))
	assert.Equal(t, CircuitClosed, reg.RecordFailure("wf/extract"))
	assert.Equal(t, CircuitOpen, reg.RecordFailure("wf/extract"))

	err := reg.Allow("wf/extract")
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeUpstream, engErr.Code)
	assert.True(t, engErr.IsRetryable())
}

func TestBreaker_TargetsAreIndependent(t *testing.T) {
	reg := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		reg.RecordFailure("wf/extract")
	}
	require.Error(t, reg.Allow("wf/extract"))
	require.NoError(t, reg.Allow("wf/notify"))
}

func TestBreaker_HalfOpenProbeAndRecovery(t *testing.T) {
	reg := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		reg.RecordFailure("wf/extract")
	}
	require.Error(t, reg.Allow("wf/extract"))

	time.Sleep(25 * time.Millisecond)

	// Cooldown elapsed: one probe allowed, a second is rejected.
	require.NoError(t, reg.Allow("wf/extract"))
	require.Error(t, reg.Allow("wf/extract"))

	reg.RecordSuccess("wf/extract")
	assert.Equal(t, CircuitClosed, reg.State("wf/extract"))
	require.NoError(t, reg.Allow("wf/extract"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	reg := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		reg.RecordFailure("wf/extract")
	}
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, reg.Allow("wf/extract"))

	assert.Equal(t, CircuitOpen, reg.RecordFailure("wf/extract"))
	require.Error(t, reg.Allow("wf/extract"))
}
