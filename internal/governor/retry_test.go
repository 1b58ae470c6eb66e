package governor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoRetryNeverRetries(t *testing.T) {
	t.Parallel()

	_, retry := NoRetry{}.Next(1, errors.New("boom"))
	require.False(t, retry)
}

func TestBackoffRetryDoublesDelay(t *testing.T) {
	t.Parallel()

	policy := BackoffRetry{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}

	delay, retry := policy.Next(1, nil)
	require.True(t, retry)
	require.Equal(t, 100*time.Millisecond, delay)

	delay, retry = policy.Next(2, nil)
	require.True(t, retry)
	require.Equal(t, 200*time.Millisecond, delay)

	_, retry = policy.Next(3, nil)
	require.False(t, retry)
}

func TestPolicyFor(t *testing.T) {
	t.Parallel()

	require.IsType(t, NoRetry{}, PolicyFor(0, time.Second))
	require.IsType(t, NoRetry{}, PolicyFor(1, time.Second))
	require.Equal(t, BackoffRetry{MaxAttempts: 4, BaseDelay: time.Second}, PolicyFor(4, time.Second))
}
