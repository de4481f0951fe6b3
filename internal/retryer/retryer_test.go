package retryer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("bad request body")))
	assert.False(t, IsTransientError(context.Canceled))
	assert.True(t, IsTransientError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransientError(errors.New("unexpected EOF")))
	assert.True(t, IsTransientError(&StatusError{StatusCode: 503, Status: "503 Service Unavailable"}))
	assert.False(t, IsTransientError(&StatusError{StatusCode: 404, Status: "404 Not Found"}))
}

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), fastConfig(), "download", func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 502, Status: "502 Bad Gateway"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), fastConfig(), "download", func() error {
		calls++
		return &StatusError{StatusCode: 404, Status: "404 Not Found"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.StatusCode)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zap.NewNop(), fastConfig(), "patch", func() error {
		calls++
		return errors.New("connection reset by peer")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "patch")
}
