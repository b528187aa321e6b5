package k8s

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestIsRetryable_ServerErrorsAreRetryable(t *testing.T) {
	require.True(t, isRetryable(apierrors.NewTooManyRequests("busy", 1)))
	require.True(t, isRetryable(apierrors.NewInternalError(errors.New("boom"))))
}

func TestIsRetryable_NotFoundIsNotRetryable(t *testing.T) {
	require.False(t, isRetryable(apierrors.NewNotFound(metav1.GroupResource{}, "x")))
}

func TestIsRetryable_NilErrorIsNotRetryable(t *testing.T) {
	require.False(t, isRetryable(nil))
}

func TestDoWithRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := doWithRetry(context.Background(), "test-cluster", 3, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoWithRetry_RetriesRetryableErrorUntilSuccess(t *testing.T) {
	calls := 0
	err := doWithRetry(context.Background(), "test-cluster", 3, func() error {
		calls++
		if calls < 2 {
			return apierrors.NewTooManyRequests("busy", 1)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDoWithRetry_NonRetryableErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := doWithRetry(context.Background(), "test-cluster", 3, func() error {
		calls++
		return apierrors.NewNotFound(metav1.GroupResource{}, "x")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoWithRetryValue_ReturnsValueOnEventualSuccess(t *testing.T) {
	calls := 0
	val, err := doWithRetryValue(context.Background(), "test-cluster", 3, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, apierrors.NewServerTimeout(metav1.GroupResource{}, "get", 1)
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, val)
}

func TestBackoff_CapsAtMaxBackoff(t *testing.T) {
	require.LessOrEqual(t, backoff(10), maxBackoff)
}
