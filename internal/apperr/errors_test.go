package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable_TransientAndPermanentRetryableProgrammerDoesNot(t *testing.T) {
	require.True(t, IsRetryable(Transient("fetch", errors.New("timeout"))))
	require.True(t, IsRetryable(Permanent("fetch", errors.New("404"))))
	require.False(t, IsRetryable(Programmer("fetch", errors.New("nil pointer"))))
}

func TestKindOf_UnclassifiedErrorDefaultsToTransient(t *testing.T) {
	require.Equal(t, KindTransient, KindOf(errors.New("plain error")))
}

func TestKindOf_UnwrapsWrappedAppError(t *testing.T) {
	wrapped := errors.New("db down")
	err := Permanent("store.Get", wrapped)
	require.Equal(t, KindPermanent, KindOf(err))
	require.ErrorIs(t, err, wrapped)
}

func TestWrapHelpers_NilErrorReturnsNil(t *testing.T) {
	require.NoError(t, Transient("op", nil))
	require.NoError(t, Permanent("op", nil))
	require.NoError(t, Programmer("op", nil))
}

func TestError_MessageIncludesOp(t *testing.T) {
	err := Transient("policy.Evaluate", errors.New("connection refused"))
	require.Equal(t, "policy.Evaluate: connection refused", err.Error())
}

func TestKind_StringValues(t *testing.T) {
	require.Equal(t, "transient", KindTransient.String())
	require.Equal(t, "permanent", KindPermanent.String())
	require.Equal(t, "programmer", KindProgrammer.String())
}
