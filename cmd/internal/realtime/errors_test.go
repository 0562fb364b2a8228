package realtime

import (
	"errors"
	"fmt"
	"testing"

	v1 "hearth/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{newError(ErrAuthenticationRequired, "x", nil), v1.CodeAuthenticationRequired},
		{newError(ErrRateLimitExceeded, "x", nil), v1.CodeRateLimitExceeded},
		{newError(ErrValidation, "x", nil), v1.CodeValidation},
		{fmt.Errorf("%w: bad", v1.ErrInvalidPayload), v1.CodeValidation},
		{newError(ErrNotFound, "x", nil), v1.CodeNotFound},
		{fmt.Errorf("%w: full", ErrDeliveryFailure), v1.CodeDeliveryFailure},
		{ErrConnectionClosed, v1.CodeDeliveryFailure},
		{newError(ErrPersistenceFailure, "x", errors.New("db")), v1.CodePersistenceFailure},
		{errors.New("boom"), v1.CodeInternal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CodeOf(tc.err), tc.err.Error())
	}
}

func TestError_UnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := newError(ErrPersistenceFailure, "failed to persist message", cause)

	require.ErrorIs(t, err, ErrPersistenceFailure)
	require.ErrorIs(t, err, cause)
	require.Equal(t, v1.CodePersistenceFailure, err.Code())
	require.Contains(t, err.Error(), "disk full")

	require.Equal(t, "failed to persist message", clientMessage(err))
	require.Equal(t, "internal error", clientMessage(fmt.Errorf("wrapped: %w", cause)))
}
