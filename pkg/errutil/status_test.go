package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusNotFound, StatusNotFound.HTTPStatus())
	require.Equal(t, http.StatusConflict, StatusConflict.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, StatusUnknown.HTTPStatus())
}

func TestFromError(t *testing.T) {
	wrapped := fmt.Errorf("claim: %w", Conflict("pool exhausted", nil))
	require.Equal(t, StatusConflict, FromError(wrapped).Code)

	require.Equal(t, StatusGatewayTimeout, FromError(context.DeadlineExceeded).Code)
	require.Equal(t, StatusInternal, FromError(errors.New("boom")).Code)
}

func TestIsMatchesSentinel(t *testing.T) {
	sentinel := New(StatusConflict, "inventory exhausted")
	err := fmt.Errorf("claim: %w", New(StatusConflict, "inventory exhausted", WithErr(errors.New("0 rows"))))

	require.ErrorIs(t, err, sentinel)
	require.NotErrorIs(t, err, New(StatusConflict, "claim contention"))
}
