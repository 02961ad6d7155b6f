package fielderr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", Validation("bad %s", "payload"), http.StatusBadRequest},
		{"forbidden", Forbidden("not yours"), http.StatusForbidden},
		{"not found", NotFound("visit", "v1"), http.StatusNotFound},
		{"conflict", Conflict(CodeOrderExists, "dup"), http.StatusConflict},
		{"already synced", AlreadySynced("visit", "o1", "s1"), http.StatusConflict},
		{"proximity", Proximity(120, 100), http.StatusUnprocessableEntity},
		{"wrapped proximity", fmt.Errorf("create visit: %w", Proximity(120, 100)), http.StatusUnprocessableEntity},
		{"untyped", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, HTTPStatus(tc.err))
		})
	}
}

func TestFromStatus_RoundTrip(t *testing.T) {
	t.Run("server errors are retryable", func(t *testing.T) {
		err := FromStatus(http.StatusBadGateway, "", "upstream", nil)
		require.True(t, IsRetryable(err))
	})

	t.Run("proximity keeps distance", func(t *testing.T) {
		src := Proximity(100.1, 100)
		err := FromStatus(HTTPStatus(src), CodeOf(src), src.Error(), Details(src))
		var pe *ProximityError
		require.ErrorAs(t, err, &pe)
		require.InDelta(t, 100.1, pe.Distance, 1e-9)
		require.Equal(t, 100.0, pe.MaxDistance)
		require.False(t, IsRetryable(err))
	})

	t.Run("already synced carries id", func(t *testing.T) {
		src := AlreadySynced("visit", "off-1", "srv-1")
		err := FromStatus(HTTPStatus(src), CodeOf(src), src.Message, Details(src))
		id, ok := IsAlreadySynced(err)
		require.True(t, ok)
		require.Equal(t, "srv-1", id)
	})

	t.Run("plain conflict is not already synced", func(t *testing.T) {
		err := FromStatus(http.StatusConflict, CodePhotoLimit, "limit", nil)
		_, ok := IsAlreadySynced(err)
		require.False(t, ok)
		require.Equal(t, KindConflict, KindOf(err))
	})
}

func TestNetworkError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Network(cause)
	require.True(t, err.Retryable())
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindNetwork, KindOf(fmt.Errorf("send: %w", err)))
}
