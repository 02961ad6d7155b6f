package fieldqueue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/stretchr/testify/require"
)

func TestTransport_MapsErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/geofence":
			writeFake(w, http.StatusUnprocessableEntity, fieldsync.ErrorResponse{
				Error:   fielderr.CodeProximity,
				Message: "too far",
				Details: map[string]any{"distance": 150.2, "maxDistance": 100.0},
			})
		case "/conflict":
			writeFake(w, http.StatusConflict, fieldsync.ErrorResponse{Error: fielderr.CodeOrderExists, Message: "visit already has an order"})
		case "/crash":
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		default:
			writeFake(w, http.StatusCreated, fieldsync.DataResponse{Success: true, Data: map[string]string{"id": "abc"}})
		}
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL+"/", nil, srv.Client())
	ctx := context.Background()

	_, err := tr.PostJSON(ctx, "/geofence", map[string]any{}, nil)
	var perr *fielderr.ProximityError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, 150.2, perr.Distance)
	require.Equal(t, 100.0, perr.MaxDistance)

	_, err = tr.PostJSON(ctx, "/conflict", map[string]any{}, nil)
	require.Equal(t, fielderr.KindConflict, fielderr.KindOf(err))
	require.Equal(t, fielderr.CodeOrderExists, fielderr.CodeOf(err))
	require.False(t, fielderr.IsRetryable(err))

	_, err = tr.PostJSON(ctx, "/crash", map[string]any{}, nil)
	require.True(t, fielderr.IsRetryable(err))

	var out struct {
		ID string `json:"id"`
	}
	status, err := tr.PostJSON(ctx, "/ok", map[string]any{}, &out)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "abc", out.ID)
}

func TestTransport_UnreachableServerIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewTransport(url, StaticToken("t"), nil).PostJSON(context.Background(), "/visits/sync", map[string]any{}, nil)
	require.Equal(t, fielderr.KindNetwork, fielderr.KindOf(err))
}
