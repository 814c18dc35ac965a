package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerClient(t *testing.T) {
	masterKey := []byte("master")
	shareID := uuid.New()

	r := chi.NewRouter()
	r.Post("/owner/recovery/configure", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get(api.OwnerTokenHeader))
		assert.Equal(t, base64.StdEncoding.EncodeToString(masterKey), r.Header.Get(api.MasterKeyHeader))
		var req api.ConfigureRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(api.ConfigureResponse{
			Config: &interfaces.DealerShardConfig{MinMatchingShares: req.MinMatchingShares},
		})
	})
	r.Post("/owner/recovery/release/{dealer}/{shareId}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "frodo.me", chi.URLParam(r, "dealer"))
		assert.Equal(t, shareID.String(), chi.URLParam(r, "shareId"))
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/recovery/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(api.OwnerTokenHeader))
		_ = json.NewEncoder(w).Encode(interfaces.RecoveryStatusRedacted{State: "none", MinMatchingShares: 2})
	})
	r.Post("/recovery/enter", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "email delivery is disabled", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := NewOwnerClient(srv.URL+"/", "token", masterKey)
	ctx := context.Background()

	resp, err := client.Configure(ctx, api.ConfigureRequest{MinMatchingShares: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Config.MinMatchingShares)

	require.NoError(t, client.Release(ctx, "frodo.me", shareID))

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "none", status.State)

	_, err = client.EnterRecovery(ctx)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "email delivery is disabled", statusErr.Message)
}
