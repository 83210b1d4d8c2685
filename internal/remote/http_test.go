package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agridata/fieldsync/internal/models"
)

func newTestStore(handler http.HandlerFunc) (*HTTPStore, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewHTTPStore(srv.URL, 5*time.Second, "test-key"), srv
}

func TestHTTPCreateSendsIdempotencyKey(t *testing.T) {
	var gotMethod, gotPath, gotKey, gotAuth string
	var gotBody map[string]interface{}

	store, srv := newTestStore(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "srv-42", "name": "A"})
	})
	defer srv.Close()

	rec, err := store.Create(context.Background(), "fields", "local-1", models.Payload{"name": "A"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/fields", gotPath)
	assert.Equal(t, "local-1", gotKey)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "A", gotBody["name"])

	assert.Equal(t, "srv-42", rec.RemoteID)
	assert.Equal(t, "A", rec.Payload["name"])
}

func TestHTTPUpdateAndFetchPaths(t *testing.T) {
	store, srv := newTestStore(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fields/srv-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "srv-1", "v": 2})
	})
	defer srv.Close()

	rec, err := store.Update(context.Background(), "fields", "srv-1", models.Payload{"v": 2})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", rec.RemoteID)

	rec, err = store.Fetch(context.Background(), "fields", "srv-1")
	require.NoError(t, err)
	assert.True(t, rec.Payload.Equal(models.Payload{"id": "srv-1", "v": 2}))
}

func TestHTTPStatusCodeTaxonomy(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		wantKind ErrorKind
		notFound bool
	}{
		{"service unavailable is transient", http.StatusServiceUnavailable, ErrorTransient, false},
		{"internal error is transient", http.StatusInternalServerError, ErrorTransient, false},
		{"rate limit is transient", http.StatusTooManyRequests, ErrorTransient, false},
		{"request timeout is transient", http.StatusRequestTimeout, ErrorTransient, false},
		{"validation rejection is permanent", http.StatusUnprocessableEntity, ErrorPermanent, false},
		{"forbidden is permanent", http.StatusForbidden, ErrorPermanent, false},
		{"missing record maps to ErrNotFound", http.StatusNotFound, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, srv := newTestStore(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			defer srv.Close()

			_, err := store.Fetch(context.Background(), "fields", "srv-1")
			require.Error(t, err)

			if tc.notFound {
				assert.True(t, IsNotFound(err))
				return
			}
			assert.Equal(t, tc.wantKind == ErrorTransient, IsTransient(err))
		})
	}
}

func TestHTTPConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	store := NewHTTPStore(srv.URL, time.Second, "")
	srv.Close() // connection refused from here on

	_, err := store.Fetch(context.Background(), "fields", "srv-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPDeleteNotFound(t *testing.T) {
	store, srv := newTestStore(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	err := store.Delete(context.Background(), "fields", "srv-gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestProbeURL(t *testing.T) {
	store := NewHTTPStore("https://api.example.com/v1/", time.Second, "")
	assert.Equal(t, "https://api.example.com/v1", store.ProbeURL())
}
