package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_SendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	var body publishRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/posts", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "tw-123", "url": "https://social.test/tw-123", "published_at": "2026-03-01T12:00:00Z"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "api-key")
	res, err := c.Publish(context.Background(), "Hello world", "twitter", "act-1")
	require.NoError(t, err)
	assert.Equal(t, "tw-123", res.Reference)
	assert.Equal(t, "act-1", gotKey)
	assert.Equal(t, "Bearer api-key", gotAuth)
	assert.Equal(t, publishRequest{Content: "Hello world", Platform: "twitter"}, body)
}

func TestPublish_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		c := NewClient(srv.URL, "k")
		_, err := c.Publish(context.Background(), "x", "twitter", "k1")
		srv.Close()

		var ge *common.GatewayError
		require.ErrorAs(t, err, &ge, "status %d", tt.status)
		assert.Equal(t, common.CodeUpstreamFailure, ge.Code)
		assert.Equal(t, tt.retryable, ge.Retryable, "status %d", tt.status)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, tt.status, apiErr.StatusCode)
	}
}

func TestUndoPublish(t *testing.T) {
	var deletes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deletes.Add(1)
		if r.URL.Path == "/v1/posts/gone" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	require.NoError(t, c.UndoPublish(context.Background(), "tw-123"))
	require.NoError(t, c.UndoPublish(context.Background(), "gone"), "already deleted is success")
	assert.Equal(t, int32(2), deletes.Load())
}
