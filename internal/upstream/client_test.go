package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchOpenPage_UnknownCity(t *testing.T) {
	c := New(map[string]string{})
	_, err := c.FetchOpenPage(context.Background(), "nowhere", time.Now(), time.Now(), 1, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCity))
}

func TestFetchOpenPage_EmptyPageEndsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := New(map[string]string{"springfield": srv.URL})
	got, err := c.FetchOpenPage(context.Background(), "springfield", time.Now().Add(-24*time.Hour), time.Now(), 1, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchOpenPage_MalformedBodyReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(map[string]string{"springfield": srv.URL})
	got, err := c.FetchOpenPage(context.Background(), "springfield", time.Now(), time.Now(), 1, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchOpenPage_NonRetryable4xxReturnsErrUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(map[string]string{"springfield": srv.URL})
	_, err := c.FetchOpenPage(context.Background(), "springfield", time.Now(), time.Now(), 1, 100)
	require.Error(t, err)
	var upstreamErr *ErrUpstream
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusNotFound, upstreamErr.Status)
}

func TestFetchOpenPage_ParsesRequestBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"service_request_id":"7","status":"open"}]`))
	}))
	defer srv.Close()

	c := New(map[string]string{"springfield": srv.URL})
	got, err := c.FetchOpenPage(context.Background(), "springfield", time.Now(), time.Now(), 2, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "7", got[0].ID())
}
