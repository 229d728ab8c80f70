package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocxlabs/civic-triage/internal/model"
)

func rawRequest(t *testing.T, id string) model.RawRequest {
	t.Helper()
	b, err := json.Marshal(map[string]any{"service_request_id": id, "status": "open"})
	require.NoError(t, err)
	var r model.RawRequest
	require.NoError(t, json.Unmarshal(b, &r))
	return r
}

func completionBody(t *testing.T, verdicts []model.Verdict) []byte {
	t.Helper()
	content, err := json.Marshal(map[string]any{"requests": verdicts})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": string(content)}},
		},
	})
	require.NoError(t, err)
	return body
}

func TestClassifyBatch_Empty(t *testing.T) {
	c := New("key", []string{"m1"}, "")
	got, err := c.ClassifyBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClassifyBatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody(t, []model.Verdict{{Priority: 80, IncidentLabel: "pothole"}}))
	}))
	defer srv.Close()

	c := New("key", []string{"m1"}, srv.URL)
	got, err := c.ClassifyBatch(context.Background(), []model.RawRequest{rawRequest(t, "7")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 80, got[0].Priority)
	assert.Equal(t, "pothole", got[0].IncidentLabel)
}

func TestClassifyBatch_RateLimitFallsBackToNextModel(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] == "m1" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{}`))
			return
		}
		w.Write(completionBody(t, []model.Verdict{{Priority: 50}}))
	}))
	defer srv.Close()

	c := New("key", []string{"m1", "m2"}, srv.URL)
	got, err := c.ClassifyBatch(context.Background(), []model.RawRequest{rawRequest(t, "7")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 50, got[0].Priority)
	assert.Equal(t, 2, calls)
}

func TestClassifyBatch_RateLimitExhaustsAllModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("key", []string{"m1", "m2"}, srv.URL)
	_, err := c.ClassifyBatch(context.Background(), []model.RawRequest{rawRequest(t, "7")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimit)
}

func TestClassifyBatch_BadImageRetriesImagelessThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"param":"url","code":"invalid_value"}}`))
			return
		}
		w.Write(completionBody(t, []model.Verdict{{Priority: 30}}))
	}))
	defer srv.Close()

	req := rawRequest(t, "7")
	req["media_url"] = json.RawMessage(`"https://example.com/photo.jpg"`)

	c := New("key", []string{"m1"}, srv.URL)
	got, err := c.ClassifyBatch(context.Background(), []model.RawRequest{req})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, calls)
}

func TestClassifyBatchInChunks_PreservesOrderAndSleeps(t *testing.T) {
	var callCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		msgs := body["messages"].([]any)
		verdicts := make([]model.Verdict, len(msgs)-1)
		for i := range verdicts {
			parts := msgs[i+1].(map[string]any)["content"].([]any)
			var sent map[string]any
			json.Unmarshal([]byte(parts[0].(map[string]any)["text"].(string)), &sent)
			verdicts[i] = model.Verdict{Priority: i + 1, IncidentLabel: sent["service_request_id"].(string)}
		}
		w.Write(completionBody(t, verdicts))
	}))
	defer srv.Close()

	c := New("key", []string{"m1"}, srv.URL)
	reqs := []model.RawRequest{rawRequest(t, "1"), rawRequest(t, "2"), rawRequest(t, "3")}

	start := time.Now()
	got, err := c.ClassifyBatchInChunks(context.Background(), reqs, 2, 10*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{got[0].IncidentLabel, got[1].IncidentLabel, got[2].IncidentLabel})
	assert.Equal(t, 2, callCount)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
}
