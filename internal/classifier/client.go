// Package classifier submits batches of raw service requests to an
// LLM and returns one structured verdict per input, tolerating bad
// image URLs and rate limits via model fallback.
package classifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ocxlabs/civic-triage/internal/model"
)

// Error taxonomy per the classifier contract.
var (
	ErrRateLimit = errors.New("classifier: rate limited")
	ErrBadImage  = errors.New("classifier: invalid image url")
	ErrOther     = errors.New("classifier: request failed")
)

const systemPrompt = `You triage municipal service requests. For each request, return a priority score from 0-100, a set of categorical flags, a short priority explanation, a short flag explanation, and a one or two word incident label.`

// Client calls an OpenAI-compatible chat completions endpoint with a
// JSON-schema response format, built directly on net/http the way the
// pack's hand-rolled OpenAI-compatible provider is, rather than an SDK.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	models     []string
}

// New builds a Client. baseURL defaults to the public OpenAI API if
// empty. The transport intentionally carries no blanket request
// timeout — only dial, TLS-handshake and a 300s response-header
// timeout — so a slow model response isn't
// killed mid-inference; callers bound total latency via ctx instead.
func New(apiKey string, models []string, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		models:     models,
	}
}

// ClassifyBatch classifies requests and returns one verdict per input
// in the same order. On success len(output) == len(input) always.
func (c *Client) ClassifyBatch(ctx context.Context, requests []model.RawRequest) ([]model.Verdict, error) {
	if len(requests) == 0 {
		return []model.Verdict{}, nil
	}

	var lastErr error
	for modelIdx, modelName := range c.models {
		isLastModel := modelIdx == len(c.models)-1

		verdicts, err := c.callWithRetry(ctx, modelName, requests, true)
		if err == nil {
			return verdicts, nil
		}

		if errors.Is(err, ErrBadImage) {
			slog.Info("classifier: bad image url, retrying without images", "model", modelName)
			verdicts, retryErr := c.callWithRetry(ctx, modelName, requests, false)
			if retryErr == nil {
				return verdicts, nil
			}
			if errors.Is(retryErr, ErrRateLimit) {
				if isLastModel {
					return nil, retryErr
				}
				slog.Info("classifier: rate limited after image-stripped retry, falling back", "model", modelName)
				lastErr = retryErr
				continue
			}
			return nil, retryErr
		}

		if errors.Is(err, ErrRateLimit) {
			if isLastModel {
				return nil, err
			}
			slog.Info("classifier: rate limited, falling back to next model", "from_model", modelName)
			lastErr = err
			continue
		}

		return nil, err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no models configured", ErrOther)
	}
	return nil, lastErr
}

// ClassifyBatchInChunks splits requests into fixed-size chunks,
// classifies each in turn, and sleeps pollInterval between chunks as a
// crude throttle.
func (c *Client) ClassifyBatchInChunks(ctx context.Context, requests []model.RawRequest, chunkSize int, pollInterval time.Duration) ([]model.Verdict, error) {
	if chunkSize <= 0 {
		chunkSize = 5
	}
	out := make([]model.Verdict, 0, len(requests))
	for i := 0; i < len(requests); i += chunkSize {
		end := i + chunkSize
		if end > len(requests) {
			end = len(requests)
		}
		verdicts, err := c.ClassifyBatch(ctx, requests[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, verdicts...)

		if end < len(requests) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return out, nil
}

// callWithRetry wraps one model invocation in an outer exponential
// backoff with full jitter, matching the source system's retry on
// connection/timeout/internal-server/rate-limit errors.
func (c *Client) callWithRetry(ctx context.Context, modelName string, requests []model.RawRequest, includeImages bool) ([]model.Verdict, error) {
	var result []model.Verdict
	operation := func() error {
		verdicts, err := c.call(ctx, modelName, requests, includeImages)
		if err != nil {
			if errors.Is(err, ErrRateLimit) || errors.Is(err, ErrBadImage) {
				return backoff.Permanent(err)
			}
			var transientErr *transientAPIError
			if errors.As(err, &transientErr) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = verdicts
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.RandomizationFactor = 1
	bo := backoff.WithMaxRetries(eb, 6)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// transientAPIError marks connection/timeout/internal-server failures
// as retryable by the outer backoff loop.
type transientAPIError struct {
	cause error
}

func (e *transientAPIError) Error() string { return fmt.Sprintf("classifier: transient: %v", e.cause) }
func (e *transientAPIError) Unwrap() error { return e.cause }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type batchVerdicts struct {
	Requests []model.Verdict `json:"requests"`
}

func (c *Client) call(ctx context.Context, modelName string, requests []model.RawRequest, includeImages bool) ([]model.Verdict, error) {
	messages := buildMessages(requests, includeImages)

	reqBody := map[string]any{
		"model":    modelName,
		"messages": messages,
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "batch_classified_payload",
				"strict": true,
				"schema": verdictBatchSchema(len(requests)),
			},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrOther, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrOther, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transientAPIError{cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientAPIError{cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimit, string(respBody))
	case resp.StatusCode >= 500:
		return nil, &transientAPIError{cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))}
	case resp.StatusCode == http.StatusBadRequest:
		if isInvalidImageURLError(respBody) {
			return nil, fmt.Errorf("%w: %s", ErrBadImage, string(respBody))
		}
		return nil, fmt.Errorf("%w: bad request: %s", ErrOther, string(respBody))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d: %s", ErrOther, resp.StatusCode, string(respBody))
	}

	verdicts, err := parseCompletionResponse(respBody)
	if err != nil {
		return nil, err
	}
	if len(verdicts) != len(requests) {
		return nil, fmt.Errorf("%w: got %d verdicts for %d requests", ErrOther, len(verdicts), len(requests))
	}
	return verdicts, nil
}

type apiErrorBody struct {
	Error struct {
		Param string `json:"param"`
		Code  string `json:"code"`
	} `json:"error"`
}

func isInvalidImageURLError(body []byte) bool {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	return parsed.Error.Param == "url" && parsed.Error.Code == "invalid_value"
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func parseCompletionResponse(body []byte) ([]model.Verdict, error) {
	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse response envelope: %v", ErrOther, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrOther)
	}

	var batch batchVerdicts
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &batch); err != nil {
		return nil, fmt.Errorf("%w: parse structured content: %v", ErrOther, err)
	}
	return batch.Requests, nil
}

func buildMessages(requests []model.RawRequest, includeImages bool) []chatMessage {
	messages := make([]chatMessage, 0, len(requests)+1)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})

	for _, req := range requests {
		compact, _ := json.Marshal(req)
		parts := []map[string]any{
			{"type": "text", "text": string(compact)},
		}
		if includeImages {
			if mediaURL := req.MediaURL(); strings.HasPrefix(mediaURL, "https") {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": mediaURL, "detail": "low"},
				})
			}
		}
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	}
	return messages
}

func verdictBatchSchema(n int) map[string]any {
	verdict := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"priority":             map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
			"flag":                 map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"priority_explanation": map[string]any{"type": "string"},
			"flag_explanation":     map[string]any{"type": "string"},
			"incident_label":       map[string]any{"type": "string"},
		},
		"required": []string{"priority", "flag", "priority_explanation", "flag_explanation", "incident_label"},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"requests": map[string]any{
				"type":     "array",
				"minItems": n,
				"maxItems": n,
				"items":    verdict,
			},
		},
		"required": []string{"requests"},
	}
}
