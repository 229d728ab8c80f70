// Package upstream fetches pages of open service requests from each
// city's Open311-compatible endpoint.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ocxlabs/civic-triage/internal/model"
	"github.com/ocxlabs/civic-triage/internal/timecodec"
)

// ErrUnknownCity is returned when the requested city has no configured
// base URL.
var ErrUnknownCity = errors.New("upstream: unknown city")

// ErrUpstream wraps a non-2xx response from the upstream API.
type ErrUpstream struct {
	Status int
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("upstream: non-2xx response: %d", e.Status)
}

// Client fetches pages of open requests. One Client is shared by every
// city poller.
type Client struct {
	httpClient *http.Client
	cities     map[string]string
	maxRetries uint64
}

// New builds a Client whose transport sets per-phase budgets through
// explicit dialer and transport fields rather than a single blanket
// client timeout — the same shape the pack's hand-rolled LLM HTTP
// client uses for a similar reason (distinct phases need distinct
// budgets): 5s to connect, 5s for the TLS handshake and 45s for the
// response headers. Each attempt in FetchOpenPage also runs under a
// 55s context deadline. There is no separate write timeout and no
// timeout on waiting for a pooled connection.
func New(cities map[string]string) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 45 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			// read(45s) is enforced via ResponseHeaderTimeout above plus
			// the per-call context deadline in FetchOpenPage; write(10s)
			// has no dedicated net/http knob, so it's folded into the
			// same context deadline.
		},
		cities:     cities,
		maxRetries: 6,
	}
}

// FetchOpenPage fetches one page of open requests for city between
// start and end. An empty upstream page, or a malformed response body,
// is treated as end-of-pages and returns an empty slice rather than an
// error.
func (c *Client) FetchOpenPage(ctx context.Context, city string, start, end time.Time, page, pageSize int) ([]model.RawRequest, error) {
	base, ok := c.cities[city]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCity, city)
	}

	reqURL, err := buildRequestURL(base, start, end, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request url for %s: %w", city, err)
	}

	var body []byte
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, 55*time.Second)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if isTransientTransportErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if resp.StatusCode >= 500 {
				return &ErrUpstream{Status: resp.StatusCode}
			}
			return backoff.Permanent(&ErrUpstream{Status: resp.StatusCode})
		}

		read, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = read
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.RandomizationFactor = 1
	bo := backoff.WithMaxRetries(eb, c.maxRetries)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var upstreamErr *ErrUpstream
		if errors.As(err, &upstreamErr) {
			return nil, err
		}
		slog.Warn("upstream: giving up after retries", "city", city, "error", err)
		return []model.RawRequest{}, nil
	}

	var raw []model.RawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		slog.Warn("upstream: malformed response body, treating as end of pages", "city", city, "error", err)
		return []model.RawRequest{}, nil
	}
	return raw, nil
}

func buildRequestURL(base string, start, end time.Time, page, pageSize int) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/requests.json")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("status", "open")
	q.Set("start_date", timecodec.Format(start))
	q.Set("end_date", timecodec.Format(end))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isTransientTransportErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
