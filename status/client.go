// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package status

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/rpc/v2/json2"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// Option configures a Call.
type Option func(*callOptions)

type callOptions struct {
	headers     http.Header
	queryParams url.Values
	log         logr.Logger
	retryWait   time.Duration
}

func newCallOptions(opts []Option) *callOptions {
	o := &callOptions{
		headers:     make(http.Header),
		queryParams: make(url.Values),
		log:         logr.Discard(),
		retryWait:   retryBaseWait,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(o *callOptions) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter to the endpoint URL.
func WithQueryParam(key, value string) Option {
	return func(o *callOptions) { o.queryParams.Add(key, value) }
}

// WithLogger logs retries to l.
func WithLogger(l logr.Logger) Option {
	return func(o *callOptions) { o.log = l }
}

// WithRetryWait sets the first backoff step; it doubles on each retry.
func WithRetryWait(d time.Duration) Option {
	return func(o *callOptions) { o.retryWait = d }
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// A status endpoint is polled rarely, and a pooled connection to a runner
// that restarted only yields EOF on the next call.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// closeBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func closeBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// Call issues a JSON-RPC 2.0 request to the status endpoint at uri and
// decodes the result into reply. Transport errors that look transient are
// retried with exponential backoff; server errors are not.
func Call(
	ctx context.Context,
	uri string,
	method string,
	params interface{},
	reply interface{},
	options ...Option,
) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid status endpoint: %w", err)
	}
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := newCallOptions(options)
	if len(ops.queryParams) > 0 {
		u.RawQuery = ops.queryParams.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := ops.retryWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			u.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			ops.log.V(1).Info("status request failed", "attempt", attempt+1, "err", err, "retryable", isRetryableError(err))
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			ops.log.V(1).Info("status request succeeded", "attempt", attempt+1)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			closeBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		closeBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}
