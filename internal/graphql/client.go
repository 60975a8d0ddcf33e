// Package graphql implements the remote fetcher: a minimal GraphQL HTTP
// client plus query document helpers.
package graphql

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// maxResponseBytes caps how much of a response body is read. Responses
// past this limit fail the fetch rather than exhaust memory.
const maxResponseBytes = 64 << 20 // 64 MiB

// request is the standard GraphQL HTTP request body.
type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// response is the standard GraphQL HTTP response envelope.
type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []responseError `json:"errors"`
}

type responseError struct {
	Message string `json:"message"`
}

// Client posts GraphQL queries to remote endpoints. One call is one POST;
// retry policy belongs to callers.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the given per-request timeout.
// A zero timeout falls back to 30 seconds.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// Fetch executes one query round trip against the endpoint and returns the
// raw data object. Transport failures, non-2xx statuses, and GraphQL-level
// errors all surface as *domain.FetchError: transport success is not data
// success. A response body that is not valid JSON is a *domain.ParseError.
func (c *Client) Fetch(ctx context.Context, body string, variables map[string]any, endpoint domain.Endpoint) (json.RawMessage, error) {
	if endpoint.URL == "" {
		return nil, domain.ErrFetch("no endpoint resolved for query")
	}

	payload, err := json.Marshal(request{Query: body, Variables: variables})
	if err != nil {
		return nil, domain.ErrParse("encode graphql request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.ErrFetch("create request for %s: %v", endpoint.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if endpoint.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.ErrFetch("post %s: %v", endpoint.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.ErrFetch("read response from %s: %v", endpoint.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fetchErr := domain.ErrFetch("post %s: status %d", endpoint.URL, resp.StatusCode)
		fetchErr.StatusCode = resp.StatusCode
		return nil, fetchErr
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, domain.ErrParse("decode graphql response from %s: %v", endpoint.URL, err)
	}
	if len(envelope.Errors) > 0 {
		fetchErr := domain.ErrFetch("graphql error from %s: %s", endpoint.URL, envelope.Errors[0].Message)
		fetchErr.StatusCode = resp.StatusCode
		return nil, fetchErr
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, domain.ErrParse("graphql response from %s has no data", endpoint.URL)
	}
	return envelope.Data, nil
}
