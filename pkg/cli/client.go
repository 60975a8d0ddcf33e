package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a thin HTTP client for the queryflow API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a client for the given host. The token is sent as a
// bearer credential when set.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Do sends an API request for the given path under /v1. A non-nil body is
// JSON-encoded. The caller owns the response body.
func (c *Client) Do(method, path string, query url.Values, body any) (*http.Response, error) {
	return c.do(method, "/v1"+path, query, body)
}

// DoRoot sends a request outside the /v1 prefix (the health probe).
func (c *Client) DoRoot(method, path string, query url.Values, body any) (*http.Response, error) {
	return c.do(method, path, query, body)
}

func (c *Client) do(method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// APIError is a structured error response from the server.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.HTTPStatus, e.Message)
}

// CheckError converts a non-2xx response into an *APIError. The server
// sends {"code": N, "message": "..."}; anything else falls back to the
// raw body text.
func CheckError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{HTTPStatus: resp.StatusCode}

	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Message != "" {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// decodeJSON checks resp for an API error and decodes its body into v.
// It closes the body.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close() //nolint:errcheck
	if err := CheckError(resp); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
