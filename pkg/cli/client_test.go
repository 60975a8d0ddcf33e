package cli

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// === NewClient ===

func TestNewClient_TrailingSlash(t *testing.T) {
	c := NewClient("http://localhost:8080/", "")
	assert.Equal(t, "http://localhost:8080", c.BaseURL)
}

func TestNewClient_SetsTimeout(t *testing.T) {
	c := NewClient("http://localhost:8080", "")
	require.NotNil(t, c.HTTPClient)
	assert.Equal(t, 30*time.Second, c.HTTPClient.Timeout)
}

// === Client.Do ===

func TestDo_URLConstruction(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	resp, err := c.Do(http.MethodGet, "/runs", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/v1/runs", gotPath)
}

func TestDoRoot_NoPrefix(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	resp, err := c.DoRoot(http.MethodGet, "/healthz", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/healthz", gotPath)
}

func TestDo_QueryParams(t *testing.T) {
	var gotRawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRawQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	q := url.Values{}
	q.Set("limit", "10")
	q.Set("status", "FAILED")

	resp, err := c.Do(http.MethodGet, "/runs", q, nil)
	require.NoError(t, err)
	resp.Body.Close()

	parsed, err := url.ParseQuery(gotRawQuery)
	require.NoError(t, err)
	assert.Equal(t, "10", parsed.Get("limit"))
	assert.Equal(t, "FAILED", parsed.Get("status"))
}

func TestDo_WithBody(t *testing.T) {
	var (
		gotContentType string
		gotBody        []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	body := map[string]string{"query_id": "sales"}
	resp, err := c.Do(http.MethodPost, "/pipeline/execute", nil, body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "application/json", gotContentType)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &parsed))
	assert.Equal(t, "sales", parsed["query_id"])
}

func TestDo_NilBody(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	resp, err := c.Do(http.MethodGet, "/runs", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, gotContentType)
}

func TestDo_BearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "my-jwt-token")
	resp, err := c.Do(http.MethodGet, "/runs", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer my-jwt-token", gotAuth)
}

func TestDo_NoAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	resp, err := c.Do(http.MethodGet, "/runs", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, gotAuth)
}

func TestDo_ConnectionRefused(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "")
	_, err := c.Do(http.MethodGet, "/runs", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute request")
}

// === CheckError ===

func TestCheckError_SuccessRange(t *testing.T) {
	for _, statusCode := range []int{200, 201, 204} {
		resp := &http.Response{
			StatusCode: statusCode,
			Body:       io.NopCloser(strings.NewReader("")),
		}
		assert.NoError(t, CheckError(resp))
	}
}

func TestCheckError_StructuredError(t *testing.T) {
	body := `{"code":404,"message":"query document nope not found"}`
	resp := &http.Response{
		StatusCode: 404,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	err := CheckError(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (HTTP 404): query document nope not found")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.HTTPStatus)
	assert.Equal(t, 404, apiErr.Code)
}

func TestCheckError_RawBodyFallback(t *testing.T) {
	resp := &http.Response{
		StatusCode: 500,
		Body:       io.NopCloser(strings.NewReader("Internal Server Error")),
	}
	err := CheckError(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (HTTP 500): Internal Server Error")
}

func TestCheckError_EmptyBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: 500,
		Body:       io.NopCloser(strings.NewReader("")),
	}
	err := CheckError(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (HTTP 500): ")
}
