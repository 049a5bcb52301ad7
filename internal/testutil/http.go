package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// HTTPResult captures HTTP response details for test assertions
type HTTPResult struct {
	Code    int
	Error   error
	Headers http.Header
	Cookies []*http.Cookie
	Body    []byte
}

// Header represents an HTTP header key-value pair
type Header struct {
	Key   string
	Value string
}

// ContentTypeJSON returns a header for JSON content type
func ContentTypeJSON() Header {
	return Header{
		Key:   "Content-Type",
		Value: "application/json",
	}
}

// Bearer returns an Authorization header for token
func Bearer(token string) Header {
	return Header{
		Key:   "Authorization",
		Value: "Bearer " + token,
	}
}

// ExpectStatus validates the HTTP status code and fails the test if it doesn't match
func ExpectStatus(
	t *testing.T,
	expected int,
	result HTTPResult,
) {
	t.Helper()
	if result.Error != nil {
		t.Fatalf("request error: %v", result.Error)
	}
	if result.Code != expected {
		t.Fatalf("expected status %d, got %d. Body: %s", expected, result.Code, string(result.Body))
	}
}

// ExpectHeader validates that a response header is present with the given value
func ExpectHeader(
	t *testing.T,
	result HTTPResult,
	key string,
	expected string,
) {
	t.Helper()
	values, ok := result.Headers[http.CanonicalHeaderKey(key)]
	if !ok {
		t.Fatalf("expected header %q, got none", key)
	}
	if values[0] != expected {
		t.Fatalf("expected header %q to be %q, got %q", key, expected, values[0])
	}
}

// Get performs a GET request and optionally decodes JSON response
func Get(
	router http.Handler,
	url string,
	response any,
	headers ...Header,
) HTTPResult {
	return Do(router, http.MethodGet, url, "", response, headers...)
}

// Post performs a POST request and optionally decodes JSON response
func Post(
	router http.Handler,
	url string,
	body string,
	response any,
	headers ...Header,
) HTTPResult {
	return Do(router, http.MethodPost, url, body, response, headers...)
}

// PostJSON performs a POST with JSON body
func PostJSON(
	router http.Handler,
	urlPath string,
	body string,
	response any,
	headers ...Header,
) HTTPResult {
	return Post(router, urlPath, body, response, append(headers, ContentTypeJSON())...)
}

// Do serves a request on router and optionally decodes the JSON response
func Do(
	router http.Handler,
	method string,
	url string,
	body string,
	response any,
	headers ...Header,
) HTTPResult {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	res := httptest.NewRecorder()
	for _, h := range headers {
		if h.Key == "Cookie" {
			req.Header.Add(h.Key, h.Value)
			continue
		}
		req.Header.Set(h.Key, h.Value)
	}
	router.ServeHTTP(res, req)

	result := HTTPResult{
		Code:    res.Code,
		Headers: res.Header(),
		Cookies: res.Result().Cookies(),
		Body:    res.Body.Bytes(),
	}
	if response != nil && res.Body.Len() > 0 {
		if err := json.Unmarshal(res.Body.Bytes(), response); err != nil {
			result.Error = fmt.Errorf("failed to decode JSON: %v\n%s", err, res.Body.String())
		}
	}
	return result
}
