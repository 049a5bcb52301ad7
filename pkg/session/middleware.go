package session

import "net/http"

// RoundTripFunc adapts a function to http.RoundTripper.
type RoundTripFunc func(*http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps the rest of a transport chain. It receives the request
// and the next step, and decides whether and how to call it.
type Middleware func(req *http.Request, next RoundTripFunc) (*http.Response, error)

// Middleware returns the session interceptor as a chain element.
func (c *Client) Middleware() Middleware {
	return func(req *http.Request, next RoundTripFunc) (*http.Response, error) {
		return c.intercept(req, nil, next)
	}
}

// Chain builds a transport that runs mws in order, the first one outermost,
// ending in base. A nil base means http.DefaultTransport.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	next := RoundTripFunc(base.RoundTrip)
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func(req *http.Request) (*http.Response, error) {
			return mw(req, inner)
		}
	}
	return next
}
