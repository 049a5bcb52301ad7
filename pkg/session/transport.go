package session

import "net/http"

// Transport is an http.RoundTripper that runs every request through a
// Client before handing it to Base.
type Transport struct {
	Client *Client
	Base   http.RoundTripper
}

// Transport wraps base, or http.DefaultTransport when base is nil.
func (c *Client) Transport(base http.RoundTripper) *Transport {
	return &Transport{Client: c, Base: base}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return t.Client.intercept(req, nil, base.RoundTrip)
}

// Do sends a single request through the client with an optional
// customization, using the transport of Config.HTTPClient. That transport
// may itself contain this client's Transport or Middleware; the request is
// only intercepted once. Redirects are not followed.
func (c *Client) Do(req *http.Request, custom *Customization) (*http.Response, error) {
	if !c.initialised() {
		closeRequestBody(req)
		return nil, ErrNotInitialized
	}
	return c.intercept(req, custom, c.cfg.transport().RoundTrip)
}
