/*
Package session keeps an authenticated HTTP session against a backend that
issues rotating access and refresh tokens, an anti-CSRF token and a
front-token describing the session.

A Client intercepts outgoing requests to the configured API domain (and,
optionally, a broader session scope), attaches the stored credentials,
persists whatever rotated credentials come back, and when a response carries
the session-expired status it refreshes the session and retries. Concurrent
requests that observe the same expired credentials trigger exactly one call
to the refresh endpoint; the rest wait for it and retry with the new tokens.

Build a client once and share it:

	store, _ := storage.NewSQLite("tokens.db")
	client, err := session.New(store, session.Config{
		APIDomain: "https://api.example.com",
	})
	httpClient := &http.Client{Transport: client.Transport(nil)}

For transports built from middleware chains, use (*Client).Middleware with
Chain instead.

Event handlers run synchronously. Events raised during a refresh are
delivered after the refresh lock is released, so a handler may issue
requests through the same client.
*/
package session
