// Package scope normalises configured domains and paths and decides whether a
// request URL falls inside the interception scope of a session client.
package scope

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidDomain = errors.New("invalid domain")
	ErrInvalidPath   = errors.New("invalid path")
)

// NormaliseDomain turns a configured domain ("example.com", "https://api.example.com/",
// "localhost:3000") into "scheme://host[:port]". Hosts without a scheme get
// https, except localhost and IP addresses which get http.
func NormaliseDomain(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}

	withScheme := trimmed
	if !strings.HasPrefix(strings.ToLower(trimmed), "http://") &&
		!strings.HasPrefix(strings.ToLower(trimmed), "https://") {
		scheme := "https://"
		if isLocal(hostOnly(trimmed)) {
			scheme = "http://"
		}
		withScheme = scheme + trimmed
	}

	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, input)
	}

	return strings.ToLower(u.Scheme) + "://" + hostPort(u), nil
}

// NormalisePath returns a path with a single leading slash and no trailing
// slash. The root path normalises to "".
func NormalisePath(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, input)
		}
		trimmed = u.Path
	}
	if strings.ContainsAny(trimmed, "?#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, input)
	}

	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", nil
	}
	return "/" + trimmed, nil
}

// NormaliseSessionScope lowercases a session scope and strips scheme and
// path. A leading dot is kept, except for localhost and IP addresses.
func NormaliseSessionScope(input string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty session scope", ErrInvalidDomain)
	}

	dotted := strings.HasPrefix(trimmed, ".")
	noDot := strings.TrimPrefix(trimmed, ".")
	if !strings.HasPrefix(noDot, "http://") && !strings.HasPrefix(noDot, "https://") {
		noDot = "http://" + noDot
	}

	u, err := url.Parse(noDot)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("%w: session scope %q", ErrInvalidDomain, input)
	}

	normalised := u.Hostname()
	if port := u.Port(); port != "" {
		normalised = net.JoinHostPort(normalised, port)
	}
	if isLocal(u.Hostname()) {
		return normalised, nil
	}
	if dotted {
		return "." + normalised, nil
	}
	return normalised, nil
}

// ShouldIntercept reports whether requestURL targets the configured API
// domain or, when sessionScope is set, the scope domain or any subdomain of
// it. Comparison is case-insensitive. Ports only matter for the API domain
// and for scopes that carry one.
func ShouldIntercept(
	requestURL string,
	apiDomain string,
	sessionScope string,
) (bool, error) {
	target, err := url.Parse(requestURL)
	if err != nil {
		return false, fmt.Errorf("parse request url: %w", err)
	}
	if target.Host == "" {
		return false, nil
	}

	normalisedAPI, err := NormaliseDomain(apiDomain)
	if err != nil {
		return false, err
	}
	api, err := url.Parse(normalisedAPI)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidDomain, apiDomain)
	}

	matchesAPI := hostPort(target) == hostPort(api)
	if sessionScope == "" || matchesAPI {
		return matchesAPI, nil
	}

	normalisedScope, err := NormaliseSessionScope(sessionScope)
	if err != nil {
		return false, err
	}

	host := strings.ToLower(target.Hostname())
	scopeHost := normalisedScope
	if h, p, err := net.SplitHostPort(strings.TrimPrefix(normalisedScope, ".")); err == nil {
		if p != effectivePort(target) {
			return false, nil
		}
		scopeHost = h
		if strings.HasPrefix(normalisedScope, ".") {
			scopeHost = "." + h
		}
	}

	return MatchesDomainOrSubdomain(host, scopeHost), nil
}

// MatchesDomainOrSubdomain reports whether any dot-suffix of hostname equals
// scope, with or without scope's leading dot.
func MatchesDomainOrSubdomain(hostname string, scope string) bool {
	labels := strings.Split(hostname, ".")
	for i := range labels {
		candidate := strings.Join(labels[i:], ".")
		if candidate == scope || "."+candidate == scope {
			return true
		}
	}
	return false
}

// hostPort returns the lowercased host with the port kept only when it is
// not the scheme default.
func hostPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || port == defaultPort(u.Scheme) {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	return defaultPort(u.Scheme)
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

func hostOnly(raw string) string {
	host := raw
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

func isLocal(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || net.ParseIP(host) != nil
}
