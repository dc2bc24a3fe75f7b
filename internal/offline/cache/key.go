package cache

import (
	"net"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL returns the canonical form used in cache keys: lower-cased scheme
// and host, default ports dropped, fragment removed, empty path as "/", and
// query parameters sorted by name.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = normalizeHost(n.Scheme, n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	if n.Path == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	n.RawQuery = sortedQuery(n.RawQuery)
	n.ForceQuery = false

	return n.String()
}

// RequestKey identifies a cache entry by method and normalized URL.
func RequestKey(method string, u *url.URL) string {
	return strings.ToUpper(method) + " " + NormalizeURL(u)
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// sortedQuery orders parameters by name, keeping the relative order of
// repeated names.
func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	filtered := parts[:0]
	for _, p := range parts {
		if p != "" {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return queryName(filtered[i]) < queryName(filtered[j])
	})
	return strings.Join(filtered, "&")
}

func queryName(pair string) string {
	name, _, _ := strings.Cut(pair, "=")
	return name
}
