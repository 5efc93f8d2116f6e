// Package normalize holds the deterministic normalizers shared by
// acquisition, prospect mining, entity resolution and the assignment store.
// Everything here is a pure function; identical input always yields an
// identical result, which is what the pipeline's idempotency hangs on.
package normalize

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrEmptyURL is returned for blank input.
	ErrEmptyURL = eris.New("normalize: empty_url")
	// ErrInvalidHost is returned when no host can be parsed.
	ErrInvalidHost = eris.New("normalize: invalid_host")
)

var multiSlash = regexp.MustCompile(`/+`)

// CanonicalURL returns a normalized, deterministic URL for deduping.
// Rules: default scheme http when missing; lowercase scheme/host; drop
// query/fragment; remove default ports 80/443; collapse duplicate slashes;
// strip the trailing slash except at the root.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrap(ErrInvalidHost, err.Error())
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrInvalidHost
	}

	netloc := host
	if port := u.Port(); port != "" {
		if !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
			netloc = host + ":" + port
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	path = multiSlash.ReplaceAllString(path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	return scheme + "://" + netloc + path, nil
}

// Domain reduces a URL or bare host to its comparable domain form: scheme and
// www. prefix stripped, lowercased, no trailing slash or path.
func Domain(raw string) string {
	d := strings.TrimSpace(raw)
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.ToLower(d)
}

// LinkedIn normalizes a profile URL for exact matching: https scheme
// defaulted, host and path lowercased, query/fragment and the trailing slash
// removed. Returns "" for blank input.
func LinkedIn(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(strings.TrimSuffix(raw, "/"))
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(strings.TrimSuffix(u.EscapedPath(), "/"))
	return "https://" + host + path
}
