// Package acquire turns attached source documents into stored text: HTTP and
// FTP retrieval, charset decoding, HTML and PDF text extraction, and the
// per-document retry bookkeeping the fetch step runs on. Failures are
// classified as terminal or retryable per document; one bad document never
// aborts its siblings.
package acquire

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Terminal per-document failure reasons. A document failed for one of these
// is excluded from every future fetch batch.
const (
	ReasonRedirectLimit   = "redirect_limit_reached"
	ReasonUnsupportedType = "unsupported_content_type"
	ReasonTooLarge        = "fetch_too_large"
	ReasonMissingPDFBytes = "missing_pdf_bytes"
	ReasonUnextractable   = "unextractable_pdf"
)

// Retryable failure classifications recorded as retry_reason.
const (
	ReasonTimeout     = "fetch_timed_out"
	ReasonDNS         = "dns_or_invalid_host"
	ReasonHTTPOrOther = "http_error_or_status"
)

// FetchError is a classified per-document fetch failure.
type FetchError struct {
	Reason     string
	Terminal   bool
	RetryAfter time.Duration // from a Retry-After header, 0 when absent
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Reason
}

func (e *FetchError) Unwrap() error { return e.Err }

func terminalErr(reason string, err error) *FetchError {
	return &FetchError{Reason: reason, Terminal: true, Err: err}
}

func retryableErr(reason string, err error) *FetchError {
	return &FetchError{Reason: reason, Err: err}
}

var dnsErrorMarkers = []string{
	"getaddrinfo",
	"name or service not known",
	"temporary failure in name resolution",
	"nodename nor servname",
	"invalid host",
	"no such host",
}

// classifyTransportError maps a transport-level error to a retryable
// FetchError: timeouts keep their own reason so operators can tell a slow
// host from a dead one, DNS-shaped failures get dns_or_invalid_host, and
// everything else falls into the generic bucket.
func classifyTransportError(err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return retryableErr(ReasonTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retryableErr(ReasonTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range dnsErrorMarkers {
		if strings.Contains(msg, marker) {
			return retryableErr(ReasonDNS, err)
		}
	}
	return retryableErr(ReasonHTTPOrOther, err)
}

// allowedContentTypes is the media-type whitelist for fetched responses.
var allowedContentTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
	"text/plain":            true,
	"application/pdf":       true,
	"application/json":      true,
}

// NormalizeLineEndings converts CRLF and bare CR to LF. Content hashes are
// computed over the normalized form so the same document fetched from
// different servers hashes identically.
func NormalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
