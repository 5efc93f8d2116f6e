package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.HostRate == 0 {
		opts.HostRate = 1000
		opts.HostBurst = 1000
	}
	return NewHTTPFetcher(opts)
}

func TestFetch_FollowsRedirectsAndRecordsChain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/middle", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "landed")
	})

	f := newTestFetcher(HTTPOptions{})
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/start"})
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/final", resp.FinalURL)
	assert.Equal(t, []string{srv.URL + "/start", srv.URL + "/middle"}, resp.RedirectChain)
	assert.Equal(t, "landed", string(resp.Body))
	assert.Equal(t, "text/plain", resp.ContentType)
}

func TestFetch_RedirectLoopIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/a", http.StatusFound)
	})

	f := newTestFetcher(HTTPOptions{})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/a"})
	require.Error(t, err)

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.True(t, ferr.Terminal)
	assert.Equal(t, ReasonRedirectLimit, ferr.Reason)
}

func TestFetch_RedirectLimitIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for i := 0; i < 10; i++ {
		next := srv.URL + fmt.Sprintf("/hop%d", i+1)
		mux.HandleFunc(fmt.Sprintf("/hop%d", i), func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, next, http.StatusFound)
		})
	}

	f := newTestFetcher(HTTPOptions{MaxRedirects: 3})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/hop0"})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, ReasonRedirectLimit, ferr.Reason)
	assert.True(t, ferr.Terminal)
}

func TestFetch_ConditionalRequestNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	resp, err := f.Fetch(context.Background(), Request{
		URL:          srv.URL,
		ETag:         `"v1"`,
		LastModified: "Wed, 01 Jan 2025 00:00:00 GMT",
	})
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Empty(t, resp.Body)
}

func TestFetch_RetryAfterOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.False(t, ferr.Terminal)
	assert.Equal(t, ReasonHTTPOrOther, ferr.Reason)
	assert.Equal(t, 7*time.Second, ferr.RetryAfter)
	assert.Contains(t, ferr.Error(), "HTTP 429")
}

func TestFetch_ClientErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.False(t, ferr.Terminal)
	assert.Equal(t, ReasonHTTPOrOther, ferr.Reason)
	assert.Contains(t, ferr.Error(), "HTTP 404")
}

func TestFetch_UnsupportedContentTypeIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "not a document")
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.True(t, ferr.Terminal)
	assert.Equal(t, ReasonUnsupportedType, ferr.Reason)
}

func TestFetch_BodyOverCapIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 2048))
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{MaxBodyBytes: 1024})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.True(t, ferr.Terminal)
	assert.Equal(t, ReasonTooLarge, ferr.Reason)
}

func TestFetch_DecodesDeclaredCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		// "Malmö" in Latin-1.
		_, _ = w.Write([]byte{'M', 'a', 'l', 'm', 0xf6})
	}))
	defer srv.Close()

	f := newTestFetcher(HTTPOptions{})
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Malmö", string(resp.Body))
}

func TestFetch_UnresolvableHostIsDNSReason(t *testing.T) {
	f := newTestFetcher(HTTPOptions{Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), Request{URL: "http://definitely-not-a-real-host.invalid/page"})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.False(t, ferr.Terminal)
	assert.Equal(t, ReasonDNS, ferr.Reason)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 80*time.Second)
	assert.LessOrEqual(t, got, 90*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestAdaptiveLimiter_AdjustsWithinBounds(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnRateLimit()
	assert.Equal(t, rate.Limit(5), lim.Limit())

	for i := 0; i < 20; i++ {
		lim.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), lim.Limit())

	for i := 0; i < 50; i++ {
		lim.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), lim.Limit())
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, ReasonTimeout, classifyTransportError(context.DeadlineExceeded).Reason)
	assert.Equal(t, ReasonDNS, classifyTransportError(errors.New("lookup x.invalid: no such host")).Reason)
	assert.Equal(t, ReasonDNS, classifyHelper(t, "getaddrinfo ENOTFOUND"))
	assert.Equal(t, ReasonHTTPOrOther, classifyTransportError(errors.New("connection refused")).Reason)
}

func classifyHelper(t *testing.T, msg string) string {
	t.Helper()
	return classifyTransportError(errors.New(msg)).Reason
}
