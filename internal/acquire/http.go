package acquire

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	HostRate     rate.Limit
	HostBurst    int
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Request is one fetch attempt against a source URL. ETag and LastModified,
// when present from an earlier fetch, make the request conditional.
type Request struct {
	URL          string
	ETag         string
	LastModified string
}

// Response is the decoded result of a successful fetch.
type Response struct {
	FinalURL      string
	RedirectChain []string
	StatusCode    int
	ContentType   string // media type without parameters
	Body          []byte // charset-decoded for text types, raw for PDF
	ETag          string
	LastModified  string
	NotModified   bool
}

// HTTPFetcher fetches URLs with per-host adaptive rate limiting, manual
// redirect following and conditional-request support.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = 5
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.HostRate == 0 {
		opts.HostRate = 5
	}
	if opts.HostBurst == 0 {
		opts.HostBurst = 5
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "research-pipeline/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			// Redirects are followed manually so the chain can be recorded
			// and loops detected.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// limiterFor returns the adaptive limiter for the host, creating one at the
// base rate on first sight.
func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(f.opts.HostRate, f.opts.HostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch performs one conditional GET, following redirects manually. Errors
// are always *FetchError, classified terminal or retryable.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	current := req.URL
	visited := map[string]bool{}
	var chain []string

	for hop := 0; ; hop++ {
		if visited[current] {
			return nil, terminalErr(ReasonRedirectLimit, eris.Errorf("acquire: redirect loop at %s", current))
		}
		if hop > f.opts.MaxRedirects {
			return nil, terminalErr(ReasonRedirectLimit, eris.Errorf("acquire: more than %d redirects from %s", f.opts.MaxRedirects, req.URL))
		}
		visited[current] = true

		resp, err := f.do(ctx, current, req)
		if err != nil {
			return nil, err
		}

		if loc := redirectLocation(resp); loc != "" {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			chain = append(chain, current)
			current = loc
			continue
		}

		return f.finish(resp, current, chain)
	}
}

func (f *HTTPFetcher) do(ctx context.Context, rawURL string, req Request) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, retryableErr(ReasonDNS, eris.Wrapf(err, "acquire: parse url %s", rawURL))
	}

	if err := f.limiterFor(u.Host).Wait(ctx); err != nil {
		return nil, retryableErr(ReasonHTTPOrOther, eris.Wrap(err, "acquire: rate limiter wait"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retryableErr(ReasonHTTPOrOther, eris.Wrap(err, "acquire: create request"))
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

// finish handles the terminal response of the redirect loop.
func (f *HTTPFetcher) finish(resp *http.Response, finalURL string, chain []string) (*Response, error) {
	defer func() { _ = resp.Body.Close() }()

	lim := f.limiterFor(hostOf(finalURL))

	switch {
	case resp.StatusCode == http.StatusNotModified:
		lim.OnSuccess()
		return &Response{
			FinalURL:      finalURL,
			RedirectChain: chain,
			StatusCode:    resp.StatusCode,
			NotModified:   true,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		}
		ferr := retryableErr(ReasonHTTPOrOther, eris.Errorf("HTTP %d", resp.StatusCode))
		ferr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, ferr

	case resp.StatusCode >= 400:
		return nil, retryableErr(ReasonHTTPOrOther, eris.Errorf("HTTP %d", resp.StatusCode))
	}

	mediaType, charsetLabel := parseContentType(resp.Header.Get("Content-Type"))
	if mediaType != "" && !allowedContentTypes[mediaType] {
		return nil, terminalErr(ReasonUnsupportedType, eris.Errorf("acquire: unsupported content type %q", mediaType))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, terminalErr(ReasonTooLarge, eris.Errorf("acquire: body over %d bytes from %s", f.opts.MaxBodyBytes, finalURL))
	}

	if mediaType != "application/pdf" {
		body = decodeCharset(body, charsetLabel)
	}

	lim.OnSuccess()
	return &Response{
		FinalURL:      finalURL,
		RedirectChain: chain,
		StatusCode:    resp.StatusCode,
		ContentType:   mediaType,
		Body:          body,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
	}, nil
}

// redirectLocation resolves the Location header against the response URL for
// 3xx responses, or returns "".
func redirectLocation(resp *http.Response) string {
	if resp.StatusCode < 300 || resp.StatusCode > 308 || resp.StatusCode == http.StatusNotModified {
		return ""
	}
	loc, err := resp.Location()
	if err != nil {
		return ""
	}
	return loc.String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func parseContentType(header string) (mediaType, charsetLabel string) {
	if header == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0])), ""
	}
	return mt, params["charset"]
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// decodeCharset converts the body to UTF-8 using the Content-Type charset
// label. Unknown labels and UTF-8 pass through unchanged.
func decodeCharset(body []byte, label string) []byte {
	if label == "" || strings.EqualFold(label, "utf-8") {
		return body
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		zap.L().Debug("acquire: unknown charset label, keeping raw bytes", zap.String("charset", label))
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}
