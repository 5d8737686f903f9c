// Package http provides a rangecache.Fetcher backed by HTTP range requests.
//
// Resource keys are absolute URLs. Redirects, including ones that switch
// between http and https, are followed by the underlying client.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/rangecache"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "rangecache"

// drainLimit bounds how much of an abandoned body is read to reuse the connection.
const drainLimit = 64 << 10

var (
	_ rangecache.Fetcher = (*Fetcher)(nil)
	_ rangecache.Sizer   = (*Fetcher)(nil)
)

// Fetcher fetches byte ranges of URLs.
type Fetcher struct {
	client    *nethttp.Client
	headers   nethttp.Header
	userAgent string
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithLogger sets the logger for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    nethttp.DefaultClient,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	return f
}

func (f *Fetcher) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// Fetch requests bytes [pos, pos+length) of the URL key.
//
// A range starting at or past the end of the resource yields an empty
// stream. Servers may answer with fewer bytes than requested; the rest of
// the range is requested as the stream is read. Failures are returned as
// *rangecache.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error) {
	if pos < 0 || length <= 0 {
		return nil, fetchError(rangecache.Permanent, fmt.Errorf("invalid range [%d,+%d)", pos, length))
	}
	r := &rangeReadCloser{
		f:   f,
		ctx: ctx,
		key: key,
		pos: pos,
		end: pos + length,
	}
	if err := r.next(); err != nil {
		return nil, err
	}
	return r, nil
}

// get issues one range request. It returns the body limited to the bytes
// the server agreed to send and the resource size, or -1 if unknown.
func (f *Fetcher) get(ctx context.Context, key string, pos, length int64) (io.ReadCloser, io.Reader, int64, error) {
	req, err := f.newRequest(ctx, nethttp.MethodGet, key)
	if err != nil {
		return nil, nil, 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", pos, pos+length-1))

	f.log().Debug("range request", "url", key, "position", pos, "length", length)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, 0, transportError(ctx, err)
	}

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		start, end, size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			closeBody(resp.Body)
			return nil, nil, 0, fetchError(rangecache.Permanent, err)
		}
		if start != pos {
			closeBody(resp.Body)
			return nil, nil, 0, fetchError(rangecache.Permanent, fmt.Errorf("server returned range starting at %d, want %d", start, pos))
		}
		return resp.Body, io.LimitReader(resp.Body, min(length, end-start+1)), size, nil
	case nethttp.StatusOK:
		// The server ignored the Range header. That is only usable from 0.
		if pos != 0 {
			_ = resp.Body.Close()
			return nil, nil, 0, fetchError(rangecache.Permanent, errors.New("range requests not supported"))
		}
		return resp.Body, io.LimitReader(resp.Body, length), resp.ContentLength, nil
	case nethttp.StatusRequestedRangeNotSatisfiable:
		closeBody(resp.Body)
		empty := io.NopCloser(strings.NewReader(""))
		return empty, empty, pos, nil
	default:
		closeBody(resp.Body)
		return nil, nil, 0, statusError(resp)
	}
}

// Size returns the size of the resource, using HEAD and falling back to a
// one-byte range probe.
func (f *Fetcher) Size(ctx context.Context, key string) (int64, error) {
	req, err := f.newRequest(ctx, nethttp.MethodHead, key)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode == nethttp.StatusOK && resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}
	} else if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return f.rangeProbe(ctx, key)
}

func (f *Fetcher) rangeProbe(ctx context.Context, key string) (int64, error) {
	req, err := f.newRequest(ctx, nethttp.MethodGet, key)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, transportError(ctx, err)
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			if resp.ContentLength >= 0 {
				return resp.ContentLength, nil
			}
			return 0, fetchError(rangecache.Permanent, errors.New("range requests not supported"))
		}
		return 0, statusError(resp)
	}
	_, _, size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, fetchError(rangecache.Permanent, err)
	}
	if size < 0 {
		return 0, fetchError(rangecache.Permanent, errors.New("range probe returned unknown size"))
	}
	return size, nil
}

func (f *Fetcher) newRequest(ctx context.Context, method, url string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fetchError(rangecache.Permanent, err)
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("User-Agent") == "" && f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// rangeReadCloser streams [pos, end), issuing follow-up requests when the
// server sends a shorter range than asked for.
type rangeReadCloser struct {
	f   *Fetcher
	ctx context.Context
	key string

	body    io.ReadCloser
	reader  io.Reader
	pos     int64 // next byte
	end     int64
	size    int64 // -1 when unknown
	segRead int64 // bytes read from the current response
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	for {
		n, err := r.reader.Read(p)
		r.pos += int64(n)
		r.segRead += int64(n)
		if !errors.Is(err, io.EOF) {
			return n, err
		}
		if n > 0 {
			if r.more() {
				err = nil
			}
			return n, err
		}
		// A response that ended without sending anything means the
		// resource has no more bytes to give.
		if r.segRead == 0 || !r.more() {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			return 0, err
		}
	}
}

func (r *rangeReadCloser) more() bool {
	return r.pos < r.end && (r.size < 0 || r.pos < r.size)
}

// next replaces the current response with a request for the rest of the range.
func (r *rangeReadCloser) next() error {
	if r.body != nil {
		closeBody(r.body)
		r.body = nil
	}
	body, reader, size, err := r.f.get(r.ctx, r.key, r.pos, r.end-r.pos)
	if err != nil {
		return err
	}
	r.body, r.reader, r.size, r.segRead = body, reader, size, 0
	return nil
}

func (r *rangeReadCloser) Close() error {
	if r.body == nil {
		return nil
	}
	_, _ = io.CopyN(io.Discard, r.reader, drainLimit)
	err := r.body.Close()
	r.body = nil
	return err
}

func closeBody(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, drainLimit)
	_ = body.Close()
}

func fetchError(kind rangecache.FetchKind, err error) error {
	return &rangecache.FetchError{Kind: kind, Err: err}
}

// statusError classifies an unexpected response status.
func statusError(resp *nethttp.Response) error {
	err := fmt.Errorf("range request failed: %s", resp.Status)
	switch code := resp.StatusCode; {
	case code == nethttp.StatusRequestTimeout, code == nethttp.StatusTooManyRequests, code >= 500:
		return fetchError(rangecache.Transient, err)
	default:
		return fetchError(rangecache.Permanent, err)
	}
}

// transportError classifies a failed round trip. Context errors are
// returned unchanged so cancellation is not mistaken for a fetch failure.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fetchError(rangecache.Transient, err)
}

// parseContentRange parses "bytes start-end/size". Size is -1 when the
// server reports it as "*".
func parseContentRange(value string) (start, end, size int64, err error) {
	invalid := fmt.Errorf("invalid Content-Range %q", value)
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, 0, invalid
	}
	rng, total, ok := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !ok {
		return 0, 0, 0, invalid
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, invalid
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil || start < 0 {
		return 0, 0, 0, invalid
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
		return 0, 0, 0, invalid
	}
	if total == "*" {
		return start, end, -1, nil
	}
	if size, err = strconv.ParseInt(total, 10, 64); err != nil || size <= end {
		return 0, 0, 0, invalid
	}
	return start, end, size, nil
}
