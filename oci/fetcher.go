// Package oci provides a rangecache.Fetcher for blobs stored in OCI
// registries.
//
// Resource keys are digest references of the form
// "registry/repository@sha256:<hex>", optionally prefixed with "oci://".
// Blobs are content addressed, so a key always names the same bytes and
// resolved descriptors are kept for the lifetime of the Fetcher.
package oci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/rangecache"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "rangecache"

// ErrInvalidKey is returned for keys that are not digest references.
var ErrInvalidKey = errors.New("oci: key must be a digest reference")

var (
	_ rangecache.Fetcher = (*Fetcher)(nil)
	_ rangecache.Sizer   = (*Fetcher)(nil)
)

// Fetcher reads byte ranges of registry blobs.
type Fetcher struct {
	plainHTTP  bool
	anonymous  bool
	userAgent  string
	credStore  credentials.Store
	httpClient *http.Client
	logger     *slog.Logger

	authClient *auth.Client

	mu    sync.Mutex
	descs map[string]ocispec.Descriptor
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithPlainHTTP uses HTTP instead of HTTPS for registry requests.
func WithPlainHTTP(plain bool) Option {
	return func(f *Fetcher) {
		f.plainHTTP = plain
	}
}

// WithCredentialStore sets the store consulted for registry credentials.
func WithCredentialStore(store credentials.Store) Option {
	return func(f *Fetcher) {
		f.credStore = store
	}
}

// WithStaticCredentials authenticates to one registry with a username and
// password.
func WithStaticCredentials(registry, username, password string) Option {
	return func(f *Fetcher) {
		f.credStore = StaticCredentials(registry, username, password)
	}
}

// WithStaticToken authenticates to one registry with a bearer token.
func WithStaticToken(registry, token string) Option {
	return func(f *Fetcher) {
		f.credStore = StaticToken(registry, token)
	}
}

// WithDockerConfig reads credentials from the Docker config and its
// credential helpers. A config that cannot be loaded leaves the Fetcher
// anonymous.
func WithDockerConfig() Option {
	return func(f *Fetcher) {
		store, err := DockerCredentialStore()
		if err != nil {
			f.log().Warn("docker credentials unavailable", "error", err)
			return
		}
		f.credStore = store
	}
}

// WithAnonymous skips credential lookup entirely.
func WithAnonymous() Option {
	return func(f *Fetcher) {
		f.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithHTTPClient sets the client under the authenticating transport. The
// default retries failed requests with backoff.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = client
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
		userAgent:  DefaultUserAgent,
		httpClient: retry.DefaultClient,
		descs:      make(map[string]ocispec.Descriptor),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = retry.DefaultClient
	}

	f.authClient = &auth.Client{
		Client: f.httpClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if f.anonymous || f.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return f.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{f.userAgent},
		},
	}
	return f
}

func (f *Fetcher) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// Fetch streams bytes [pos, pos+length) of the blob named by key.
//
// A range starting at or past the end of the blob yields an empty stream.
// Failures are returned as *rangecache.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error) {
	if pos < 0 || length <= 0 {
		return nil, fetchError(rangecache.Permanent, fmt.Errorf("invalid range [%d,+%d)", pos, length))
	}
	repo, ref, err := f.repository(key)
	if err != nil {
		return nil, err
	}
	desc, err := f.resolve(ctx, key, repo, ref)
	if err != nil {
		return nil, err
	}
	if pos >= desc.Size {
		return io.NopCloser(strings.NewReader("")), nil
	}

	f.log().Debug("blob range request", "key", key, "position", pos, "length", length)
	rc, err := repo.Blobs().Fetch(ctx, desc)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if pos > 0 {
		if err := skip(rc, pos); err != nil {
			_ = rc.Close()
			return nil, classify(ctx, err)
		}
	}
	return &blobReadCloser{
		body:   rc,
		reader: io.LimitReader(rc, length),
	}, nil
}

// Size returns the blob size from its descriptor.
func (f *Fetcher) Size(ctx context.Context, key string) (int64, error) {
	repo, ref, err := f.repository(key)
	if err != nil {
		return 0, err
	}
	desc, err := f.resolve(ctx, key, repo, ref)
	if err != nil {
		return 0, err
	}
	return desc.Size, nil
}

// repository parses key and prepares a Repository using the shared auth
// client, so tokens are reused across requests.
func (f *Fetcher) repository(key string) (*remote.Repository, registry.Reference, error) {
	ref, err := ParseKey(key)
	if err != nil {
		return nil, registry.Reference{}, fetchError(rangecache.Permanent, err)
	}
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, registry.Reference{}, fetchError(rangecache.Permanent, err)
	}
	repo.PlainHTTP = f.plainHTTP
	repo.Client = f.authClient
	return repo, ref, nil
}

func (f *Fetcher) resolve(ctx context.Context, key string, repo *remote.Repository, ref registry.Reference) (ocispec.Descriptor, error) {
	f.mu.Lock()
	desc, ok := f.descs[key]
	f.mu.Unlock()
	if ok {
		return desc, nil
	}

	desc, err := repo.Blobs().Resolve(ctx, ref.Reference)
	if err != nil {
		return ocispec.Descriptor{}, classify(ctx, err)
	}
	f.mu.Lock()
	f.descs[key] = desc
	f.mu.Unlock()
	return desc, nil
}

// ParseKey parses a blob key into a registry reference. The reference
// must carry a digest.
func ParseKey(key string) (registry.Reference, error) {
	ref, err := registry.ParseReference(strings.TrimPrefix(key, "oci://"))
	if err != nil {
		return registry.Reference{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if _, err := ref.Digest(); err != nil {
		return registry.Reference{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return ref, nil
}

// skip advances rc to pos. Registries that support range requests return
// a seekable body; others are read through.
func skip(rc io.ReadCloser, pos int64) error {
	if seeker, ok := rc.(io.Seeker); ok {
		_, err := seeker.Seek(pos, io.SeekStart)
		return err
	}
	n, err := io.CopyN(io.Discard, rc, pos)
	if err == io.EOF {
		return fmt.Errorf("blob ended at %d before offset %d", n, pos)
	}
	return err
}

type blobReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

func (r *blobReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *blobReadCloser) Close() error {
	return r.body.Close()
}

func fetchError(kind rangecache.FetchKind, err error) error {
	return &rangecache.FetchError{Kind: kind, Err: err}
}

// classify maps registry failures onto fetch error kinds. Missing blobs and
// missing or rejected credentials are permanent. Context errors pass through unchanged.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, errdef.ErrNotFound) || errors.Is(err, auth.ErrBasicCredentialNotFound) {
		return fetchError(rangecache.Permanent, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch code := errResp.StatusCode; {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
			return fetchError(rangecache.Transient, err)
		default:
			return fetchError(rangecache.Permanent, err)
		}
	}
	return fetchError(rangecache.Transient, err)
}
