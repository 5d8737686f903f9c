package rangecache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry schedule for transient fetch failures.
const (
	defaultRetryInitial = 100 * time.Millisecond
	defaultRetryMax     = 2 * time.Second
)

// Fetcher opens upstream reads of a remote resource.
//
// Fetch returns a stream of the bytes [pos, pos+length) of key, or fewer if
// the resource ends earlier. A stream that ends early is continued with a
// new Fetch from the first missing byte; a Fetch that yields no bytes marks
// the end of the resource. Failures should be reported as
// *FetchError so the cache can tell transient from permanent ones; any other
// error is treated as transient.
type Fetcher interface {
	Fetch(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error)
}

// Sizer is implemented by fetchers that can report the total size of a
// resource.
type Sizer interface {
	Size(ctx context.Context, key string) (int64, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error) {
	return f(ctx, key, pos, length)
}

// open starts an upstream read, retrying transient failures with
// exponential backoff. It returns a *FetchError or a context error.
func (c *Cache) open(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error) {
	var body io.ReadCloser
	op := func() error {
		rc, err := c.fetcher.Fetch(ctx, key, pos, length)
		if err == nil {
			body = rc
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		err = classifyFetchError(key, pos, length, err)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.counters.fetchRetries.Add(1)
		c.log().Debug("retrying upstream fetch", "key", key, "position", pos, "length", length, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classifyFetchError(key, pos, length, err)
	}
	return body, nil
}

func (c *Cache) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInitial
	exp.MaxInterval = c.retryMax
	exp.MaxElapsedTime = 0
	exp.Reset()
	retries := uint64(max(c.maxFetchAttempts-1, 0)) //nolint:gosec // attempts validated >= 1
	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)
}

// size probes the resource size, coalescing concurrent probes of one key.
func (c *Cache) size(ctx context.Context, key string) (int64, error) {
	sizer, ok := c.fetcher.(Sizer)
	if !ok {
		return 0, ErrSizeUnknown
	}
	// The shared probe outlives any one caller; each caller stops waiting
	// when its own context ends.
	probeCtx := context.WithoutCancel(ctx)
	ch := c.sizeGroup.DoChan(key, func() (any, error) {
		return sizer.Size(probeCtx, key)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int64), nil //nolint:errcheck // Size returns int64
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyFetchError wraps err in a *FetchError describing the request.
// Errors that are not already classified count as transient.
func classifyFetchError(key string, pos, length int64, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Key != "" {
			return fe
		}
		cp := *fe
		cp.Key, cp.Pos, cp.Len = key, pos, length
		return &cp
	}
	return &FetchError{Kind: Transient, Key: key, Pos: pos, Len: length, Err: err}
}
