// Package disk provides a filesystem-backed storage.Backend.
//
// Every extent is a single file. Files are grouped in one directory per
// resource key, named by the key's SHA256 digest and optionally sharded by
// digest prefix:
//
//	<root>/<digest[:2]>/<digest>/<position>-<random>.span
package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/rangecache/storage"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	extentSuffix          = ".span"
)

var _ storage.Backend = (*Backend)(nil)

// Backend implements storage.Backend on the local filesystem.
// It is safe for concurrent use.
type Backend struct {
	dir            string      // root directory for extents
	shardPrefixLen int         // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode // permissions for created directories
	sync           bool        // fsync after every append
}

// Option configures a disk backend.
type Option func(*Backend)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(b *Backend) {
		b.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for extent directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(b *Backend) {
		b.dirPerm = mode
	}
}

// WithSync makes every Append fsync the extent before returning.
func WithSync(enabled bool) Option {
	return func(b *Backend) {
		b.sync = enabled
	}
}

// New creates a disk backend rooted at dir.
func New(dir string, opts ...Option) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("storage dir is empty")
	}
	b := &Backend{
		dir:            filepath.Clean(dir),
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return nil, err
	}
	return b, nil
}

// Dir returns the root directory of the backend.
func (b *Backend) Dir() string {
	return b.dir
}

// Allocate creates an empty extent file for key at pos.
func (b *Backend) Allocate(key string, pos, _ int64) (storage.Locator, error) {
	if key == "" {
		return "", errors.New("storage: key is empty")
	}
	if pos < 0 {
		return "", fmt.Errorf("storage: negative position %d", pos)
	}
	dir := filepath.Join(b.dir, b.keyDir(key))
	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("%016x-*%s", pos, extentSuffix))
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	rel, err := filepath.Rel(b.dir, name)
	if err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return storage.Locator(filepath.ToSlash(rel)), nil
}

// Append writes p to the end of the extent.
func (b *Backend) Append(loc storage.Locator, p []byte) error {
	path, err := b.path(loc)
	if err != nil {
		return err
	}
	// No O_CREATE: appending to a freed extent must fail rather than resurrect it.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0) //nolint:gosec // path validated by b.path
	if err != nil {
		return mapNotExist(err)
	}
	if _, err := f.Write(p); err != nil {
		f.Close()
		return err
	}
	if b.sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// ReadAt reads len(p) bytes from the extent at off.
func (b *Backend) ReadAt(loc storage.Locator, p []byte, off int64) (int, error) {
	path, err := b.path(loc)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path) //nolint:gosec // path validated by b.path
	if err != nil {
		return 0, mapNotExist(err)
	}
	defer f.Close()

	n, err := f.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Free removes the extent file and prunes empty parent directories.
func (b *Backend) Free(loc storage.Locator) error {
	path, err := b.path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return mapNotExist(err)
	}
	// Remove fails on non-empty directories, which is the desired outcome.
	dir := filepath.Dir(path)
	for dir != b.dir && strings.HasPrefix(dir, b.dir) {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Size returns the size of the extent file.
func (b *Backend) Size(loc storage.Locator) (int64, error) {
	path, err := b.path(loc)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, mapNotExist(err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("storage: %s is not a regular file", loc)
	}
	return info.Size(), nil
}

// List walks the root directory and yields every extent file.
func (b *Backend) List() iter.Seq2[storage.Locator, error] {
	return func(yield func(storage.Locator, error) bool) {
		stopped := false
		err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), extentSuffix) {
				return nil
			}
			rel, err := filepath.Rel(b.dir, path)
			if err != nil {
				return err
			}
			if !yield(storage.Locator(filepath.ToSlash(rel)), nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped && !errors.Is(err, os.ErrNotExist) {
			yield("", err)
		}
	}
}

func (b *Backend) keyDir(key string) string {
	hexKey := digest.FromString(key).Encoded()
	if b.shardPrefixLen <= 0 {
		return hexKey
	}
	prefixLen := min(b.shardPrefixLen, len(hexKey))
	return filepath.Join(hexKey[:prefixLen], hexKey)
}

func (b *Backend) path(loc storage.Locator) (string, error) {
	rel := filepath.FromSlash(string(loc))
	if loc == "" || !filepath.IsLocal(rel) || !strings.HasSuffix(rel, extentSuffix) {
		return "", fmt.Errorf("storage: invalid locator %q", loc)
	}
	return filepath.Join(b.dir, rel), nil
}

func mapNotExist(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	return err
}
