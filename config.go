package rangecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultMaxTotalCacheSize ByteSize = 100 << 20 // 100 MiB
	DefaultMaxSpanSize       ByteSize = 10 << 20  // 10 MiB
	DefaultMaxFetchAttempts           = 3
	DefaultSnapshotInterval           = time.Minute

	// mediaDir is the directory created under an application cache dir.
	mediaDir = "media"
)

// ByteSize is a byte count that reads and writes human-readable sizes such
// as "512MiB" or "10 MB" in YAML.
type ByteSize int64

// String returns the size in IEC units.
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

// UnmarshalYAML accepts plain integers and humanized sizes.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", value.Value, err)
	}
	if n > 1<<63-1 {
		return fmt.Errorf("size %q overflows", value.Value)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML writes the size in IEC units.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Config holds the cache configuration.
//
// The policy fields are optional; zero values select the defaults. Options
// passed to Open override them.
type Config struct {
	// MaxTotalCacheSize is the byte budget for cached spans. Values <= 0
	// disable eviction.
	MaxTotalCacheSize ByteSize `yaml:"maxTotalCacheSize"`

	// MaxSpanSize caps the length of a single stored span. Values <= 0
	// leave spans unbounded.
	MaxSpanSize ByteSize `yaml:"maxSpanSize"`

	// StorageRoot is the directory holding extents and the index snapshot.
	StorageRoot string `yaml:"storageRoot"`

	// BlockOnCache makes a read wait for an overlapping read to finish.
	// When false, a read of a busy region goes straight to upstream.
	BlockOnCache *bool `yaml:"blockOnCache,omitempty"`

	// IgnoreCacheOnError serves a range from upstream when reading it from
	// storage fails. When false, the storage error is returned.
	IgnoreCacheOnError *bool `yaml:"ignoreCacheOnError,omitempty"`

	// MaxFetchAttempts bounds attempts per upstream request for transient
	// failures.
	MaxFetchAttempts int `yaml:"maxFetchAttempts,omitempty"`

	// SnapshotInterval is the period between index snapshots. A negative
	// value disables periodic snapshots.
	SnapshotInterval time.Duration `yaml:"snapshotInterval,omitempty"`
}

// DefaultConfig returns a configuration with default sizes rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		MaxTotalCacheSize: DefaultMaxTotalCacheSize,
		MaxSpanSize:       DefaultMaxSpanSize,
		StorageRoot:       dir,
	}
}

// StorageRootFor returns the storage root used under an application cache
// directory.
func StorageRootFor(cacheDir string) string {
	return filepath.Join(cacheDir, mediaDir)
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled config
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("rangecache: parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.MaxFetchAttempts < 0 {
		return errors.New("rangecache: max fetch attempts must be >= 0")
	}
	return nil
}

// options turns the policy fields into options applied before the caller's.
func (cfg Config) options() []Option {
	var opts []Option
	if cfg.BlockOnCache != nil {
		opts = append(opts, WithBlockOnCache(*cfg.BlockOnCache))
	}
	if cfg.IgnoreCacheOnError != nil {
		opts = append(opts, WithIgnoreCacheOnError(*cfg.IgnoreCacheOnError))
	}
	if cfg.MaxFetchAttempts > 0 {
		opts = append(opts, WithMaxFetchAttempts(cfg.MaxFetchAttempts))
	}
	if cfg.SnapshotInterval != 0 {
		opts = append(opts, WithSnapshotInterval(cfg.SnapshotInterval))
	}
	return opts
}
