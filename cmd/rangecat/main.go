// Command rangecat reads a byte range of a remote resource through a
// persistent range cache and writes it to stdout.
//
// Keys starting with http:// or https:// are fetched with range requests.
// Anything else is treated as an OCI blob reference
// (registry/repository@sha256:...).
//
//	rangecat -offset 1048576 -length 65536 https://example.com/video.mp4 > part.bin
//	rangecat -mode stats
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/rangecache"
	rangehttp "github.com/meigma/rangecache/http"
	"github.com/meigma/rangecache/oci"
)

type config struct {
	mode       string
	configFile string
	cacheDir   string
	maxSize    string
	spanSize   string
	offset     int64
	length     int64
	headers    http.Header
	userAgent  string
	plainHTTP  bool
	dockerAuth bool
	noBlock    bool
	pruneTo    string
	stats      bool
	verbose    bool
	cpuProfile string
	key        string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal(err)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, os.Stdout, os.Stderr); err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is acceptable; the profile is best-effort
	}
}

func parseFlags(args []string) (config, error) {
	cfg := config{headers: make(http.Header)}
	fs := flag.NewFlagSet("rangecat", flag.ContinueOnError)
	fs.StringVar(&cfg.mode, "mode", "read", "mode: read, stats, verify, reconcile, prune, invalidate")
	fs.StringVar(&cfg.configFile, "config", "", "YAML cache configuration file")
	fs.StringVar(&cfg.cacheDir, "cache-dir", "", "application cache directory (default: user cache dir)")
	fs.StringVar(&cfg.maxSize, "max-size", "", "total cache budget (e.g. 512MiB)")
	fs.StringVar(&cfg.spanSize, "span-size", "", "maximum span size (e.g. 10MiB)")
	fs.Int64Var(&cfg.offset, "offset", 0, "first byte to read")
	fs.Int64Var(&cfg.length, "length", -1, "bytes to read (-1 reads to the end)")
	fs.Func("header", "extra request header as 'Name: value' (repeatable)", func(v string) error {
		name, value, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("header %q: want 'Name: value'", v)
		}
		cfg.headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		return nil
	})
	fs.StringVar(&cfg.userAgent, "user-agent", "rangecat", "User-Agent for upstream requests")
	fs.BoolVar(&cfg.plainHTTP, "plain-http", false, "use plain HTTP for OCI registries")
	fs.BoolVar(&cfg.dockerAuth, "docker-auth", true, "read OCI registry credentials from the Docker config")
	fs.BoolVar(&cfg.noBlock, "no-block", false, "bypass the cache instead of waiting for busy regions")
	fs.StringVar(&cfg.pruneTo, "prune-to", "0", "target size for -mode prune")
	fs.BoolVar(&cfg.stats, "stats", false, "print cache statistics to stderr when done")
	fs.BoolVar(&cfg.verbose, "v", false, "debug logging to stderr")
	fs.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	switch cfg.mode {
	case "read", "invalidate":
		if fs.NArg() != 1 {
			return config{}, fmt.Errorf("mode %s needs exactly one key", cfg.mode)
		}
		cfg.key = fs.Arg(0)
	case "stats", "verify", "reconcile", "prune":
		if fs.NArg() != 0 {
			return config{}, fmt.Errorf("mode %s takes no arguments", cfg.mode)
		}
	default:
		return config{}, fmt.Errorf("unknown mode %q", cfg.mode)
	}
	if cfg.offset < 0 {
		return config{}, fmt.Errorf("negative offset %d", cfg.offset)
	}
	return cfg, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func run(ctx context.Context, cfg config, stdout, stderr io.Writer) error {
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cacheCfg, err := cacheConfig(cfg)
	if err != nil {
		return err
	}
	opts := []rangecache.Option{
		rangecache.WithLogger(logger),
		rangecache.WithRegisterer(prometheus.NewRegistry()),
	}
	if cfg.noBlock {
		opts = append(opts, rangecache.WithBlockOnCache(false))
	}

	c, err := rangecache.Open(cacheCfg, newFetcher(cfg, cfg.key, logger), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cfg.stats {
			printStats(stderr, c.Stats())
		}
		if err := c.Close(); err != nil {
			logger.Error("close cache", "error", err)
		}
	}()

	switch cfg.mode {
	case "read":
		return readRange(ctx, c, cfg, stdout, logger)
	case "invalidate":
		return c.Invalidate(ctx, cfg.key)
	case "verify":
		return c.Verify()
	case "reconcile":
		rs, err := c.Reconcile()
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "reconciled: %+v\n", rs)
	case "prune":
		target, err := humanize.ParseBytes(cfg.pruneTo)
		if err != nil {
			return fmt.Errorf("prune-to: %w", err)
		}
		freed, err := c.Prune(int64(target)) //nolint:gosec // sizes fit in int64
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "freed %s\n", humanize.IBytes(uint64(freed))) //nolint:gosec // freed is non-negative
	case "stats":
		printStats(stdout, c.Stats())
	}
	return nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func readRange(ctx context.Context, c *rangecache.Cache, cfg config, stdout io.Writer, logger *slog.Logger) error {
	length := cfg.length
	if length < 0 {
		src, err := c.OpenSource(ctx, cfg.key)
		if err != nil {
			return err
		}
		length = max(src.Size()-cfg.offset, 0)
	}
	if length == 0 {
		return nil
	}

	start := time.Now()
	rc, err := c.ReadRange(ctx, cfg.key, cfg.offset, length)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(stdout, rc)
	closeErr := rc.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	logger.Debug("read complete", "bytes", n, "elapsed", time.Since(start))
	return nil
}

// cacheConfig layers the defaults, the config file, the cache directory and
// the size flags.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func cacheConfig(cfg config) (rangecache.Config, error) {
	cacheCfg := rangecache.DefaultConfig("")
	if cfg.configFile != "" {
		loaded, err := rangecache.LoadConfig(cfg.configFile)
		if err != nil {
			return rangecache.Config{}, err
		}
		cacheCfg = loaded
	}
	if cfg.cacheDir != "" || cacheCfg.StorageRoot == "" {
		dir := cfg.cacheDir
		if dir == "" {
			userDir, err := os.UserCacheDir()
			if err != nil {
				return rangecache.Config{}, fmt.Errorf("locate cache dir: %w", err)
			}
			dir = filepath.Join(userDir, "rangecat")
		}
		cacheCfg.StorageRoot = rangecache.StorageRootFor(dir)
	}
	for _, f := range []struct {
		name  string
		value string
		dst   *rangecache.ByteSize
	}{
		{"max-size", cfg.maxSize, &cacheCfg.MaxTotalCacheSize},
		{"span-size", cfg.spanSize, &cacheCfg.MaxSpanSize},
	} {
		if f.value == "" {
			continue
		}
		n, err := humanize.ParseBytes(f.value)
		if err != nil {
			return rangecache.Config{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = rangecache.ByteSize(n) //nolint:gosec // sizes fit in int64
	}
	return cacheCfg, nil
}

// newFetcher picks the upstream by key scheme.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newFetcher(cfg config, key string, logger *slog.Logger) rangecache.Fetcher {
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return rangehttp.NewFetcher(
			rangehttp.WithHeaders(cfg.headers),
			rangehttp.WithUserAgent(cfg.userAgent),
			rangehttp.WithLogger(logger),
		)
	}
	opts := []oci.Option{
		oci.WithPlainHTTP(cfg.plainHTTP),
		oci.WithUserAgent(cfg.userAgent),
		oci.WithLogger(logger),
	}
	if cfg.dockerAuth {
		opts = append(opts, oci.WithDockerConfig())
	} else {
		opts = append(opts, oci.WithAnonymous())
	}
	return oci.NewFetcher(opts...)
}

func printStats(w io.Writer, s rangecache.Stats) {
	budget := "unlimited"
	if s.Budget > 0 {
		budget = humanize.IBytes(uint64(s.Budget))
	}
	fmt.Fprintf(w, "size=%s spans=%d budget=%s\n", humanize.IBytes(uint64(s.Size)), s.Spans, budget) //nolint:gosec // sizes are non-negative
	fmt.Fprintf(w, "hit=%s miss=%s bypassed=%d retries=%d\n",
		humanize.IBytes(uint64(s.HitBytes)), humanize.IBytes(uint64(s.MissBytes)), //nolint:gosec // counters are non-negative
		s.BypassedReads, s.FetchRetries)
	fmt.Fprintf(w, "storage-errors=%d corruptions=%d evictions=%d evicted=%s\n",
		s.StorageErrors, s.Corruptions, s.Evictions, humanize.IBytes(uint64(s.EvictedBytes))) //nolint:gosec // counters are non-negative
}
