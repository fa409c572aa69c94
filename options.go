package depres

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aweris/depres/internal/compression"
	"github.com/aweris/depres/internal/remote"
)

// Authenticator provides credentials for OCI registries.
type Authenticator = remote.Authenticator

type options struct {
	CacheDir    string
	Auth        Authenticator
	Concurrency int
	Codec       compression.Codec
	Mounter     Mounter
	Log         logrus.FieldLogger
}

// Option configures Open and NewController.
type Option func(*options)

func defaultOptions() *options {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &options{
		CacheDir:    defaultCacheDir(),
		Concurrency: remote.DefaultConcurrency,
		Codec:       compression.Zstd,
		Mounter:     FUSEMounter{},
		Log:         l,
	}
}

// WithCacheDir sets the local artifact cache directory.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.CacheDir = dir }
}

// WithAuth sets registry authentication.
func WithAuth(auth Authenticator) Option {
	return func(o *options) { o.Auth = auth }
}

// WithConcurrency sets the number of parallel registry uploads.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithCodec sets the codec artifacts are cached with.
func WithCodec(c compression.Codec) Option {
	return func(o *options) { o.Codec = c }
}

// WithMounter replaces the FUSE mounter.
func WithMounter(m Mounter) Option {
	return func(o *options) { o.Mounter = m }
}

// WithLogger sets the logger shared by every component.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.Log = log }
}

// DefaultCacheDir is the cache directory used when none is configured.
func DefaultCacheDir() string { return defaultCacheDir() }

func defaultCacheDir() string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "depres")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "depres")
	}
	return ".depres"
}

// ExpandPath expands a leading "~/" to the home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
