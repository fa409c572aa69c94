package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/version"
)

const (
	DefaultConcurrency = 4

	// CandidatesLabel is the image config label holding the JSON
	// candidate records of a package.
	CandidatesLabel = "dev.depres.candidates"

	// ArtifactMediaType marks artifact layers.
	ArtifactMediaType types.MediaType = "application/vnd.depres.artifact.v1"

	indexTag = "index"
)

// OCIFetcher reads packages from an OCI registry. Package <name> lives in
// repository <base>/<name>; its "index" tag is an image whose layers are
// the artifacts and whose config label lists the candidates.
type OCIFetcher struct {
	base        name.Repository
	auth        Authenticator
	concurrency int
	transport   http.RoundTripper
	log         logrus.FieldLogger

	mu        sync.RWMutex
	locations map[digest.Digest]name.Repository
}

// OCIOption configures an OCIFetcher.
type OCIOption func(*OCIFetcher)

// WithAuthenticator sets custom authentication.
func WithAuthenticator(auth Authenticator) OCIOption {
	return func(f *OCIFetcher) { f.auth = auth }
}

// WithConcurrency sets the number of parallel uploads for Publish.
func WithConcurrency(n int) OCIOption {
	return func(f *OCIFetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithTransport sets the HTTP transport.
func WithTransport(t http.RoundTripper) OCIOption {
	return func(f *OCIFetcher) { f.transport = t }
}

// WithLogger sets the fetcher logger.
func WithLogger(log logrus.FieldLogger) OCIOption {
	return func(f *OCIFetcher) { f.log = log }
}

// NewOCIFetcher creates a fetcher for the repository prefix base, e.g.
// "ghcr.io/acme/packages" or "oci://localhost:5000/pkgs".
func NewOCIFetcher(base string, opts ...OCIOption) (*OCIFetcher, error) {
	repo, err := name.NewRepository(strings.TrimPrefix(base, "oci://"))
	if err != nil {
		return nil, fmt.Errorf("invalid registry %q: %w", base, err)
	}
	f := &OCIFetcher{
		base:        repo,
		concurrency: DefaultConcurrency,
		locations:   make(map[digest.Digest]name.Repository),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		f.log = l
	}
	return f, nil
}

func (f *OCIFetcher) String() string   { return f.base.String() }
func (f *OCIFetcher) Registry() string { return f.base.RegistryStr() }

func (f *OCIFetcher) repository(pkg resolve.Name) (name.Repository, error) {
	if err := validName(pkg); err != nil {
		return name.Repository{}, err
	}
	repo, err := name.NewRepository(f.base.String() + "/" + string(pkg))
	if err != nil {
		return name.Repository{}, fmt.Errorf("%w: package %s: %v", ErrNotFound, pkg, err)
	}
	return repo, nil
}

// FetchMetadata reads the candidate label of <base>/<name>:index.
func (f *OCIFetcher) FetchMetadata(ctx context.Context, pkg resolve.Name, _ version.Spec) ([]resolve.Candidate, error) {
	repo, err := f.repository(pkg)
	if err != nil {
		return nil, err
	}
	opts, err := f.remoteOptions(ctx)
	if err != nil {
		return nil, err
	}

	img, err := remote.Image(repo.Tag(indexTag), opts...)
	if err != nil {
		return nil, fmt.Errorf("fetch index of %s: %w", pkg, classify(err))
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config of %s: %w", pkg, classify(err))
	}

	label := cfg.Config.Labels[CandidatesLabel]
	if label == "" {
		return nil, fmt.Errorf("%w: %s index has no %s label", ErrNotFound, pkg, CandidatesLabel)
	}
	var records []Record
	if err := json.Unmarshal([]byte(label), &records); err != nil {
		return nil, fmt.Errorf("parse candidates of %s: %w", pkg, err)
	}

	cands := make([]resolve.Candidate, 0, len(records))
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		c, err := r.Candidate(pkg)
		if err != nil {
			return nil, err
		}
		cands = append(cands, c)
		f.locations[c.Digest] = repo
	}
	return cands, nil
}

// FetchContent downloads the artifact blob for d. The digest must have
// been listed by an earlier FetchMetadata call.
func (f *OCIFetcher) FetchContent(ctx context.Context, d digest.Digest) ([]byte, error) {
	f.mu.RLock()
	repo, ok := f.locations[d]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no package lists %s", ErrNotFound, d)
	}
	opts, err := f.remoteOptions(ctx)
	if err != nil {
		return nil, err
	}

	layer, err := remote.Layer(repo.Digest(d.String()), opts...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", d, classify(err))
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", d, classify(err))
	}
	data, err := io.ReadAll(rc)
	if cerr := rc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d, classify(err))
	}
	f.log.WithFields(logrus.Fields{"digest": d, "size": len(data)}).Debug("fetched blob")
	return data, nil
}

// Publish uploads the candidates of pkg and their artifacts as
// <base>/<pkg>:index. content must hold the bytes of every candidate
// digest.
func (f *OCIFetcher) Publish(ctx context.Context, pkg resolve.Name, cands []resolve.Candidate, content map[digest.Digest][]byte) error {
	repo, err := f.repository(pkg)
	if err != nil {
		return err
	}

	var (
		layers  []v1.Layer
		seen    = make(map[digest.Digest]bool)
		records = make([]Record, 0, len(cands))
	)
	for _, c := range cands {
		records = append(records, RecordOf(c))
		if seen[c.Digest] {
			continue
		}
		data, ok := content[c.Digest]
		if !ok {
			return fmt.Errorf("publish %s: no content for %s", c.ID(), c.Digest)
		}
		seen[c.Digest] = true
		layers = append(layers, static.NewLayer(data, ArtifactMediaType))
	}

	img, err := buildImage(layers, records)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	f.log.WithFields(logrus.Fields{
		"package":    pkg,
		"candidates": len(records),
		"layers":     len(layers),
	}).Info("publishing")

	opts, err := f.remoteOptions(ctx)
	if err != nil {
		return err
	}
	opts = append(opts, remote.WithJobs(f.concurrency))
	_, err = retry(ctx, 3, 500*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, classify(remote.Write(repo.Tag(indexTag), img, opts...))
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", pkg, err)
	}
	return nil
}

func buildImage(layers []v1.Layer, records []Record) (v1.Image, error) {
	img := empty.Image
	if len(layers) > 0 {
		var err error
		img, err = mutate.AppendLayers(img, layers...)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	label, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{CandidatesLabel: string(label)}
	return mutate.ConfigFile(img, cfg)
}

func (f *OCIFetcher) remoteOptions(ctx context.Context) ([]remote.Option, error) {
	opts := []remote.Option{remote.WithContext(ctx)}
	if f.transport != nil {
		opts = append(opts, remote.WithTransport(f.transport))
	}
	if f.auth != nil {
		username, password, err := f.auth.Authenticate(f.Registry())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		if username != "" {
			return append(opts, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			})), nil
		}
		return append(opts, remote.WithAuth(authn.Anonymous)), nil
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain)), nil
}

// classify maps registry errors onto the fetch error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrNotFound), errors.Is(err, ErrAuth), errors.Is(err, ErrFetchTimeout):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuth, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
