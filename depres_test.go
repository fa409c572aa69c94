package depres

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/depres/internal/compression"
	"github.com/aweris/depres/internal/fsbridge"
	"github.com/aweris/depres/internal/remote"
	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/store"
	"github.com/aweris/depres/internal/version"
)

const testManifest = `packages:
  app:
    - version: 1.0.0
      file: app-1.0.0
      dependencies:
        lib: ">=1.0.0, <2.0.0"
        log: "*"
  lib:
    - version: 1.4.0
      file: lib-1.4.0
      dependencies:
        log: ">=0.2.0"
    - version: 2.0.0
      file: lib-2.0.0
  log:
    - version: 0.1.0
      file: log-0.1.0
    - version: 0.2.1
      file: log-0.2.1
  broken:
    - version: 1.0.0
      file: broken-1.0.0
      dependencies:
        lib: ">=3.0.0"
`

var testFiles = map[string]string{
	"app-1.0.0":    "app artifact",
	"lib-1.4.0":    "lib one four",
	"lib-2.0.0":    "lib two",
	"log-0.1.0":    "log old",
	"log-0.2.1":    "log new",
	"broken-1.0.0": "broken",
}

func writeRegistry(t *testing.T, manifest string, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, remote.ManifestFile), []byte(manifest), 0644))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0644))
	}
	return root
}

// countingFetcher counts content fetches. The first stall content fetches
// hang until their context ends. With metaStarted set, metadata calls
// signal it and hang the same way.
type countingFetcher struct {
	remote.Fetcher
	stall       int32
	metaStarted chan struct{}
	calls       atomic.Int32
}

func (f *countingFetcher) FetchMetadata(ctx context.Context, name resolve.Name, spec version.Spec) ([]resolve.Candidate, error) {
	if f.metaStarted != nil {
		f.metaStarted <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.Fetcher.FetchMetadata(ctx, name, spec)
}

func (f *countingFetcher) FetchContent(ctx context.Context, d digest.Digest) ([]byte, error) {
	if f.calls.Add(1) <= f.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.Fetcher.FetchContent(ctx, d)
}

type fakeMount struct {
	view     *fsbridge.View
	done     chan struct{}
	once     sync.Once
	unmounts int
}

func (m *fakeMount) Unmount() error {
	m.unmounts++
	m.detach()
	return nil
}

func (m *fakeMount) Done() <-chan struct{} { return m.done }

func (m *fakeMount) detach() { m.once.Do(func() { close(m.done) }) }

type fakeMounter struct {
	mu      sync.Mutex
	mounts  []*fakeMount
	err     error
	onMount func()
}

func (f *fakeMounter) Mount(view *fsbridge.View, _ Config, _ logrus.FieldLogger) (Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onMount != nil {
		f.onMount()
	}
	if f.err != nil {
		return nil, f.err
	}
	m := &fakeMount{view: view, done: make(chan struct{})}
	f.mounts = append(f.mounts, m)
	return m, nil
}

func (f *fakeMounter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mounts)
}

type fixture struct {
	ctrl     *Controller
	store    *store.LocalStore
	mounter  *fakeMounter
	fetcher  *countingFetcher
	registry string
}

func newFixture(t *testing.T) *fixture {
	return newRegistryFixture(t, testManifest, testFiles)
}

func newRegistryFixture(t *testing.T, manifest string, files map[string]string) *fixture {
	t.Helper()
	registry := writeRegistry(t, manifest, files)
	dir, err := remote.NewDirFetcher(registry)
	require.NoError(t, err)
	s, err := store.Open(t.TempDir(), store.WithCodec(compression.None))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := &fakeMounter{}
	f := &countingFetcher{Fetcher: dir}
	return &fixture{
		ctrl:     NewController(s, f, WithMounter(m)),
		store:    s,
		mounter:  m,
		fetcher:  f,
		registry: registry,
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Mountpoint = filepath.Join(t.TempDir(), "mnt")
	cfg.FetchTimeout = 5 * time.Second
	return cfg
}

func mustRequirements(t *testing.T, list ...string) []Requirement {
	t.Helper()
	reqs, err := ParseRequirements(list)
	require.NoError(t, err)
	return reqs
}

func TestLazySessionLifecycle(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig(t)

	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "app"), cfg)
	require.NoError(t, err)
	assert.Equal(t, StateMounted, s.State())
	assert.NotEmpty(t, s.ID())
	require.Equal(t, 1, fx.mounter.count())

	// Nothing is fetched before a read.
	assert.Zero(t, fx.store.Stats().Entries)

	data, err := fs.ReadFile(s.View(), "lib@1.4.0")
	require.NoError(t, err)
	assert.Equal(t, "lib one four", string(data))
	assert.Equal(t, 1, fx.store.Stats().Entries)
	assert.Equal(t, 1, fx.store.Stats().Pinned)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, fx.mounter.mounts[0].unmounts)
	assert.Zero(t, fx.store.Stats().Pinned)
	assert.Empty(t, fx.ctrl.Sessions())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	require.NoError(t, s.Stop(), "Stop is idempotent")
	assert.Equal(t, 1, fx.mounter.mounts[0].unmounts)
}

func TestSessionSelectsNewestAndFetchesOnce(t *testing.T) {
	fx := newRegistryFixture(t, `packages:
  A:
    - version: 1.0.0
      file: A-1.0.0
    - version: 1.5.0
      file: A-1.5.0
`, map[string]string{
		"A-1.0.0": "A one zero",
		"A-1.5.0": "A one five",
	})

	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "A@>=1.0.0,<2.0.0"), testConfig(t))
	require.NoError(t, err)
	defer s.Stop()

	entries, err := fs.ReadDir(s.View(), ".")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A@1.5.0", entries[0].Name())
	assert.Zero(t, fx.fetcher.calls.Load())

	data, err := fs.ReadFile(s.View(), "A@1.5.0")
	require.NoError(t, err)
	assert.Equal(t, "A one five", string(data))
	assert.EqualValues(t, 1, fx.fetcher.calls.Load())

	data, err = fs.ReadFile(s.View(), "A@1.5.0")
	require.NoError(t, err)
	assert.Equal(t, "A one five", string(data))
	assert.EqualValues(t, 1, fx.fetcher.calls.Load(), "second read is served from the cache")
}

func TestTimedOutContentFetchIsRetried(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.stall = 1
	cfg := testConfig(t)
	cfg.FetchTimeout = 100 * time.Millisecond
	cfg.RetryAttempts = 3

	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "lib@2.0.0"), cfg)
	require.NoError(t, err)
	defer s.Stop()

	data, err := fs.ReadFile(s.View(), "lib@2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "lib two", string(data))
	assert.EqualValues(t, 2, fx.fetcher.calls.Load())
}

func TestContentFetchTimesOutAfterRetries(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.stall = 2
	cfg := testConfig(t)
	cfg.FetchTimeout = 50 * time.Millisecond
	cfg.RetryAttempts = 2

	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "lib@2.0.0"), cfg)
	require.NoError(t, err)
	defer s.Stop()

	_, err = fs.ReadFile(s.View(), "lib@2.0.0")
	require.ErrorIs(t, err, ErrFetchTimeout)
	assert.EqualValues(t, 2, fx.fetcher.calls.Load())
	assert.False(t, fx.store.Has(s.Graph().Digests()[0]))
}

func TestStopWhileResolvingCancelsStart(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.metaStarted = make(chan struct{}, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "app"), testConfig(t))
		errc <- err
	}()
	<-fx.fetcher.metaStarted

	sessions := fx.ctrl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateResolving, sessions[0].State())
	require.NoError(t, sessions[0].Stop())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrSessionStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after Stop")
	}
	assert.Equal(t, StateIdle, sessions[0].State())
	assert.Zero(t, fx.mounter.count())
	assert.Empty(t, fx.ctrl.Sessions())
}

func TestStopDuringMountUnmounts(t *testing.T) {
	fx := newFixture(t)
	stopped := make(chan error, 1)
	fx.mounter.onMount = func() {
		s := fx.ctrl.Sessions()[0]
		go func() { stopped <- s.Stop() }()
		require.Eventually(t, s.stopping, 5*time.Second, time.Millisecond)
	}

	_, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "log"), testConfig(t))
	require.ErrorIs(t, err, ErrSessionStopped)
	require.NoError(t, <-stopped)

	require.Len(t, fx.mounter.mounts, 1)
	assert.Equal(t, 1, fx.mounter.mounts[0].unmounts)
	assert.Zero(t, fx.store.Stats().Pinned)
	assert.Empty(t, fx.ctrl.Sessions())
}

func TestEagerSessionPopulatesBeforeMount(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig(t)
	cfg.LazyPopulation = false

	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "app@1.0.0"), cfg)
	require.NoError(t, err)
	defer s.Stop()

	g := s.Graph()
	require.Equal(t, 3, g.Len())
	for _, d := range g.Digests() {
		assert.True(t, fx.store.Has(d))
	}
	assert.Equal(t, 3, fx.store.Stats().Pinned)

	log, ok := g.Lookup("log")
	require.True(t, ok)
	assert.Equal(t, "0.2.1", log.Version.String())
}

func TestResolutionFailureLeavesNothingMounted(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "broken"), testConfig(t))
	require.Error(t, err)
	var nf *NotFoundError
	var conflict *ConflictError
	assert.True(t, errors.As(err, &nf) || errors.As(err, &conflict), "got %v", err)

	_, err = fx.ctrl.StartSession(context.Background(), mustRequirements(t, "ghost"), testConfig(t))
	require.ErrorAs(t, err, &nf)

	assert.Zero(t, fx.mounter.count())
	assert.Empty(t, fx.ctrl.Sessions())
}

func TestPopulateFailureReleasesPins(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(fx.registry, "log-0.2.1")))
	cfg := testConfig(t)
	cfg.LazyPopulation = false
	cfg.RetryAttempts = 1

	_, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "app"), cfg)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, fx.mounter.count())
	assert.Zero(t, fx.store.Stats().Pinned)
	assert.Empty(t, fx.ctrl.Sessions())
}

func TestMountFailureReleasesPins(t *testing.T) {
	fx := newFixture(t)
	fx.mounter.err = errors.New("no fuse")
	cfg := testConfig(t)
	cfg.LazyPopulation = false

	_, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "lib@2.0.0"), cfg)
	require.ErrorContains(t, err, "no fuse")
	assert.Equal(t, 1, fx.store.Stats().Entries)
	assert.Zero(t, fx.store.Stats().Pinned)
}

func TestExternalDetachStopsSession(t *testing.T) {
	fx := newFixture(t)
	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "log"), testConfig(t))
	require.NoError(t, err)

	fx.mounter.mounts[0].detach()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after external detach")
	}
	assert.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Stop())
}

func TestMountpointInUse(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig(t)

	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "log"), cfg)
	require.NoError(t, err)

	_, err = fx.ctrl.StartSession(context.Background(), mustRequirements(t, "lib"), cfg)
	require.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, fx.ctrl.StopSession(s))
	s, err = fx.ctrl.StartSession(context.Background(), mustRequirements(t, "lib"), cfg)
	require.NoError(t, err)
	require.NoError(t, fx.ctrl.Close())
	assert.Equal(t, StateIdle, s.State())
}

func TestStartSessionRequiresMountpoint(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig(t)
	cfg.Mountpoint = ""
	_, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "log"), cfg)
	require.ErrorIs(t, err, ErrNoMountpoint)
}

func TestNestedSessionView(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig(t)
	cfg.Layout = LayoutNested

	s, err := fx.ctrl.StartSession(context.Background(), mustRequirements(t, "app"), cfg)
	require.NoError(t, err)
	defer s.Stop()

	data, err := fs.ReadFile(s.View(), "app@1.0.0/lib@1.4.0/log@0.2.1/content")
	require.NoError(t, err)
	assert.Equal(t, "log new", string(data))
}

func TestLockOrdering(t *testing.T) {
	fx := newFixture(t)
	g, err := fx.ctrl.Resolve(context.Background(), mustRequirements(t, "app"), DefaultConfig())
	require.NoError(t, err)

	lock := NewLock(g)
	var names []string
	for _, p := range lock.Packages {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"app", "lib", "log"}, names)

	var buf bytes.Buffer
	require.NoError(t, lock.Encode(&buf))
	decoded, err := DecodeLock(&buf)
	require.NoError(t, err)
	assert.Equal(t, lock, decoded)

	reqs, err := decoded.Requirements()
	require.NoError(t, err)
	pinned, err := fx.ctrl.Resolve(context.Background(), reqs, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, g.Digests(), pinned.Digests())
}

func TestParseRequirement(t *testing.T) {
	r, err := ParseRequirement("lib@>=1.0.0, <2.0.0")
	require.NoError(t, err)
	assert.Equal(t, Name("lib"), r.Name)

	r, err = ParseRequirement("lib")
	require.NoError(t, err)
	assert.True(t, r.Spec.IsAny())

	_, err = ParseRequirement("@1.0.0")
	require.Error(t, err)

	_, err = ParseRequirement("lib@nope")
	require.ErrorIs(t, err, ErrInvalidVersion)
}
