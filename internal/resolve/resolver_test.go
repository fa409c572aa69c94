package resolve

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/depres/internal/version"
)

// registry is an in-memory Provider keyed by package name.
type registry struct {
	pkgs  map[Name][]Candidate
	calls atomic.Int32
}

func newRegistry() *registry {
	return &registry{pkgs: make(map[Name][]Candidate)}
}

// add registers name@ver with deps given as "name spec" pairs.
func (r *registry) add(name, ver string, deps ...string) *registry {
	c := Candidate{
		Name:    Name(name),
		Version: version.MustParse(ver),
		Digest:  digest.FromString(name + "@" + ver),
		Size:    int64(len(name) + len(ver)),
	}
	for _, d := range deps {
		n, s, _ := strings.Cut(d, " ")
		c.Dependencies = append(c.Dependencies, Requirement{Name: Name(n), Spec: version.MustParseSpec(s)})
	}
	r.pkgs[c.Name] = append(r.pkgs[c.Name], c)
	return r
}

func (r *registry) Candidates(_ context.Context, name Name, _ version.Spec) ([]Candidate, error) {
	r.calls.Add(1)
	return append([]Candidate(nil), r.pkgs[name]...), nil
}

func req(name, spec string) Requirement {
	return Requirement{Name: Name(name), Spec: version.MustParseSpec(spec)}
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func resolveWith(t *testing.T, p Provider, roots []Requirement, opts ...Option) (*Graph, error) {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(p, opts...).Resolve(context.Background(), roots)
}

func selectedVersion(t *testing.T, g *Graph, name string) string {
	t.Helper()
	n, ok := g.Lookup(Name(name))
	require.True(t, ok, "%s not selected", name)
	return n.Version.String()
}

func TestResolvePicksNewestSatisfying(t *testing.T) {
	reg := newRegistry().
		add("app", "1.0.0", "lib >=1.0.0,<2.0.0").
		add("lib", "1.0.0").
		add("lib", "1.4.0").
		add("lib", "2.0.0")

	g, err := resolveWith(t, reg, []Requirement{req("app", "*")})
	require.NoError(t, err)

	assert.Equal(t, 2, g.Len())
	assert.Equal(t, "1.4.0", selectedVersion(t, g, "lib"))
	require.NoError(t, g.Validate(false))
}

func TestResolveEndToEndScenario(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "B ^1.0.0").
		add("A", "1.1.0", "B ^2.0.0").
		add("B", "1.0.0").
		add("B", "2.0.0", "C >=1.0.0").
		add("C", "1.2.0")

	g, err := resolveWith(t, reg, []Requirement{req("A", ">=1.0.0")})
	require.NoError(t, err)

	assert.Equal(t, "1.1.0", selectedVersion(t, g, "A"))
	assert.Equal(t, "2.0.0", selectedVersion(t, g, "B"))
	assert.Equal(t, "1.2.0", selectedVersion(t, g, "C"))
	assert.Len(t, g.Digests(), 3)
}

func TestResolveBacktracksToOlderVersion(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "B ^1.0.0").
		add("A", "2.0.0", "B ^3.0.0").
		add("B", "1.0.0").
		add("B", "2.0.0")

	g, err := resolveWith(t, reg, []Requirement{req("A", "*")})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", selectedVersion(t, g, "A"))
	assert.Equal(t, "1.0.0", selectedVersion(t, g, "B"))
}

func TestResolveBacktracksAcrossPackages(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "C <2.0.0").
		add("A", "2.0.0", "C >=2.0.0").
		add("B", "1.0.0", "C <2.0.0").
		add("C", "1.0.0").
		add("C", "2.0.0")

	g, err := resolveWith(t, reg, []Requirement{req("A", "*"), req("B", "*")})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", selectedVersion(t, g, "A"))
	assert.Equal(t, "1.0.0", selectedVersion(t, g, "C"))
	require.NoError(t, g.Validate(false))
}

func TestResolveConflictNamesAllParties(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "C >=2.0.0").
		add("B", "1.0.0", "C <2.0.0").
		add("C", "1.0.0").
		add("C", "2.0.0")

	_, err := resolveWith(t, reg, []Requirement{req("A", "1.0.0"), req("B", "1.0.0")})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	assert.Equal(t, Name("C"), conflict.Package)
	assert.ElementsMatch(t, []Name{"A", "B", "C"}, conflict.Packages())
	assert.Len(t, conflict.Requirements, 2)
	assert.Contains(t, err.Error(), "C")
}

func TestResolveConflictIsMinimal(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "C >=2.0.0").
		add("B", "1.0.0", "C >=1.0.0").
		add("D", "1.0.0", "C <2.0.0").
		add("C", "1.0.0").
		add("C", "2.0.0")

	_, err := resolveWith(t, reg, []Requirement{req("A", "1.0.0"), req("B", "1.0.0"), req("D", "1.0.0")})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	require.Len(t, conflict.Requirements, 2)
	for i := range conflict.Requirements {
		rest := append([]Dependency(nil), conflict.Requirements[:i]...)
		rest = append(rest, conflict.Requirements[i+1:]...)
		assert.False(t, intersectAll(rest).IsEmpty(), "dropping %s should resolve the conflict", conflict.Requirements[i])
	}
	assert.NotContains(t, conflict.Packages(), Name("B"))
}

func TestResolveDisjointRootsFailWithoutFetching(t *testing.T) {
	reg := newRegistry().add("A", "1.0.0").add("A", "2.0.0")

	_, err := resolveWith(t, reg, []Requirement{req("A", "<2.0.0"), req("A", ">=2.0.0")})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, Name("A"), conflict.Package)
	assert.Zero(t, reg.calls.Load())
}

func TestResolveEmptyRoots(t *testing.T) {
	g, err := resolveWith(t, newRegistry(), nil)
	require.NoError(t, err)
	assert.Zero(t, g.Len())
	assert.Empty(t, g.Roots())
}

func TestResolveNotFound(t *testing.T) {
	_, err := resolveWith(t, newRegistry(), []Requirement{req("ghost", "*")})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, Name("ghost"), nf.Package)
}

func TestResolveNoMatchingVersion(t *testing.T) {
	reg := newRegistry().add("A", "1.0.0", "B >=5.0.0").add("B", "1.0.0")

	_, err := resolveWith(t, reg, []Requirement{req("A", "*")})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, Name("B"), nf.Package)
	require.Len(t, nf.Requirements, 1)
	assert.Equal(t, Name("A"), nf.Requirements[0].From)
}

func TestResolveSharedDependencySelectedOnce(t *testing.T) {
	reg := newRegistry().
		add("app", "1.0.0", "left *", "right *").
		add("left", "1.0.0", "base ^1.0.0").
		add("right", "1.0.0", "base >=1.2.0").
		add("base", "1.1.0").
		add("base", "1.3.0")

	g, err := resolveWith(t, reg, []Requirement{req("app", "*")})
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, "1.3.0", selectedVersion(t, g, "base"))

	visits := map[Name]int{}
	g.Walk(func(n *Node) bool {
		visits[n.Name]++
		return true
	})
	for name, count := range visits {
		assert.Equal(t, 1, count, "%s visited more than once", name)
	}
	assert.Len(t, visits, 4)
}

func TestResolveRejectsCycles(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "B *").
		add("B", "1.0.0", "A *")

	_, err := resolveWith(t, reg, []Requirement{req("A", "*")})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, cycle.Cycle[0], cycle.Cycle[len(cycle.Cycle)-1])
	assert.Contains(t, cycle.Cycle, Name("A"))
	assert.Contains(t, cycle.Cycle, Name("B"))
}

func TestResolveRejectsSelfDependency(t *testing.T) {
	reg := newRegistry().add("A", "1.0.0", "A *")

	_, err := resolveWith(t, reg, []Requirement{req("A", "*")})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []Name{"A", "A"}, cycle.Cycle)
}

func TestResolveAllowsCyclesWhenEnabled(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "B *").
		add("B", "1.0.0", "A *")

	g, err := resolveWith(t, reg, []Requirement{req("A", "*")}, WithCycles(true))
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.NotNil(t, g.FindCycle())
	require.NoError(t, g.Validate(true))

	var cycle *CycleError
	require.ErrorAs(t, g.Validate(false), &cycle)

	count := 0
	g.Walk(func(*Node) bool { count++; return true })
	assert.Equal(t, 2, count)
}

func TestResolveNodeLimit(t *testing.T) {
	reg := newRegistry()
	for _, v := range []string{"1.0.0", "2.0.0", "3.0.0", "4.0.0"} {
		reg.add("A", v, "B >=9.0.0")
	}
	reg.add("B", "1.0.0")

	_, err := resolveWith(t, reg, []Requirement{req("A", "*")}, WithNodeLimit(2))
	require.ErrorIs(t, err, ErrResolutionTimeout)
}

func TestResolveHonorsContext(t *testing.T) {
	reg := newRegistry().add("A", "1.0.0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(reg, WithLogger(quietLogger())).Resolve(ctx, []Requirement{req("A", "*")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestResolveSurfacesProviderErrors(t *testing.T) {
	boom := errors.New("registry unreachable")
	p := ProviderFunc(func(context.Context, Name, version.Spec) ([]Candidate, error) {
		return nil, boom
	})

	_, err := resolveWith(t, p, []Requirement{req("A", "*")})
	require.ErrorIs(t, err, boom)
}

func TestResolveIsDeterministic(t *testing.T) {
	reg := newRegistry().
		add("A", "1.0.0", "B *", "C *").
		add("B", "1.0.0", "C ^1.0.0").
		add("B", "1.1.0", "C ^2.0.0").
		add("C", "1.0.0").
		add("C", "2.0.0")

	first, err := resolveWith(t, reg, []Requirement{req("A", "*")})
	require.NoError(t, err)
	for range 5 {
		again, err := resolveWith(t, reg, []Requirement{req("A", "*")})
		require.NoError(t, err)
		for _, n := range first.Nodes() {
			assert.Equal(t, n.Version.String(), selectedVersion(t, again, string(n.Name)))
		}
	}
}
