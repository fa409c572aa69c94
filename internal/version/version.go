// Package version implements the version algebra used by the resolver:
// parsing, total ordering, and conjunctive constraint specs.
//
// Versions follow semantic versioning. Parsing is lenient: "1", "1.2" and
// "v1.2.3" are accepted and normalized to their three-component form.
// Pre-release versions order before the release they precede. Build
// metadata does not affect semver precedence, but it does break ties so
// that the order is total: two versions compare equal only when their
// normalized text is identical.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrInvalidFormat = errors.New("version: invalid format")
	ErrUnsatisfiable = errors.New("version: unsatisfiable spec")
)

// Version is an immutable, normalized semantic version.
type Version struct {
	sv *semver.Version
}

// Parse parses text into a Version.
func Parse(text string) (Version, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Version{}, fmt.Errorf("%w: empty version", ErrInvalidFormat)
	}
	sv, err := semver.NewVersion(text)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, text, err)
	}
	return Version{sv: sv}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level literals.
func MustParse(text string) Version {
	v, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether v is the zero Version (never parsed).
func (v Version) IsZero() bool { return v.sv == nil }

func (v Version) Major() uint64 { return v.sv.Major() }
func (v Version) Minor() uint64 { return v.sv.Minor() }
func (v Version) Patch() uint64 { return v.sv.Patch() }

// Prerelease returns the pre-release tag without the leading '-'.
func (v Version) Prerelease() string { return v.sv.Prerelease() }

// String returns the normalized text form.
func (v Version) String() string {
	if v.sv == nil {
		return ""
	}
	return v.sv.String()
}

// Compare returns -1, 0 or +1 as v orders before, equal to, or after o.
// The zero Version orders before every parsed version.
func (v Version) Compare(o Version) int {
	switch {
	case v.sv == nil && o.sv == nil:
		return 0
	case v.sv == nil:
		return -1
	case o.sv == nil:
		return 1
	}
	if c := v.sv.Compare(o.sv); c != 0 {
		return c
	}
	return strings.Compare(v.sv.Metadata(), o.sv.Metadata())
}

// Equal reports whether v and o are the same version.
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// Less reports whether v orders strictly before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Compare is the package-level form of Version.Compare, convenient for
// slices.SortFunc.
func Compare(a, b Version) int { return a.Compare(b) }

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
