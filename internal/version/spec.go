package version

import (
	"fmt"
	"slices"
	"strings"
)

type op uint8

const (
	opEQ op = iota
	opNE
	opGT
	opGE
	opLT
	opLE
)

var opText = [...]string{
	opEQ: "=",
	opNE: "!=",
	opGT: ">",
	opGE: ">=",
	opLT: "<",
	opLE: "<=",
}

// term is a single simple constraint "op version".
type term struct {
	op op
	v  Version
}

func (t term) allows(v Version) bool {
	c := v.Compare(t.v)
	switch t.op {
	case opEQ:
		return c == 0
	case opNE:
		return c != 0
	case opGT:
		return c > 0
	case opGE:
		return c >= 0
	case opLT:
		return c < 0
	case opLE:
		return c <= 0
	}
	return false
}

func (t term) String() string { return opText[t.op] + t.v.String() }

// Spec is a conjunction of simple constraints. The zero Spec, like Any(),
// allows every version.
type Spec struct {
	terms []term
}

// Any returns the unconstrained spec.
func Any() Spec { return Spec{} }

// Exact returns the spec that allows only v.
func Exact(v Version) Spec { return Spec{terms: []term{{op: opEQ, v: v}}} }

// ParseSpec parses a comma-separated conjunction of constraints.
//
// Supported forms: "1.2.3" and "=1.2.3" (exact), "!=1.2.3", ">1.2.3",
// ">=1.2.3", "<1.2.3", "<=1.2.3", "^1.2.3", "~1.2.3" and "*". Empty text
// and conjunctions that no version can satisfy fail with ErrUnsatisfiable.
func ParseSpec(text string) (Spec, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Spec{}, fmt.Errorf("%w: empty spec", ErrUnsatisfiable)
	}

	var s Spec
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Spec{}, fmt.Errorf("%w: empty constraint in %q", ErrInvalidFormat, text)
		}
		if part == "*" {
			continue
		}
		terms, err := parseTerm(part)
		if err != nil {
			return Spec{}, err
		}
		s.terms = appendTerms(s.terms, terms...)
	}

	if s.IsEmpty() {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnsatisfiable, text)
	}
	return s, nil
}

// MustParseSpec is like ParseSpec but panics on error.
func MustParseSpec(text string) Spec {
	s, err := ParseSpec(text)
	if err != nil {
		panic(err)
	}
	return s
}

func parseTerm(part string) ([]term, error) {
	var (
		o    op
		rest string
	)
	switch {
	case strings.HasPrefix(part, ">="):
		o, rest = opGE, part[2:]
	case strings.HasPrefix(part, "<="):
		o, rest = opLE, part[2:]
	case strings.HasPrefix(part, "!="):
		o, rest = opNE, part[2:]
	case strings.HasPrefix(part, "=="):
		o, rest = opEQ, part[2:]
	case strings.HasPrefix(part, ">"):
		o, rest = opGT, part[1:]
	case strings.HasPrefix(part, "<"):
		o, rest = opLT, part[1:]
	case strings.HasPrefix(part, "="):
		o, rest = opEQ, part[1:]
	case strings.HasPrefix(part, "^"):
		return parseCaret(part[1:])
	case strings.HasPrefix(part, "~"):
		return parseTilde(part[1:])
	default:
		o, rest = opEQ, part
	}

	v, err := Parse(rest)
	if err != nil {
		return nil, err
	}
	return []term{{op: o, v: v}}, nil
}

// parseCaret expands ^V to the range of versions compatible with V:
// the left-most non-zero component is held fixed.
func parseCaret(text string) ([]term, error) {
	v, err := Parse(text)
	if err != nil {
		return nil, err
	}
	var upper string
	switch {
	case v.Major() > 0:
		upper = fmt.Sprintf("%d.0.0", v.Major()+1)
	case v.Minor() > 0:
		upper = fmt.Sprintf("0.%d.0", v.Minor()+1)
	default:
		upper = fmt.Sprintf("0.0.%d", v.Patch()+1)
	}
	return []term{{op: opGE, v: v}, {op: opLT, v: MustParse(upper)}}, nil
}

// parseTilde expands ~V to patch-level changes of V.
func parseTilde(text string) ([]term, error) {
	v, err := Parse(text)
	if err != nil {
		return nil, err
	}
	upper := MustParse(fmt.Sprintf("%d.%d.0", v.Major(), v.Minor()+1))
	return []term{{op: opGE, v: v}, {op: opLT, v: upper}}, nil
}

func appendTerms(dst []term, terms ...term) []term {
	for _, t := range terms {
		if !slices.ContainsFunc(dst, func(e term) bool { return e.op == t.op && e.v.Equal(t.v) }) {
			dst = append(dst, t)
		}
	}
	return dst
}

// Allows reports whether v satisfies every constraint of s.
func (s Spec) Allows(v Version) bool {
	for _, t := range s.terms {
		if !t.allows(v) {
			return false
		}
	}
	return true
}

// Satisfies reports whether v satisfies s.
func Satisfies(v Version, s Spec) bool { return s.Allows(v) }

// IsAny reports whether s places no constraint at all.
func (s Spec) IsAny() bool { return len(s.terms) == 0 }

// Exact returns the single version s pins, if s contains an exact term.
func (s Spec) Exact() (Version, bool) {
	for _, t := range s.terms {
		if t.op == opEQ {
			return t.v, true
		}
	}
	return Version{}, false
}

// Intersect returns the conjunction of s and o. The result may be empty;
// callers check IsEmpty.
func (s Spec) Intersect(o Spec) Spec {
	terms := make([]term, 0, len(s.terms)+len(o.terms))
	terms = appendTerms(terms, s.terms...)
	terms = appendTerms(terms, o.terms...)
	return Spec{terms: terms}
}

// IsEmpty reports whether no version can satisfy s.
//
// The version order is dense (a pre-release or build-metadata variant
// always fits between two distinct versions), so a range with a lower
// bound strictly below its upper bound is never empty regardless of how
// many single versions it excludes.
func (s Spec) IsEmpty() bool {
	if exact, ok := s.Exact(); ok {
		return !s.Allows(exact)
	}

	var lo, hi *term
	for i := range s.terms {
		t := &s.terms[i]
		switch t.op {
		case opGT, opGE:
			if lo == nil || tighterLower(t, lo) {
				lo = t
			}
		case opLT, opLE:
			if hi == nil || tighterUpper(t, hi) {
				hi = t
			}
		}
	}
	if lo == nil || hi == nil {
		return false
	}

	switch c := lo.v.Compare(hi.v); {
	case c > 0:
		return true
	case c < 0:
		return false
	default:
		if lo.op != opGE || hi.op != opLE {
			return true
		}
		return !s.Allows(lo.v)
	}
}

func tighterLower(a, b *term) bool {
	c := a.v.Compare(b.v)
	return c > 0 || (c == 0 && a.op == opGT)
}

func tighterUpper(a, b *term) bool {
	c := a.v.Compare(b.v)
	return c < 0 || (c == 0 && a.op == opLT)
}

// String returns the normalized text form. ParseSpec(s.String()) yields
// an equivalent spec.
func (s Spec) String() string {
	if len(s.terms) == 0 {
		return "*"
	}
	parts := make([]string, len(s.terms))
	for i, t := range s.terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// MarshalText implements encoding.TextMarshaler.
func (s Spec) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Spec) UnmarshalText(text []byte) error {
	parsed, err := ParseSpec(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
