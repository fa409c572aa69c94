package version

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNormalizes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2.3", "1.2.3"},
		{"v1.2.3", "1.2.3"},
		{"1.2", "1.2.0"},
		{"2", "2.0.0"},
		{" 1.0.0-rc.1 ", "1.0.0-rc.1"},
		{"1.0.0+build.5", "1.0.0+build.5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3.4", "1..2", "-1.0.0"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestCompareTotalOrder(t *testing.T) {
	ordered := []string{
		"0.9.0",
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-beta",
		"1.0.0-rc.1",
		"1.0.0",
		"1.0.0+a",
		"1.0.0+b",
		"1.0.1",
		"1.10.0",
		"2.0.0",
	}
	for i := range ordered {
		for j := range ordered {
			a, b := MustParse(ordered[i]), MustParse(ordered[j])
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			assert.Equal(t, want, a.Compare(b), "compare(%s, %s)", a, b)
		}
	}
}

func TestCompareEqualOnlyWhenNormalizedTextMatches(t *testing.T) {
	assert.Equal(t, 0, MustParse("v1.2").Compare(MustParse("1.2.0")))
	assert.NotEqual(t, 0, MustParse("1.2.0+x").Compare(MustParse("1.2.0")))
}

func TestSortWithCompare(t *testing.T) {
	vs := []Version{MustParse("1.5.0"), MustParse("1.0.0"), MustParse("1.5.0-rc.1")}
	slices.SortFunc(vs, Compare)
	assert.Equal(t, "1.0.0", vs[0].String())
	assert.Equal(t, "1.5.0-rc.1", vs[1].String())
	assert.Equal(t, "1.5.0", vs[2].String())
}

func TestZeroVersionOrdersFirst(t *testing.T) {
	var zero Version
	assert.True(t, zero.IsZero())
	assert.Equal(t, -1, zero.Compare(MustParse("0.0.0")))
	assert.Equal(t, 0, zero.Compare(Version{}))
}

func TestTextMarshalling(t *testing.T) {
	var v Version
	require.NoError(t, v.UnmarshalText([]byte("v3.1")))
	text, err := v.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", string(text))

	require.ErrorIs(t, v.UnmarshalText([]byte("nope")), ErrInvalidFormat)
}
