package tenttype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tt, err := Parse("https://tent.io/types/status/v0#reply")
	require.NoError(t, err)
	assert.Equal(t, "https://tent.io/types/status/v0", tt.Base)
	assert.Equal(t, "reply", tt.Fragment)
	assert.True(t, tt.HasFragment)

	tt, err = Parse("https://tent.io/types/status/v0")
	require.NoError(t, err)
	assert.False(t, tt.HasFragment)
	assert.Equal(t, "", tt.Fragment)

	// Trailing # is an empty but present fragment.
	tt, err = Parse("https://tent.io/types/credentials/v0#")
	require.NoError(t, err)
	assert.True(t, tt.HasFragment)
	assert.Equal(t, "", tt.Fragment)
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "not a uri", "relative/path", "://nope"} {
		_, err := Parse(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}

func TestString(t *testing.T) {
	for _, s := range []string{
		"https://tent.io/types/status/v0",
		"https://tent.io/types/status/v0#reply",
		"https://tent.io/types/credentials/v0#",
	} {
		tt, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, tt.String())
	}
}

func TestFragmentCompatible(t *testing.T) {
	bare := Type{Base: "https://x/y"}
	frag := Type{Base: "https://x/y", Fragment: "a", HasFragment: true}
	other := Type{Base: "https://x/y", Fragment: "b", HasFragment: true}

	assert.True(t, bare.FragmentCompatible(frag))
	assert.True(t, frag.FragmentCompatible(frag))
	assert.False(t, frag.FragmentCompatible(other))
	assert.False(t, frag.FragmentCompatible(bare))
}

func TestMatchesScope(t *testing.T) {
	mustParse := func(s string) Type {
		tt, err := Parse(s)
		require.NoError(t, err)
		return tt
	}

	cases := []struct {
		entry     string
		candidate string
		want      bool
	}{
		{"all", "https://x/y", true},
		{"all", "https://x/y#frag", true},

		// Fragment-qualified entry requires full equality.
		{"https://x/y#frag", "https://x/y#frag", true},
		{"https://x/y#frag", "https://x/y#other", false},
		{"https://x/y#frag", "https://x/y", false},
		{"https://x/y#frag", "https://x/z#frag", false},

		// Bare entry requires only base equality.
		{"https://x/y", "https://x/y", true},
		{"https://x/y", "https://x/y#frag", true},
		{"https://x/y", "https://x/z", false},

		{"garbage", "https://x/y", false},
	}

	for _, c := range cases {
		got := MatchesScope(c.entry, mustParse(c.candidate))
		assert.Equal(t, c.want, got, "MatchesScope(%q, %q)", c.entry, c.candidate)
	}
}

func TestWriteMatches(t *testing.T) {
	mustParse := func(s string) Type {
		tt, err := Parse(s)
		require.NoError(t, err)
		return tt
	}

	cases := []struct {
		entry     string
		candidate string
		want      bool
	}{
		{"all", "https://x/y#frag", true},

		// Entry with fragment: exact match only.
		{"https://x/y#frag", "https://x/y#frag", true},
		{"https://x/y#frag", "https://x/y", false},
		{"https://x/y#frag", "https://x/y#other", false},

		// Bare entry: base equality, and the candidate must be bare too.
		{"https://tent.io/types/status", "https://tent.io/types/status", true},
		{"https://tent.io/types/status", "https://tent.io/types/status#v1", false},
		{"https://tent.io/types/status", "https://tent.io/types/essay", false},
	}

	for _, c := range cases {
		got := WriteMatches(c.entry, mustParse(c.candidate))
		assert.Equal(t, c.want, got, "WriteMatches(%q, %q)", c.entry, c.candidate)
	}
}
