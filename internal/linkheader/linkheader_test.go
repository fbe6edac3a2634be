package linkheader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingle(t *testing.T) {
	links := Parse(`<https://example.org/posts/abc>; rel="https://tent.io/rels/meta-post"`)
	require.Len(t, links, 1)
	assert.Equal(t, "https://example.org/posts/abc", links[0].URL)
	assert.Equal(t, "https://tent.io/rels/meta-post", links[0].Rel)
}

func TestParseMultiple(t *testing.T) {
	links := Parse(`<https://a.example.org/x>; rel="first", <https://b.example.org/y>; rel=last`)
	require.Len(t, links, 2)
	assert.Equal(t, "first", links[0].Rel)
	assert.Equal(t, "https://b.example.org/y", links[1].URL)
	assert.Equal(t, "last", links[1].Rel)
}

func TestParseEmpty(t *testing.T) {
	assert.Nil(t, Parse(""))
	assert.Nil(t, Parse("not a link header"))
}

func TestFind(t *testing.T) {
	links := []Link{
		{URL: "https://a", Rel: "one"},
		{URL: "https://b", Rel: "two"},
	}
	l, ok := Find(links, "two")
	assert.True(t, ok)
	assert.Equal(t, "https://b", l.URL)

	_, ok = Find(links, "three")
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	got := Format(Link{URL: "https://example.org/m", Rel: "https://tent.io/rels/credentials"})
	assert.Equal(t, `<https://example.org/m>; rel="https://tent.io/rels/credentials"`, got)
}
