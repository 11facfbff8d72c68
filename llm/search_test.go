package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSearchResults(t *testing.T) {
	t.Parallel()

	raw := `{"results":[
		{"title":"Solid State Progress","url":"https://example.org/a","snippet":"...","domain":"example.org"},
		{"title":"No Domain","url":"https://news.example.com/b"},
		{"title":"Skipped","url":""}
	]}`
	hits := ExtractSearchResults(raw)
	require.Len(t, hits, 2)

	assert.Equal(t, "example.org", hits[0].Domain)
	assert.Equal(t, "https://www.google.com/s2/favicons?domain=example.org", hits[0].Favicon)

	// Domain derived from the URL when the payload omits it
	assert.Equal(t, "news.example.com", hits[1].Domain)
}

func TestExtractSearchResults_Unparseable(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ExtractSearchResults("no json here"))
	assert.Nil(t, ExtractSearchResults(`{"results":[]}`))
	assert.Nil(t, ExtractSearchResults(`{"results":[{"title":"x","url":""}]}`))
}
