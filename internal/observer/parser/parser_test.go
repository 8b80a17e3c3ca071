package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("single observation", func(t *testing.T) {
		text := `Some preamble.
<observation>
{"type":"discovery","title":"config loader","subtitle":"viper","narrative":"long text","text":"short","facts":["a","b"],"concepts":["config"],"files_read":["config.go"],"files_modified":[]}
</observation>
Trailing commentary.`

		observations, summary := Parse(text)
		require.Len(t, observations, 1)
		assert.Nil(t, summary)

		obs := observations[0]
		assert.Equal(t, "discovery", obs.Type)
		assert.Equal(t, "config loader", obs.Title)
		assert.Equal(t, []string{"a", "b"}, obs.Facts)
		assert.Equal(t, []string{"config.go"}, obs.FilesRead)
		assert.Equal(t, []string{}, obs.FilesModified)
	})

	t.Run("multiple observations keep order", func(t *testing.T) {
		text := `<observation>{"title":"first"}</observation>
<observation>{"title":"second"}</observation>
<observation>{"title":"third"}</observation>`

		observations, _ := Parse(text)
		require.Len(t, observations, 3)
		assert.Equal(t, "first", observations[0].Title)
		assert.Equal(t, "second", observations[1].Title)
		assert.Equal(t, "third", observations[2].Title)
	})

	t.Run("summary block", func(t *testing.T) {
		text := `<summary>{"request":"add caching","investigated":"metrics","learned":"ttl works","completed":"yes","next_steps":"wire invalidation","notes":"n"}</summary>`

		observations, summary := Parse(text)
		assert.Empty(t, observations)
		require.NotNil(t, summary)
		assert.Equal(t, "add caching", summary.Request)
		assert.Equal(t, "wire invalidation", summary.NextSteps)
	})

	t.Run("observations and summary together", func(t *testing.T) {
		text := `<observation>{"title":"one"}</observation>
<summary>{"request":"r"}</summary>`

		observations, summary := Parse(text)
		assert.Len(t, observations, 1)
		require.NotNil(t, summary)
	})

	t.Run("unrecognized input yields nothing", func(t *testing.T) {
		observations, summary := Parse("just a plain analyzer acknowledgement, no records")
		assert.Nil(t, observations)
		assert.Nil(t, summary)
	})

	t.Run("empty input", func(t *testing.T) {
		observations, summary := Parse("")
		assert.Nil(t, observations)
		assert.Nil(t, summary)
	})

	t.Run("malformed JSON skipped silently", func(t *testing.T) {
		text := `<observation>{not json}</observation>
<observation>{"title":"valid"}</observation>
<summary>{broken</summary>`

		observations, summary := Parse(text)
		require.Len(t, observations, 1)
		assert.Equal(t, "valid", observations[0].Title)
		assert.Nil(t, summary)
	})

	t.Run("missing array fields become empty slices", func(t *testing.T) {
		observations, _ := Parse(`<observation>{"title":"bare"}</observation>`)
		require.Len(t, observations, 1)
		assert.Equal(t, []string{}, observations[0].Facts)
		assert.Equal(t, []string{}, observations[0].Concepts)
		assert.Equal(t, []string{}, observations[0].FilesRead)
		assert.Equal(t, []string{}, observations[0].FilesModified)
	})

	t.Run("multiline narrative", func(t *testing.T) {
		text := "<observation>{\"title\":\"t\",\"narrative\":\"line one\\nline two\"}</observation>"
		observations, _ := Parse(text)
		require.Len(t, observations, 1)
		assert.Equal(t, "line one\nline two", observations[0].Narrative)
	})
}
