package sentiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertMarkdownToTextStripsMarkup(t *testing.T) {
	in := "**Big news:** we shipped.\n\n- faster builds\n- [docs](https://example.com/docs)"
	out := ConvertMarkdownToText(in)

	assert.NotContains(t, out, "**")
	assert.NotContains(t, out, "<")
	assert.NotContains(t, out, "https://")
	assert.Contains(t, out, "Big news:")
	assert.Contains(t, out, "faster builds")
	assert.Contains(t, out, "docs")
}

func TestRemoveLinks(t *testing.T) {
	assert.Equal(t, "see  now", RemoveLinks("see https://example.com now"))
}

func TestIntensity(t *testing.T) {
	assert.True(t, IsStrong("This is absolutely amazing, I love it! Incredible results!"))
	assert.True(t, IsStrong("This is a terrible, horrible disaster and I hate it."))
	assert.Less(t, Intensity("The meeting is on Tuesday."), StrongThreshold)
}
