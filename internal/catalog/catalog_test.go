package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeRotatesVariations(t *testing.T) {
	c := Default()

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		p, ok := c.Compose("business_portrait", "cinematic", i)
		require.True(t, ok)
		assert.Contains(t, p.Text, "Professional studio headshot")
		assert.Contains(t, p.Text, "cinematic color grading")
		seen[p.Text] = true
	}
	assert.Len(t, seen, 4)

	first, _ := c.Compose("business_portrait", "cinematic", 0)
	wrapped, _ := c.Compose("business_portrait", "cinematic", 4)
	assert.Equal(t, first.Text, wrapped.Text)
	assert.Contains(t, first.Text, "morning")
}

func TestLookupRejectsUnknownIDs(t *testing.T) {
	c := Default()

	_, ok := c.Lookup("nope", "cinematic")
	assert.False(t, ok)
	_, ok = c.Lookup("business_portrait", "nope")
	assert.False(t, ok)
	_, ok = c.Compose("business_portrait", "noir", -1)
	assert.False(t, ok)
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
presets:
  - id: pet
    title: Pet portrait
    base_prompt: A regal portrait of the pet from the photo.
styles:
  - id: oil
    modifier: oil painting
variations:
  - dawn
  - dusk
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	p, ok := c.Compose("pet", "oil", 1)
	require.True(t, ok)
	assert.Equal(t, "A regal portrait of the pet from the photo, oil painting, dusk", p.Text)
	assert.Equal(t, ModelNanoBananaPro, p.Model)
}

func TestLoadJSONRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	content := `{"presets":[{"id":"a","base_prompt":"x"},{"id":"a","base_prompt":"y"}],"styles":[{"id":"s"}]}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate preset")
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Presets())
	assert.NotEmpty(t, c.Styles())
}
