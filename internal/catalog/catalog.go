// Package catalog holds the data-driven preset and style tables used to
// compose generation prompts.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	ModelNanoBananaPro = "nano-banana-pro"
	ModelFlux2         = "flux-2/pro-image-to-image"
)

type Preset struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	BasePrompt  string `json:"base_prompt" yaml:"base_prompt"`
	Model       string `json:"model" yaml:"model"`
	AspectRatio string `json:"aspect_ratio" yaml:"aspect_ratio"`
	Resolution  string `json:"resolution" yaml:"resolution"`
}

type Style struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Modifier string `json:"modifier" yaml:"modifier"`
}

// Prompt is a fully resolved generation request for one preset/style pair.
type Prompt struct {
	PresetID    string
	StyleID     string
	Text        string
	Model       string
	AspectRatio string
	Resolution  string
}

type file struct {
	Presets    []Preset `json:"presets" yaml:"presets"`
	Styles     []Style  `json:"styles" yaml:"styles"`
	Variations []string `json:"variations" yaml:"variations"`
}

type Catalog struct {
	presets    []Preset
	styles     []Style
	variations []string
	presetByID map[string]int
	styleByID  map[string]int
}

var defaultVariations = []string{
	"soft morning light, fresh and calm mood",
	"warm afternoon light, relaxed mood",
	"golden sunset light, dreamy mood",
	"bright midday light, crisp and vivid mood",
}

var defaultPresets = []Preset{
	{ID: "business_portrait", Title: "Business portrait", BasePrompt: "Professional studio headshot of the person from the reference photo, sharp focus, neutral backdrop, tailored outfit", Model: ModelNanoBananaPro, AspectRatio: "3:4", Resolution: "2K"},
	{ID: "travel_postcard", Title: "Travel postcard", BasePrompt: "The person from the reference photo posing at a famous landmark, travel photography, natural expression", Model: ModelNanoBananaPro, AspectRatio: "4:5", Resolution: "2K"},
	{ID: "fantasy_hero", Title: "Fantasy hero", BasePrompt: "The person from the reference photo as a heroic fantasy character in ornate armor, epic landscape behind", Model: ModelFlux2, AspectRatio: "2:3", Resolution: "2K"},
	{ID: "vintage_film", Title: "Vintage film", BasePrompt: "Portrait of the person from the reference photo shot on 35mm film, 1970s fashion, subtle grain", Model: ModelFlux2, AspectRatio: "1:1", Resolution: "1K"},
}

var defaultStyles = []Style{
	{ID: "natural", Title: "Natural", Modifier: "photorealistic, true-to-life colors"},
	{ID: "cinematic", Title: "Cinematic", Modifier: "cinematic color grading, shallow depth of field, anamorphic look"},
	{ID: "noir", Title: "Noir", Modifier: "black and white, high contrast, dramatic shadows"},
	{ID: "watercolor", Title: "Watercolor", Modifier: "loose watercolor painting, soft paper texture"},
	{ID: "pop_art", Title: "Pop art", Modifier: "bold pop art, halftone dots, saturated flat colors"},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := build(file{Presets: defaultPresets, Styles: defaultStyles, Variations: defaultVariations})
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a catalog file (YAML or JSON by extension). An empty path
// yields the built-in catalog. Missing variations fall back to the defaults.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var f file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &f)
	default:
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(f.Variations) == 0 {
		f.Variations = defaultVariations
	}
	return build(f)
}

func build(f file) (*Catalog, error) {
	if len(f.Presets) == 0 || len(f.Styles) == 0 {
		return nil, fmt.Errorf("catalog needs at least one preset and one style")
	}
	c := &Catalog{
		presets:    f.Presets,
		styles:     f.Styles,
		variations: f.Variations,
		presetByID: make(map[string]int, len(f.Presets)),
		styleByID:  make(map[string]int, len(f.Styles)),
	}
	for i, p := range f.Presets {
		if p.ID == "" || p.BasePrompt == "" {
			return nil, fmt.Errorf("preset #%d: id and base_prompt are required", i)
		}
		if _, dup := c.presetByID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate preset id %q", p.ID)
		}
		if c.presets[i].Model == "" {
			c.presets[i].Model = ModelNanoBananaPro
		}
		c.presetByID[p.ID] = i
	}
	for i, s := range f.Styles {
		if s.ID == "" {
			return nil, fmt.Errorf("style #%d: id is required", i)
		}
		if _, dup := c.styleByID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate style id %q", s.ID)
		}
		c.styleByID[s.ID] = i
	}
	return c, nil
}

func (c *Catalog) Presets() []Preset {
	out := make([]Preset, len(c.presets))
	copy(out, c.presets)
	return out
}

func (c *Catalog) Styles() []Style {
	out := make([]Style, len(c.styles))
	copy(out, c.styles)
	return out
}

func (c *Catalog) Preset(id string) (Preset, bool) {
	i, ok := c.presetByID[id]
	if !ok {
		return Preset{}, false
	}
	return c.presets[i], true
}

// Lookup combines the preset base prompt with the style modifier.
func (c *Catalog) Lookup(presetID, styleID string) (Prompt, bool) {
	pi, ok := c.presetByID[presetID]
	if !ok {
		return Prompt{}, false
	}
	si, ok := c.styleByID[styleID]
	if !ok {
		return Prompt{}, false
	}
	p, s := c.presets[pi], c.styles[si]
	return Prompt{
		PresetID:    p.ID,
		StyleID:     s.ID,
		Text:        joinPrompt(p.BasePrompt, s.Modifier),
		Model:       p.Model,
		AspectRatio: p.AspectRatio,
		Resolution:  p.Resolution,
	}, true
}

// Compose is Lookup plus the lighting/mood modifier for a variation index.
// Modifiers rotate so every index in a batch gets a distinct look.
func (c *Catalog) Compose(presetID, styleID string, index int) (Prompt, bool) {
	prompt, ok := c.Lookup(presetID, styleID)
	if !ok || index < 0 {
		return Prompt{}, false
	}
	if len(c.variations) > 0 {
		prompt.Text = joinPrompt(prompt.Text, c.variations[index%len(c.variations)])
	}
	return prompt, true
}

func joinPrompt(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, strings.TrimRight(p, ". ,"))
		}
	}
	return strings.Join(kept, ", ")
}
