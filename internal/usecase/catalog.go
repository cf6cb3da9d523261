package usecase

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog holds the user-facing nudge and completion messages.
type Catalog struct {
	FocusComplete string                           `yaml:"focus_complete"`
	PromptHint    string                           `yaml:"prompt_hint"`
	Wellbeing     []string                         `yaml:"wellbeing"`
	Exercise      map[domain.ExerciseKind][]string `yaml:"exercise"`
}

// LoadCatalog returns the built-in catalog, overlaid with path when non-empty.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(defaultCatalog, c); err != nil {
		return nil, fmt.Errorf("parse built-in catalog: %w", err)
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	override := &Catalog{}
	if err := yaml.Unmarshal(data, override); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if override.FocusComplete != "" {
		c.FocusComplete = override.FocusComplete
	}
	if override.PromptHint != "" {
		c.PromptHint = override.PromptHint
	}
	if len(override.Wellbeing) > 0 {
		c.Wellbeing = override.Wellbeing
	}
	for kind, msgs := range override.Exercise {
		if len(msgs) > 0 {
			c.Exercise[kind] = msgs
		}
	}
	return c, nil
}

// WellbeingMessage picks a wellbeing nudge. n rotates through the list.
func (c *Catalog) WellbeingMessage(n int64) string {
	return pick(c.Wellbeing, n, "Take a short break.")
}

// ExerciseMessage picks an exercise prompt across all kinds.
func (c *Catalog) ExerciseMessage(n int64) string {
	kinds := make([]string, 0, len(c.Exercise))
	for k := range c.Exercise {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	var all []string
	for _, k := range kinds {
		all = append(all, c.Exercise[domain.ExerciseKind(k)]...)
	}
	return pick(all, n, "Time to move.")
}

func pick(list []string, n int64, fallback string) string {
	if len(list) == 0 {
		return fallback
	}
	if n < 0 {
		n = -n
	}
	return list[n%int64(len(list))]
}
