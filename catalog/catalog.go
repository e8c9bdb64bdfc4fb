// Package catalog loads badge definitions from YAML or JSON files and seeds
// them into a store.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sipkit/core"
)

//go:embed default.yaml
var defaultCatalog []byte

// BadgeWriter persists badge definitions.
type BadgeWriter interface {
	SaveBadge(ctx context.Context, b core.Badge) error
}

// entry is the on-disk badge shape. Active and automatic default to true.
type entry struct {
	ID          core.BadgeID     `json:"id" yaml:"id"`
	Code        string           `json:"code" yaml:"code"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description" yaml:"description"`
	Category    core.Category    `json:"category" yaml:"category"`
	Criteria    core.CriteriaDoc `json:"criteria" yaml:"criteria"`
	Automatic   *bool            `json:"is_automatic" yaml:"is_automatic"`
	Active      *bool            `json:"is_active" yaml:"is_active"`
	Points      int              `json:"points" yaml:"points"`
}

type file struct {
	Badges []entry `json:"badges" yaml:"badges"`
}

func (e entry) badge() core.Badge {
	b := core.Badge{
		ID:          e.ID,
		Code:        e.Code,
		Name:        e.Name,
		Description: e.Description,
		Category:    e.Category,
		Criteria:    e.Criteria,
		IsAutomatic: true,
		IsActive:    true,
		Points:      e.Points,
	}
	if e.Automatic != nil {
		b.IsAutomatic = *e.Automatic
	}
	if e.Active != nil {
		b.IsActive = *e.Active
	}
	return b
}

// Format selects the decoder used by Parse.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported catalog extension %q", filepath.Ext(path))
}

// Load reads and validates a catalog file.
func Load(path string) ([]core.Badge, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	badges, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return badges, nil
}

// Default returns the embedded catalog.
func Default() []core.Badge {
	badges, err := Parse(defaultCatalog, FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return badges
}

// Parse decodes and validates catalog content. Every badge is checked and
// all problems are reported together.
func Parse(data []byte, format Format) ([]core.Badge, error) {
	var f file
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown catalog format %q", format)
	}
	if len(f.Badges) == 0 {
		return nil, errors.New("catalog defines no badges")
	}

	var errs []error
	seen := make(map[core.BadgeID]struct{}, len(f.Badges))
	badges := make([]core.Badge, 0, len(f.Badges))
	for i, e := range f.Badges {
		b := e.badge()
		if _, dup := seen[b.ID]; dup {
			errs = append(errs, fmt.Errorf("badge %d: duplicate id %q", i, b.ID))
			continue
		}
		seen[b.ID] = struct{}{}
		if err := core.ValidateBadge(b); err != nil {
			errs = append(errs, fmt.Errorf("badge %d: %w", i, err))
			continue
		}
		badges = append(badges, b)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return badges, nil
}

// Seed writes every badge to w, stopping at the first failure.
func Seed(ctx context.Context, w BadgeWriter, badges []core.Badge) error {
	for _, b := range badges {
		if err := w.SaveBadge(ctx, b); err != nil {
			return core.Persistence("seed badge "+string(b.ID), err)
		}
	}
	return nil
}
