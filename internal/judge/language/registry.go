// Package language loads and serves the per-language execution specs.
// Adding a language means editing the config file, not the code.
package language

import (
	"context"
	"os"
	"sort"
	"strings"

	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Spec is the immutable execution recipe for one language.
type Spec struct {
	Key             string `yaml:"key"`
	Label           string `yaml:"label"`
	Image           string `yaml:"image"`
	FileName        string `yaml:"file_name"`
	CommandTemplate string `yaml:"command_template"`
	AceMode         string `yaml:"ace_mode"`
}

// PublicSpec is the subset of a Spec exposed to the UI.
type PublicSpec struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	AceMode string `json:"ace_mode"`
}

type configFile struct {
	Languages []Spec `yaml:"languages"`
}

// Registry is the process-wide, read-only language mapping.
type Registry struct {
	specs map[string]Spec
	order []string
}

// Load reads and validates the language config file. It fails on a missing
// file, schema violation, duplicate key or empty required field.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.LanguageConfigError, "read languages config %s failed", path)
	}
	return Parse(data, path)
}

// Parse validates raw YAML config content. The path is only used in error
// messages.
func Parse(data []byte, path string) (*Registry, error) {
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, appErr.Wrapf(err, appErr.LanguageConfigError, "parse languages config %s failed", path)
	}

	specs := make(map[string]Spec, len(cfg.Languages))
	order := make([]string, 0, len(cfg.Languages))
	for i, spec := range cfg.Languages {
		if err := validateSpec(spec); err != nil {
			return nil, appErr.Wrapf(err, appErr.LanguageConfigError, "languages config %s entry %d is invalid", path, i)
		}
		if _, exists := specs[spec.Key]; exists {
			return nil, appErr.Newf(appErr.LanguageConfigError, "duplicate language key in %s: %q", path, spec.Key)
		}
		specs[spec.Key] = spec
		order = append(order, spec.Key)
	}

	if len(specs) == 0 {
		logger.Warn(context.Background(), "no languages found in config", zap.String("path", path))
	}
	return &Registry{specs: specs, order: order}, nil
}

func validateSpec(spec Spec) error {
	required := map[string]string{
		"key":              spec.Key,
		"label":            spec.Label,
		"image":            spec.Image,
		"file_name":        spec.FileName,
		"command_template": spec.CommandTemplate,
		"ace_mode":         spec.AceMode,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return appErr.ValidationError(field, "required")
		}
	}
	return nil
}

// Lookup returns the spec for the given key, or false when unknown.
// Keys are matched after trimming surrounding whitespace.
func (r *Registry) Lookup(key string) (Spec, bool) {
	spec, ok := r.specs[strings.TrimSpace(key)]
	return spec, ok
}

// RequiredImages returns the sorted set of sandbox image references,
// used to pre-pull images at startup.
func (r *Registry) RequiredImages() []string {
	seen := make(map[string]struct{}, len(r.specs))
	images := make([]string, 0, len(r.specs))
	for _, spec := range r.specs {
		if _, ok := seen[spec.Image]; ok {
			continue
		}
		seen[spec.Image] = struct{}{}
		images = append(images, spec.Image)
	}
	sort.Strings(images)
	return images
}

// PublicList returns the UI-facing language list in config order.
func (r *Registry) PublicList() []PublicSpec {
	list := make([]PublicSpec, 0, len(r.order))
	for _, key := range r.order {
		spec := r.specs[key]
		list = append(list, PublicSpec{Key: spec.Key, Label: spec.Label, AceMode: spec.AceMode})
	}
	return list
}
