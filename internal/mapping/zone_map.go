package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// SourceInfo describes where a group of timeline files was collected
type SourceInfo struct {
	Timezone string `yaml:"timezone"`
	Notes    string `yaml:"notes"`
}

// ZoneMap maps source file patterns to the timezone their timestamps were
// recorded in.
//
//	default_timezone: UTC
//	sources:
//	  "*/berlin-*.jsonl":
//	    timezone: Europe/Berlin
//	    notes: office workstations
type ZoneMap struct {
	DefaultTimezone string                `yaml:"default_timezone"`
	Sources         map[string]SourceInfo `yaml:"sources"`

	patterns []string // longest first
}

// LoadZoneMap loads a zone map YAML file
func LoadZoneMap(path string) (*ZoneMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zone map: %w", err)
	}
	return ParseZoneMap(data)
}

// ParseZoneMap parses zone map YAML and validates its patterns
func ParseZoneMap(data []byte) (*ZoneMap, error) {
	var zm ZoneMap
	if err := yaml.Unmarshal(data, &zm); err != nil {
		return nil, fmt.Errorf("failed to parse zone map: %w", err)
	}

	if zm.Sources == nil {
		zm.Sources = make(map[string]SourceInfo)
	}

	for pattern, info := range zm.Sources {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid source pattern %q: %w", pattern, err)
		}
		if info.Timezone == "" {
			return nil, fmt.Errorf("source pattern %q has no timezone", pattern)
		}
		zm.patterns = append(zm.patterns, pattern)
	}

	// most specific pattern wins; ties are broken lexically
	sort.Slice(zm.patterns, func(i, j int) bool {
		if len(zm.patterns[i]) != len(zm.patterns[j]) {
			return len(zm.patterns[i]) > len(zm.patterns[j])
		}
		return zm.patterns[i] < zm.patterns[j]
	})

	return &zm, nil
}

// ZoneFor returns the timezone for a source path. Patterns are matched
// against the full path and the base name. Returns DefaultTimezone (may be
// empty) when nothing matches.
func (zm *ZoneMap) ZoneFor(path string) string {
	if zm == nil {
		return ""
	}
	base := filepath.Base(path)
	for _, pattern := range zm.patterns {
		if ok, _ := filepath.Match(pattern, path); ok {
			return zm.Sources[pattern].Timezone
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return zm.Sources[pattern].Timezone
		}
	}
	return zm.DefaultTimezone
}
