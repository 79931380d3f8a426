package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	yaml "go.yaml.in/yaml/v3"

	"rss_relay/internal/model"
	"rss_relay/internal/schedule"
)

// Schedules is the content of the schedules file.
type Schedules struct {
	Schedules []model.Schedule `yaml:"schedules"`
	Elevated  []schedule.Tier  `yaml:"elevated"`
}

// LoadSchedules reads the schedules file at path. An empty path yields no
// schedules. Unknown keys are rejected.
func LoadSchedules(path string) (*Schedules, error) {
	if path == "" {
		return &Schedules{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules file: %w", err)
	}
	return ParseSchedules(data)
}

// ParseSchedules decodes and validates schedules YAML.
func ParseSchedules(data []byte) (*Schedules, error) {
	var s Schedules
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}

	names := map[string]bool{schedule.DefaultName: true}
	for _, sc := range s.Schedules {
		if sc.Name == "" {
			return nil, fmt.Errorf("schedule without name")
		}
		if names[sc.Name] {
			return nil, fmt.Errorf("duplicate schedule %q", sc.Name)
		}
		if sc.RefreshRateMinutes <= 0 {
			return nil, fmt.Errorf("schedule %q: refresh_rate_minutes must be positive", sc.Name)
		}
		names[sc.Name] = true
	}

	tierSchedules := make(map[string]int)
	for _, tier := range s.Elevated {
		sc := tier.Schedule
		if sc.Name == "" || sc.RefreshRateMinutes <= 0 {
			return nil, fmt.Errorf("elevated tier %q: schedule needs a name and a positive refresh rate", tier.Name)
		}
		if names[sc.Name] {
			return nil, fmt.Errorf("elevated tier %q: schedule %q clashes with a regular schedule", tier.Name, sc.Name)
		}
		if rate, ok := tierSchedules[sc.Name]; ok && rate != sc.RefreshRateMinutes {
			return nil, fmt.Errorf("elevated schedule %q defined with different refresh rates", sc.Name)
		}
		tierSchedules[sc.Name] = sc.RefreshRateMinutes
		if tier.FeedLimit < 0 {
			return nil, fmt.Errorf("elevated tier %q: feed_limit must not be negative", tier.Name)
		}
	}
	return &s, nil
}
