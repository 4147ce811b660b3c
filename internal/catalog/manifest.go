package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/formbroker/internal/form"
)

// Manifest defines the structure of a provider's manifest.yaml file.
type Manifest struct {
	Bundle            string     `yaml:"bundle"`
	Module            string     `yaml:"module"`
	Version           int        `yaml:"version"`
	CompatibleVersion int        `yaml:"compatible_version,omitempty"`
	Entrypoint        string     `yaml:"entrypoint"`
	Description       string     `yaml:"description,omitempty"`
	Forms             []FormSpec `yaml:"forms"`
}

// FormSpec declares one form a provider can supply.
type FormSpec struct {
	Name                string        `yaml:"name"`
	Ability             string        `yaml:"ability"`
	Module              string        `yaml:"module,omitempty"`
	UISyntax            string        `yaml:"ui_syntax,omitempty"`
	UpdateEnabled       bool          `yaml:"update_enabled"`
	UpdateDuration      time.Duration `yaml:"update_duration,omitempty"`
	ScheduledUpdateTime string        `yaml:"scheduled_update_time,omitempty"` // "HH:MM"
	DefaultDimension    int           `yaml:"default_dimension,omitempty"`
	IsDefault           bool          `yaml:"is_default,omitempty"`
}

// Provider represents a discovered and validated provider bundle.
type Provider struct {
	Bundle      string     // Bundle name from manifest
	Module      string     // Default module for forms that do not name one
	Path        string     // Absolute path to provider directory
	Entrypoint  string     // Absolute path to entrypoint executable
	Version     int        // Provider version
	Compatible  int        // Oldest compatible version
	Description string     // Human-readable description
	Forms       []FormSpec // Declared forms
}

// Abilities returns the distinct abilities declared by p, in manifest order.
func (p *Provider) Abilities() []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range p.Forms {
		if !seen[f.Ability] {
			seen[f.Ability] = true
			out = append(out, f.Ability)
		}
	}
	return out
}

func (p *Provider) moduleOf(f FormSpec) string {
	if f.Module != "" {
		return f.Module
	}
	return p.Module
}

// info builds the ProviderInfo for one declared form.
func (p *Provider) info(f FormSpec) (form.ProviderInfo, error) {
	refresh, err := refreshPolicy(f)
	if err != nil {
		return form.ProviderInfo{}, err
	}
	dim := f.DefaultDimension
	if dim == 0 {
		dim = 1
	}
	return form.ProviderInfo{
		Bundle:            p.Bundle,
		Ability:           f.Ability,
		Module:            p.moduleOf(f),
		FormName:          f.Name,
		Dimension:         dim,
		Syntax:            form.ParseSyntax(f.UISyntax),
		EnableUpdate:      f.UpdateEnabled,
		Refresh:           refresh,
		Version:           p.Version,
		CompatibleVersion: p.Compatible,
		Entrypoint:        p.Entrypoint,
	}, nil
}

// refreshPolicy maps the manifest's update settings. An interval takes
// precedence over a scheduled time when both are declared.
func refreshPolicy(f FormSpec) (form.RefreshPolicy, error) {
	if !f.UpdateEnabled {
		return form.RefreshPolicy{}, nil
	}
	if f.UpdateDuration > 0 {
		return form.Interval(f.UpdateDuration), nil
	}
	if f.ScheduledUpdateTime == "" {
		return form.RefreshPolicy{}, nil
	}
	hour, min, err := parseClock(f.ScheduledUpdateTime)
	if err != nil {
		return form.RefreshPolicy{}, fmt.Errorf("form %q: %w", f.Name, err)
	}
	return form.DailyAt(hour, min), nil
}

func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("scheduled_update_time %q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("scheduled_update_time %q has an invalid hour", s)
	}
	min, err := strconv.Atoi(mm)
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("scheduled_update_time %q has an invalid minute", s)
	}
	return hour, min, nil
}
