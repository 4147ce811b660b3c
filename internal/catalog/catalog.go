// Package catalog discovers provider bundles and answers form metadata
// lookups for the broker.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/formbroker/internal/form"
)

const manifestFilename = "manifest.yaml"

// Catalog holds discovered providers indexed by bundle name.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		providers: make(map[string]*Provider),
	}
}

// Get retrieves a provider by bundle name.
func (c *Catalog) Get(bundle string) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[bundle]
	return p, ok
}

// Providers returns all providers ordered by bundle.
func (c *Catalog) Providers() []*Provider {
	c.mu.RLock()
	out := make([]*Provider, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Bundle < out[j].Bundle })
	return out
}

// Add registers a provider in the catalog.
func (c *Catalog) Add(p *Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.providers[p.Bundle]; exists {
		return fmt.Errorf("provider %q already registered", p.Bundle)
	}
	c.providers[p.Bundle] = p
	return nil
}

// Remove drops a provider. It reports whether one was registered.
func (c *Catalog) Remove(bundle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.providers[bundle]
	delete(c.providers, bundle)
	return ok
}

// Resolve returns the metadata of one form. An empty formName selects the
// ability's default form, or its first form when none is marked default.
func (c *Catalog) Resolve(bundle, module, ability, formName string) (form.ProviderInfo, error) {
	p, ok := c.Get(bundle)
	if !ok {
		return form.ProviderInfo{}, form.Errorf(form.CodeInvalidParam, "unknown provider bundle %q", bundle)
	}

	var fallback *FormSpec
	for i := range p.Forms {
		f := p.Forms[i]
		if f.Ability != ability {
			continue
		}
		if module != "" && p.moduleOf(f) != module {
			continue
		}
		if formName != "" {
			if f.Name == formName {
				return p.info(f)
			}
			continue
		}
		if f.IsDefault {
			return p.info(f)
		}
		if fallback == nil {
			fallback = &p.Forms[i]
		}
	}
	if fallback != nil {
		return p.info(*fallback)
	}
	return form.ProviderInfo{}, form.Errorf(form.CodeInvalidParam,
		"bundle %q has no form %q for ability %q module %q", bundle, formName, ability, module)
}

// Entrypoint returns the executable that serves key.
func (c *Catalog) Entrypoint(key form.ProviderKey) (string, bool) {
	p, ok := c.Get(key.Bundle)
	if !ok {
		return "", false
	}
	for _, f := range p.Forms {
		if f.Ability == key.Ability {
			return p.Entrypoint, true
		}
	}
	return "", false
}

// Discover scans providersDir for provider bundles with manifest.yaml and
// validates them. Invalid bundles are logged but not fatal.
func Discover(providersDir string, logger func(level, msg string, args ...any)) (*Catalog, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	root, err := filepath.Abs(strings.TrimSpace(providersDir))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve providers dir %q: %w", providersDir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("providers dir does not exist: %s", root)
		}
		return nil, fmt.Errorf("failed to stat providers dir %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("providers dir is not a directory: %s", root)
	}

	cat := New()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		providerPath := filepath.Dir(path)
		p, err := loadProvider(providerPath, root)
		if err != nil {
			logger("warn", "failed to load provider", "path", providerPath, "error", err.Error())
			return nil
		}

		if err := cat.Add(p); err != nil {
			existing, _ := cat.Get(p.Bundle)
			logger(
				"warn",
				"duplicate provider ignored (keeping first discovered)",
				"bundle", p.Bundle,
				"ignored_path", p.Path,
				"kept_path", existing.Path,
			)
			return nil
		}

		logger("info", "loaded provider", "bundle", p.Bundle, "path", p.Path, "version", p.Version, "forms", len(p.Forms))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan providers dir %s: %w", root, err)
	}

	return cat, nil
}

// loadProvider reads and validates a single provider bundle.
func loadProvider(providerPath, providersDir string) (*Provider, error) {
	data, err := os.ReadFile(filepath.Join(providerPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypointPath := filepath.Join(providerPath, manifest.Entrypoint)
	if err := validateTrust(entrypointPath, providerPath, providersDir); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Provider{
		Bundle:      manifest.Bundle,
		Module:      manifest.Module,
		Path:        providerPath,
		Entrypoint:  entrypointPath,
		Version:     manifest.Version,
		Compatible:  manifest.CompatibleVersion,
		Description: manifest.Description,
		Forms:       manifest.Forms,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Bundle == "" {
		return fmt.Errorf("bundle is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if m.Version < 0 || m.CompatibleVersion < 0 || m.CompatibleVersion > m.Version {
		return fmt.Errorf("compatible_version %d must be between 0 and version %d", m.CompatibleVersion, m.Version)
	}
	if len(m.Forms) == 0 {
		return fmt.Errorf("at least one form must be declared")
	}

	seen := make(map[string]bool)
	for _, f := range m.Forms {
		if f.Name == "" || f.Ability == "" {
			return fmt.Errorf("form name and ability are required")
		}
		key := f.Ability + "/" + f.Name
		if seen[key] {
			return fmt.Errorf("duplicate form %q for ability %q", f.Name, f.Ability)
		}
		seen[key] = true
		if f.UpdateDuration < 0 {
			return fmt.Errorf("form %q: update_duration must not be negative", f.Name)
		}
		if _, err := refreshPolicy(f); err != nil {
			return err
		}
	}
	return nil
}

// validateTrust enforces that the entrypoint is an executable inside the
// provider directory, under the providers root, and that the provider
// directory is not world-writable.
func validateTrust(entrypointPath, providerPath, providersDir string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedProviderPath, err := filepath.EvalSymlinks(providerPath)
	if err != nil {
		return fmt.Errorf("failed to resolve provider path symlink: %w", err)
	}

	resolvedRoot, err := filepath.EvalSymlinks(providersDir)
	if err != nil {
		return fmt.Errorf("failed to resolve providers dir symlink %s: %w", providersDir, err)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under the providers dir", resolvedEntrypoint)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedProviderPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under provider directory %s", resolvedEntrypoint, resolvedProviderPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	providerInfo, err := os.Stat(resolvedProviderPath)
	if err != nil {
		return fmt.Errorf("provider directory not found: %w", err)
	}
	if providerInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("provider directory is world-writable: %s", resolvedProviderPath)
	}

	return nil
}
