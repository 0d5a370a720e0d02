package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeWalker overlays included YAML fragments onto a Config. Fragments are
// applied depth-first in the order they are listed; glob matches are applied
// in lexical order.
type includeWalker struct {
	cfg     *Config
	visited map[string]bool
}

// processIncludes merges config files referenced by cfg.Includes into cfg.
// basePath is the directory of the config file that contains the includes.
// visited tracks absolute paths to detect circular includes.
func processIncludes(cfg *Config, basePath string, visited map[string]bool, depth int) error {
	if visited == nil {
		visited = make(map[string]bool)
	}
	w := &includeWalker{cfg: cfg, visited: visited}
	return w.walk(cfg.Includes, basePath, depth)
}

func (w *includeWalker) walk(patterns []string, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if w.visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			w.visited[abs] = true

			nested, err := w.overlay(abs)
			if err != nil {
				return err
			}
			if len(nested) > 0 {
				if err := w.walk(nested, filepath.Dir(abs), depth+1); err != nil {
					return err
				}
			}
		}
	}

	w.cfg.Includes = nil
	return nil
}

// overlay unmarshals one fragment onto the config and returns the fragment's
// own includes list.
func (w *includeWalker) overlay(path string) ([]string, error) {
	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	w.cfg.Includes = nil
	if err := yaml.Unmarshal(data, w.cfg); err != nil {
		return nil, fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	nested := w.cfg.Includes
	w.cfg.Includes = nil
	return nested, nil
}

// resolveIncludePaths resolves a pattern (which may contain globs) relative to baseDir.
// Relative patterns may not escape baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
		rel, err := filepath.Rel(baseDir, filepath.Clean(pattern))
		if err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
		}
	}
	pattern = filepath.Clean(pattern)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let overlay report file-not-found.
		return []string{pattern}, nil
	}
	return matches, nil
}
