// Package discovery scans configured sources for agents and registers new
// ones in quarantine, pending review.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Candidate is an agent reported by a scanner.
type Candidate struct {
	ExternalID   string         `yaml:"id" json:"externalId"`
	Name         string         `yaml:"name" json:"name"`
	Type         string         `yaml:"type" json:"type"`
	Vendor       string         `yaml:"vendor" json:"vendor,omitempty"`
	Model        string         `yaml:"model" json:"model,omitempty"`
	Region       string         `yaml:"region" json:"region,omitempty"`
	Capabilities []string       `yaml:"capabilities" json:"capabilities,omitempty"`
	Metadata     map[string]any `yaml:"metadata" json:"metadata,omitempty"`
	Source       string         `yaml:"-" json:"source"`
}

type manifest struct {
	Agents []Candidate `yaml:"agents"`
}

// ParseManifest reads an agent manifest:
//
//	agents:
//	  - id: invoice-bot
//	    name: Invoice Bot
//	    type: workflow
//	    capabilities: [billing]
func ParseManifest(data []byte, source string) ([]Candidate, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	out := make([]Candidate, 0, len(m.Agents))
	for i, c := range m.Agents {
		c.ExternalID = strings.TrimSpace(c.ExternalID)
		if c.ExternalID == "" {
			return nil, fmt.Errorf("parse manifest: agent %d has no id", i)
		}
		if c.Name == "" {
			c.Name = c.ExternalID
		}
		c.Source = source
		out = append(out, c)
	}
	return out, nil
}

// readManifests parses every file under root whose slash-separated relative
// path matches pattern. Files that fail to parse are reported and skipped.
func readManifests(root, pattern, source string) ([]Candidate, []error, error) {
	if pattern == "" {
		pattern = "**/*.yaml"
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if matchGlob(pattern, filepath.ToSlash(rel)) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)

	var (
		all     []Candidate
		fileErr []error
	)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			fileErr = append(fileErr, fmt.Errorf("read %s: %w", f, err))
			continue
		}
		cands, err := ParseManifest(data, source)
		if err != nil {
			fileErr = append(fileErr, fmt.Errorf("%s: %w", f, err))
			continue
		}
		all = append(all, cands...)
	}
	return all, fileErr, nil
}

// matchGlob matches slash-separated paths, with "**" spanning directories.
func matchGlob(pattern, path string) bool {
	prefix, suffix, deep := strings.Cut(pattern, "**")
	if !deep {
		ok, _ := filepath.Match(pattern, path)
		return ok
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	suffix = strings.TrimLeft(suffix, "/")
	if suffix == "" {
		return true
	}
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	for i := range parts {
		if ok, _ := filepath.Match(suffix, strings.Join(parts[i:], "/")); ok {
			return true
		}
	}
	return false
}
