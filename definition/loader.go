package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader parses workflow definitions from YAML files and computes a
// SHA-256 checksum per file.
type Loader struct{}

// NewLoader creates a definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadDir recursively scans a directory for *.yaml and *.yml files and
// parses each into a Workflow. Files are visited in lexical order so the
// result is deterministic.
func (l *Loader) LoadDir(dir string) ([]*Workflow, error) {
	var defs []*Workflow

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		def, err := l.LoadFile(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file. The returned
// definition carries its checksum and source path; validation happens at
// registration, not here.
func (l *Loader) LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return l.Parse(data, path)
}

// Parse decodes YAML bytes into a Workflow. source is recorded for error
// reporting and may be empty.
func (l *Loader) Parse(data []byte, source string) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	if w.Revision == 0 {
		w.Revision = 1
	}
	w.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	w.Source = source
	return &w, nil
}
