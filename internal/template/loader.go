// Package template loads workflow templates from YAML, validates their graph
// and policies, and serves them from a versioned registry with lock-free reads.
package template

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/wardflow/model"
)

// Loader scans directories for template YAML files, one template per file.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowTemplate.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowTemplate, error) {
	var tpls []model.WorkflowTemplate

	for _, dir := range directories {
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

			tpl, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			tpls = append(tpls, tpl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return tpls, nil
}

// LoadFile loads and parses a single template file, recording its checksum and
// source path.
func (l *Loader) LoadFile(path string) (model.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}

	tpl, err := Parse(data)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	tpl.SourceFile = path
	return tpl, nil
}

// Parse decodes a YAML (or JSON, which is valid YAML) template document.
// Unknown fields are rejected.
func Parse(data []byte) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tpl); err != nil {
		return model.WorkflowTemplate{}, err
	}
	tpl.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return tpl, nil
}
