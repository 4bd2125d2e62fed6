package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadAgentsDir appends one AgentConfig per *.yaml or *.yml file in dir to
// cfg.Agents, in file name order. A relative dir resolves against baseDir
// and must stay inside it. A missing directory is an error; an empty one
// adds nothing.
func loadAgentsDir(cfg *Config, dir, baseDir string) error {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
		rel, err := filepath.Rel(baseDir, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("agents_dir %q escapes config directory", dir)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("agents_dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		agent, err := readPersonaFile(path)
		if err != nil {
			return fmt.Errorf("agents_dir: %w", err)
		}
		cfg.Agents = append(cfg.Agents, agent)
	}
	return nil
}

// readPersonaFile decodes a single persona. Unknown keys are rejected so a
// misspelled field does not silently drop a behavior. The file name stands
// in for a missing name.
func readPersonaFile(path string) (AgentConfig, error) {
	if err := validatePermissions(path); err != nil {
		return AgentConfig{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return AgentConfig{}, err
	}
	defer f.Close()

	var agent AgentConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&agent); err != nil && !errors.Is(err, io.EOF) {
		return AgentConfig{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if agent.Name == "" {
		agent.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return agent, nil
}
