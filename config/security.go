package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Limits on untrusted input: microscope files, environment overrides and KV values
const (
	maxConfigSize = 10 << 20
	maxYAMLDepth  = 100
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

// checkPath accepts YAML files only. A relative path must stay under the working
// directory once resolved.
func checkPath(path string) error {
	switch {
	case path == "":
		return stderrors.New("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}
	if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("only YAML config files allowed: %s", path)
	}
	if filepath.IsAbs(path) {
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if rel, err := filepath.Rel(cwd, abs); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal not allowed: %s resolves outside working directory", path)
	}
	return nil
}

// readConfigFile reads a regular file of bounded size
func readConfigFile(path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

// writeConfigFile writes data readable by the owner only, since it may hold broker
// credentials
func writeConfigFile(path string, data []byte) error {
	if err := checkPath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0o600)
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// validateYAMLDepth checks document nesting before decoding. JSON is a YAML subset,
// so KV values go through the same check.
func validateYAMLDepth(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("malformed document: %w", err)
	}
	if depth := nodeDepth(&root, 0); depth > maxYAMLDepth {
		return fmt.Errorf("nesting too deep: %d > %d", depth, maxYAMLDepth)
	}
	return nil
}

func nodeDepth(n *yaml.Node, depth int) int {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		depth++
	}
	if depth > maxYAMLDepth {
		return depth
	}
	deepest := depth
	for _, child := range n.Content {
		if d := nodeDepth(child, depth); d > deepest {
			deepest = d
		}
	}
	return deepest
}
