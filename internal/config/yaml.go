package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decodeConfig strictly decodes raw config bytes. Both formats go through
// the same JSON decoder so unknown fields are rejected uniformly; YAML is
// translated to JSON first. The format is picked by file extension.
func decodeConfig(path string, raw []byte) (*Config, error) {
	if isYAMLPath(path) {
		jb, err := yamlToJSON(raw)
		if err != nil {
			return nil, err
		}
		raw = jb
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// A second document after the config is a malformed file, not extra
	// config.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("config: trailing data after document")
		}
		return nil, err
	}
	return &cfg, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	jb, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("translate yaml: %w", err)
	}
	return jb, nil
}

// stringifyKeys rewrites YAML maps into string-keyed maps so the document
// survives a JSON round trip.
func stringifyKeys(doc any) any {
	switch v := doc.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range v {
			v[k] = stringifyKeys(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = stringifyKeys(val)
		}
		return v
	}
	return doc
}
