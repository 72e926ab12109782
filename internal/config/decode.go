package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode strictly decodes a JSON or YAML config. The format follows the
// extension of name; without one, a body starting with '{' is JSON. YAML is
// bridged to JSON first so both formats share the same strict decoder:
// unknown keys, type mismatches and trailing documents are all errors.
func Decode(name string, b []byte) (*Config, error) {
	format := formatOf(name, b)
	if format == "yaml" {
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return &cfg, nil
}

func formatOf(name string, b []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	case "":
		if !bytes.HasPrefix(bytes.TrimSpace(b), []byte("{")) {
			return "yaml"
		}
	}
	return "json"
}

func yamlToJSON(b []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	v, err := nodeValue(&doc)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}

// nodeValue converts a YAML node into values encoding/json can marshal.
// Mapping keys become strings whatever their YAML tag.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[n.Content[i].Value] = v
		}
		return out, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("yaml line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// fingerprint identifies a decoded config; equal configs share one.
type fingerprint [sha256.Size]byte

func fingerprintOf(cfg *Config) (fingerprint, bool) {
	if cfg == nil {
		return fingerprint{}, false
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fingerprint{}, false
	}
	return sha256.Sum256(b), true
}
