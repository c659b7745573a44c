package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// decoders turn a config document into a generic tree. JSON files skip this
// step and go straight to the strict decoder.
var decoders = map[string]func([]byte) (any, error){
	".yaml": decodeYAML,
	".yml":  decodeYAML,
	".toml": decodeTOML,
}

// toJSON re-encodes a YAML or TOML file as JSON so every format goes through
// the same strict decode (unknown keys are errors).
func toJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return data, nil
	}
	tree, err := decode(data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%s as json: %w", strings.TrimPrefix(ext, "."), err)
	}
	return out, nil
}

func decodeYAML(data []byte) (any, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return stringKeys(tree), nil
}

func decodeTOML(data []byte) (any, error) {
	tree := map[string]any{}
	if _, err := toml.Decode(string(data), &tree); err != nil {
		return nil, fmt.Errorf("toml: %w", err)
	}
	return tree, nil
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys) so the tree
// can be JSON encoded.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	default:
		return node
	}
}
