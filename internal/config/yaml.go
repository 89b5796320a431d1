package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"uniops/internal/errors"
)

// coerceToJSONBytes converts a .yaml/.yml file to JSON so both formats go
// through the same strict decoder. It returns the detected format.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", errors.Wrap(err, "yaml unmarshal")
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, "yaml", errors.Wrap(err, "yaml to json")
	}
	return j, "yaml", nil
}

// stringKeys rewrites map[any]any (non-string YAML keys) so encoding/json accepts it.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
