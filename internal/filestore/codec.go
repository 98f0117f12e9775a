package filestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Ext is the extension written by Write; reads accept yaml, json and
// toml so hand-maintained trees can mix formats.
const Ext = ".yaml"

// supportedExt reports whether a file participates in the external tree.
func supportedExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	default:
		return false
	}
}

// decodeFile parses file contents into a value according to extension.
func decodeFile(path string, data []byte) (any, error) {
	var v any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("parse json %s: %w", path, err)
		}
		v = jsonNumbers(v)
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse toml %s: %w", path, err)
		}
		v = m
	default:
		return nil, fmt.Errorf("unsupported config file %s", path)
	}
	return v, nil
}

// encodeFile renders a value as yaml for writing.
func encodeFile(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

func jsonNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, child := range val {
			val[k] = jsonNumbers(child)
		}
		return val
	case []any:
		for i, el := range val {
			val[i] = jsonNumbers(el)
		}
		return val
	default:
		return val
	}
}
