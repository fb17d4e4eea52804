// Package config loads flat key/value settings from the environment, dotenv
// files and YAML files. Keys are lower-cased so the result can be handed to
// topicbus.ConfigFromMap no matter where it came from.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FromEnv returns the environment variables starting with prefix, with the
// prefix removed and the rest lower-cased. A "_" is appended to prefix when
// it does not end with one, so "BILLING" matches BILLING_AMQP_HOST as amqp_host.
func FromEnv(prefix string) map[string]string {
	return fromList(prefix, os.Environ())
}

func fromList(prefix string, environ []string) map[string]string {
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	out := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		rest, found := strings.CutPrefix(k, prefix)
		if !found || rest == "" {
			continue
		}
		out[strings.ToLower(rest)] = v
	}
	return out
}

// FromFile reads a dotenv file (.env or any name without a YAML extension) or
// a YAML file (.yaml, .yml). Nested YAML keys are joined with "_".
func FromFile(path string) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return fromYAML(path)
	default:
		env, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		out := make(map[string]string, len(env))
		for k, v := range env {
			out[strings.ToLower(k)] = v
		}
		return out, nil
	}
}

func fromYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]string)
	if err := flatten(out, "", doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func flatten(out map[string]string, prefix string, v any) error {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := strings.ToLower(k)
			if prefix != "" {
				key = prefix + "_" + key
			}
			if err := flatten(out, key, child); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			out[prefix] = ""
		}
	case string:
		out[prefix] = val
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case int:
		out[prefix] = strconv.Itoa(val)
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Errorf("unsupported value for %q: %T", prefix, v)
	}
	return nil
}

// Merge combines maps, later maps win.
func Merge(ms ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range ms {
		maps.Copy(out, m)
	}
	return out
}
