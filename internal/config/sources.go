package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvEnvFile names a dotenv file read before anything else. When unset,
	// ".env" is used if present.
	EnvEnvFile = "GAZELINK_ENV_FILE"
	// EnvConfigFile names a YAML file whose keys are environment variable
	// names, e.g. "GAZELINK_LISTEN_ADDR: 0.0.0.0:8080".
	EnvConfigFile = "GAZELINK_CONFIG_FILE"

	defaultEnvFile = ".env"
)

// fileBackedLookup layers the process environment over the dotenv file over
// the YAML file. No source mutates the process environment.
func fileBackedLookup(env func(string) (string, bool)) (func(string) (string, bool), error) {
	envFile, explicit := env(EnvEnvFile)
	if envFile == "" {
		envFile, explicit = defaultEnvFile, false
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			dotenv = nil
		} else {
			return nil, fmt.Errorf("read %s %q: %w", EnvEnvFile, envFile, err)
		}
	}

	lookup := layered(env, mapLookup(dotenv))

	configFile, _ := lookup(EnvConfigFile)
	if configFile == "" {
		return lookup, nil
	}
	values, err := readYAMLValues(configFile)
	if err != nil {
		return nil, fmt.Errorf("read %s %q: %w", EnvConfigFile, configFile, err)
	}
	return layered(lookup, mapLookup(values)), nil
}

func readYAMLValues(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseYAMLValues(data)
}

// parseYAMLValues accepts a flat mapping of scalars. Nested values are
// rejected rather than flattened.
func parseYAMLValues(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = v
		case bool:
			out[k] = strconv.FormatBool(v)
		case int:
			out[k] = strconv.Itoa(v)
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("key %q: expected a scalar value, got %T", k, v)
		}
	}
	return out, nil
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// layered returns the first source that has key set to a non-empty value.
func layered(sources ...func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		var found bool
		for _, src := range sources {
			v, ok := src(key)
			if ok && v != "" {
				return v, true
			}
			found = found || ok
		}
		return "", found
	}
}
