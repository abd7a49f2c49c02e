package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// LoadFile loads configuration from a JSON object keyed by the environment
// variable names, e.g. {"PORT": "8000", "FIT_TIMEOUT": "90s"}. Environment
// variables override file values, which override the defaults.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Load(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	file := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			file[k] = val
		case float64, bool:
			file[k] = fmt.Sprint(val)
		default:
			return Config{}, fmt.Errorf("config key %s: unsupported value %v", k, v)
		}
	}

	cfg := load(func(key string) (string, bool) {
		if v, ok := GetEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	})
	logrus.Infof("Loaded configuration from %s", path)
	return cfg, nil
}
