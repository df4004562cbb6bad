package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// source layers the configuration inputs: an explicit map beats the process environment, which
// beats the dotenv file. Values that fail to parse are remembered so Load can report every bad
// key at once instead of silently using defaults.
type source struct {
	layers  []map[string]string
	invalid []string
}

func newSource(o loaderOptions) (*source, error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	src := &source{}
	if o.envMap != nil {
		src.layers = append(src.layers, o.envMap)
	}
	if o.useSystemEnv {
		src.layers = append(src.layers, processEnv())
	}
	if dotenv != nil {
		src.layers = append(src.layers, dotenv)
	}
	return src, nil
}

func (s *source) lookup(key string) (string, bool) {
	for _, layer := range s.layers {
		if value, ok := layer[key]; ok {
			return value, true
		}
	}
	return "", false
}

// flatten merges the layers lowest precedence first.
func (s *source) flatten() map[string]string {
	out := map[string]string{}
	for i := len(s.layers) - 1; i >= 0; i-- {
		maps.Copy(out, s.layers[i])
	}
	return out
}

func (s *source) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (s *source) lower(key, fallback string) string {
	return strings.ToLower(s.str(key, fallback))
}

func parsed[T any](s *source, key string, fallback T, parse func(string) (T, error)) T {
	raw := s.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := parse(raw)
	if err != nil {
		s.invalid = append(s.invalid, key)
		return fallback
	}
	return value
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	return parsed(s, key, fallback, time.ParseDuration)
}

func (s *source) integer(key string, fallback int) int {
	return parsed(s, key, fallback, strconv.Atoi)
}

func (s *source) float(key string, fallback float64) float64 {
	return parsed(s, key, fallback, func(raw string) (float64, error) {
		return strconv.ParseFloat(raw, 64)
	})
}

func (s *source) boolean(key string, fallback bool) bool {
	return parsed(s, key, fallback, func(raw string) (bool, error) {
		switch strings.ToLower(raw) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", raw)
	})
}

func processEnv() map[string]string {
	env := map[string]string{}
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			env[key] = value
		}
	}
	return env
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}
