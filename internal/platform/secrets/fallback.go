package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// localFile serves secrets from a developer file of `secret://name=value` lines when Secret
// Manager cannot be reached. Lines may pin a version with `?version=N`; an unpinned line
// answers every version.
type localFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (l *localFile) lookup(ref Reference, version string) (string, error) {
	l.once.Do(l.load)
	if l.err != nil {
		return "", l.err
	}
	if v, ok := l.values[ref.cacheKey(version)]; ok {
		return v, nil
	}
	if v, ok := l.values[ref.Canonical]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secrets: %s not found in local fallback", ref.Canonical)
}

func (l *localFile) load() {
	l.values = map[string]string{}
	if l.path == "" {
		return
	}
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		l.err = fmt.Errorf("secrets: open fallback %s: %w", l.path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitFallbackLine(line)
		if !ok {
			continue
		}
		ref, err := ParseReference(key)
		if err != nil {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if ref.Version == "" {
			l.values[ref.Canonical] = value
		} else {
			l.values[ref.cacheKey(ref.Version)] = value
		}
	}
	if err := scanner.Err(); err != nil {
		l.err = fmt.Errorf("secrets: read fallback %s: %w", l.path, err)
	}
}

// splitFallbackLine separates the reference from its value. A reference query holds
// name=value pairs, so the separator is the first '=' after the last complete pair.
func splitFallbackLine(line string) (string, string, bool) {
	query := strings.IndexByte(line, '?')
	if query < 0 || query > strings.IndexByte(line, '=') {
		return strings.Cut(line, "=")
	}
	inValue := false
	for i := query + 1; i < len(line); i++ {
		switch line[i] {
		case '&':
			inValue = false
		case '=':
			if inValue {
				return line[:i], line[i+1:], true
			}
			inValue = true
		}
	}
	return "", "", false
}
