package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	referenceScheme = "secret"
	latestVersion   = "latest"
)

// Reference is a parsed secret:// URL. Query parameters select an explicit version or a project
// other than the environment default:
//
//	secret://backend/service-token?version=3&project=shop-prod
type Reference struct {
	Canonical string
	Name      string
	Version   string
	Project   string
}

// ParseReference validates and splits a secret:// reference. The legacy sm:// prefix is accepted.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = referenceScheme + "://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != referenceScheme {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	u.RawQuery, u.Fragment = "", ""
	return Reference{
		Canonical: u.String(),
		Name:      name,
		Version:   strings.TrimSpace(query.Get("version")),
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// resource is the Secret Manager version name. Slashes in nested names become underscores,
// matching how the secrets are provisioned.
func (r Reference) resource(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, strings.ReplaceAll(r.Name, "/", "_"), version)
}

func (r Reference) cacheKey(version string) string {
	return r.Canonical + "#" + version
}

// masked identifies the reference in metrics without exposing the secret name.
func (r Reference) masked() string {
	sum := sha256.Sum256([]byte(r.Canonical))
	return hex.EncodeToString(sum[:8])
}
