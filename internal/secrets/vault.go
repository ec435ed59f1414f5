// Package secrets resolves declared secret names to values from the
// process environment or a dotenv-format sidecar file. Values never enter
// URLs, config, fingerprints, logs, or cache keys; fingerprints see only
// the reference name, and every outbound error message passes through
// Redact first.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// SidecarEnv names the environment variable pointing at the secrets file.
const SidecarEnv = "DUCKSEARCH_SECRETS_FILE"

// Vault holds resolved secret values for the process lifetime.
type Vault struct {
	sidecar map[string]string
}

// Load reads the sidecar file named by DUCKSEARCH_SECRETS_FILE, when set.
// Environment variables are consulted lazily at Resolve time so tests can
// inject values per-case.
func Load(log *slog.Logger) (*Vault, error) {
	v := &Vault{sidecar: map[string]string{}}
	path := os.Getenv(SidecarEnv)
	if path == "" {
		return v, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file %s: %w", path, err)
	}
	v.sidecar = values
	log.Debug("secrets sidecar loaded", "path", path, "count", len(values))
	return v, nil
}

// Resolve returns the value for a declared secret name. The sidecar wins
// over the environment.
func (v *Vault) Resolve(name string) (string, bool) {
	if val, ok := v.sidecar[name]; ok {
		return val, true
	}
	return os.LookupEnv(name)
}

// Redact replaces every known secret value occurring in s. Applied to all
// engine error text before it can reach a log or response body.
func (v *Vault) Redact(s string) string {
	for _, val := range v.sidecar {
		if val != "" {
			s = strings.ReplaceAll(s, val, "[redacted]")
		}
	}
	return s
}

// RedactNamed additionally scrubs the values of the given names, covering
// secrets resolved from the environment.
func (v *Vault) RedactNamed(s string, names []string) string {
	s = v.Redact(s)
	for _, name := range names {
		if val, ok := v.Resolve(name); ok && val != "" {
			s = strings.ReplaceAll(s, val, "[redacted]")
		}
	}
	return s
}
