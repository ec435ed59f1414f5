package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ConfigFileName is the required root configuration file.
const ConfigFileName = "config.toml"

// EnvPrefix namespaces ducksearch environment variables.
const EnvPrefix = "DUCKSEARCH_"

// Layout is the validated on-disk shape of a ducksearch root.
type Layout struct {
	Root       string
	ConfigFile string
	Reports    string
	Composites string
	Cache      string
}

// ValidateRoot checks the required root structure: config.toml, reports/,
// composites/, and cache/. Cache subdirectories are created on demand by
// the cache owner.
func ValidateRoot(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	l := &Layout{
		Root:       abs,
		ConfigFile: filepath.Join(abs, ConfigFileName),
		Reports:    filepath.Join(abs, "reports"),
		Composites: filepath.Join(abs, "composites"),
		Cache:      filepath.Join(abs, "cache"),
	}

	var missing []string
	if st, err := os.Stat(l.ConfigFile); err != nil || st.IsDir() {
		missing = append(missing, l.ConfigFile)
	}
	for _, dir := range []string{l.Reports, l.Composites, l.Cache} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			missing = append(missing, dir)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required paths: %s", strings.Join(missing, ", "))
	}
	return l, nil
}

// Load layers defaults, config.toml, DUCKSEARCH_* environment variables,
// and CLI flags, in that precedence order.
func Load(layout *Layout, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"server.host": DefaultHost,
		"server.port": DefaultPort,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, err
	}

	if err := k.Load(file.Provider(layout.ConfigFile), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load %s: %w", layout.ConfigFile, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, err
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}
