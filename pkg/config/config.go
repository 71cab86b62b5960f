// Package config implements the shared YAML + flag + environment-override
// loader used by cmd/messaging and every module's own Config struct, in the
// style of cmd/tempo/app/config.go's RegisterFlagsAndApplyDefaults pattern.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FlagRegisterer is implemented by every module's Config struct.
type FlagRegisterer interface {
	RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet)
}

// EnvPrefix is the environment-variable namespace every override lives
// under: FLARE_<SECTION>_<KEY>.
const EnvPrefix = "FLARE"

// Load reads the YAML file at path (if non-empty) into v, then applies
// default flags and any FLARE_* environment overrides found for fields
// tagged with `yaml:"..."`. v must be a pointer to a struct implementing
// FlagRegisterer.
func Load(path string, v FlagRegisterer) error {
	fs := flag.NewFlagSet("messaging", flag.ContinueOnError)
	v.RegisterFlagsAndApplyDefaults("", fs)
	if err := fs.Parse(nil); err != nil {
		return fmt.Errorf("applying defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	return ApplyEnvOverrides(v, "")
}

// ApplyEnvOverrides walks v's exported struct fields and, for every leaf
// field tagged `yaml:"key"`, checks FLARE_<SECTION>_<KEY> (upper-cased,
// section is the dotted path of enclosing yaml tags) and overwrites the
// field when the variable is set. Only string, bool, int, uint, float, and
// time.Duration fields are supported; nested structs recurse.
func ApplyEnvOverrides(v any, sectionPrefix string) error {
	rv := reflectValue(v)
	if !rv.IsValid() {
		return nil
	}
	return walkEnvOverrides(rv, sectionPrefix)
}

// envKey builds FLARE_<SECTION>_<FIELD> from the accumulated path.
func envKey(path []string) string {
	parts := append([]string{EnvPrefix}, path...)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p)
	}
	return strings.Join(parts, "_")
}

func lookupEnv(path []string) (string, bool) {
	return os.LookupEnv(envKey(path))
}
