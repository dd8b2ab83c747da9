package profile

import (
	"fmt"
	"os"

	"github.com/matheus3301/fleetchat/internal/config"
)

const (
	DefaultName = "main"
	// NameEnv selects the profile when no --profile flag is given.
	NameEnv = "FLEETCHAT_PROFILE"
)

// Resolve picks the active profile from, in order, the --profile flag,
// $FLEETCHAT_PROFILE, default_profile in config.toml, and "main". The
// result is validated and an invalid name is reported with its source.
func Resolve(flagOverride string) (string, error) {
	name, source := flagOverride, "--profile"
	if name == "" {
		name, source = os.Getenv(NameEnv), NameEnv
	}
	if name == "" {
		cfg, err := config.LoadOrDefault(ConfigPath())
		if err != nil {
			return "", fmt.Errorf("resolve profile: %w", err)
		}
		name, source = cfg.DefaultProfile, "default_profile in "+ConfigPath()
	}
	if name == "" {
		return DefaultName, nil
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%s: %w", source, err)
	}
	return name, nil
}
