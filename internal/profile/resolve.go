package profile

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/wastechat/internal/config"
)

const DefaultName = "main"

// Profile names become directory names under BaseDir.
var validName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that are not a single lowercase path element.
func ValidateName(name string) error {
	if validName.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid profile name %q: use 1-64 of [a-z0-9_-]", name)
}

// Resolve picks the active profile: the --profile flag, then
// default_profile from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}
