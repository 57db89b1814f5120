package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus the rules
// that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Coord.MinSessionTimeout > cfg.Coord.MaxSessionTimeout {
		return fmt.Errorf("coord: min_session_timeout (%d) exceeds max_session_timeout (%d)",
			cfg.Coord.MinSessionTimeout, cfg.Coord.MaxSessionTimeout)
	}

	if cfg.Store.Type == "badger" {
		dir, _ := cfg.Store.Badger["dir"].(string)
		if dir == "" {
			return fmt.Errorf("store.badger: dir is required when store type is badger")
		}
	}

	return nil
}

// formatValidationError turns validator's error list into a readable
// message naming the offending fields.
func formatValidationError(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var parts []string
	for _, fieldErr := range errs {
		parts = append(parts, fmt.Sprintf("%s: failed %q validation",
			strings.ToLower(fieldErr.Namespace()), fieldErr.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
}
