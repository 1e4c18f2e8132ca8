package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus the custom
// rules that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Metadata.Type == "badger" {
		path, _ := cfg.Metadata.Badger["path"].(string)
		if path == "" {
			return fmt.Errorf("metadata.badger.path: required when metadata.type is badger")
		}
	}

	if cfg.Broker.HeartbeatWindow >= cfg.Broker.OfflineWindow {
		return fmt.Errorf("broker: heartbeat_window must be below offline_window")
	}
	if cfg.Broker.OfflineWindow >= cfg.Broker.RemoveWindow {
		return fmt.Errorf("broker: offline_window must be below remove_window")
	}
	return nil
}

// formatValidationError renders validator errors with field paths.
func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, ferr := range verrs {
		return fmt.Errorf("config field %s failed %q validation (value: %v)",
			ferr.Namespace(), ferr.Tag(), ferr.Value())
	}
	return err
}
