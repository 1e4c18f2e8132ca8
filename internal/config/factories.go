package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/namespace/badgerns"
	"github.com/meridianfs/meridian/internal/namespace/memory"
)

// CreateNamespaceStore builds the namespace view selected by the metadata
// section. Store-specific options are decoded from the matching map.
func CreateNamespaceStore(cfg *MetadataConfig) (namespace.View, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		var opts badgerns.Options
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
			Result:     &opts,
		})
		if err != nil {
			return nil, fmt.Errorf("build badger options decoder: %w", err)
		}
		if err := decoder.Decode(cfg.Badger); err != nil {
			return nil, fmt.Errorf("decode badger options: %w", err)
		}
		store, err := badgerns.New(opts)
		if err != nil {
			return nil, fmt.Errorf("create badger namespace store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown metadata store type: %q", cfg.Type)
	}
}
