package config

import (
	"fmt"

	"github.com/marmos91/roost/pkg/coord/store"
	"github.com/mitchellh/mapstructure"
)

// CreateStore creates a namespace store based on configuration.
//
// The Type field selects the implementation; the type-specific section is
// decoded from its map and handed to the store's constructor.
func CreateStore(cfg *StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemoryStore(), nil
	case "badger":
		return createBadgerStore(cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

func createBadgerStore(options map[string]any) (store.Store, error) {
	var badgerCfg store.BadgerConfig
	if err := mapstructure.Decode(options, &badgerCfg); err != nil {
		return nil, fmt.Errorf("decode badger store config: %w", err)
	}
	return store.NewBadgerStore(badgerCfg)
}
