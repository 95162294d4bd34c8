package hub

import (
	"context"
	"fmt"

	"github.com/CosmoTheDev/fleethub/internal/config"
	"github.com/CosmoTheDev/fleethub/internal/manifest"
	"github.com/CosmoTheDev/fleethub/internal/store"
)

// Open builds a hub from cfg: it opens and migrates the store when the
// database is enabled, loads the manifest when a path is set, and starts
// the hub.
func Open(ctx context.Context, cfg *config.Config) (*Hub, error) {
	var opts Options

	if cfg.Manifest.Path != "" {
		m, err := manifest.Load(cfg.Manifest.Path)
		if err != nil {
			return nil, err
		}
		opts.Manifest = m
	}

	if cfg.Database.Enabled {
		db, err := store.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrating %s database: %w", db.Driver(), err)
		}
		opts.Store = store.New(db)
	}

	h := New(cfg, opts)
	if err := h.Start(ctx); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}
