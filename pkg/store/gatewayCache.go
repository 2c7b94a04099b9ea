package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zoff-tech/invoice-processor/pkg/config"
)

// GatewayCache keeps one open Gateway and reopens it when the store type or
// connection target of the settings change.
type GatewayCache struct {
	open func(ctx context.Context, cfg config.Settings) (Gateway, error)

	mu      sync.Mutex
	key     string
	gateway Gateway
}

func NewGatewayCache() *GatewayCache {
	return &GatewayCache{open: NewGateway}
}

func gatewayKey(cfg config.Settings) string {
	return cfg.StoreType + "\x00" + cfg.ConnectionTarget + "\x00" + cfg.Mongo.Database
}

// Get returns the gateway for cfg, opening a new one and closing the previous one when needed.
func (c *GatewayCache) Get(ctx context.Context, cfg config.Settings) (Gateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := gatewayKey(cfg)
	if c.gateway != nil && c.key == key {
		return c.gateway, nil
	}

	gw, err := c.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c.gateway != nil {
		slog.Info("store target changed, reopening gateway", "store_type", cfg.StoreType)
		if err := c.gateway.Close(); err != nil {
			slog.Warn("closing previous gateway failed", "error", err)
		}
	}
	c.key = key
	c.gateway = gw
	return gw, nil
}

func (c *GatewayCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway == nil {
		return nil
	}
	err := c.gateway.Close()
	c.gateway = nil
	c.key = ""
	return err
}
