package mcp

import (
	"github.com/nugget/mcplink/internal/cache"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/registry"
)

// Cache kinds used in cache keys.
const (
	cacheKindSnapshot = "snapshot"
	cacheKindResource = "resource"
)

// Catalog is the state shared by every connection: the capability
// registries plus the snapshot and resource-content caches. All of it
// is safe for concurrent use.
type Catalog struct {
	Tools     *registry.Store[Tool]
	Resources *registry.Store[Resource]
	Prompts   *registry.Store[Prompt]

	// Snapshots caches the discovered capability set per server and is
	// dropped wholesale when a server reports a list change.
	Snapshots *cache.Cache[*Snapshot]
	// Contents caches resources/read results keyed by uri.
	Contents *cache.Cache[*ResourceResult]
}

// NewCatalog creates an empty catalog sized by cfg.
func NewCatalog(cfg config.CacheConfig) *Catalog {
	return &Catalog{
		Tools:     registry.New[Tool](),
		Resources: registry.New[Resource](),
		Prompts:   registry.New[Prompt](),
		Snapshots: cache.New[*Snapshot](cache.Config{TTL: cfg.CapabilityTTL, MaxSize: cfg.MaxEntries}),
		Contents:  cache.New[*ResourceResult](cache.Config{TTL: cfg.ResourceTTL, MaxSize: cfg.MaxEntries}),
	}
}

// Close releases the cached snapshots and resource contents. The
// registries are left as they are.
func (c *Catalog) Close() {
	c.Snapshots.Close()
	c.Contents.Close()
}

// publish replaces everything registered for snap.Server with snap.
func (c *Catalog) publish(snap *Snapshot) {
	tools := make(map[string]Tool, len(snap.Tools))
	for _, t := range snap.Tools {
		tools[t.Name] = t
	}
	resources := make(map[string]Resource, len(snap.Resources))
	for _, r := range snap.Resources {
		resources[r.URI] = r
	}
	prompts := make(map[string]Prompt, len(snap.Prompts))
	for _, p := range snap.Prompts {
		prompts[p.Name] = p
	}
	c.Tools.Replace(snap.Server, tools)
	c.Resources.Replace(snap.Server, resources)
	c.Prompts.Replace(snap.Server, prompts)
	c.Snapshots.Set(snapshotKey(snap.Server), snap)
}

// withdraw removes every trace of server.
func (c *Catalog) withdraw(server string) {
	c.Tools.UnregisterServer(server)
	c.Resources.UnregisterServer(server)
	c.Prompts.UnregisterServer(server)
	c.Snapshots.InvalidateServer(server)
	c.Contents.InvalidateServer(server)
}

func snapshotKey(server string) cache.Key {
	return cache.Key{Server: server, Kind: cacheKindSnapshot}
}

func resourceKey(server, uri string) cache.Key {
	return cache.Key{Server: server, Kind: cacheKindResource, ID: uri}
}
