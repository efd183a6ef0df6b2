// --- File: internal/storage/cache/registry.go ---
package cache

import (
	"context"
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedRegistry is a Decorator that adds Read-Aside caching of per-token
// device lookups to any DeviceRegistry.
type CachedRegistry struct {
	realStore dispatch.DeviceRegistry
	cache     CacheClient
	ttl       time.Duration
}

// NewCachedRegistry creates the decorator.
func NewCachedRegistry(realStore dispatch.DeviceRegistry, cache CacheClient, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATHS ---

// FindActive answers from the cache where it can and asks the real store only
// for the tokens it has not seen on platform. Entries are kept per platform, so a
// token registered elsewhere is cached as a miss for this platform only.
func (s *CachedRegistry) FindActive(ctx context.Context, platform push.Platform, tokens []string) ([]push.Device, error) {
	unique := push.UniqueTokens(tokens)
	known := make(map[string]push.Device, len(unique))
	var misses []string

	// 1. Try Cache
	for _, t := range unique {
		var device push.Device
		if err := s.cache.Get(ctx, s.cacheKey(platform, t), &device); err != nil {
			misses = append(misses, t)
			continue
		}
		known[t] = device
	}

	// 2. Fallback to Real Store
	if len(misses) > 0 {
		fresh, err := s.realStore.FindActive(ctx, platform, misses)
		if err != nil {
			return nil, err
		}
		freshSet := make(map[string]push.Device, len(fresh))
		for _, d := range fresh {
			freshSet[d.RegistrationID] = d
		}

		// 3. Populate Cache
		// Errors are ignored: caching is an optimization, not a transaction.
		for _, t := range misses {
			device, ok := freshSet[t]
			if !ok {
				// Negative entry: not an active device on this platform.
				device = push.Device{RegistrationID: t, Platform: platform}
			}
			known[t] = device
			_ = s.cache.Set(ctx, s.cacheKey(platform, t), device, s.ttl)
		}
	}

	active := make([]push.Device, 0, len(unique))
	for _, t := range unique {
		if d := known[t]; d.Active {
			active = append(active, d)
		}
	}
	return active, nil
}

// ActiveDevices is not cached: a user's device list changes on writes the
// token-keyed invalidation cannot see.
func (s *CachedRegistry) ActiveDevices(ctx context.Context, user urn.URN, platform push.Platform) ([]push.Device, error) {
	return s.realStore.ActiveDevices(ctx, user, platform)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedRegistry) Register(ctx context.Context, device push.Device) error {
	// 1. Write to Source of Truth
	if err := s.realStore.Register(ctx, device); err != nil {
		return err
	}
	// 2. Invalidate Cache
	return s.invalidate(ctx, device.RegistrationID)
}

// Unregister must clear the cache even though the DB write succeeded, to stop notifications immediately.
func (s *CachedRegistry) Unregister(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.Unregister(ctx, user, token); err != nil {
		return err
	}
	return s.invalidate(ctx, token)
}

func (s *CachedRegistry) Deactivate(ctx context.Context, tokens []string) (int, error) {
	changed, err := s.realStore.Deactivate(ctx, tokens)
	if err != nil {
		return changed, err
	}
	if err := s.invalidate(ctx, tokens...); err != nil {
		return changed, fmt.Errorf("deactivated %d devices but cache invalidation failed: %w", changed, err)
	}
	return changed, nil
}

// --- Helpers ---

// invalidate drops the tokens' entries on every platform; a write may move a
// token between platforms.
func (s *CachedRegistry) invalidate(ctx context.Context, tokens ...string) error {
	keys := make([]string, 0, len(tokens)*len(push.Platforms))
	for _, t := range tokens {
		for _, p := range push.Platforms {
			keys = append(keys, s.cacheKey(p, t))
		}
	}
	return s.cache.Del(ctx, keys...)
}

func (s *CachedRegistry) cacheKey(platform push.Platform, token string) string {
	return fmt.Sprintf("push:device:%s:%s", platform, token)
}
