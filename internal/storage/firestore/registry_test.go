// --- File: internal/storage/firestore/registry_test.go ---
//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	fs "github.com/tinywideclouds/go-push-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

func setupSuite(t *testing.T) (context.Context, *fs.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	projectID := "test-device-registry"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewRegistry(client)
}

func tokensOf(devices []push.Device) []string {
	tokens := make([]string, len(devices))
	for i, d := range devices {
		tokens[i] = d.RegistrationID
	}
	return tokens
}

func TestRegistry_Integration(t *testing.T) {
	ctx, registry := setupSuite(t)
	alice, err := urn.Parse("urn:contacts:user:alice")
	require.NoError(t, err)
	bob, err := urn.Parse("urn:contacts:user:bob")
	require.NoError(t, err)

	register := func(token string, platform push.Platform, user urn.URN) {
		t.Helper()
		require.NoError(t, registry.Register(ctx, push.Device{
			RegistrationID: token,
			Platform:       platform,
			UserID:         user.String(),
			Name:           "phone",
		}))
	}

	t.Run("Registration Lifecycle", func(t *testing.T) {
		register("aaaa01", push.PlatformAPNs, alice)
		register("fcm-alice-1", push.PlatformFCM, alice)

		apnsDevices, err := registry.ActiveDevices(ctx, alice, push.PlatformAPNs)
		require.NoError(t, err)
		assert.Equal(t, []string{"aaaa01"}, tokensOf(apnsDevices))

		fcmDevices, err := registry.ActiveDevices(ctx, alice, push.PlatformFCM)
		require.NoError(t, err)
		assert.Equal(t, []string{"fcm-alice-1"}, tokensOf(fcmDevices))

		require.NoError(t, registry.Unregister(ctx, alice, "fcm-alice-1"))
		fcmDevices, err = registry.ActiveDevices(ctx, alice, push.PlatformFCM)
		require.NoError(t, err)
		assert.Empty(t, fcmDevices)
	})

	t.Run("Unregister Checks Ownership", func(t *testing.T) {
		register("bbbb01", push.PlatformAPNs, bob)

		err := registry.Unregister(ctx, alice, "bbbb01")
		assert.ErrorIs(t, err, push.ErrDeviceNotOwned)

		assert.NoError(t, registry.Unregister(ctx, alice, "never-registered"))
	})

	t.Run("Bulk Deactivation Is A Set Operation", func(t *testing.T) {
		register("abc", push.PlatformAPNs, alice)
		register("def", push.PlatformAPNs, alice)
		register("ghi", push.PlatformAPNs, alice)

		changed, err := registry.Deactivate(ctx, []string{"ghi", "unknown"})
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		changed, err = registry.Deactivate(ctx, []string{"ghi"})
		require.NoError(t, err)
		assert.Zero(t, changed)

		active, err := registry.FindActive(ctx, push.PlatformAPNs, []string{"abc", "def", "ghi", "unknown"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"abc", "def"}, tokensOf(active))
	})

	t.Run("Explicit Tokens Are Scoped By Platform", func(t *testing.T) {
		register("fcm-alice-2", push.PlatformFCM, alice)

		active, err := registry.FindActive(ctx, push.PlatformFCM, []string{"abc", "fcm-alice-2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"fcm-alice-2"}, tokensOf(active))
	})

	t.Run("Re-registering Reactivates", func(t *testing.T) {
		register("ghi", push.PlatformAPNs, alice)

		active, err := registry.FindActive(ctx, push.PlatformAPNs, []string{"ghi"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ghi"}, tokensOf(active))
	})
}
