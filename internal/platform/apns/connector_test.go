package apns

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

func generateP8(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestConnector(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p8 := generateP8(t)

	tokenApp := func(topic string, sandbox bool) config.APNsApplication {
		return config.APNsApplication{
			KeyContent: p8,
			KeyID:      "KEY123",
			TeamID:     "TEAM123",
			Topic:      topic,
			Sandbox:    sandbox,
		}
	}

	cfg := config.APNsConfig{
		DefaultApplicationID: "messenger",
		Applications: map[string]config.APNsApplication{
			"messenger": tokenApp("com.test.messenger", false),
			"beta":      tokenApp("com.test.beta", true),
			"broken":    {KeyContent: "not a key", KeyID: "K", TeamID: "T", Topic: "com.test.broken"},
			"both":      {CertificatePath: "/tmp/cert.p12", KeyContent: p8, KeyID: "K", TeamID: "T", Topic: "t"},
			"neither":   {Topic: "com.test.none"},
		},
	}

	t.Run("Empty Application Id Selects The Default", func(t *testing.T) {
		connector := NewConnector(cfg, logger)

		conn, err := connector.Connect("")

		require.NoError(t, err)
		assert.Equal(t, "messenger", conn.ApplicationID)
		assert.Equal(t, "com.test.messenger", conn.Topic)
		client, ok := conn.Client.(*apns2.Client)
		require.True(t, ok)
		assert.Equal(t, apns2.HostProduction, client.Host)
	})

	t.Run("Sandbox Selects The Development Host", func(t *testing.T) {
		connector := NewConnector(cfg, logger)

		conn, err := connector.Connect("beta")

		require.NoError(t, err)
		assert.Equal(t, apns2.HostDevelopment, conn.Client.(*apns2.Client).Host)
	})

	t.Run("Connections Are Pooled Per Application", func(t *testing.T) {
		connector := NewConnector(cfg, logger)

		first, err := connector.Connect("messenger")
		require.NoError(t, err)
		again, err := connector.Connect("")
		require.NoError(t, err)
		other, err := connector.Connect("beta")
		require.NoError(t, err)

		assert.Same(t, first, again)
		assert.NotSame(t, first, other)
		assert.Equal(t, "beta", other.ApplicationID)
	})

	t.Run("Credential Failures Are Config Errors", func(t *testing.T) {
		testCases := []struct {
			appID    string
			expected error
		}{
			{"unknown", push.ErrUnknownApplication},
			{"both", push.ErrAmbiguousCredentials},
			{"neither", push.ErrMissingCredentials},
		}
		connector := NewConnector(cfg, logger)

		for _, tc := range testCases {
			_, err := connector.Connect(tc.appID)

			require.Error(t, err, tc.appID)
			assert.ErrorIs(t, err, tc.expected, tc.appID)
			var cfgErr *push.ConfigError
			require.ErrorAs(t, err, &cfgErr, tc.appID)
			assert.Equal(t, tc.appID, cfgErr.ApplicationID)
		}
	})

	t.Run("Unparseable Key Is A Config Error", func(t *testing.T) {
		connector := NewConnector(cfg, logger)

		_, err := connector.Connect("broken")

		require.Error(t, err)
		assert.True(t, push.IsConfigError(err))
	})
}
