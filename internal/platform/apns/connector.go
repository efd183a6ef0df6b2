package apns

import (
	"crypto/ecdsa"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

// Client defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type Client interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Connection is an authenticated client bound to one application id.
type Connection struct {
	ApplicationID string
	Client        Client
	// Topic is the app bundle id; empty lets APNs take it from the certificate.
	Topic string
}

// Connector hands out one pooled connection per application id.
// apns2 clients keep their HTTP/2 connection alive and are safe for concurrent use,
// so a connection is shared by every dispatch addressed to its application.
type Connector struct {
	cfg    config.APNsConfig
	logger *slog.Logger

	mu   sync.Mutex
	pool map[string]*Connection
}

func NewConnector(cfg config.APNsConfig, logger *slog.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		logger: logger.With("component", "APNSConnector"),
		pool:   make(map[string]*Connection),
	}
}

// Connect returns the connection for applicationID, building it on first use.
// An empty id selects the configured default application.
func (c *Connector) Connect(applicationID string) (*Connection, error) {
	if applicationID == "" {
		applicationID = c.cfg.DefaultApplicationID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.pool[applicationID]; ok {
		return conn, nil
	}

	app, err := c.cfg.Application(applicationID)
	if err != nil {
		return nil, err
	}
	client, err := newClient(app)
	if err != nil {
		return nil, &push.ConfigError{ApplicationID: applicationID, Err: err}
	}

	conn := &Connection{ApplicationID: applicationID, Client: client, Topic: app.Topic}
	c.pool[applicationID] = conn
	c.logger.Info("APNs connection established", "application_id", applicationID, "sandbox", app.Sandbox)
	return conn, nil
}

func newClient(app config.APNsApplication) (*apns2.Client, error) {
	mode, err := app.AuthMode()
	if err != nil {
		return nil, err
	}

	var client *apns2.Client
	switch mode {
	case config.AuthCertificate:
		cert, err := loadCertificate(app.CertificatePath, app.CertificatePassword)
		if err != nil {
			return nil, err
		}
		client = apns2.NewClient(cert)
	case config.AuthToken:
		authKey, err := loadAuthKey(app)
		if err != nil {
			return nil, err
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   app.KeyID,
			TeamID:  app.TeamID,
		})
	default:
		return nil, fmt.Errorf("unsupported auth mode %d", mode)
	}

	if app.Sandbox {
		return client.Development(), nil
	}
	return client.Production(), nil
}

func loadCertificate(path, password string) (tls.Certificate, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if strings.HasSuffix(strings.ToLower(path), ".p12") {
		cert, err = certificate.FromP12File(path, password)
	} else {
		cert, err = certificate.FromPemFile(path, password)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load APNs certificate %s: %w", path, err)
	}
	return cert, nil
}

// loadAuthKey parses the key immediately to fail fast if credentials are bad.
func loadAuthKey(app config.APNsApplication) (*ecdsa.PrivateKey, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if app.KeyContent != "" {
		key, err = token.AuthKeyFromBytes([]byte(app.KeyContent))
	} else {
		key, err = token.AuthKeyFromFile(app.KeyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}
	return key, nil
}
