package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Registry implements dispatch.DeviceRegistry on PostgreSQL.
type Registry struct {
	db *DB
}

func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

func (s *Registry) Register(ctx context.Context, device push.Device) error {
	query := `
		INSERT INTO push_devices (registration_id, platform, application_id, user_id, name, device_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (registration_id) DO UPDATE SET
			platform       = EXCLUDED.platform,
			application_id = EXCLUDED.application_id,
			user_id        = EXCLUDED.user_id,
			name           = EXCLUDED.name,
			device_id      = EXCLUDED.device_id,
			active         = TRUE,
			updated_at     = NOW()
	`
	_, err := s.db.Pool.Exec(ctx, query,
		device.RegistrationID,
		string(device.Platform),
		device.ApplicationID,
		device.UserID,
		device.Name,
		device.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

func (s *Registry) Unregister(ctx context.Context, user urn.URN, token string) error {
	var owner string
	err := s.db.Pool.QueryRow(ctx, `SELECT user_id FROM push_devices WHERE registration_id = $1`, token).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get device owner: %w", err)
	}
	if owner != user.String() {
		return push.ErrDeviceNotOwned
	}

	_, err = s.db.Pool.Exec(ctx, `DELETE FROM push_devices WHERE registration_id = $1 AND user_id = $2`, token, owner)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

const deviceColumns = `registration_id, platform, application_id, user_id, name, device_id, active, created_at, updated_at`

func (s *Registry) ActiveDevices(ctx context.Context, user urn.URN, platform push.Platform) ([]push.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM push_devices
		WHERE user_id = $1 AND platform = $2 AND active
		ORDER BY created_at
	`
	return s.collectDevices(ctx, query, user.String(), string(platform))
}

func (s *Registry) FindActive(ctx context.Context, platform push.Platform, tokens []string) ([]push.Device, error) {
	if len(tokens) == 0 {
		return []push.Device{}, nil
	}
	query := `
		SELECT ` + deviceColumns + `
		FROM push_devices
		WHERE registration_id = ANY($1) AND platform = $2 AND active
	`
	return s.collectDevices(ctx, query, push.UniqueTokens(tokens), string(platform))
}

// Deactivate flips every listed active device in a single UPDATE.
func (s *Registry) Deactivate(ctx context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	query := `
		UPDATE push_devices
		SET active = FALSE, updated_at = NOW()
		WHERE registration_id = ANY($1) AND active
	`
	tag, err := s.db.Pool.Exec(ctx, query, push.UniqueTokens(tokens))
	if err != nil {
		return 0, fmt.Errorf("deactivate devices: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type deviceRow struct {
	RegistrationID string    `db:"registration_id"`
	Platform       string    `db:"platform"`
	ApplicationID  string    `db:"application_id"`
	UserID         string    `db:"user_id"`
	Name           string    `db:"name"`
	DeviceID       string    `db:"device_id"`
	Active         bool      `db:"active"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (s *Registry) collectDevices(ctx context.Context, query string, args ...any) ([]push.Device, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[deviceRow])
	if err != nil {
		return nil, fmt.Errorf("scan devices: %w", err)
	}

	devices := make([]push.Device, len(records))
	for i, r := range records {
		devices[i] = push.Device{
			RegistrationID: r.RegistrationID,
			Platform:       push.Platform(r.Platform),
			ApplicationID:  r.ApplicationID,
			UserID:         r.UserID,
			Name:           r.Name,
			DeviceID:       r.DeviceID,
			Active:         r.Active,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
		}
	}
	return devices, nil
}
