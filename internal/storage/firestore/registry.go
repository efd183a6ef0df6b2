package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const devicesCollection = "push_devices"

// Registry implements dispatch.DeviceRegistry using Google Cloud Firestore.
// Devices live in a flat collection keyed by the hash of their token, so the
// token-keyed bulk paths never need a query.
type Registry struct {
	client *firestore.Client
	now    func() time.Time
}

func NewRegistry(client *firestore.Client) *Registry {
	return &Registry{client: client, now: time.Now}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	RegistrationID string    `firestore:"registration_id"`
	Platform       string    `firestore:"platform"`
	ApplicationID  string    `firestore:"application_id"`
	UserID         string    `firestore:"user_id"`
	Name           string    `firestore:"name"`
	DeviceID       string    `firestore:"device_id"`
	Active         bool      `firestore:"active"`
	CreatedAt      time.Time `firestore:"created_at"`
	UpdatedAt      time.Time `firestore:"updated_at"`
}

func (r deviceRecord) toDevice() push.Device {
	return push.Device{
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

// Register upserts the device and marks it active. A token moving to a new user
// is re-owned; created_at survives re-registration.
func (s *Registry) Register(ctx context.Context, device push.Device) error {
	ref := s.deviceRef(device.RegistrationID)
	now := s.now().UTC()

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		createdAt := now
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing deviceRecord
			if err := snap.DataTo(&existing); err == nil && !existing.CreatedAt.IsZero() {
				createdAt = existing.CreatedAt
			}
		case status.Code(err) != codes.NotFound:
			return fmt.Errorf("failed to read device: %w", err)
		}

		return tx.Set(ref, deviceRecord{
			RegistrationID: device.RegistrationID,
			Platform:       string(device.Platform),
			ApplicationID:  device.ApplicationID,
			UserID:         device.UserID,
			Name:           device.Name,
			DeviceID:       device.DeviceID,
			Active:         true,
			CreatedAt:      createdAt,
			UpdatedAt:      now,
		})
	})
}

// Unregister deletes the device if user owns it.
func (s *Registry) Unregister(ctx context.Context, user urn.URN, token string) error {
	ref := s.deviceRef(token)
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read device: %w", err)
	}

	var record deviceRecord
	if err := snap.DataTo(&record); err != nil {
		return fmt.Errorf("failed to decode device: %w", err)
	}
	if record.UserID != user.String() {
		return push.ErrDeviceNotOwned
	}

	_, err = ref.Delete(ctx)
	return err
}

// ActiveDevices queries the user's active devices on platform.
func (s *Registry) ActiveDevices(ctx context.Context, user urn.URN, platform push.Platform) ([]push.Device, error) {
	iter := s.client.Collection(devicesCollection).
		Where("user_id", "==", user.String()).
		Where("platform", "==", string(platform)).
		Where("active", "==", true).
		Documents(ctx)
	defer iter.Stop()

	devices := make([]push.Device, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			// Usually safe to skip corrupt rows.
			continue
		}
		devices = append(devices, record.toDevice())
	}
	return devices, nil
}

// FindActive fetches every token's document in one batched read and keeps the
// active ones registered on platform.
func (s *Registry) FindActive(ctx context.Context, platform push.Platform, tokens []string) ([]push.Device, error) {
	records, err := s.getAll(ctx, tokens)
	if err != nil {
		return nil, err
	}
	active := make([]push.Device, 0, len(records))
	for _, rec := range records {
		if rec.record.Active && rec.record.Platform == string(platform) {
			active = append(active, rec.record.toDevice())
		}
	}
	return active, nil
}

// Deactivate flips active devices to inactive with a BulkWriter.
// Already inactive or unknown tokens are skipped, so repeating the call writes nothing.
func (s *Registry) Deactivate(ctx context.Context, tokens []string) (int, error) {
	records, err := s.getAll(ctx, tokens)
	if err != nil {
		return 0, err
	}

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, rec := range records {
		if !rec.record.Active {
			continue
		}
		job, err := bw.Update(rec.ref, []firestore.Update{
			{Path: "active", Value: false},
			{Path: "updated_at", Value: firestore.ServerTimestamp},
		})
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to enqueue deactivation: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	changed := 0
	var firstErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			// A device deleted since the read is already gone.
			if status.Code(err) == codes.NotFound {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		changed++
	}
	if firstErr != nil {
		return changed, fmt.Errorf("failed to deactivate devices: %w", firstErr)
	}
	return changed, nil
}

type storedRecord struct {
	ref    *firestore.DocumentRef
	record deviceRecord
}

// getAll returns the existing records for the distinct tokens.
func (s *Registry) getAll(ctx context.Context, tokens []string) ([]storedRecord, error) {
	unique := push.UniqueTokens(tokens)
	if len(unique) == 0 {
		return nil, nil
	}

	refs := make([]*firestore.DocumentRef, len(unique))
	for i, t := range unique {
		refs[i] = s.deviceRef(t)
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}

	records := make([]storedRecord, 0, len(snaps))
	for i, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var record deviceRecord
		if err := snap.DataTo(&record); err != nil {
			continue
		}
		records = append(records, storedRecord{ref: refs[i], record: record})
	}
	return records, nil
}

// --- Helpers ---

// deviceRef: push_devices/{tokenHash}
func (s *Registry) deviceRef(token string) *firestore.DocumentRef {
	// Use hash of token as Doc ID to prevent duplicates and hot-spotting
	return s.client.Collection(devicesCollection).Doc(hashToken(token))
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
