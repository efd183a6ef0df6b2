// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Dispatcher defines the contract for a component that delivers one notification
// to a batch of tokens on a specific platform (e.g., Apple's APNs, Google's FCM).
type Dispatcher interface {
	// Dispatch returns a report holding exactly one result per distinct token.
	// It returns an error only when the whole batch failed.
	Dispatch(ctx context.Context, tokens []string, n push.Notification, opts push.DeliveryOptions) (push.DispatchReport, error)
}

// Sender is the caller-facing dispatch API: dispatch, then reconcile the outcome.
type Sender interface {
	SendOne(ctx context.Context, token string, alert push.Alert, opts push.Options) (push.DeliveryResult, error)
	SendBulk(ctx context.Context, tokens []string, alert push.Alert, opts push.Options) (push.DispatchReport, error)
}

// DeviceRegistry defines the contract for the store of device registrations.
// Tokens are the provider-issued registration ids.
type DeviceRegistry interface {
	// Register adds or refreshes a device and marks it active.
	Register(ctx context.Context, device push.Device) error

	// Unregister removes a device owned by user. Unknown tokens are not an error.
	Unregister(ctx context.Context, user urn.URN, token string) error

	// ActiveDevices lists the active devices a user has on a platform.
	ActiveDevices(ctx context.Context, user urn.URN, platform push.Platform) ([]push.Device, error)

	// FindActive returns the active devices registered on platform among tokens.
	// Tokens registered on another platform are left out.
	FindActive(ctx context.Context, platform push.Platform, tokens []string) ([]push.Device, error)

	// Deactivate marks every device in tokens inactive in one bulk operation and
	// returns how many devices changed state. Repeating the call changes nothing.
	Deactivate(ctx context.Context, tokens []string) (int, error)
}
