package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// NewProcessor creates the logic that resolves a request to devices on the
// request's platform and hands them to that platform's sender, one batch per
// application id.
//
// Errors a retry cannot fix (no sender for the platform, a config error) are logged
// and the message, or that application's batch, is acked. Registry and transport
// failures are returned so the message is redelivered.
func NewProcessor(
	senders map[push.Platform]dispatch.Sender,
	registry dispatch.DeviceRegistry,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[push.SendRequest] {

	return func(ctx context.Context, original messagepipeline.Message, request *push.SendRequest) error {
		platform := request.TargetPlatform()
		procLogger := logger.With(
			"platform", string(platform),
			"pubsub_msg_id", original.ID,
		)

		sender, ok := senders[platform]
		if !ok {
			procLogger.Error("No sender configured for platform; dropping notification.")
			return nil
		}

		// 1. Resolve the audience
		devices, err := resolveDevices(ctx, registry, request, platform)
		if err != nil {
			procLogger.Error("Failed to resolve device tokens", "err", err)
			return err
		}
		devices = forApplication(devices, request.Options.ApplicationID, procLogger)
		if len(devices) == 0 {
			procLogger.Info("No active devices for request; dropping notification.")
			return nil
		}

		// 2. Dispatch and reconcile, one batch per application
		for _, group := range push.GroupByApplication(devices, request.Options.ApplicationID) {
			opts := request.Options
			opts.ApplicationID = group.ApplicationID
			groupLogger := procLogger.With("application_id", group.ApplicationID)

			report, err := sender.SendBulk(ctx, group.Tokens, request.Alert, opts)
			if err != nil {
				if push.IsConfigError(err) {
					groupLogger.Error("Batch cannot be delivered with the current configuration; dropping", "tokens", len(group.Tokens), "err", err)
					continue
				}
				groupLogger.Error("Dispatch failed", "tokens", len(group.Tokens), "err", err)
				return err // Retryable
			}

			groupLogger.Info("Dispatched", "receipt", report.Summary())
		}
		return nil
	}
}

// resolveDevices returns the active devices a request addresses on platform:
// every device the recipient has, or the explicit tokens that are still active.
func resolveDevices(ctx context.Context, registry dispatch.DeviceRegistry, request *push.SendRequest, platform push.Platform) ([]push.Device, error) {
	if request.RecipientID == "" {
		return registry.FindActive(ctx, platform, request.Tokens)
	}
	user, err := urn.Parse(request.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", request.RecipientID, err)
	}
	return registry.ActiveDevices(ctx, user, platform)
}

// forApplication drops devices registered to an application other than appID.
// An empty appID keeps every device.
func forApplication(devices []push.Device, appID string, logger *slog.Logger) []push.Device {
	if appID == "" {
		return devices
	}
	kept := devices[:0:0]
	for _, d := range devices {
		if d.ApplicationID == "" || d.ApplicationID == appID {
			kept = append(kept, d)
		}
	}
	if skipped := len(devices) - len(kept); skipped > 0 {
		logger.Warn("Skipping devices registered to another application", "application_id", appID, "skipped", skipped)
	}
	return kept
}
