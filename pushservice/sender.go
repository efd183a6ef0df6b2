package pushservice

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Reconciler applies a dispatch report to the device registry.
type Reconciler interface {
	Reconcile(ctx context.Context, report push.DispatchReport) (push.DispatchReport, error)
}

// Sender dispatches a notification and reconciles the outcome against the registry.
type Sender struct {
	dispatcher dispatch.Dispatcher
	reconciler Reconciler
	logger     *slog.Logger
}

var _ dispatch.Sender = (*Sender)(nil)

func NewSender(dispatcher dispatch.Dispatcher, reconciler Reconciler, logger *slog.Logger) *Sender {
	return &Sender{
		dispatcher: dispatcher,
		reconciler: reconciler,
		logger:     logger.With("component", "Sender"),
	}
}

// SendOne delivers to a single device. A delivery failure for the token is reported
// in the result and is never an error; a permanent failure deactivates the device.
func (s *Sender) SendOne(ctx context.Context, token string, alert push.Alert, opts push.Options) (push.DeliveryResult, error) {
	report, err := s.SendBulk(ctx, []string{token}, alert, opts)
	if err != nil {
		return push.DeliveryResult{}, err
	}
	return report[token], nil
}

// SendBulk delivers the same notification to every token and returns one result per
// distinct token. Devices the provider reports as permanently invalid are deactivated
// in one bulk write. Failing to deactivate is logged; the report is still returned.
func (s *Sender) SendBulk(ctx context.Context, tokens []string, alert push.Alert, opts push.Options) (push.DispatchReport, error) {
	report, err := s.dispatcher.Dispatch(ctx, tokens, opts.Notification(alert), opts.Delivery())
	if err != nil {
		return nil, err
	}

	if _, err := s.reconciler.Reconcile(ctx, report); err != nil {
		s.logger.Error("Failed to deactivate invalid devices", "invalid", len(report.Invalid()), "err", err)
	}

	s.logger.Debug("Dispatch complete", "receipt", report.Summary())
	return report, nil
}
