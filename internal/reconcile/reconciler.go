// Package reconcile applies the side effects of a dispatch report to the device registry.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Deactivator is the part of the device registry the reconciler writes to.
type Deactivator interface {
	Deactivate(ctx context.Context, tokens []string) (int, error)
}

type Reconciler struct {
	registry Deactivator
	logger   *slog.Logger
}

func NewReconciler(registry Deactivator, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		registry: registry,
		logger:   logger.With("component", "Reconciler"),
	}
}

// Reconcile deactivates every device whose token the provider reported as permanently
// invalid, in one bulk write, and returns report unchanged. Transient failures leave
// the device active. The report is returned even when the write fails.
func (r *Reconciler) Reconcile(ctx context.Context, report push.DispatchReport) (push.DispatchReport, error) {
	invalid := report.Invalid()
	if len(invalid) == 0 {
		return report, nil
	}

	changed, err := r.registry.Deactivate(ctx, invalid)
	if err != nil {
		return report, fmt.Errorf("failed to deactivate %d devices: %w", len(invalid), err)
	}

	r.logger.Info("Deactivated devices with invalid tokens", "invalid", len(invalid), "deactivated", changed)
	return report, nil
}
