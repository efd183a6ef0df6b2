// --- File: internal/platform/apns/apnsdispatcher.go ---
// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sideshow/apns2"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

// ConnectionProvider resolves the connection for an application id.
type ConnectionProvider interface {
	Connect(applicationID string) (*Connection, error)
}

type Dispatcher struct {
	connector     ConnectionProvider
	maxConcurrent int
	batchTimeout  time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher that fans out over the connector's clients.
func NewDispatcher(connector ConnectionProvider, cfg config.APNsConfig, logger *slog.Logger) *Dispatcher {
	maxConcurrent := cfg.MaxConcurrentPushes
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultMaxConcurrentPushes
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = config.DefaultBatchTimeout
	}
	return &Dispatcher{
		connector:     connector,
		maxConcurrent: maxConcurrent,
		batchTimeout:  batchTimeout,
		now:           time.Now,
		logger:        logger.With("component", "APNSDispatcher"),
	}
}

// Dispatch sends n to every distinct token and waits for all attempts.
// APNs HTTP/2 is unary (one request per token), so the batch is fanned out
// concurrently over the single client of the resolved connection.
//
// Invalid options fail before any connection is made. A transport failure aborts the
// batch and no report is returned. Attempts cut off by the batch deadline are reported
// as timeouts; cancellation of ctx by the caller is returned as an error.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	tokens []string,
	n push.Notification,
	opts push.DeliveryOptions,
) (push.DispatchReport, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	unique := push.UniqueTokens(tokens)
	if len(unique) == 0 {
		return push.DispatchReport{}, nil
	}

	conn, err := d.connector.Connect(opts.ApplicationID)
	if err != nil {
		return nil, err
	}

	// 1. Build every request before sending any.
	requests := d.buildRequests(unique, n, opts, conn.Topic)

	// 2. Fan out under the batch deadline.
	batchCtx, cancel := context.WithTimeout(ctx, d.batchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(d.maxConcurrent)

	results := make([]push.DeliveryResult, len(requests))
	for i, req := range requests {
		g.Go(func() error {
			res, err := d.attempt(ctx, batchCtx, gctx, conn.Client, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Error("APNs batch failed", "application_id", conn.ApplicationID, "tokens", len(requests), "err", err)
		return nil, err
	}

	// 3. Collect, one entry per token.
	report := make(push.DispatchReport, len(requests))
	for i, req := range requests {
		report[req.DeviceToken] = results[i]
	}

	d.logger.Debug("APNs batch complete", "application_id", conn.ApplicationID, "receipt", report.Summary())
	return report, nil
}

func (d *Dispatcher) buildRequests(tokens []string, n push.Notification, opts push.DeliveryOptions, topic string) []*apns2.Notification {
	expiration := d.now().Add(time.Duration(opts.ResolveTTL()) * time.Second)
	priority := int(opts.EffectivePriority())
	kind := pushType(n)

	requests := make([]*apns2.Notification, len(tokens))
	for i, token := range tokens {
		requests[i] = &apns2.Notification{
			ApnsID:      uuid.NewString(),
			CollapseID:  opts.CollapseID,
			DeviceToken: token,
			Topic:       topic,
			Expiration:  expiration,
			Priority:    priority,
			PushType:    kind,
			Payload:     BuildPayload(token, n),
		}
	}
	return requests
}

// attempt sends one request. It returns an error only when the whole batch must fail.
func (d *Dispatcher) attempt(callerCtx, batchCtx, gctx context.Context, client Client, req *apns2.Notification) (push.DeliveryResult, error) {
	if gctx.Err() != nil {
		return d.classifyAbort(callerCtx, batchCtx, req.DeviceToken, gctx.Err())
	}

	res, err := client.PushWithContext(gctx, req)
	if err != nil {
		return d.classifyAbort(callerCtx, batchCtx, req.DeviceToken, err)
	}
	if res == nil {
		return push.DeliveryResult{}, &push.TransportError{Token: req.DeviceToken, Err: errors.New("empty response")}
	}

	result := ResultFromResponse(res)
	if !result.Success() {
		d.logger.Warn("APNs rejected notification",
			"token", req.DeviceToken, "reason", res.Reason, "status", res.StatusCode, "kind", result.Kind.String())
	}
	return result, nil
}

// classifyAbort decides what a failed or skipped attempt means for the batch.
// Only a context error after the batch deadline is a timeout; a transport error
// that happens to land after the deadline is still a transport error.
func (d *Dispatcher) classifyAbort(callerCtx, batchCtx context.Context, token string, err error) (push.DeliveryResult, error) {
	switch {
	case errors.Is(callerCtx.Err(), context.Canceled):
		return push.DeliveryResult{}, fmt.Errorf("apns dispatch canceled: %w", callerCtx.Err())
	case errors.Is(batchCtx.Err(), context.DeadlineExceeded) && isContextError(err):
		return push.TimeoutResult(), nil
	default:
		return push.DeliveryResult{}, &push.TransportError{Token: token, Err: err}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
