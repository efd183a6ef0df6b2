// --- File: internal/platform/fcm/fcmdispatcher.go ---
package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const (
	// maxMulticastTokens is the FCM limit for one SendEachForMulticast call.
	maxMulticastTokens = 500
	// maxTTL is the longest FCM retains a message (4 weeks).
	maxTTL = 2419200 * time.Second
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Dispatcher struct {
	client   MessagingClient
	classify func(error) push.ResultKind
	logger   *slog.Logger
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		classify: classifyError,
		logger:   logger.With("component", "FCMDispatcher"),
	}
}

// Dispatch sends n to every distinct token in multicast chunks.
// A chunk rejected as a whole for an invalid argument marks its tokens PayloadRejected;
// any other whole-chunk failure aborts the dispatch.
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
	report := make(push.DispatchReport, len(unique))
	if len(unique) == 0 {
		return report, nil
	}

	template := buildMessage(n, opts)

	for start := 0; start < len(unique); start += maxMulticastTokens {
		chunk := unique[start:min(start+maxMulticastTokens, len(unique))]
		msg := *template
		msg.Tokens = chunk

		br, err := d.client.SendEachForMulticast(ctx, &msg)
		if err != nil {
			if messaging.IsInvalidArgument(err) {
				d.logger.Error("FCM rejected batch as InvalidArgument", "tokens", len(chunk), "err", err)
				for _, token := range chunk {
					report[token] = push.DeliveryResult{Kind: push.ResultPayloadRejected, Reason: "InvalidArgument"}
				}
				continue
			}
			return nil, &push.TransportError{Err: fmt.Errorf("fcm transport failed: %w", err)}
		}

		for idx, token := range chunk {
			report[token] = d.resultAt(br, idx)
		}
	}

	d.logger.Debug("FCM batch complete", "receipt", report.Summary())
	return report, nil
}

func (d *Dispatcher) resultAt(br *messaging.BatchResponse, idx int) push.DeliveryResult {
	if idx >= len(br.Responses) || br.Responses[idx] == nil {
		return push.DeliveryResult{Kind: push.ResultUnknown, Reason: "missing response"}
	}
	resp := br.Responses[idx]
	if resp.Success {
		return push.DeliveryResult{Kind: push.ResultSuccess, MessageID: resp.MessageID}
	}
	kind := d.classify(resp.Error)
	reason := kind.String()
	if resp.Error != nil {
		reason = resp.Error.Error()
	}
	return push.DeliveryResult{Kind: kind, Reason: reason}
}

// errorRule maps a Firebase error predicate to a result kind.
type errorRule struct {
	matches func(error) bool
	kind    push.ResultKind
}

// firebaseRules are checked in order. FCM reports a malformed token and a
// malformed message with the same InvalidArgument code, so it is not evidence
// that the device is gone.
var firebaseRules = []errorRule{
	{matches: messaging.IsRegistrationTokenNotRegistered, kind: push.ResultUnregistered},
	{matches: messaging.IsInvalidArgument, kind: push.ResultPayloadRejected},
	{matches: messaging.IsSenderIDMismatch, kind: push.ResultDeviceTokenNotForTopic},
	{matches: messaging.IsQuotaExceeded, kind: push.ResultThrottled},
	{matches: messaging.IsUnavailable, kind: push.ResultProviderUnavailable},
	{matches: messaging.IsInternal, kind: push.ResultProviderUnavailable},
	{matches: messaging.IsThirdPartyAuthError, kind: push.ResultProviderAuth},
}

func classifyError(err error) push.ResultKind {
	return classifyWith(firebaseRules, err)
}

func classifyWith(rules []errorRule, err error) push.ResultKind {
	if err == nil {
		return push.ResultUnknown
	}
	for _, r := range rules {
		if r.matches(err) {
			return r.kind
		}
	}
	return push.ResultUnknown
}

// buildMessage maps the notification onto a multicast template without tokens.
func buildMessage(n push.Notification, opts push.DeliveryOptions) *messaging.MulticastMessage {
	ttl := time.Duration(opts.ResolveTTL()) * time.Second
	if ttl > maxTTL {
		ttl = maxTTL
	}

	android := &messaging.AndroidConfig{
		TTL:         &ttl,
		Priority:    "normal",
		CollapseKey: opts.CollapseID,
	}
	if opts.EffectivePriority() == push.PriorityHigh {
		android.Priority = "high"
	}

	msg := &messaging.MulticastMessage{
		Data:    dataFromExtra(n.Extra),
		Android: android,
	}

	title, body := alertText(n.Alert)
	if title != "" || body != "" {
		msg.Notification = &messaging.Notification{Title: title, Body: body}
	}

	if !n.Silent() {
		an := &messaging.AndroidNotification{
			Sound:       n.Sound,
			ClickAction: n.Category,
			Tag:         n.ThreadID,
			BodyLocKey:  n.LocKey,
			BodyLocArgs: n.LocArgs,
		}
		if sa, ok := n.Alert.(push.StructuredAlert); ok {
			an.TitleLocKey = sa.TitleLocKey
			an.TitleLocArgs = sa.TitleLocArgs
		}
		// Per-token badges cannot be expressed in a multicast message.
		if lb, ok := n.Badge.(push.LiteralBadge); ok {
			count := int(lb)
			an.NotificationCount = &count
		}
		android.Notification = an
	}

	return msg
}

func alertText(a push.Alert) (string, string) {
	switch v := a.(type) {
	case push.TextAlert:
		return "", string(v)
	case push.StructuredAlert:
		return v.Title, v.Body
	default:
		return "", ""
	}
}

// dataFromExtra flattens custom data into FCM's string-only data map.
func dataFromExtra(extra map[string]any) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	data := make(map[string]string, len(extra))
	for k, v := range extra {
		switch val := v.(type) {
		case string:
			data[k] = val
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				data[k] = fmt.Sprint(val)
				continue
			}
			data[k] = string(raw)
		}
	}
	return data
}
