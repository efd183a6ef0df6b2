// --- File: internal/pipeline/transformer.go ---
// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// SendRequestTransformer is a dataflow Transformer that unmarshals and validates a
// raw message payload into a push.SendRequest.
//
// Requests that can never be routed (malformed JSON, an unknown platform, a bad
// recipient URN) return skip=true so the StreamingService can handle the Nack/DLQ logic.
func SendRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*push.SendRequest, bool, error) {
	var req push.SendRequest

	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal send request from message %s: %w", msg.ID, err)
	}
	if err := req.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid send request in message %s: %w", msg.ID, err)
	}
	if req.RecipientID != "" {
		if _, err := urn.Parse(req.RecipientID); err != nil {
			return nil, true, fmt.Errorf("invalid recipient in message %s: %w", msg.ID, err)
		}
	}

	return &req, false, nil
}
