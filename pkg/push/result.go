package push

import (
	"fmt"
	"sort"
)

// ResultKind classifies the outcome of one delivery attempt.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultUnregistered
	ResultBadDeviceToken
	ResultDeviceTokenNotForTopic
	ResultBadTopic
	ResultPayloadTooLarge
	ResultPayloadRejected
	ResultProviderAuth
	ResultThrottled
	ResultProviderUnavailable
	ResultTimeout
	ResultUnknown
)

var resultKindNames = map[ResultKind]string{
	ResultSuccess:                "Success",
	ResultUnregistered:           "Unregistered",
	ResultBadDeviceToken:         "BadDeviceToken",
	ResultDeviceTokenNotForTopic: "DeviceTokenNotForTopic",
	ResultBadTopic:               "BadTopic",
	ResultPayloadTooLarge:        "PayloadTooLarge",
	ResultPayloadRejected:        "PayloadRejected",
	ResultProviderAuth:           "ProviderAuth",
	ResultThrottled:              "Throttled",
	ResultProviderUnavailable:    "ProviderUnavailable",
	ResultTimeout:                "Timeout",
	ResultUnknown:                "Unknown",
}

func (k ResultKind) String() string {
	if name, ok := resultKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Permanent reports whether the token itself is no longer deliverable.
// Only these kinds deactivate a device.
func (k ResultKind) Permanent() bool {
	switch k {
	case ResultUnregistered, ResultBadDeviceToken:
		return true
	default:
		return false
	}
}

// DeliveryResult is the outcome for one device token.
type DeliveryResult struct {
	Kind ResultKind
	// Reason is the raw provider reason, empty on success.
	Reason     string
	StatusCode int
	// MessageID is the provider-assigned id (apns-id or FCM message name).
	MessageID string
}

// Success reports whether the provider accepted the notification.
func (r DeliveryResult) Success() bool {
	return r.Kind == ResultSuccess
}

// String returns "Success" or the provider's failure reason.
func (r DeliveryResult) String() string {
	if r.Kind == ResultSuccess {
		return r.Kind.String()
	}
	if r.Reason != "" {
		return r.Reason
	}
	return r.Kind.String()
}

// TimeoutResult marks an attempt cut off by the batch deadline.
func TimeoutResult() DeliveryResult {
	return DeliveryResult{Kind: ResultTimeout, Reason: ResultTimeout.String()}
}

// DispatchReport maps every requested token to its result.
type DispatchReport map[string]DeliveryResult

// Tokens returns the report's tokens in sorted order.
func (r DispatchReport) Tokens() []string {
	tokens := make([]string, 0, len(r))
	for t := range r {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

// Invalid returns the sorted tokens whose result is permanent.
func (r DispatchReport) Invalid() []string {
	var tokens []string
	for t, res := range r {
		if res.Kind.Permanent() {
			tokens = append(tokens, t)
		}
	}
	sort.Strings(tokens)
	return tokens
}

// Count returns how many tokens ended with kind.
func (r DispatchReport) Count(kind ResultKind) int {
	n := 0
	for _, res := range r {
		if res.Kind == kind {
			n++
		}
	}
	return n
}

// Summary renders a short receipt for logs.
func (r DispatchReport) Summary() string {
	success := r.Count(ResultSuccess)
	return fmt.Sprintf("success:%d invalid:%d total_fail:%d", success, len(r.Invalid()), len(r)-success)
}

// UniqueTokens drops repeated tokens, keeping first-seen order.
func UniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	unique := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}
	return unique
}
