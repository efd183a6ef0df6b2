package apns

import (
	"net/http"

	"github.com/sideshow/apns2"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// ResultFromResponse maps an APNs response onto the closed result set.
// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
func ResultFromResponse(res *apns2.Response) push.DeliveryResult {
	result := push.DeliveryResult{
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
		MessageID:  res.ApnsID,
	}
	if res.Sent() {
		result.Kind = push.ResultSuccess
		result.Reason = ""
		return result
	}

	switch res.Reason {
	case apns2.ReasonUnregistered:
		result.Kind = push.ResultUnregistered
	case apns2.ReasonBadDeviceToken, apns2.ReasonMissingDeviceToken:
		result.Kind = push.ResultBadDeviceToken
	case apns2.ReasonDeviceTokenNotForTopic:
		result.Kind = push.ResultDeviceTokenNotForTopic
	case apns2.ReasonBadTopic, apns2.ReasonTopicDisallowed, apns2.ReasonMissingTopic:
		result.Kind = push.ResultBadTopic
	case apns2.ReasonPayloadTooLarge:
		result.Kind = push.ResultPayloadTooLarge
	case apns2.ReasonPayloadEmpty, apns2.ReasonBadExpirationDate, apns2.ReasonBadPriority,
		apns2.ReasonBadCollapseID, apns2.ReasonBadMessageID, apns2.ReasonDuplicateHeaders,
		apns2.ReasonBadPath, apns2.ReasonMethodNotAllowed:
		result.Kind = push.ResultPayloadRejected
	case apns2.ReasonBadCertificate, apns2.ReasonBadCertificateEnvironment,
		apns2.ReasonExpiredProviderToken, apns2.ReasonInvalidProviderToken,
		apns2.ReasonMissingProviderToken, apns2.ReasonForbidden:
		result.Kind = push.ResultProviderAuth
	case apns2.ReasonTooManyRequests, apns2.ReasonTooManyProviderTokenUpdates:
		result.Kind = push.ResultThrottled
	case apns2.ReasonInternalServerError, apns2.ReasonServiceUnavailable,
		apns2.ReasonShutdown, apns2.ReasonIdleTimeout:
		result.Kind = push.ResultProviderUnavailable
	default:
		result.Kind = kindFromStatus(res.StatusCode)
	}
	return result
}

// kindFromStatus classifies responses carrying a reason this client does not know.
func kindFromStatus(status int) push.ResultKind {
	switch {
	case status == http.StatusGone:
		return push.ResultUnregistered
	case status == http.StatusForbidden:
		return push.ResultProviderAuth
	case status == http.StatusRequestEntityTooLarge:
		return push.ResultPayloadTooLarge
	case status == http.StatusTooManyRequests:
		return push.ResultThrottled
	case status >= http.StatusInternalServerError:
		return push.ResultProviderUnavailable
	default:
		return push.ResultUnknown
	}
}
