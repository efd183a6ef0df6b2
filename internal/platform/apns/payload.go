package apns

import (
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// reservedKey is the APNs dictionary; custom data may not overwrite it.
const reservedKey = "aps"

// BuildPayload renders n into the APNs payload for one device token.
// The badge is resolved per token, so the result must not be shared across tokens
// when n carries a BadgeFunc.
func BuildPayload(token string, n push.Notification) *payload.Payload {
	p := payload.NewPayload()

	switch {
	case n.Localized():
		// Localized alerts are always dictionaries.
		p.AlertBody(push.AlertBody(n.Alert))
		if n.LocKey != "" {
			p.AlertLocKey(n.LocKey)
		}
		if len(n.LocArgs) > 0 {
			p.AlertLocArgs(n.LocArgs)
		}
		if n.ActionLocKey != "" {
			p.AlertActionLocKey(n.ActionLocKey)
		}
		if sa, ok := n.Alert.(push.StructuredAlert); ok {
			applyStructured(p, sa)
		}
	default:
		switch a := n.Alert.(type) {
		case push.TextAlert:
			p.Alert(string(a))
		case push.StructuredAlert:
			applyStructured(p, a)
		}
	}

	if n.Badge != nil {
		p.Badge(n.Badge.For(token))
	}
	if n.Sound != "" {
		p.Sound(n.Sound)
	}
	if n.Category != "" {
		p.Category(n.Category)
	}
	if n.ThreadID != "" {
		p.ThreadID(n.ThreadID)
	}
	if n.ContentAvailable {
		p.ContentAvailable()
	}
	if n.MutableContent {
		p.MutableContent()
	}
	if len(n.URLArgs) > 0 {
		p.URLArgs(n.URLArgs)
	}

	for k, v := range n.Extra {
		if k == reservedKey {
			continue
		}
		p.Custom(k, v)
	}

	return p
}

func applyStructured(p *payload.Payload, a push.StructuredAlert) {
	if a.Title != "" {
		p.AlertTitle(a.Title)
	}
	if a.Subtitle != "" {
		p.AlertSubtitle(a.Subtitle)
	}
	if a.Body != "" {
		p.AlertBody(a.Body)
	}
	if a.LaunchImage != "" {
		p.AlertLaunchImage(a.LaunchImage)
	}
	if a.TitleLocKey != "" {
		p.AlertTitleLocKey(a.TitleLocKey)
	}
	if len(a.TitleLocArgs) > 0 {
		p.AlertTitleLocArgs(a.TitleLocArgs)
	}
}

// pushType picks the apns-push-type header. Content-available pushes with
// nothing visible must be sent as background pushes.
func pushType(n push.Notification) apns2.EPushType {
	if n.ContentAvailable && n.Silent() {
		return apns2.PushTypeBackground
	}
	return apns2.PushTypeAlert
}
