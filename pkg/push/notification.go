// Package push contains the domain model shared by every push backend: the logical
// notification, delivery options, per-token results and the dispatch report.
package push

import (
	"encoding/json"
	"fmt"
)

// Platform identifies a push delivery backend.
type Platform string

const (
	PlatformAPNs Platform = "apns"
	PlatformFCM  Platform = "fcm"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformAPNs, PlatformFCM}

// Valid reports whether p is a platform this service can dispatch to.
func (p Platform) Valid() bool {
	return p == PlatformAPNs || p == PlatformFCM
}

// Alert is the visible part of a notification.
// It is either a TextAlert or a StructuredAlert; a nil Alert is a silent notification.
type Alert interface {
	alert()
}

// TextAlert is a plain alert string.
type TextAlert string

func (TextAlert) alert() {}

// StructuredAlert carries the individual alert fields.
type StructuredAlert struct {
	Title        string   `json:"title,omitempty"`
	Subtitle     string   `json:"subtitle,omitempty"`
	Body         string   `json:"body,omitempty"`
	LaunchImage  string   `json:"launch-image,omitempty"`
	TitleLocKey  string   `json:"title-loc-key,omitempty"`
	TitleLocArgs []string `json:"title-loc-args,omitempty"`
}

func (StructuredAlert) alert() {}

// AlertBody returns the body text of a, or "" for a nil alert.
func AlertBody(a Alert) string {
	switch v := a.(type) {
	case TextAlert:
		return string(v)
	case StructuredAlert:
		return v.Body
	case *StructuredAlert:
		if v != nil {
			return v.Body
		}
	}
	return ""
}

// ParseAlert decodes the JSON form of an alert: a string, an object or null.
func ParseAlert(raw json.RawMessage) (Alert, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid alert string: %w", err)
		}
		return TextAlert(s), nil
	case '{':
		var sa StructuredAlert
		if err := json.Unmarshal(raw, &sa); err != nil {
			return nil, fmt.Errorf("invalid alert object: %w", err)
		}
		return sa, nil
	default:
		return nil, fmt.Errorf("alert must be a string, an object or null")
	}
}

// Badge yields the badge count for one device token.
type Badge interface {
	For(token string) int
}

// LiteralBadge is the same badge count for every device.
type LiteralBadge int

func (b LiteralBadge) For(string) int { return int(b) }

// BadgeFunc computes the badge count per device token.
type BadgeFunc func(token string) int

func (f BadgeFunc) For(token string) int { return f(token) }

// Notification is the logical message, independent of any provider wire format.
type Notification struct {
	Alert            Alert
	Badge            Badge
	Sound            string
	Category         string
	ThreadID         string
	ContentAvailable bool
	MutableContent   bool
	ActionLocKey     string
	LocKey           string
	LocArgs          []string
	URLArgs          []string
	Extra            map[string]any
}

// Localized reports whether any localization field is set.
func (n Notification) Localized() bool {
	return n.ActionLocKey != "" || n.LocKey != "" || len(n.LocArgs) > 0
}

// Silent reports whether the notification carries nothing the user would see.
func (n Notification) Silent() bool {
	return n.Alert == nil && !n.Localized() && n.Badge == nil && n.Sound == ""
}
