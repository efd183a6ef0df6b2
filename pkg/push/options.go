package push

import "fmt"

// DefaultTTL is used when neither a time to live nor an expiration is given (30 days).
const DefaultTTL = 2592000

// Priority is the provider delivery priority.
type Priority int

const (
	// PriorityNormal lets the provider batch delivery to save power.
	PriorityNormal Priority = 5
	// PriorityHigh asks the provider to deliver immediately.
	PriorityHigh Priority = 10
)

// Valid reports whether p is one of the two provider priorities.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// DeliveryOptions controls how the provider handles a notification.
// Zero TimeToLive, Expiration and Priority mean "use the default".
type DeliveryOptions struct {
	TimeToLive    int
	Expiration    int
	Priority      Priority
	CollapseID    string
	ApplicationID string
}

// Validate checks the options before any request is built.
func (o DeliveryOptions) Validate() error {
	if o.Priority != 0 && !o.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedPriority, int(o.Priority))
	}
	if o.TimeToLive < 0 {
		return fmt.Errorf("%w: time_to_live %d", ErrInvalidTTL, o.TimeToLive)
	}
	if o.Expiration < 0 {
		return fmt.Errorf("%w: expiration %d", ErrInvalidTTL, o.Expiration)
	}
	return nil
}

// EffectivePriority returns the priority to send with; unset means normal.
func (o DeliveryOptions) EffectivePriority() Priority {
	if o.Priority == 0 {
		return PriorityNormal
	}
	return o.Priority
}

// ResolveTTL returns the time to live in seconds: explicit TimeToLive first,
// then Expiration, then DefaultTTL.
func (o DeliveryOptions) ResolveTTL() int {
	switch {
	case o.TimeToLive > 0:
		return o.TimeToLive
	case o.Expiration > 0:
		return o.Expiration
	default:
		return DefaultTTL
	}
}

// Options is the caller-facing configuration for a send. It covers both the
// notification content and the delivery options.
type Options struct {
	Badge            *int           `json:"badge,omitempty"`
	BadgeFunc        BadgeFunc      `json:"-"`
	Sound            string         `json:"sound,omitempty"`
	Category         string         `json:"category,omitempty"`
	ContentAvailable bool           `json:"content_available,omitempty"`
	ActionLocKey     string         `json:"action_loc_key,omitempty"`
	LocKey           string         `json:"loc_key,omitempty"`
	LocArgs          []string       `json:"loc_args,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
	MutableContent   bool           `json:"mutable_content,omitempty"`
	ThreadID         string         `json:"thread_id,omitempty"`
	URLArgs          []string       `json:"url_args,omitempty"`
	Expiration       int            `json:"expiration,omitempty"`
	TimeToLive       int            `json:"time_to_live,omitempty"`
	Priority         Priority       `json:"priority,omitempty"`
	CollapseID       string         `json:"collapse_id,omitempty"`
	ApplicationID    string         `json:"application_id,omitempty"`
}

// Notification builds the logical notification for alert. BadgeFunc wins over Badge.
func (o Options) Notification(alert Alert) Notification {
	n := Notification{
		Alert:            alert,
		Sound:            o.Sound,
		Category:         o.Category,
		ThreadID:         o.ThreadID,
		ContentAvailable: o.ContentAvailable,
		MutableContent:   o.MutableContent,
		ActionLocKey:     o.ActionLocKey,
		LocKey:           o.LocKey,
		LocArgs:          o.LocArgs,
		URLArgs:          o.URLArgs,
		Extra:            o.Extra,
	}
	switch {
	case o.BadgeFunc != nil:
		n.Badge = o.BadgeFunc
	case o.Badge != nil:
		n.Badge = LiteralBadge(*o.Badge)
	}
	return n
}

// Delivery extracts the delivery options.
func (o Options) Delivery() DeliveryOptions {
	return DeliveryOptions{
		TimeToLive:    o.TimeToLive,
		Expiration:    o.Expiration,
		Priority:      o.Priority,
		CollapseID:    o.CollapseID,
		ApplicationID: o.ApplicationID,
	}
}
