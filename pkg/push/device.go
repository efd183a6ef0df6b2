package push

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device is a registered push endpoint owned by a user.
type Device struct {
	// RegistrationID is the provider-issued token.
	RegistrationID string
	Platform       Platform
	ApplicationID  string
	// UserID is the owner's URN in string form.
	UserID    string
	Name      string
	DeviceID  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceGroup is a set of tokens that share one application id and so go out
// in one batch.
type DeviceGroup struct {
	ApplicationID string
	Tokens        []string
}

// GroupByApplication splits devices into batches by application id. Devices
// without one fall into the fallback group. Groups and tokens keep first-seen
// order and repeated tokens are dropped.
func GroupByApplication(devices []Device, fallback string) []DeviceGroup {
	index := make(map[string]int)
	seen := make(map[string]struct{}, len(devices))
	var groups []DeviceGroup
	for _, d := range devices {
		if _, ok := seen[d.RegistrationID]; ok {
			continue
		}
		seen[d.RegistrationID] = struct{}{}

		appID := d.ApplicationID
		if appID == "" {
			appID = fallback
		}
		i, ok := index[appID]
		if !ok {
			i = len(groups)
			index[appID] = i
			groups = append(groups, DeviceGroup{ApplicationID: appID})
		}
		groups[i].Tokens = append(groups[i].Tokens, d.RegistrationID)
	}
	return groups
}

// SendRequest is the wire form of a send arriving over the message bus.
// It addresses either every active device a user has on Platform, or explicit Tokens.
type SendRequest struct {
	Platform    Platform `json:"platform"`
	RecipientID string   `json:"recipient_id,omitempty"`
	Tokens      []string `json:"tokens,omitempty"`
	Alert       Alert    `json:"-"`
	Options     Options  `json:"options"`
}

// UnmarshalJSON decodes the polymorphic alert field alongside the rest of the request.
func (r *SendRequest) UnmarshalJSON(data []byte) error {
	type plain SendRequest
	aux := struct {
		*plain
		Alert json.RawMessage `json:"alert"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	alert, err := ParseAlert(aux.Alert)
	if err != nil {
		return err
	}
	r.Alert = alert
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (r SendRequest) MarshalJSON() ([]byte, error) {
	type plain SendRequest
	return json.Marshal(struct {
		plain
		Alert Alert `json:"alert,omitempty"`
	}{plain: plain(r), Alert: r.Alert})
}

// Validate checks that the request is routable.
func (r SendRequest) Validate() error {
	if r.Platform == "" {
		r.Platform = PlatformAPNs
	}
	if !r.Platform.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedPlatform, r.Platform)
	}
	if r.RecipientID == "" && len(r.Tokens) == 0 {
		return fmt.Errorf("request needs a recipient_id or tokens")
	}
	if r.RecipientID != "" && len(r.Tokens) > 0 {
		return fmt.Errorf("request must not set both recipient_id and tokens")
	}
	return nil
}

// TargetPlatform returns the platform, defaulting to APNs.
func (r SendRequest) TargetPlatform() Platform {
	if r.Platform == "" {
		return PlatformAPNs
	}
	return r.Platform
}
