package v1

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionSourceWebsite is the only action source this service emits.
const ActionSourceWebsite = "website"

// EventName identifies one business moment of the funnel.
// The set is closed: new moments need a new constant and a CustomData variant.
type EventName string

const (
	EventPageView         EventName = "PageView"
	EventFunnelStart      EventName = "HomePageView"
	EventQuizStep         EventName = "QuizStep"
	EventAddToCart        EventName = "AddToCart"
	EventInitiateCheckout EventName = "InitiateCheckout"
)

// EventNames lists every known event name in funnel order.
var EventNames = []EventName{
	EventPageView,
	EventFunnelStart,
	EventQuizStep,
	EventAddToCart,
	EventInitiateCheckout,
}

// Valid reports whether n belongs to the closed set.
func (n EventName) Valid() bool {
	for _, known := range EventNames {
		if n == known {
			return true
		}
	}
	return false
}

// PixelMethod returns the pixel call used for this event.
// Standard pixel events go through "track", funnel-specific ones through "trackCustom".
func (n EventName) PixelMethod() string {
	switch n {
	case EventPageView, EventAddToCart, EventInitiateCheckout:
		return "track"
	default:
		return "trackCustom"
	}
}

// TrackedEvent is one immutable occurrence sent to the webhook and the pixel.
// It is built once by the composer and never mutated afterwards.
type TrackedEvent struct {
	EventName EventName `json:"eventName"`

	// EventID is shared by every sink so downstream consumers can deduplicate.
	EventID string `json:"eventId,omitempty"`

	// EventTime is unix seconds, stamped once at composition.
	EventTime int64 `json:"eventTime"`

	UserData   UserData   `json:"userData"`
	CustomData CustomData `json:"customData,omitempty"`

	EventSourceURL string `json:"event_source_url"`
	ActionSource   string `json:"action_source"`
}

// UserData is the identity and attribution slice attached to an event.
// Pixel identifiers and client facts serialize as null when unknown.
type UserData struct {
	ExternalID      string  `json:"external_id"`
	FBC             *string `json:"fbc"`
	FBP             *string `json:"fbp"`
	ClientIPAddress *string `json:"client_ip_address"`
	ClientUserAgent *string `json:"client_user_agent"`
	AdID            *string `json:"ad_id,omitempty"`
	AdsetID         *string `json:"adset_id,omitempty"`
	CampaignID      *string `json:"campaign_id,omitempty"`
}

// ValidationError names the field that made an event unsendable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate ensures the event can be sent upstream as-is.
func (e *TrackedEvent) Validate() error {
	if !e.EventName.Valid() {
		return invalid("eventName", fmt.Sprintf("unknown event %q", e.EventName))
	}
	if e.EventID == "" {
		return invalid("eventId", "is required")
	}
	if e.EventTime <= 0 {
		return invalid("eventTime", "must be a positive unix timestamp")
	}
	if strings.TrimSpace(e.UserData.ExternalID) == "" {
		return invalid("userData.external_id", "is required")
	}
	if e.EventSourceURL == "" {
		return invalid("event_source_url", "is required")
	}
	if e.ActionSource != ActionSourceWebsite {
		return invalid("action_source", fmt.Sprintf("must be %q", ActionSourceWebsite))
	}

	if e.CustomData == nil {
		if requiresCustomData(e.EventName) {
			return invalid("customData", "is required for "+string(e.EventName))
		}
		return nil
	}
	if e.CustomData.EventName() != e.EventName {
		return invalid("customData", fmt.Sprintf("belongs to %s, not %s", e.CustomData.EventName(), e.EventName))
	}
	return e.CustomData.validate()
}

func requiresCustomData(n EventName) bool {
	switch n {
	case EventQuizStep, EventAddToCart, EventInitiateCheckout:
		return true
	default:
		return false
	}
}

// UnmarshalJSON decodes the CustomData variant selected by eventName.
func (e *TrackedEvent) UnmarshalJSON(b []byte) error {
	type alias TrackedEvent
	var raw struct {
		alias
		CustomData json.RawMessage `json:"customData,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*e = TrackedEvent(raw.alias)
	e.CustomData = nil

	if len(raw.CustomData) == 0 || string(raw.CustomData) == "null" {
		return nil
	}

	data, err := decodeCustomData(e.EventName, raw.CustomData)
	if err != nil {
		return fmt.Errorf("failed to decode customData for %s: %w", e.EventName, err)
	}
	e.CustomData = data
	return nil
}
