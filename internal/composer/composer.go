// Package composer assembles tracked events from an attribution snapshot.
// Composition is pure: nothing here reads storage or talks to the network.
package composer

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/attribution"
)

var (
	// ErrIdentityUnavailable is returned when the snapshot has no visitor id.
	// An event without external_id is never produced.
	ErrIdentityUnavailable = errors.New("visitor identity unavailable")

	// ErrCustomDataMismatch is returned when the custom data variant belongs to another event.
	ErrCustomDataMismatch = errors.New("custom data does not match event name")
)

type options struct {
	eventID string
	now     func() time.Time
}

// Option customizes a single Compose call.
type Option func(*options)

// WithEventID reuses an id generated earlier for the same occurrence, e.g. when the
// pixel command was emitted before the webhook payload was composed.
func WithEventID(id string) Option {
	return func(o *options) { o.eventID = id }
}

// WithClock overrides the composition time.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Compose builds an immutable event. eventTime is stamped once here and an event id
// is generated unless WithEventID supplies one.
//
// Validation failures are returned as *v1.ValidationError naming the field.
func Compose(name v1.EventName, data v1.CustomData, snap attribution.Snapshot, sourceURL string, opts ...Option) (*v1.TrackedEvent, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if snap.ExternalID == "" {
		return nil, ErrIdentityUnavailable
	}

	now := o.now()
	eventID := o.eventID
	if eventID == "" {
		eventID = generateEventID(name, snap.ExternalID, now)
	}

	evt := &v1.TrackedEvent{
		EventName:      name,
		EventID:        eventID,
		EventTime:      now.Unix(),
		UserData:       UserData(snap),
		CustomData:     data,
		EventSourceURL: sourceURL,
		ActionSource:   v1.ActionSourceWebsite,
	}

	if err := evt.Validate(); err != nil {
		var verr *v1.ValidationError
		if data != nil && data.EventName() != name && errors.As(err, &verr) && verr.Field == "customData" {
			return nil, fmt.Errorf("%w: %w", ErrCustomDataMismatch, err)
		}
		return nil, err
	}
	return evt, nil
}

// UserData projects a snapshot onto the wire shape. Unknown values become null.
func UserData(snap attribution.Snapshot) v1.UserData {
	return v1.UserData{
		ExternalID:      snap.ExternalID,
		FBC:             optional(snap.FBC),
		FBP:             optional(snap.FBP),
		ClientIPAddress: optional(snap.ClientIP),
		ClientUserAgent: optional(snap.UserAgent),
		AdID:            optional(snap.AdID),
		AdsetID:         optional(snap.AdsetID),
		CampaignID:      optional(snap.CampaignID),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// lastMillis is the last timestamp handed out by generateEventID.
var lastMillis atomic.Int64

// GenerateEventID returns "<eventName>.<externalId>.<epochMillis>".
// Millis are strictly increasing within the process, so two occurrences never share an id.
func GenerateEventID(name v1.EventName, externalID string) string {
	return generateEventID(name, externalID, time.Now())
}

func generateEventID(name v1.EventName, externalID string, now time.Time) string {
	return string(name) + "." + externalID + "." + strconv.FormatInt(nextMillis(now), 10)
}

func nextMillis(now time.Time) int64 {
	ms := now.UnixMilli()
	for {
		last := lastMillis.Load()
		next := ms
		if next <= last {
			next = last + 1
		}
		if lastMillis.CompareAndSwap(last, next) {
			return next
		}
	}
}
