package v1

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// CustomData is the event-specific payload. Each variant belongs to exactly one
// EventName; the unexported method keeps the set of variants inside this package.
type CustomData interface {
	EventName() EventName
	validate() error
}

// FunnelStartData is sent once per session when the landing page is reached.
type FunnelStartData struct {
	AdID       *string `json:"ad_id"`
	AdsetID    *string `json:"adset_id"`
	CampaignID *string `json:"campaign_id"`
}

func (FunnelStartData) EventName() EventName { return EventFunnelStart }

func (FunnelStartData) validate() error { return nil }

// QuizStepData describes one answered question.
// Step is the traversal ordinal, not the question's catalog id.
type QuizStepData struct {
	Step     int    `json:"quiz_step"`
	Question string `json:"quiz_question"`
	Answer   string `json:"quiz_answer"`
}

func (QuizStepData) EventName() EventName { return EventQuizStep }

func (d QuizStepData) validate() error {
	if d.Step < 1 {
		return invalid("customData.quiz_step", "must be >= 1")
	}
	if d.Question == "" {
		return invalid("customData.quiz_question", "is required")
	}
	if d.Answer == "" {
		return invalid("customData.quiz_answer", "is required")
	}
	return nil
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// CheckoutData carries the monetary value of the offer.
// The same shape is used for add-to-cart and initiate-checkout, tagged by Event.
type CheckoutData struct {
	Event    EventName
	Value    decimal.Decimal
	Currency string
}

// AddToCart builds the add-to-cart payload.
func AddToCart(value decimal.Decimal, currency string) CheckoutData {
	return CheckoutData{Event: EventAddToCart, Value: value, Currency: currency}
}

// InitiateCheckout builds the initiate-checkout payload.
func InitiateCheckout(value decimal.Decimal, currency string) CheckoutData {
	return CheckoutData{Event: EventInitiateCheckout, Value: value, Currency: currency}
}

func (d CheckoutData) EventName() EventName { return d.Event }

func (d CheckoutData) validate() error {
	if d.Event != EventAddToCart && d.Event != EventInitiateCheckout {
		return invalid("customData", fmt.Sprintf("checkout data cannot tag %s", d.Event))
	}
	if d.Value.IsNegative() {
		return invalid("customData.value", "must be >= 0")
	}
	if !currencyPattern.MatchString(d.Currency) {
		return invalid("customData.currency", "must be a 3-letter ISO 4217 code")
	}
	return nil
}

type checkoutWire struct {
	Value    json.Number `json:"value"`
	Currency string      `json:"currency"`
}

// MarshalJSON writes value as a JSON number, which is what the webhook and pixel expect.
func (d CheckoutData) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkoutWire{
		Value:    json.Number(d.Value.String()),
		Currency: d.Currency,
	})
}

func decodeCustomData(name EventName, raw json.RawMessage) (CustomData, error) {
	switch name {
	case EventFunnelStart:
		var d FunnelStartData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case EventQuizStep:
		var d QuizStepData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case EventAddToCart, EventInitiateCheckout:
		var w checkoutWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(w.Value.String())
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", w.Value, err)
		}
		return CheckoutData{Event: name, Value: value, Currency: w.Currency}, nil
	case EventPageView:
		// PageView carries no custom data; tolerate an empty object from older producers.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}
