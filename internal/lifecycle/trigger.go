// Package lifecycle decides which events fire on each funnel page and wires the
// attribution store, composer and dispatcher together for them.
//
// Nothing here fails a page: tracking problems produce a skipped Outcome and a log line.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/attribution"
	"github.com/aevon-lab/funnel-tracker/internal/composer"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"github.com/aevon-lab/funnel-tracker/internal/dispatch"
	"github.com/aevon-lab/funnel-tracker/internal/quiz"
	"github.com/shopspring/decimal"
)

// Dispatcher is the subset of dispatch.Dispatcher the trigger needs.
type Dispatcher interface {
	Dispatch(evt *v1.TrackedEvent) bool
	DispatchAfter(delay time.Duration, build dispatch.BuildFunc)
}

// IPResolver turns the request address into the address reported on events.
type IPResolver interface {
	Resolve(ctx context.Context, requestIP string) string
}

// Config holds the routes and offer details the trigger reacts to.
type Config struct {
	LandingPath      string
	QuizPath         string
	OfferPath        string
	PixelSettleDelay time.Duration
	CheckoutURL      string
	OfferValue       decimal.Decimal
	Currency         string
}

// Visit is what one page request contributes: its cookies, the pixel channel and
// client facts. Origin ("https://host") resolves page paths into absolute URLs.
type Visit struct {
	Jar       attribution.Jar
	Pixel     *dispatch.PixelBuffer
	RemoteIP  string
	UserAgent string
	Origin    string
}

// absolute resolves ref against the visit origin. ref is returned unchanged when it is
// already absolute or there is no usable origin.
func (v Visit) absolute(ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() || v.Origin == "" {
		return ref
	}
	base, err := url.Parse(v.Origin)
	if err != nil || !base.IsAbs() {
		return ref
	}
	return base.ResolveReference(r).String()
}

// Emitted describes one event produced while handling a visit.
type Emitted struct {
	Name     v1.EventName `json:"event_name"`
	EventID  string       `json:"event_id"`
	Queued   bool         `json:"queued"`
	Deferred bool         `json:"deferred,omitempty"`
}

// Outcome is the result of a lifecycle hook. Skipped is set when tracking was
// abandoned; the page proceeds either way.
type Outcome struct {
	ExternalID  string    `json:"external_id,omitempty"`
	Events      []Emitted `json:"events"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	Skipped     string    `json:"skipped,omitempty"`
}

func (o *Outcome) skip(reason string, err error) {
	o.Skipped = reason
	slog.Warn("[Lifecycle] Tracking skipped", "reason", reason, "error", err)
}

// Trigger runs the per-page event rules.
type Trigger struct {
	cfg        Config
	store      *attribution.Store
	guard      *OnceGuard
	catalog    *quiz.Catalog
	dispatcher Dispatcher
	ips        IPResolver
}

func NewTrigger(cfg Config, store *attribution.Store, guard *OnceGuard, catalog *quiz.Catalog, d Dispatcher, ips IPResolver) *Trigger {
	if store == nil || guard == nil || catalog == nil || d == nil {
		panic("lifecycle: store, guard, catalog and dispatcher are required")
	}
	if cfg.LandingPath == "" {
		cfg.LandingPath = "/"
	}
	return &Trigger{
		cfg:        cfg,
		store:      store,
		guard:      guard,
		catalog:    catalog,
		dispatcher: d,
		ips:        ips,
	}
}

// identity is the resolved visitor and session for one visit.
type identity struct {
	visitorID string
	sessionID string
}

// ensureIdentity establishes visitor and session ids and refreshes cookie mirrors and
// client facts. Only a missing visitor id is fatal for tracking.
func (t *Trigger) ensureIdentity(ctx context.Context, visit Visit) (identity, error) {
	visitorID, err := t.store.EnsureVisitorID(ctx, visit.Jar)
	if err != nil {
		return identity{}, fmt.Errorf("%w: %w", composer.ErrIdentityUnavailable, err)
	}

	sessionID, err := t.store.EnsureSessionID(ctx, visit.Jar)
	if err != nil {
		// Session facts and guards need a session; fall back to a per-visitor scope.
		slog.Warn("[Lifecycle] Session cookie unavailable", "external_id", visitorID, "error", err)
		sessionID = visitorID
	}

	if err := t.store.ObservePixelCookies(ctx, visit.Jar, visitorID); err != nil {
		slog.Warn("[Lifecycle] Failed to mirror pixel cookies", "external_id", visitorID, "error", err)
	}
	t.rememberClient(ctx, visit, sessionID)

	return identity{visitorID: visitorID, sessionID: sessionID}, nil
}

// rememberClient resolves the client address once per session.
func (t *Trigger) rememberClient(ctx context.Context, visit Visit, sessionID string) {
	ip := ""
	cached, err := t.store.Repository().Get(ctx, storage.StoreSession, sessionID, attribution.KeyClientIP)
	switch {
	case err == nil:
		ip = cached
	case errors.Is(err, storage.ErrNotFound):
		ip = visit.RemoteIP
		if t.ips != nil {
			ip = t.ips.Resolve(ctx, visit.RemoteIP)
		}
	default:
		slog.Warn("[Lifecycle] Failed to read cached client address", "error", err)
	}

	if err := t.store.RememberClient(ctx, sessionID, ip, visit.UserAgent); err != nil {
		slog.Warn("[Lifecycle] Failed to remember client", "error", err)
	}
}

// emitNow composes an event from the current snapshot, hands it to the pixel and the
// dispatcher, and records it in out.
func (t *Trigger) emitNow(ctx context.Context, out *Outcome, visit Visit, id identity, name v1.EventName, data v1.CustomData, sourceURL string) {
	evt := t.compose(ctx, out, id, name, data, sourceURL)
	if evt == nil {
		return
	}
	t.publish(out, visit, evt)
}

// compose returns nil and marks out skipped when the event cannot be built.
func (t *Trigger) compose(ctx context.Context, out *Outcome, id identity, name v1.EventName, data v1.CustomData, sourceURL string) *v1.TrackedEvent {
	snap, err := t.store.Snapshot(ctx, id.visitorID, id.sessionID)
	if err != nil {
		slog.Warn("[Lifecycle] Failed to read snapshot", "event_name", name, "error", err)
		// Compose with what we know; identity is still present.
		snap = attribution.Snapshot{ExternalID: id.visitorID}
	}

	evt, err := composer.Compose(name, data, snap, sourceURL)
	if err != nil {
		out.skip("compose_failed", err)
		return nil
	}
	return evt
}

func (t *Trigger) publish(out *Outcome, visit Visit, evt *v1.TrackedEvent) {
	visit.Pixel.Track(evt.EventName, evt.CustomData, evt.EventID)
	queued := t.dispatcher.Dispatch(evt)
	out.Events = append(out.Events, Emitted{Name: evt.EventName, EventID: evt.EventID, Queued: queued})
}

// OnNavigate handles a route change: attribution capture, identity, the page-view
// and the page-specific one-shot events.
func (t *Trigger) OnNavigate(ctx context.Context, visit Visit, pageURL string) Outcome {
	out := Outcome{Events: []Emitted{}}

	u, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		out.skip("invalid_url", err)
		return out
	}

	id, err := t.ensureIdentity(ctx, visit)
	if err != nil {
		out.skip("identity_unavailable", err)
		return out
	}
	out.ExternalID = id.visitorID

	query := u.Query()
	if err := t.store.CaptureAttributionFromURL(ctx, id.visitorID, query); err != nil {
		slog.Warn("[Lifecycle] Failed to capture attribution", "external_id", id.visitorID, "error", err)
	}
	if _, err := t.store.ResolvePixelIdentifiers(ctx, visit.Jar, id.visitorID, query.Get("fbclid")); err != nil {
		slog.Warn("[Lifecycle] Failed to resolve pixel identifiers", "external_id", id.visitorID, "error", err)
	}

	t.schedulePageView(ctx, &out, visit, id, pageURL)

	switch normalizePath(u.Path) {
	case normalizePath(t.cfg.LandingPath):
		t.fireFunnelStart(ctx, &out, visit, id, pageURL)
	case normalizePath(t.cfg.OfferPath):
		data := v1.AddToCart(t.cfg.OfferValue, t.cfg.Currency)
		t.emitNow(ctx, &out, visit, id, v1.EventAddToCart, data, pageURL)
	}

	return out
}

// schedulePageView emits the pixel command now and composes the webhook payload after
// the pixel has had time to set its cookies. Both carry the same event id.
func (t *Trigger) schedulePageView(ctx context.Context, out *Outcome, visit Visit, id identity, pageURL string) {
	eventID := composer.GenerateEventID(v1.EventPageView, id.visitorID)
	visit.Pixel.Track(v1.EventPageView, nil, eventID)

	t.dispatcher.DispatchAfter(t.cfg.PixelSettleDelay, func(ctx context.Context) (*v1.TrackedEvent, error) {
		snap, err := t.store.Snapshot(ctx, id.visitorID, id.sessionID)
		if err != nil {
			return nil, fmt.Errorf("page view snapshot: %w", err)
		}
		return composer.Compose(v1.EventPageView, nil, snap, pageURL, composer.WithEventID(eventID))
	})

	out.Events = append(out.Events, Emitted{Name: v1.EventPageView, EventID: eventID, Queued: true, Deferred: true})
}

// fireFunnelStart claims the session guard only after the event has composed.
func (t *Trigger) fireFunnelStart(ctx context.Context, out *Outcome, visit Visit, id identity, pageURL string) {
	state, err := t.guard.State(ctx, id.sessionID, v1.EventFunnelStart)
	if err != nil {
		slog.Warn("[Lifecycle] Funnel start guard unavailable", "external_id", id.visitorID, "error", err)
		return
	}
	if state == Sent {
		return
	}

	snap, err := t.store.Snapshot(ctx, id.visitorID, id.sessionID)
	if err != nil {
		slog.Warn("[Lifecycle] Failed to read snapshot", "event_name", v1.EventFunnelStart, "error", err)
	}
	data := v1.FunnelStartData{
		AdID:       optional(snap.AdID),
		AdsetID:    optional(snap.AdsetID),
		CampaignID: optional(snap.CampaignID),
	}
	evt := t.compose(ctx, out, id, v1.EventFunnelStart, data, pageURL)
	if evt == nil {
		return
	}

	claimed, err := t.guard.Claim(ctx, id.sessionID, v1.EventFunnelStart)
	if err != nil {
		slog.Warn("[Lifecycle] Funnel start guard unavailable", "external_id", id.visitorID, "error", err)
		return
	}
	if !claimed {
		return
	}
	t.publish(out, visit, evt)
}

// QuizAnswer is one answered quiz step.
type QuizAnswer struct {
	QuestionID int
	Answer     []string
	PageURL    string
}

// OnQuizStep validates the answer against the catalog, persists it and emits a quiz
// step event whose ordinal is the session's count of traversed steps.
// Only an invalid answer is returned as an error.
func (t *Trigger) OnQuizStep(ctx context.Context, visit Visit, answer QuizAnswer) (Outcome, error) {
	out := Outcome{Events: []Emitted{}}

	question, resp, err := t.catalog.Answer(answer.QuestionID, answer.Answer)
	if err != nil {
		return out, err
	}

	id, err := t.ensureIdentity(ctx, visit)
	if err != nil {
		out.skip("identity_unavailable", err)
		return out, nil
	}
	out.ExternalID = id.visitorID

	if err := t.store.SaveQuizAnswer(ctx, id.visitorID, question.ID, resp.Values); err != nil {
		slog.Warn("[Lifecycle] Failed to persist quiz answer", "external_id", id.visitorID, "question_id", question.ID, "error", err)
	}

	step, err := t.store.AdvanceQuizStep(ctx, id.sessionID)
	if err != nil {
		out.skip("quiz_counter_unavailable", err)
		return out, nil
	}

	data := v1.QuizStepData{Step: step, Question: question.Text, Answer: resp.Text}
	t.emitNow(ctx, &out, visit, id, v1.EventQuizStep, data, answer.PageURL)
	return out, nil
}

// Progress is the persisted quiz state of a visitor.
type Progress struct {
	ExternalID string           `json:"external_id,omitempty"`
	Answers    map[int][]string `json:"answers"`
	Carry      string           `json:"carry"`
}

// QuizProgress returns persisted answers and the carry-through query for the visitor.
// A visitor without identity gets empty progress.
func (t *Trigger) QuizProgress(ctx context.Context, visit Visit) Progress {
	p := Progress{Answers: map[int][]string{}}

	visitorID, err := t.store.EnsureVisitorID(ctx, visit.Jar)
	if err != nil {
		slog.Warn("[Lifecycle] Quiz progress without identity", "error", err)
		return p
	}
	p.ExternalID = visitorID

	answers, err := t.store.QuizAnswers(ctx, visitorID)
	if err != nil {
		slog.Warn("[Lifecycle] Failed to read quiz answers", "external_id", visitorID, "error", err)
		return p
	}
	p.Answers = answers
	p.Carry = t.catalog.Carry(answers).Encode()
	return p
}

// OnCheckout emits InitiateCheckout without waiting for delivery and returns the
// external checkout URL. The redirect URL is returned even when tracking is skipped.
func (t *Trigger) OnCheckout(ctx context.Context, visit Visit, pageURL string) Outcome {
	out := Outcome{Events: []Emitted{}}

	id, err := t.ensureIdentity(ctx, visit)
	if err != nil {
		out.RedirectURL = t.checkoutURL("", attribution.Snapshot{})
		out.skip("identity_unavailable", err)
		return out
	}
	out.ExternalID = id.visitorID

	snap, err := t.store.Snapshot(ctx, id.visitorID, id.sessionID)
	if err != nil {
		slog.Warn("[Lifecycle] Failed to read snapshot for checkout", "external_id", id.visitorID, "error", err)
	}
	out.RedirectURL = t.checkoutURL(id.visitorID, snap)

	if pageURL == "" {
		pageURL = t.cfg.OfferPath
	}
	pageURL = visit.absolute(pageURL)
	data := v1.InitiateCheckout(t.cfg.OfferValue, t.cfg.Currency)
	t.emitNow(ctx, &out, visit, id, v1.EventInitiateCheckout, data, pageURL)
	return out
}

// checkoutURL appends src=<external_id> and the captured campaign parameters.
func (t *Trigger) checkoutURL(visitorID string, snap attribution.Snapshot) string {
	u, err := url.Parse(t.cfg.CheckoutURL)
	if err != nil {
		return t.cfg.CheckoutURL
	}

	q := u.Query()
	if visitorID != "" {
		q.Set("src", visitorID)
	}
	for param, value := range map[string]string{
		"utm_source":   snap.AdID,
		"utm_medium":   snap.AdsetID,
		"utm_campaign": snap.CampaignID,
	} {
		if value != "" {
			q.Set(param, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
