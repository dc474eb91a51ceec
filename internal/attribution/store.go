// Package attribution owns the visitor identity, captured campaign parameters and
// the advertising pixel identifiers that are attached to every tracked event.
package attribution

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"time"

	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"github.com/google/uuid"
)

// Cookie names shared with the funnel pages and the advertising pixel.
const (
	VisitorCookie   = "my_session_id"
	SessionCookie   = "funnel_sid"
	BrowserIDCookie = "_fbp"
	ClickIDCookie   = "_fbc"
)

// Keys in the attribution store.
const (
	KeyAdID        = "ad_id"
	KeyAdsetID     = "adset_id"
	KeyCampaignID  = "campaign_id"
	KeyClickID     = "fbclid"
	KeyQuizAnswers = "quiz_answers"
)

// Keys in the session store.
const (
	KeyClientIP      = "client_ip_address"
	KeyUserAgent     = "client_user_agent"
	KeyQuizStepCount = "quiz_step_count"
)

// campaignParams maps URL query parameters to attribution keys.
var campaignParams = map[string]string{
	"utm_source":   KeyAdID,
	"utm_medium":   KeyAdsetID,
	"utm_campaign": KeyCampaignID,
	"fbclid":       KeyClickID,
}

// PixelIDs are the advertising pixel's browser (fbp) and click (fbc) identifiers.
// Either may be empty.
type PixelIDs struct {
	FBC string
	FBP string
}

// Snapshot is everything known about a visitor at composition time.
type Snapshot struct {
	ExternalID string
	FBC        string
	FBP        string
	ClientIP   string
	UserAgent  string
	AdID       string
	AdsetID    string
	CampaignID string
}

// Store reads and writes the three visitor stores through an AttributionRepository.
type Store struct {
	repo       storage.AttributionRepository
	retention  time.Duration
	sessionTTL time.Duration
	now        func() time.Time
	digits     func() (string, error)
}

// NewStore builds a Store. retention bounds the visitor cookie and the durable stores,
// sessionTTL bounds session facts.
func NewStore(repo storage.AttributionRepository, retention, sessionTTL time.Duration) *Store {
	if repo == nil {
		panic("attribution: repository must not be nil")
	}
	return &Store{
		repo:       repo,
		retention:  retention,
		sessionTTL: sessionTTL,
		now:        time.Now,
		digits:     randomDigits,
	}
}

// Repository returns the backing repository.
func (s *Store) Repository() storage.AttributionRepository {
	return s.repo
}

// Retention is the lifetime of the visitor cookie and durable entries.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// EnsureVisitorID returns the visitor id from the cookie, creating it when absent.
// Calls on the same jar after the first observe the id written by the first.
func (s *Store) EnsureVisitorID(ctx context.Context, jar Jar) (string, error) {
	return ensureCookieID(jar, VisitorCookie, s.retention)
}

// EnsureSessionID returns the browser-session id, creating a session cookie when absent.
func (s *Store) EnsureSessionID(ctx context.Context, jar Jar) (string, error) {
	return ensureCookieID(jar, SessionCookie, 0)
}

func ensureCookieID(jar Jar, name string, maxAge time.Duration) (string, error) {
	if jar == nil {
		return "", ErrStorageUnavailable
	}
	if id, ok := jar.Get(name); ok {
		return id, nil
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", name, err)
	}
	if err := jar.Set(name, id.String(), maxAge); err != nil {
		return "", fmt.Errorf("failed to persist %s: %w", name, err)
	}
	return id.String(), nil
}

// CaptureAttributionFromURL merges campaign parameters present in query into the
// visitor's attribution. Absent or empty parameters leave stored values untouched.
func (s *Store) CaptureAttributionFromURL(ctx context.Context, visitorID string, query url.Values) error {
	values := make(map[string]string, len(campaignParams))
	for param, key := range campaignParams {
		if v := query.Get(param); v != "" {
			values[key] = v
		}
	}
	if len(values) == 0 {
		return nil
	}

	if err := s.repo.Merge(ctx, storage.StoreAttribution, visitorID, values, s.retention); err != nil {
		return fmt.Errorf("failed to capture attribution: %w", err)
	}
	return nil
}

// ResolvePixelIdentifiers returns fbp and fbc for the visitor.
//
// Resolution order is cookie, then the server mirror, then synthesis. A value already
// present as a cookie is never replaced. fbc is synthesized only from a non-empty clickID.
func (s *Store) ResolvePixelIdentifiers(ctx context.Context, jar Jar, visitorID, clickID string) (PixelIDs, error) {
	var ids PixelIDs

	fbp, err := s.resolveBrowserID(ctx, jar, visitorID)
	if err != nil {
		return ids, err
	}
	ids.FBP = fbp

	fbc, err := s.resolveClickID(ctx, jar, visitorID, clickID)
	if err != nil {
		return ids, err
	}
	ids.FBC = fbc

	return ids, nil
}

func (s *Store) resolveBrowserID(ctx context.Context, jar Jar, visitorID string) (string, error) {
	if v, ok := jar.Get(BrowserIDCookie); ok {
		return v, s.mirror(ctx, visitorID, BrowserIDCookie, v)
	}

	mirrored, err := s.repo.Get(ctx, storage.StoreIdentity, visitorID, BrowserIDCookie)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to read %s mirror: %w", BrowserIDCookie, err)
	}
	if mirrored != "" {
		return mirrored, jar.Set(BrowserIDCookie, mirrored, s.retention)
	}

	token, err := s.digits()
	if err != nil {
		return "", fmt.Errorf("failed to generate %s token: %w", BrowserIDCookie, err)
	}

	// Another request for the same visitor may have synthesized first; keep its value.
	fbp, _, err := s.repo.SetIfAbsent(ctx, storage.StoreIdentity, visitorID, BrowserIDCookie, pixelToken(s.now(), token), s.retention)
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", BrowserIDCookie, err)
	}
	return fbp, jar.Set(BrowserIDCookie, fbp, s.retention)
}

func (s *Store) resolveClickID(ctx context.Context, jar Jar, visitorID, clickID string) (string, error) {
	if v, ok := jar.Get(ClickIDCookie); ok {
		return v, s.mirror(ctx, visitorID, ClickIDCookie, v)
	}

	if clickID != "" {
		fbc := pixelToken(s.now(), clickID)
		if err := s.repo.Set(ctx, storage.StoreIdentity, visitorID, ClickIDCookie, fbc, s.retention); err != nil {
			return "", fmt.Errorf("failed to store %s: %w", ClickIDCookie, err)
		}
		return fbc, jar.Set(ClickIDCookie, fbc, s.retention)
	}

	mirrored, err := s.repo.Get(ctx, storage.StoreIdentity, visitorID, ClickIDCookie)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to read %s mirror: %w", ClickIDCookie, err)
	}
	return mirrored, nil
}

// ObservePixelCookies copies the pixel's own cookies into the server mirror.
// The pixel's value replaces any mirrored or synthesized one.
func (s *Store) ObservePixelCookies(ctx context.Context, jar Jar, visitorID string) error {
	for _, name := range []string{BrowserIDCookie, ClickIDCookie} {
		if v, ok := jar.Get(name); ok {
			if err := s.mirror(ctx, visitorID, name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) mirror(ctx context.Context, visitorID, name, value string) error {
	if err := s.repo.Set(ctx, storage.StoreIdentity, visitorID, name, value, s.retention); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", name, err)
	}
	return nil
}

// RememberClient caches the resolved client address and user agent for the session.
// Empty values are not written.
func (s *Store) RememberClient(ctx context.Context, sessionID, ip, userAgent string) error {
	err := s.repo.Merge(ctx, storage.StoreSession, sessionID, map[string]string{
		KeyClientIP:  ip,
		KeyUserAgent: userAgent,
	}, s.sessionTTL)
	if err != nil {
		return fmt.Errorf("failed to remember client: %w", err)
	}
	return nil
}

// Snapshot reads identity, attribution and session facts as they are right now.
func (s *Store) Snapshot(ctx context.Context, visitorID, sessionID string) (Snapshot, error) {
	snap := Snapshot{ExternalID: visitorID}

	identity, err := s.repo.GetAll(ctx, storage.StoreIdentity, visitorID)
	if err != nil {
		return snap, fmt.Errorf("failed to read identity: %w", err)
	}
	attrs, err := s.repo.GetAll(ctx, storage.StoreAttribution, visitorID)
	if err != nil {
		return snap, fmt.Errorf("failed to read attribution: %w", err)
	}

	var session map[string]string
	if sessionID != "" {
		session, err = s.repo.GetAll(ctx, storage.StoreSession, sessionID)
		if err != nil {
			return snap, fmt.Errorf("failed to read session: %w", err)
		}
	}

	snap.FBP = identity[BrowserIDCookie]
	snap.FBC = identity[ClickIDCookie]
	snap.AdID = attrs[KeyAdID]
	snap.AdsetID = attrs[KeyAdsetID]
	snap.CampaignID = attrs[KeyCampaignID]
	snap.ClientIP = session[KeyClientIP]
	snap.UserAgent = session[KeyUserAgent]
	return snap, nil
}

// AdvanceQuizStep increments and returns the session's count of answered steps.
func (s *Store) AdvanceQuizStep(ctx context.Context, sessionID string) (int, error) {
	current, err := s.repo.Get(ctx, storage.StoreSession, sessionID, KeyQuizStepCount)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("failed to read quiz step count: %w", err)
	}

	n := 0
	if current != "" {
		if n, err = strconv.Atoi(current); err != nil {
			n = 0
		}
	}
	n++

	if err := s.repo.Set(ctx, storage.StoreSession, sessionID, KeyQuizStepCount, strconv.Itoa(n), s.sessionTTL); err != nil {
		return 0, fmt.Errorf("failed to store quiz step count: %w", err)
	}
	return n, nil
}

// SaveQuizAnswer records the answer to questionID so a reload does not lose progress.
func (s *Store) SaveQuizAnswer(ctx context.Context, visitorID string, questionID int, answer []string) error {
	answers, err := s.QuizAnswers(ctx, visitorID)
	if err != nil {
		return err
	}
	answers[questionID] = answer

	raw, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to encode quiz answers: %w", err)
	}
	if err := s.repo.Set(ctx, storage.StoreAttribution, visitorID, KeyQuizAnswers, string(raw), s.retention); err != nil {
		return fmt.Errorf("failed to store quiz answers: %w", err)
	}
	return nil
}

// QuizAnswers returns persisted answers keyed by question id. Never nil.
func (s *Store) QuizAnswers(ctx context.Context, visitorID string) (map[int][]string, error) {
	answers := make(map[int][]string)

	raw, err := s.repo.Get(ctx, storage.StoreAttribution, visitorID, KeyQuizAnswers)
	if errors.Is(err, storage.ErrNotFound) {
		return answers, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quiz answers: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		// A corrupt blob restarts the quiz rather than failing the request.
		return make(map[int][]string), nil
	}
	return answers, nil
}

// pixelToken formats an identifier the way the pixel does: fb.1.<unix millis>.<token>.
func pixelToken(now time.Time, token string) string {
	return fmt.Sprintf("fb.1.%d.%s", now.UnixMilli(), token)
}

var tenDigits = big.NewInt(10_000_000_000)

func randomDigits() (string, error) {
	n, err := rand.Int(rand.Reader, tenDigits)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%010d", n.Int64()), nil
}
