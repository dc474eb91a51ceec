package tracking

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/attribution"
	httperr "github.com/aevon-lab/funnel-tracker/internal/core/errors"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"github.com/aevon-lab/funnel-tracker/internal/dispatch"
	"github.com/aevon-lab/funnel-tracker/internal/lifecycle"
	"github.com/aevon-lab/funnel-tracker/internal/quiz"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgBodyTooLarge   = "Request body exceeds maximum allowed size"
	msgInvalidAnswer  = "Invalid quiz answer"
	msgListFailed     = "Failed to list tracked events"

	statusTracked = "tracked"
	statusSkipped = "skipped"

	defaultListLimit = 100
)

// apiError carries the structured HTTP error shape from a helper back to the handler.
type apiError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *apiError) Error() string {
	return e.message
}

// pageContext is the part of every hook request that describes the page and browser.
// CookiesEnabled is false when the page detected that the browser refuses cookies.
type pageContext struct {
	URL            string `json:"url"`
	PixelLoaded    bool   `json:"pixel_loaded"`
	CookiesEnabled *bool  `json:"cookies_enabled"`
}

type navigationRequest struct {
	pageContext
}

type quizAnswerRequest struct {
	pageContext
	QuestionID int      `json:"question_id"`
	Answer     []string `json:"answer"`
}

type checkoutRequest struct {
	pageContext
}

// trackingResponse is returned by every hook. Pixel holds the fbq calls the page must run.
type trackingResponse struct {
	Status      string                  `json:"status"`
	Reason      string                  `json:"reason,omitempty"`
	ExternalID  string                  `json:"external_id,omitempty"`
	Events      []lifecycle.Emitted     `json:"events"`
	Pixel       []dispatch.PixelCommand `json:"pixel"`
	RedirectURL string                  `json:"redirect_url,omitempty"`
}

func newTrackingResponse(out lifecycle.Outcome, pixel *dispatch.PixelBuffer) trackingResponse {
	resp := trackingResponse{
		Status:      statusTracked,
		ExternalID:  out.ExternalID,
		Events:      out.Events,
		Pixel:       pixel.Commands(),
		RedirectURL: out.RedirectURL,
	}
	if resp.Events == nil {
		resp.Events = []lifecycle.Emitted{}
	}
	if out.Skipped != "" {
		resp.Status = statusSkipped
		resp.Reason = out.Skipped
	}
	return resp
}

// NavigateHandler handles POST /v1/navigations, called on every route change.
func (s *Service) NavigateHandler(c *gin.Context) {
	var req navigationRequest
	if err := s.bindBody(c, &req, true); err != nil {
		writeError(c, err)
		return
	}

	visit := s.visit(c, req.pageContext)
	out := s.trigger.OnNavigate(c.Request.Context(), visit, s.pageURL(c, req.URL))
	c.JSON(http.StatusOK, newTrackingResponse(out, visit.Pixel))
}

// QuizAnswerHandler handles POST /v1/quiz/answers.
func (s *Service) QuizAnswerHandler(c *gin.Context) {
	var req quizAnswerRequest
	if err := s.bindBody(c, &req, true); err != nil {
		writeError(c, err)
		return
	}

	visit := s.visit(c, req.pageContext)
	out, err := s.trigger.OnQuizStep(c.Request.Context(), visit, lifecycle.QuizAnswer{
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
		PageURL:    s.pageURL(c, req.URL),
	})
	if errors.Is(err, quiz.ErrInvalidAnswer) || errors.Is(err, quiz.ErrUnknownQuestion) {
		slog.Warn("Quiz answer rejected", "question_id", req.QuestionID, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidAnswerError,
			message:    msgInvalidAnswer,
			details:    err.Error(),
		})
		return
	}
	if err != nil {
		slog.Error("Quiz step failed", "question_id", req.QuestionID, "error", err)
		out.Skipped = "internal_error"
	}

	c.JSON(http.StatusOK, newTrackingResponse(out, visit.Pixel))
}

// QuizProgressHandler handles GET /v1/quiz/progress.
func (s *Service) QuizProgressHandler(c *gin.Context) {
	visit := s.visit(c, pageContext{})
	c.JSON(http.StatusOK, s.trigger.QuizProgress(c.Request.Context(), visit))
}

// CheckoutHandler handles POST /v1/checkout. The response carries the external checkout
// URL; the page navigates there without waiting for delivery.
func (s *Service) CheckoutHandler(c *gin.Context) {
	var req checkoutRequest
	if err := s.bindBody(c, &req, false); err != nil {
		writeError(c, err)
		return
	}

	visit := s.visit(c, req.pageContext)
	out := s.trigger.OnCheckout(c.Request.Context(), visit, s.pageURL(c, req.URL))
	c.JSON(http.StatusOK, newTrackingResponse(out, visit.Pixel))
}

// CheckoutRedirectHandler handles GET /checkout and answers 302 to the checkout URL.
// The page is leaving, so no pixel command can run.
func (s *Service) CheckoutRedirectHandler(c *gin.Context) {
	visit := s.visit(c, pageContext{})
	out := s.trigger.OnCheckout(c.Request.Context(), visit, c.Request.Referer())
	c.Redirect(http.StatusFound, out.RedirectURL)
}

// ListEventsHandler handles GET /v1/visitors/:external_id/events
// Query parameters: start, end (RFC3339), limit
func (s *Service) ListEventsHandler(c *gin.Context) {
	var uri struct {
		ExternalID string `uri:"external_id" binding:"required"`
	}
	var query struct {
		Start time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		End   time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		Limit int       `form:"limit"`
	}

	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidQueryError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidQueryError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}
	if !query.End.After(query.Start) {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidQueryError,
			Message:   "Invalid query parameters",
			Details:   "end must be after start",
		})
		return
	}
	if query.Limit <= 0 {
		query.Limit = defaultListLimit
	}

	entries, err := s.journal.ListByVisitor(c.Request.Context(), uri.ExternalID, query.Start, query.End, query.Limit)
	if err != nil {
		slog.Error("Failed to list tracked events", "external_id", uri.ExternalID, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   msgListFailed,
		})
		return
	}

	out := make([]journalEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newJournalEntryResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{
		"external_id": uri.ExternalID,
		"entries":     out,
	})
}

// bindBody reads the capped request body and decodes it into dst.
// An empty body is accepted only when required is false.
func (s *Service) bindBody(c *gin.Context, dst any, required bool) *apiError {
	maxBytes := int64(s.maxBodySizeBytes)
	bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return &apiError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpBodyTooLargeError,
			message:    msgBodyTooLarge,
			details: map[string]interface{}{
				"max_size_kb": maxBytes / 1024,
			},
		}
	}

	if len(bytes.TrimSpace(bodyBytes)) == 0 && !required {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dst); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
			details:    err.Error(),
		}
	}
	return nil
}

// visit builds the lifecycle view of this request.
func (s *Service) visit(c *gin.Context, page pageContext) lifecycle.Visit {
	var jar attribution.Jar = newGinJar(c, s.cookies)
	if page.CookiesEnabled != nil && !*page.CookiesEnabled {
		jar = attribution.DisabledJar{}
	}
	return lifecycle.Visit{
		Jar:       jar,
		Pixel:     dispatch.NewPixelBuffer(page.PixelLoaded),
		RemoteIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Origin:    origin(c.Request),
	}
}

// origin is the scheme and host the page was served from.
func origin(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// pageURL prefers the URL reported by the page and falls back to the Referer.
func (s *Service) pageURL(c *gin.Context, reported string) string {
	if reported != "" {
		return reported
	}
	return c.Request.Referer()
}

type journalEntryResponse struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	EventName  v1.EventName    `json:"event_name"`
	Sink       string          `json:"sink"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      v1.TrackedEvent `json:"event"`
}

func newJournalEntryResponse(e *storage.JournalEntry) journalEntryResponse {
	return journalEntryResponse{
		Seq:        e.Seq,
		EventID:    e.Event.EventID,
		EventName:  e.Event.EventName,
		Sink:       e.Sink,
		Success:    e.Success,
		Error:      e.Error,
		RecordedAt: e.RecordedAt,
		Event:      e.Event,
	}
}

// writeError serializes an apiError as the JSON HTTP response.
func writeError(c *gin.Context, err *apiError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
