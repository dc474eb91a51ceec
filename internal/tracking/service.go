// Package tracking exposes the page lifecycle hooks to the funnel pages over HTTP.
package tracking

import (
	"github.com/aevon-lab/funnel-tracker/internal/core/storage"
	"github.com/aevon-lab/funnel-tracker/internal/lifecycle"
	"github.com/gin-gonic/gin"
)

type Service struct {
	trigger          *lifecycle.Trigger
	journal          storage.EventJournal
	cookies          CookiePolicy
	maxBodySizeBytes int
}

func NewService(trigger *lifecycle.Trigger, journal storage.EventJournal, cookies CookiePolicy, maxBodySizeKB int) *Service {
	if trigger == nil {
		panic("tracking: trigger must not be nil")
	}
	if journal == nil {
		panic("tracking: journal must not be nil")
	}
	if maxBodySizeKB <= 0 {
		maxBodySizeKB = 64
	}
	return &Service{
		trigger:          trigger,
		journal:          journal,
		cookies:          cookies,
		maxBodySizeBytes: maxBodySizeKB * 1024,
	}
}

// RegisterRoutes registers the tracking service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/navigations", s.NavigateHandler)
	r.POST("/v1/quiz/answers", s.QuizAnswerHandler)
	r.GET("/v1/quiz/progress", s.QuizProgressHandler)
	r.POST("/v1/checkout", s.CheckoutHandler)
	r.GET("/v1/visitors/:external_id/events", s.ListEventsHandler)

	// Plain link target for pages that cannot run script before leaving.
	r.GET("/checkout", s.CheckoutRedirectHandler)
}
