package tracking

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/aevon-lab/funnel-tracker/internal/attribution"
	"github.com/gin-gonic/gin"
)

// CookiePolicy controls the attributes of cookies written by the service.
type CookiePolicy struct {
	// Domain overrides the cookie domain. Empty derives it from the request host.
	Domain string
	Secure bool
}

// domainFor returns the cookie domain for host. Development hosts get host-only cookies
// and a leading "www." is dropped so the funnel and its apex share identity.
func (p CookiePolicy) domainFor(host string) string {
	if p.Domain != "" {
		return p.Domain
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if isDevHost(host) {
		return ""
	}
	return strings.TrimPrefix(host, "www.")
}

func isDevHost(host string) bool {
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	_, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil
}

// ginJar is the request's cookie jar. Writes go out as Set-Cookie headers and are
// visible to later reads within the same request.
type ginJar struct {
	c      *gin.Context
	domain string
	secure bool

	mu      sync.Mutex
	written map[string]string
}

func newGinJar(c *gin.Context, policy CookiePolicy) *ginJar {
	return &ginJar{
		c:       c,
		domain:  policy.domainFor(c.Request.Host),
		secure:  policy.Secure,
		written: make(map[string]string),
	}
}

func (j *ginJar) Get(name string) (string, bool) {
	j.mu.Lock()
	if v, ok := j.written[name]; ok {
		j.mu.Unlock()
		return v, v != ""
	}
	j.mu.Unlock()

	v, err := j.c.Cookie(name)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func (j *ginJar) Set(name, value string, maxAge time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.written[name] = value
	j.c.SetSameSite(http.SameSiteLaxMode)
	// Pixel cookies must stay readable by the page script, so none are HttpOnly.
	j.c.SetCookie(name, value, int(maxAge/time.Second), "/", j.domain, j.secure, false)
	return nil
}

var _ attribution.Jar = (*ginJar)(nil)
