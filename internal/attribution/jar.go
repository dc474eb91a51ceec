package attribution

import (
	"errors"
	"sync"
	"time"
)

// ErrStorageUnavailable is returned by a Jar that cannot persist cookies,
// e.g. when the browser reports cookies as disabled.
var ErrStorageUnavailable = errors.New("cookie storage unavailable")

// Jar is the browser cookie storage for one request. Writes must be visible to
// later reads on the same Jar so repeated lookups within one request agree.
type Jar interface {
	Get(name string) (string, bool)
	// Set writes a cookie. maxAge of zero writes a browser-session cookie.
	Set(name, value string, maxAge time.Duration) error
}

// MemoryJar is a Jar over a plain map, used by tests and background composition.
type MemoryJar struct {
	mu      sync.Mutex
	cookies map[string]string
	ages    map[string]time.Duration
}

// NewMemoryJar returns a jar pre-filled with cookies.
func NewMemoryJar(cookies map[string]string) *MemoryJar {
	j := &MemoryJar{
		cookies: make(map[string]string, len(cookies)),
		ages:    make(map[string]time.Duration),
	}
	for k, v := range cookies {
		j.cookies[k] = v
	}
	return j
}

func (j *MemoryJar) Get(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.cookies[name]
	return v, ok && v != ""
}

func (j *MemoryJar) Set(name, value string, maxAge time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies[name] = value
	j.ages[name] = maxAge
	return nil
}

// MaxAge reports the lifetime the cookie was last written with.
func (j *MemoryJar) MaxAge(name string) (time.Duration, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	age, ok := j.ages[name]
	return age, ok
}

// DisabledJar refuses every write and holds nothing.
type DisabledJar struct{}

func (DisabledJar) Get(string) (string, bool) { return "", false }

func (DisabledJar) Set(string, string, time.Duration) error { return ErrStorageUnavailable }
