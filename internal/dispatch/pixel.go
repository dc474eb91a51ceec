package dispatch

import (
	"sync"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
)

// PixelOptions is the fourth argument of the pixel call.
type PixelOptions struct {
	EventID string `json:"event_id"`
}

// PixelCommand is one fbq(method, event, params, options) call for the page to run.
type PixelCommand struct {
	Method  string       `json:"method"`
	Event   string       `json:"event"`
	Params  any          `json:"params"`
	Options PixelOptions `json:"options"`
}

// PixelBuffer collects the pixel commands produced while handling one request.
// When the page reports the pixel script as not loaded, Track is a no-op.
type PixelBuffer struct {
	mu     sync.Mutex
	loaded bool
	cmds   []PixelCommand
}

func NewPixelBuffer(loaded bool) *PixelBuffer {
	return &PixelBuffer{loaded: loaded}
}

// Track is sendToPixel. eventID must be the id used for the webhook payload of the
// same occurrence. Reports whether a command was queued.
func (p *PixelBuffer) Track(name v1.EventName, data v1.CustomData, eventID string) bool {
	if p == nil || !p.loaded {
		return false
	}

	var params any = struct{}{}
	if data != nil {
		params = data
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmds = append(p.cmds, PixelCommand{
		Method:  name.PixelMethod(),
		Event:   string(name),
		Params:  params,
		Options: PixelOptions{EventID: eventID},
	})
	return true
}

// Commands returns the queued commands in call order. Never nil.
func (p *PixelBuffer) Commands() []PixelCommand {
	if p == nil {
		return []PixelCommand{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PixelCommand, len(p.cmds))
	copy(out, p.cmds)
	return out
}
