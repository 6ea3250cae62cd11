// Package display shows notifications and records window focus requests.
package display

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/notify"
)

// MaxVisible bounds the notifications a Registry keeps; the oldest are dropped first.
const MaxVisible = 50

// Registry keeps the visible notifications. Displayers embed it.
type Registry struct {
	mu      sync.Mutex
	visible map[string]notify.Notification
}

func (r *Registry) add(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visible == nil {
		r.visible = make(map[string]notify.Notification)
	}
	r.visible[n.Tag] = n
	for len(r.visible) > MaxVisible {
		oldest := ""
		for tag, v := range r.visible {
			if oldest == "" || v.CreatedAt.Before(r.visible[oldest].CreatedAt) {
				oldest = tag
			}
		}
		delete(r.visible, oldest)
	}
}

// Dismiss removes a notification; unknown tags are ignored.
func (r *Registry) Dismiss(_ context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.visible, tag)
	return nil
}

// Visible returns the notifications not dismissed yet, oldest first.
func (r *Registry) Visible() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notification, 0, len(r.visible))
	for _, n := range r.visible {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LogDisplayer writes notifications to the logger.
type LogDisplayer struct {
	Registry
	log core.Logger
}

var _ notify.Displayer = (*LogDisplayer)(nil)

func NewLogDisplayer(log core.Logger) *LogDisplayer {
	return &LogDisplayer{log: log}
}

func (d *LogDisplayer) Show(_ context.Context, n notify.Notification) error {
	d.add(n)
	d.log.Info("notification: "+n.Title, map[string]interface{}{"tag": n.Tag, "body": n.Body, "icon": n.Icon})
	return nil
}

// EmailDisplayer mails notifications to a recipient.
type EmailDisplayer struct {
	Registry
	mail core.EmailService
	to   mail.Address
}

var _ notify.Displayer = (*EmailDisplayer)(nil)

func NewEmailDisplayer(svc core.EmailService, to mail.Address) *EmailDisplayer {
	return &EmailDisplayer{mail: svc, to: to}
}

func (d *EmailDisplayer) Show(_ context.Context, n notify.Notification) error {
	d.add(n)

	text := new(strings.Builder)
	_, _ = fmt.Fprintf(text, "%s\n\n", n.Body)
	for _, a := range n.Actions {
		_, _ = fmt.Fprintf(text, "- %s (%s)\n", a.Title, a.Action)
	}
	_, _ = fmt.Fprintf(text, "\nReceived %s\n", humanize.Time(n.CreatedAt))

	d.mail.SendMessages(&core.EmailMessage{
		To:          []mail.Address{d.to},
		Subject:     n.Title,
		TextContent: text.String(),
	})
	return nil
}

// Focus is a window open/focus request.
type Focus struct {
	URL string    `json:"url"`
	At  time.Time `json:"at"`
}

// WindowRegistry records the window focus requests made by notification clicks.
type WindowRegistry struct {
	mu    sync.Mutex
	last  *Focus
	count int
	log   core.Logger
}

var _ notify.Windows = (*WindowRegistry)(nil)

func NewWindowRegistry(log core.Logger) *WindowRegistry {
	return &WindowRegistry{log: log}
}

func (w *WindowRegistry) OpenWindow(_ context.Context, url string) error {
	w.mu.Lock()
	w.last = &Focus{URL: url, At: time.Now().UTC()}
	w.count++
	w.mu.Unlock()
	w.log.Info("window focus requested", map[string]interface{}{"url": url})
	return nil
}

// Last returns the last focus request and the total number of requests.
func (w *WindowRegistry) Last() (*Focus, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return nil, w.count
	}
	f := *w.last
	return &f, w.count
}
