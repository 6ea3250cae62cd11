// Package notify turns inbound push payloads into notifications and routes notification clicks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

// Notification actions.
const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

const (
	defaultBody = "You have a new update"
	rootURL     = "/"
)

type (
	Action struct {
		Action string `json:"action"`
		Title  string `json:"title"`
	}

	Payload struct {
		Title   string                 `json:"title"`
		Body    string                 `json:"body"`
		Icon    string                 `json:"icon"`
		Data    map[string]interface{} `json:"data,omitempty"`
		Actions []Action               `json:"actions"`
	}

	// Notification is a displayed payload.
	Notification struct {
		Tag string `json:"tag"`
		Payload
		CreatedAt time.Time `json:"createdAt"`
	}

	// Displayer shows and dismisses notifications.
	Displayer interface {
		Show(ctx context.Context, n Notification) error
		Dismiss(ctx context.Context, tag string) error
	}

	// Windows opens or focuses an app window.
	Windows interface {
		OpenWindow(ctx context.Context, url string) error
	}

	Options struct {
		AppName     string
		DefaultBody string
		DefaultIcon string
	}

	Dispatcher struct {
		opts    Options
		display Displayer
		windows Windows
		log     core.Logger
	}
)

func NewDispatcher(opts Options, display Displayer, windows Windows, log core.Logger) *Dispatcher {
	if opts.DefaultBody == "" {
		opts.DefaultBody = defaultBody
	}
	return &Dispatcher{opts: opts, display: display, windows: windows, log: log}
}

func takeString(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := fields[key].(string); ok {
			delete(fields, key)
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// ParsePayload reads a push payload of the form {title?, message?|body?, icon?, ...data}.
// It never fails: missing fields get defaults and a payload that is not a JSON object is used as the body.
func ParsePayload(raw []byte, opts Options) Payload {
	p := Payload{
		Actions: []Action{
			{Action: ActionExplore, Title: "Open"},
			{Action: ActionClose, Title: "Close"},
		},
	}

	var fields map[string]interface{}
	trimmed := bytes.TrimSpace(raw)
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		if utf8.Valid(trimmed) && string(trimmed) != "null" {
			p.Body = string(trimmed)
		}
	} else {
		p.Title = takeString(fields, "title")
		p.Body = takeString(fields, "message", "body")
		p.Icon = takeString(fields, "icon")
		if len(fields) > 0 {
			p.Data = fields
		}
	}

	if p.Title == "" {
		p.Title = opts.AppName
	}
	if p.Body == "" {
		p.Body = opts.DefaultBody
	}
	if p.Icon == "" {
		p.Icon = opts.DefaultIcon
	}
	return p
}

// OnPush displays the notification of a push payload.
func (d *Dispatcher) OnPush(ctx context.Context, raw []byte) (Notification, error) {
	n := Notification{
		Tag:       uuid.NewString(),
		Payload:   ParsePayload(raw, d.opts),
		CreatedAt: time.Now().UTC(),
	}
	if err := d.display.Show(ctx, n); err != nil {
		return n, errors.Wrap(err, "showing notification")
	}
	d.log.Debug("notification shown", map[string]interface{}{"tag": n.Tag, "title": n.Title})
	return n, nil
}

// OnNotificationClick dismisses the notification tag. Unless the action is "close", the app's
// root window is then opened (or focused). Unknown actions are handled like "explore".
func (d *Dispatcher) OnNotificationClick(ctx context.Context, action, tag string) error {
	if tag != "" {
		if err := d.display.Dismiss(ctx, tag); err != nil {
			return errors.Wrap(err, "dismissing notification")
		}
	}
	action = core.CleanString(action, true /* lower */)
	if action == ActionClose {
		return nil
	}
	if action != "" && action != ActionExplore {
		d.log.Debug("unknown notification action", map[string]interface{}{"action": action})
	}
	if err := d.windows.OpenWindow(ctx, rootURL); err != nil {
		return errors.Wrap(err, "opening window")
	}
	return nil
}
