// Package notify implements the external notifier (spec §4.8,
// component C10): a fire-and-forget Pushover push, grounded on
// filmon/notify.py's Notifier.send (spawn a daemon thread, swallow any
// transport error). No HTTP client library is vendored in the example
// pack for this concern, so it uses net/http directly (see DESIGN.md).
package notify

import (
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const pushoverURL = "https://api.pushover.net/1/messages.json"

// Pushover sends push notifications via the Pushover API. The zero
// value is inert: Notify silently no-ops unless both Token and User
// are set, matching the original's enabled = enabled and bool(token
// and user).
type Pushover struct {
	Token   string
	User    string
	Timeout time.Duration

	client *http.Client
}

// New builds a Pushover notifier. timeout <= 0 defaults to 5s, the
// original's timeout_s default.
func New(token, user string, timeout time.Duration) *Pushover {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Pushover{
		Token:   token,
		User:    user,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Notify returns immediately; the actual POST runs on its own
// goroutine and any error is dropped (spec §4.8: "must never propagate
// errors to the core").
func (p *Pushover) Notify(title, message string, priority int) {
	if p == nil || p.Token == "" || p.User == "" {
		return
	}
	go p.send(title, message, priority)
}

func (p *Pushover) send(title, message string, priority int) {
	p.sendTo(pushoverURL, title, message, priority)
}

// sendTo posts the notification to an explicit endpoint, factored out
// of send so tests can point it at an httptest server.
func (p *Pushover) sendTo(endpoint, title, message string, priority int) {
	form := url.Values{
		"token":    {p.Token},
		"user":     {p.User},
		"title":    {title},
		"message":  {message},
		"priority": {strconv.Itoa(priority)},
	}
	resp, err := p.client.PostForm(endpoint, form)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// Noop is a Notifier that never sends, used when no push backend is
// configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(title, message string, priority int) {}
