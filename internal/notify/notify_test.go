package notify

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopDoesNothing(t *testing.T) {
	var n Noop
	n.Notify("title", "message", 1) // must not panic
}

func TestNotifyNoopsWithoutCredentials(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := New("", "", time.Second)
	p.Notify("title", "message", 0)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called, "Notify must not fire any request without both token and user")
}

func TestNotifyPostsFormWhenConfigured(t *testing.T) {
	done := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		done <- r.Form
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New("tok", "user", time.Second)
	p.client = srv.Client()
	// Redirect at the transport level isn't available without changing
	// pushoverURL, so exercise sendTo() directly against the test server.
	p.sendTo(srv.URL, "jam detected", "pulses stalled", 1)

	select {
	case form := <-done:
		assert.Equal(t, "tok", form.Get("token"))
		assert.Equal(t, "user", form.Get("user"))
		assert.Equal(t, "jam detected", form.Get("title"))
		assert.Equal(t, "1", form.Get("priority"))
	case <-time.After(time.Second):
		t.Fatal("server never received the notification POST")
	}
}

func TestNewDefaultsZeroTimeout(t *testing.T) {
	p := New("t", "u", 0)
	assert.Equal(t, 5*time.Second, p.Timeout)
}
