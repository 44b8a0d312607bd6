package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrEthical07/authpipe/monitor"
	"github.com/MrEthical07/authpipe/permission"
	"github.com/MrEthical07/authpipe/session"
	"github.com/MrEthical07/authpipe/tenant"
)

type staticSource struct {
	s   *session.Session
	err error
}

func (f staticSource) Session(context.Context) (*session.Session, error) {
	return f.s, f.err
}

func okHandler(t *testing.T, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if _, ok := SessionFromContext(r.Context()); !ok {
			t.Errorf("session missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireAccess(t *testing.T) {
	agent := &session.Session{
		AccessToken: "tok",
		User:        session.User{ID: "u1", Role: "agent", Permissions: []string{"bookings:write"}},
	}
	cases := []struct {
		name string
		src  SessionSource
		rule permission.Rule
		want int
	}{
		{"nil source", nil, permission.Rule{}, http.StatusUnauthorized},
		{"signed out", staticSource{}, permission.Rule{}, http.StatusUnauthorized},
		{"store failure", staticSource{err: errors.New("boom")}, permission.Rule{}, http.StatusServiceUnavailable},
		{"any user", staticSource{s: agent}, permission.Rule{}, http.StatusNoContent},
		{"role match", staticSource{s: agent}, permission.Rule{Roles: []string{"admin", "agent"}}, http.StatusNoContent},
		{"role miss", staticSource{s: agent}, permission.Rule{Roles: []string{"admin"}}, http.StatusForbidden},
		{"permission miss", staticSource{s: agent}, permission.Rule{Permissions: []string{"refunds:issue"}}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			h := RequireAccess(tc.src, tc.rule)(okHandler(t, &called))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bookings", nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if called != (tc.want == http.StatusNoContent) {
				t.Fatalf("next called = %v", called)
			}
		})
	}
}

func TestTrackActivityPublishesSignal(t *testing.T) {
	hub := monitor.NewHub()
	var got []monitor.Signal
	defer hub.Subscribe(func(s monitor.Signal) { got = append(got, s) })()

	h := TrackActivity(hub)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for _, v := range []string{"", "scroll", "Visible", "touch", "key"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if v != "" {
			req.Header.Set(ActivityHeader, v)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	want := []monitor.Signal{monitor.Pointer, monitor.Scroll, monitor.Visible, monitor.Touch, monitor.Key}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signal %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWithCallingOrigin(t *testing.T) {
	var origin string
	h := WithCallingOrigin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin, _ = tenant.OriginFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "http://shop.example/", nil)
	req.Header.Set("Origin", "https://acme.example.com")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if origin != "https://acme.example.com" {
		t.Fatalf("origin = %q", origin)
	}

	req = httptest.NewRequest(http.MethodGet, "http://globetrek.example.com/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if origin != "globetrek.example.com" {
		t.Fatalf("origin from host = %q", origin)
	}
}
