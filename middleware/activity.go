package middleware

import (
	"net/http"
	"strings"

	"github.com/MrEthical07/authpipe/monitor"
)

// ActivityHeader lets a front end say what kind of activity triggered a
// request. Requests without it count as [monitor.Pointer].
const ActivityHeader = "X-User-Activity"

// Publisher receives activity signals. [monitor.Hub] satisfies it.
type Publisher interface {
	Publish(monitor.Signal)
}

// TrackActivity publishes one signal per request before calling next.
func TrackActivity(pub Publisher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pub != nil {
				pub.Publish(signalFor(r.Header.Get(ActivityHeader)))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func signalFor(v string) monitor.Signal {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "key", "keyboard":
		return monitor.Key
	case "scroll":
		return monitor.Scroll
	case "touch":
		return monitor.Touch
	case "visible", "visibility":
		return monitor.Visible
	default:
		return monitor.Pointer
	}
}
