package stabilizer

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nasa-jpl/powerlock/generichttp"
	"github.com/nasa-jpl/powerlock/server"
)

// HTTPLoop wraps a Loop in an HTTP route table
type HTTPLoop struct {
	// Loop is the underlying control loop
	Loop *Loop

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// withContext builds the handler per request so fcn can use the request's context
func withContext(mk func(context.Context) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mk(r.Context())(w, r)
	}
}

// NewHTTPLoop returns a new HTTP wrapper around a loop
func NewHTTPLoop(l *Loop) HTTPLoop {
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/setpoint"}: generichttp.GetFloat(func() (float64, error) {
			return l.Status().Setpoint, nil
		}),
		{Method: http.MethodPost, Path: "/setpoint"}: withContext(func(ctx context.Context) http.HandlerFunc {
			return generichttp.SetFloat(func(f float64) error { return l.SetSetpoint(ctx, f) })
		}),
		{Method: http.MethodGet, Path: "/gains"}: GetGains(l),
		{Method: http.MethodPost, Path: "/gains"}: SetGains(l),
		{Method: http.MethodGet, Path: "/pos"}: withContext(func(ctx context.Context) http.HandlerFunc {
			return generichttp.GetFloat(func() (float64, error) { return l.Position(ctx) })
		}),
		{Method: http.MethodGet, Path: "/mount-status"}: withContext(func(ctx context.Context) http.HandlerFunc {
			return generichttp.GetString(func() (string, error) { return l.MountStatus(ctx) })
		}),
		{Method: http.MethodPost, Path: "/home"}: withContext(func(ctx context.Context) http.HandlerFunc {
			return generichttp.Invoke(func() error { return l.Home(ctx) })
		}),
		{Method: http.MethodPost, Path: "/speed"}: withContext(func(ctx context.Context) http.HandlerFunc {
			return generichttp.SetInt(func(p int) error { return l.SetSpeed(ctx, p) })
		}),
		{Method: http.MethodGet, Path: "/status"}: func(w http.ResponseWriter, r *http.Request) {
			server.WriteJSON(w, l.Status())
		},
		{Method: http.MethodGet, Path: "/telemetry"}: func(w http.ResponseWriter, r *http.Request) {
			server.WriteJSON(w, l.Telemetry())
		},
	}
	return HTTPLoop{Loop: l, RouteTable: rt}
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPLoop) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetGains returns the gains as JSON {"kp": 1, "ki": 0, "kd": 0}
func GetGains(l *Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.WriteJSON(w, l.Status().Gains)
	}
}

// SetGains parses gains from JSON {"kp": 1, "ki": 0, "kd": 0} and applies them.
// Omitted gains keep their current value.
func SetGains(l *Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g := l.Status().Gains
		err := json.NewDecoder(r.Body).Decode(&g)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = l.SetGains(r.Context(), g)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
