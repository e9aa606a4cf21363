/*Package locker keeps the stabilizer from being retuned while an operator
has it locked.

While locked, requests that change something (POST, PUT, ...) are refused
with 423 Locked.  Reads pass, so status and telemetry stay available.  The
lock is toggled with POST /lock {"bool": true} and read back with GET /lock.
*/
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/nasa-jpl/powerlock/generichttp"
	"github.com/nasa-jpl/powerlock/server"
)

// Inject adds GET and POST /lock to the route table of other
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker refuses writes while locked.  It never blocks.
type Locker struct {
	mu     sync.Mutex
	locked bool

	// Exempt lists route suffixes the lock does not apply to, such as "/lock"
	// itself.  Include the leading slash so only whole segments match.
	Exempt []string
}

// New returns an unlocked Locker that exempts /lock
func New() *Locker {
	return &Locker{Exempt: []string{"/lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.Set(true)
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.Set(false)
}

// Set locks or unlocks
func (l *Locker) Set(locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = locked
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *Locker) exempt(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, suffix := range l.Exempt {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// Check is middleware that answers 423 to writes while locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && !readOnly(r.Method) && !l.exempt(r.URL.Path) {
			http.Error(w, "stabilizer is locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks from a body of {"bool": true}
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.Set(b.Bool)
	w.WriteHeader(http.StatusOK)
}

// HTTPGet replies {"bool": true} if locked
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
