package sandbox

import (
	"net/http"
	"sync"
	"sync/atomic"
)

// faults holds test-time failure injection and request counters.
type faults struct {
	mu           sync.Mutex
	failRefresh  bool
	forced       map[string]*forcedStatus
	refreshCalls atomic.Int64
	loginCalls   atomic.Int64
}

type forcedStatus struct {
	code      int
	remaining int
}

func newFaults() *faults {
	return &faults{forced: make(map[string]*forcedStatus)}
}

// FailRefresh makes /auth/refresh reject every token while fail is true.
func (s *Server) FailRefresh(fail bool) {
	s.faults.mu.Lock()
	s.faults.failRefresh = fail
	s.faults.mu.Unlock()
}

func (s *Server) refreshFailing() bool {
	s.faults.mu.Lock()
	defer s.faults.mu.Unlock()
	return s.faults.failRefresh
}

// ForceStatus makes the next n requests to path answer with code before any
// handler runs. n <= 0 clears the override.
func (s *Server) ForceStatus(path string, code, n int) {
	s.faults.mu.Lock()
	defer s.faults.mu.Unlock()
	if n <= 0 {
		delete(s.faults.forced, path)
		return
	}
	s.faults.forced[path] = &forcedStatus{code: code, remaining: n}
}

// RefreshCalls returns how many refresh requests were received.
func (s *Server) RefreshCalls() int64 { return s.faults.refreshCalls.Load() }

// LoginCalls returns how many password login requests were received.
func (s *Server) LoginCalls() int64 { return s.faults.loginCalls.Load() }

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code, ok := s.takeForced(r.URL.Path); ok {
			writeError(w, code, http.StatusText(code))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeForced(path string) (int, bool) {
	s.faults.mu.Lock()
	defer s.faults.mu.Unlock()
	f, ok := s.faults.forced[path]
	if !ok {
		return 0, false
	}
	f.remaining--
	if f.remaining <= 0 {
		delete(s.faults.forced, path)
	}
	return f.code, true
}
