package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/task"
)

type contextKey string

const actorKey contextKey = "actor"

// actorFrom pulls the authenticated actor the middleware stashed.
func actorFrom(r *http.Request) task.Actor {
	a, _ := r.Context().Value(actorKey).(task.Actor)
	return a
}

// authMiddleware trusts the identity headers set by the auth gateway in
// front of this service. Requests arriving without them never came
// through the gateway.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, errAuthRequired)
			return
		}
		role := domain.Role(r.Header.Get("X-User-Role"))
		switch role {
		case domain.RolePoster, domain.RoleHustler, domain.RoleAdmin:
		default:
			role = domain.RolePoster
		}
		ctx := context.WithValue(r.Context(), actorKey, task.Actor{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminOnly gates the ops surface.
func adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r).Role.Admin() {
			writeError(w, errAdminOnly)
			return
		}
		next(w, r)
	}
}

// RateLimiter is a per-user sliding-minute limiter with a burst
// allowance. Soft limit: the counter races slightly under read lock,
// which is acceptable for throttling.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow
	perMin  int
	burst   int
	logger  *log.Logger
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		perMin:  perMinute,
		burst:   perMinute * 2,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()
		if count > rl.burst {
			rl.logger.Printf("throttled %s (%d/min, burst %d)", key, count, rl.burst)
			return false
		}
		if count > rl.perMin {
			rl.logger.Printf("over soft limit %s (%d/min)", key, count)
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.burst
	}
	rl.windows[key] = &rateWindow{count: 1, windowStart: now}
	return true
}

func (rl *RateLimiter) cleanup() {
	for range time.Tick(time.Minute) {
		cutoff := time.Now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.windowStart.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := actorFrom(r); actor.UserID != "" && !rl.Allow(actor.UserID) {
			writeError(w, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
