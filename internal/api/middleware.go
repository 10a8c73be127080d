package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/peicollab/familyaccess/internal/storage"
)

// staffKeyHeader carries a staff API credential of the form
// fsk_<keyID>_<secret>. The secret part is bcrypt-verified against the
// staff record looked up by key id.
const staffKeyHeader = "X-Staff-Key"

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// staffAuthMiddleware validates the X-Staff-Key header and attaches the
// staff member to context. The family access route is public and does not
// pass through here.
func staffAuthMiddleware(store storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(staffKeyHeader)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing "+staffKeyHeader+" header")
				return
			}
			keyID, secret, ok := splitStaffKey(key)
			if !ok {
				writeError(w, http.StatusForbidden, "invalid staff key")
				return
			}
			staff, err := store.GetStaffByKeyID(r.Context(), keyID)
			if err != nil {
				// Unknown key id and bad secret produce the same answer.
				writeError(w, http.StatusForbidden, "invalid staff key")
				return
			}
			if bcrypt.CompareHashAndPassword(staff.APIKeyHash, []byte(secret)) != nil {
				writeError(w, http.StatusForbidden, "invalid staff key")
				return
			}
			ctx := withStaff(r.Context(), staff)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func splitStaffKey(key string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(key, "fsk_")
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, "_")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// requestLogMiddleware emits one structured log line per request. The query
// string is deliberately dropped: the family access route carries the raw
// bearer secret as a query parameter and it must never reach the logs.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)
		log.Info().
			Str("request_id", requestIDFromCtx(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rr.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// rateLimiter is a simple per-IP token bucket rate limiter, mainly to slow
// down secret enumeration against the public access route.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int // requests per second
	burst   int
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: time.Now()}
		rl.buckets[ip] = b
	}
	now := time.Now()
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
