package server

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirdoy/pannello-stufa-sub009/internal/config"
	"github.com/sirdoy/pannello-stufa-sub009/internal/hue"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const ctxUser contextKey = iota

const (
	rateLimitWindow         = 5 * time.Minute
	rateLimitMaxFail        = 10
	rateLimitPruneThreshold = 1000

	// verifiedTTL is how long a successful bcrypt check is remembered, so a
	// polling dashboard does not pay the hash cost on every request.
	verifiedTTL = 5 * time.Minute
)

// RequestUser returns the authenticated dashboard user from the context,
// or "".
func RequestUser(ctx context.Context) string {
	v, _ := ctx.Value(ctxUser).(string)
	return v
}

// dummyHash is compared against when the username is unknown, so unknown
// and known users take the same time to reject.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("pannello-unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		panic("bcrypt failed: " + err.Error())
	}
	return h
})

// basicAuth returns middleware that checks HTTP Basic credentials against
// bcrypt hashes. Repeated failures from one IP are rate limited.
func basicAuth(users config.UserCredentials, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newLoginRateLimiter()
	verified := newVerifiedCache()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			if limiter.check(ip) {
				logger.Warn("dashboard login rate limited", slog.String("ip", ip))
				writeErrorStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many failed login attempts, try again later", false)

				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="pannello", charset="UTF-8"`)
				writeErrorStatus(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", false)

				return
			}

			if !verified.check(username, password) {
				hash, known := users[username]
				if !known {
					hash = string(dummyHash())
				}

				if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil || !known {
					logger.Warn("dashboard login failed",
						slog.String("username", username),
						slog.String("ip", ip),
					)
					limiter.record(ip)
					w.Header().Set("WWW-Authenticate", `Basic realm="pannello", charset="UTF-8"`)
					writeErrorStatus(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid username or password", false)

					return
				}

				verified.remember(username, password)
			}

			ctx := context.WithValue(r.Context(), ctxUser, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// withRefreshScope gives every request its own token refresh scope so a
// 401 retry inside one request can never trigger a second refresh.
func withRefreshScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := hue.NewRefreshScope(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// loginRateLimiter tracks failed logins per IP within a sliding window.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{failures: make(map[string][]time.Time)}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

// verifiedCache remembers recently verified credentials by digest.
type verifiedCache struct {
	mu      sync.Mutex
	entries map[[sha256.Size]byte]time.Time
}

func newVerifiedCache() *verifiedCache {
	return &verifiedCache{entries: make(map[[sha256.Size]byte]time.Time)}
}

func credentialDigest(username, password string) [sha256.Size]byte {
	return sha256.Sum256([]byte(username + "\x00" + password))
}

func (c *verifiedCache) check(username, password string) bool {
	key := credentialDigest(username, password)

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(expiresAt) {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *verifiedCache) remember(username, password string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
	c.entries[credentialDigest(username, password)] = now.Add(verifiedTTL)
}
