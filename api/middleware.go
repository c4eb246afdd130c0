package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"rulekeeper/service"

	"golang.org/x/time/rate"
)

const rateLimiterIdleTTL = time.Hour

// rateLimitMiddleware provides rate limiting per IP
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks)
		if slices.Contains(a.config.API.RateLimit.ExemptIPs, ip) {
			next.ServeHTTP(w, r)
			return
		}

		a.rateLimitersMu.Lock()
		entry, exists := a.rateLimiters[ip]
		if !exists {
			entry = &rateLimiterEntry{
				limiter: rate.NewLimiter(rate.Limit(a.config.API.RateLimit.RequestsPerSecond), a.config.API.RateLimit.Burst),
			}
			a.rateLimiters[ip] = entry
		}
		entry.lastSeen = time.Now()
		// captured under the lock; cleanup may drop the entry concurrently
		limiter := entry.limiter
		a.rateLimitersMu.Unlock()

		if !limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters periodically removes inactive rate limiters
func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(rateLimiterIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for ip, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > rateLimiterIdleTTL {
					delete(a.rateLimiters, ip)
				}
			}
			a.rateLimitersMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

// corsMiddleware adds CORS headers
func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(a.config.API.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if a.config.API.TLS {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jwtAuthMiddleware requires a bearer token and attaches the caller as the
// catalog principal. Role checks happen in the services.
func (a *API) jwtAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="rulekeeper"`)
			writeError(w, http.StatusUnauthorized, "Authorization required", nil, a.logger)
			return
		}

		claims, err := validateJWT(tokenString, a.config)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="rulekeeper", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", err, a.logger)
			return
		}

		ctx := service.WithPrincipal(r.Context(), service.Principal{
			Login: claims.Username,
			Roles: claims.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
