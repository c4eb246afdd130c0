package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// placeholderHash keeps the cost of unknown-user logins equal to a real check
var placeholderHash, _ = bcrypt.GenerateFromPassword([]byte("rulekeeper-placeholder"), bcrypt.DefaultCost)

type loginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=100"`
	Password string `json:"password" validate:"required,max=128"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Roles     []string  `json:"roles"`
}

// login exchanges configured credentials for a bearer token
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if !a.config.Auth.Enabled {
		writeError(w, http.StatusNotImplemented, "Authentication is disabled", nil, a.logger)
		return
	}

	ip := getRealIP(r, a.config.API.TrustProxy, a.config.API.TrustedProxyNetworks)
	if !a.loginLimiter.Allow(ip) {
		a.logger.Warnw("Login rate limit exceeded", "ip", ip)
		writeError(w, http.StatusTooManyRequests, "Too many login attempts", nil, a.logger)
		return
	}

	var req loginRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	user, ok := a.config.FindUser(req.Username)
	hash := []byte(user.PasswordHash)
	if !ok {
		hash = placeholderHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || !ok {
		a.logger.Warnw("Failed login attempt", "username", req.Username, "ip", ip)
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil, a.logger)
		return
	}

	token, expiresAt, err := generateJWT(user, a.config)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err, a.logger)
		return
	}

	a.logger.Infow("User logged in", "username", user.Username, "ip", ip)
	a.respondJSON(w, loginResponse{Token: token, ExpiresAt: expiresAt, Roles: user.Roles}, http.StatusOK)
}
