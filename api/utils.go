package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"rulekeeper/core"
	"rulekeeper/service"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

var (
	connectionStringPattern = regexp.MustCompile(`(?:sqlite|redis|file)://[^\s"']+`)
	filePathPattern         = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/])+[^\\/:*?"<>|\s]+`)
	privateIPPattern        = regexp.MustCompile(`\b(?:10|127)(?:\.\d{1,3}){3}(?::\d{1,5})?\b|\b192\.168(?:\.\d{1,3}){2}(?::\d{1,5})?\b|\b172\.(?:1[6-9]|2[0-9]|3[01])(?:\.\d{1,3}){2}(?::\d{1,5})?\b`)
	secretPattern           = regexp.MustCompile(`(?i)(password|secret|token|credential)[:=]\s*["']?[^"'\s]+["']?`)
)

// sanitizeErrorMessage removes sensitive information from error messages before sending to clients
func sanitizeErrorMessage(message string) string {
	message = connectionStringPattern.ReplaceAllString(message, "[DATABASE_CONNECTION]")
	message = filePathPattern.ReplaceAllString(message, "[FILE_PATH]")
	message = privateIPPattern.ReplaceAllString(message, "[PRIVATE_IP]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")

	if len(message) > core.MaxErrorMessageLength {
		message = message[:core.MaxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError writes an error response to the client and logs it with proper sanitization
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		fields := []interface{}{"status_code", statusCode}
		if err != nil {
			fields = append(fields, "error", err.Error())
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Errorw(message, fields...)
		} else {
			logger.Debugw(message, fields...)
		}
	}
	http.Error(w, sanitizeErrorMessage(message), statusCode)
}

// validationResponse lists every problem found in a rejected request
type validationResponse struct {
	Error    string   `json:"error"`
	Messages []string `json:"messages"`
}

// writeServiceError maps catalog errors onto HTTP statuses
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr        *core.ValidationError
		reactivate  *core.ReactivationError
		alreadyLive *core.AlreadyExistsError
	)

	switch {
	case errors.As(err, &verr):
		a.respondJSON(w, validationResponse{Error: "Validation failed", Messages: verr.Messages}, http.StatusBadRequest)
	case errors.Is(err, service.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "Insufficient privileges", err, a.logger)
	case errors.Is(err, storage.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "Rule not found", err, a.logger)
	case errors.Is(err, storage.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "Quality profile not found", err, a.logger)
	case errors.Is(err, storage.ErrActiveRuleNotFound):
		writeError(w, http.StatusNotFound, "Rule is not active in this profile", err, a.logger)
	case errors.Is(err, storage.ErrCharacteristicNotFound):
		writeError(w, http.StatusBadRequest, "Unknown debt characteristic", err, a.logger)
	case errors.As(err, &reactivate):
		writeError(w, http.StatusConflict, reactivate.Error(), err, a.logger)
	case errors.As(err, &alreadyLive):
		writeError(w, http.StatusConflict, alreadyLive.Error(), err, a.logger)
	case errors.Is(err, core.ErrRuleAlreadyExists), errors.Is(err, storage.ErrDuplicateRule):
		writeError(w, http.StatusConflict, "Rule already exists", err, a.logger)
	case errors.Is(err, storage.ErrDuplicateProfile):
		writeError(w, http.StatusConflict, "Quality profile already exists", err, a.logger)
	case errors.Is(err, storage.ErrDuplicateActiveRule):
		writeError(w, http.StatusConflict, "Rule is already active in this profile", err, a.logger)
	case errors.Is(err, core.ErrRuleRemoved):
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
	case errors.Is(err, core.ErrRuleKindMismatch):
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", err, a.logger)
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error", err, a.logger)
	}
}

// respondJSON writes data as JSON with the given status
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// response already started
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// decodeJSONBodyWithLimit decodes a JSON request body with a size limit.
// On failure the response is already written.
func (a *API) decodeJSONBodyWithLimit(w http.ResponseWriter, r *http.Request, dst interface{}, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	err := decoder.Decode(dst)
	if err == nil {
		return nil
	}

	var (
		syntaxError        *json.SyntaxError
		unmarshalTypeError *json.UnmarshalTypeError
		maxBytesError      *http.MaxBytesError
	)
	switch {
	case errors.As(err, &syntaxError):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON syntax at byte offset %d", syntaxError.Offset), err, a.logger)
	case errors.As(err, &unmarshalTypeError):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid type for field '%s': expected %s, got %s", unmarshalTypeError.Field, unmarshalTypeError.Type, unmarshalTypeError.Value), err, a.logger)
	case errors.As(err, &maxBytesError):
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err, a.logger)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("JSON contains %s", strings.TrimPrefix(err.Error(), "json: ")), err, a.logger)
	default:
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err, a.logger)
	}
	return err
}

// decodeAndValidate decodes the body and runs struct tag validation
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := a.decodeJSONBodyWithLimit(w, r, dst, a.config.API.BodyLimit); err != nil {
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err), err, a.logger)
		return false
	}
	return true
}

// FixedWindowLimiter is a simple fixed window rate limiter
type FixedWindowLimiter struct {
	mu        sync.Mutex
	requests  map[string]int
	window    time.Duration
	limit     int
	lastReset time.Time
}

// NewFixedWindowLimiter creates a new fixed window rate limiter
func NewFixedWindowLimiter(window time.Duration, limit int) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		requests:  make(map[string]int),
		window:    window,
		limit:     limit,
		lastReset: time.Now(),
	}
}

// Allow checks if a request from the given key is allowed
func (f *FixedWindowLimiter) Allow(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if time.Since(f.lastReset) > f.window {
		f.requests = make(map[string]int)
		f.lastReset = time.Now()
	}
	if f.requests[key] >= f.limit {
		return false
	}
	f.requests[key]++
	return true
}
