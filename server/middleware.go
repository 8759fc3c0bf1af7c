package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	hstsMaxAge  = 63072000
	nonceLength = 16
)

type requestInfoKey struct{}

// requestInfo is the per-request value bag shared by middleware and handlers.
type requestInfo struct {
	ID       string
	Nonce    string
	Provider ProviderName
	SiteID   string
}

func infoFromContext(ctx context.Context) *requestInfo {
	if v, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return v
	}
	return &requestInfo{}
}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = randomID()
		}
		info := &requestInfo{ID: reqID}
		r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits structured request logs using slog.
// Query strings are never logged: they carry codes and state.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			info := infoFromContext(r.Context())
			attrs := []any{
				"request_id", info.ID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if info.Provider != "" {
				attrs = append(attrs, "provider", info.Provider)
			}
			if info.SiteID != "" {
				attrs = append(attrs, "site_id", info.SiteID)
			}

			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware guards against panics. Stack traces never reach the client.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic", "error", err, "request_id", infoFromContext(r.Context()).ID)
					http.Error(w, msgInternalError, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// BuildTimeMiddleware stamps every response with the build marker.
func BuildTimeMiddleware(buildTime string) func(http.Handler) http.Handler {
	if buildTime == "" {
		buildTime = "unknown"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Build-Time", buildTime)
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets a strict CSP whose only allowed script is the one
// carrying this response's nonce, plus referrer policy and HSTS over TLS.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nonce, err := newNonce()
			if err != nil {
				http.Error(w, msgInternalError, http.StatusInternalServerError)
				return
			}
			infoFromContext(r.Context()).Nonce = nonce

			h := w.Header()
			h.Set("Content-Security-Policy", fmt.Sprintf(
				"default-src 'none'; script-src-elem 'nonce-%s'; frame-ancestors 'none'; form-action 'none'", nonce))
			h.Set("Referrer-Policy", "origin")
			h.Set("X-Content-Type-Options", "nosniff")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", hstsMaxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NonceFromContext returns the CSP script nonce for the current response.
func NonceFromContext(ctx context.Context) string {
	return infoFromContext(ctx).Nonce
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	return infoFromContext(ctx).ID
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func newNonce() (string, error) {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
