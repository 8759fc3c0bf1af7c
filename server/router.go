package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the HTTP router for the relay endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	if a.Config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(BuildTimeMiddleware(a.Config.Server.BuildTime))
	r.Use(SecurityHeadersMiddleware())

	r.Get(authPath, a.handleAuth)
	r.With(middleware.NoCache).Get(callbackPath, a.handleCallback)

	r.NotFound(a.handleFallback)
	r.MethodNotAllowed(a.handleFallback)

	return r
}
