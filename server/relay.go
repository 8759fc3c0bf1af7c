package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// SentinelBody is served for every route the relay does not own.
const SentinelBody = "Ciallo～(∠·ω< )⌒★"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	AllowList *AllowList
	States    *StateManager
	Providers map[ProviderName]Provider
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return NewAppWithProviders(cfg, logger, providers)
}

// NewAppWithProviders builds the app around an already constructed provider set.
func NewAppWithProviders(cfg Config, logger *slog.Logger, providers map[ProviderName]Provider) (*App, error) {
	allowList, err := NewAllowList(cfg.AllowList)
	if err != nil {
		return nil, err
	}
	if len(cfg.Server.Secret) < minSecretLength {
		return nil, &ConfigError{Field: "server.secret", Reason: "missing or too short"}
	}

	logger.Info("relay configured",
		"allow_list_hosts", allowList.Len(),
		"providers", len(providers),
		"relax_localhost", cfg.AllowList.RelaxLocalhost,
	)

	return &App{
		Config:    cfg,
		Logger:    logger,
		AllowList: allowList,
		States:    NewStateManager(cfg),
		Providers: providers,
	}, nil
}

// handleAuth starts the flow: resolve the trusted origin, pick the provider, mint state,
// then redirect the popup to the provider's consent page.
func (a *App) handleAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info := infoFromContext(r.Context())

	entry, err := a.AllowList.Resolve(q.Get("site_id"), r.Referer())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	info.SiteID = entry.Hostname

	provider, err := a.lookupProvider(q.Get("provider"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	info.Provider = provider.Name()

	state, err := a.States.Mint(w, provider.Name(), entry.TrustedOrigin)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.Logger.Debug("authorization started",
		"provider", provider.Name(),
		"trusted_origin", entry.TrustedOrigin,
		"state", truncate(state, 8),
	)
	http.Redirect(w, r, provider.AuthCodeURL(state, ParseScopes(q.Get("scope"))), http.StatusFound)
}

// handleCallback finishes the flow. State is validated before anything else, and the
// state cookie is gone whatever the outcome.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info := infoFromContext(r.Context())

	state, err := a.States.Consume(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	info.Provider = state.Provider

	provider, ok := a.Providers[state.Provider]
	if !ok {
		a.writeError(w, r, invalidInput(msgInvalidProvider, "state provider no longer configured"))
		return
	}

	if providerErr := q.Get("error"); providerErr != "" {
		a.writeError(w, r, &UpstreamProtocolError{
			Provider:    state.Provider,
			Code:        providerErr,
			Description: q.Get("error_description"),
		}, state)
		return
	}

	code := q.Get("code")
	if code == "" {
		a.writeError(w, r, invalidInput(msgInvalidCode, "code parameter missing"))
		return
	}

	token, err := provider.Exchange(r.Context(), code)
	if err != nil {
		a.writeError(w, r, err, state)
		return
	}

	if err := renderHandshake(w, http.StatusOK, HandshakeView{
		Nonce:        NonceFromContext(r.Context()),
		Provider:     state.Provider,
		Status:       HandshakeSuccess,
		TargetOrigin: state.Origin,
		Payload:      SuccessPayload{Token: token},
	}); err != nil {
		a.Logger.Error("render handshake", "error", err, "request_id", info.ID)
	}
}

func (a *App) handleFallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte(SentinelBody))
}

func (a *App) lookupProvider(raw string) (Provider, error) {
	name, err := ParseProviderName(raw)
	if err != nil {
		return nil, err
	}
	provider, ok := a.Providers[name]
	if !ok {
		return nil, invalidInput(msgInvalidProvider, "provider "+string(name)+" not configured")
	}
	return provider, nil
}

// writeError logs err and answers with its mapped status. A provider rejection seen
// after state validation is delivered to the opener as an error handshake.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error, state ...StatePayload) {
	status, message := statusFor(err)
	reqID := RequestIDFromContext(r.Context())

	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", "error", err, "status", status, "request_id", reqID)
	} else {
		a.Logger.Warn("request rejected", "error", err, "status", status, "request_id", reqID)
	}

	var protoErr *UpstreamProtocolError
	if len(state) > 0 && errors.As(err, &protoErr) {
		renderErr := renderHandshake(w, status, HandshakeView{
			Nonce:        NonceFromContext(r.Context()),
			Provider:     state[0].Provider,
			Status:       HandshakeError,
			TargetOrigin: state[0].Origin,
			Payload:      ErrorPayload{Message: message},
		})
		if renderErr == nil {
			return
		}
		a.Logger.Error("render handshake", "error", renderErr, "request_id", reqID)
		status, message = http.StatusInternalServerError, msgInternalError
	}

	http.Error(w, message, status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
