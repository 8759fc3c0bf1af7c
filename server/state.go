package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authPath     = "/auth"
	callbackPath = "/callback"

	stateNonceLength = 32
	// stateClockSkew tolerates small clock differences between instances.
	stateClockSkew = 30 * time.Second
)

// StatePayload is the context carried inside the state value itself, so the callback
// needs no server-side session to know where the token goes.
type StatePayload struct {
	Provider ProviderName `json:"provider"`
	Origin   string       `json:"origin"`
	IssuedAt int64        `json:"iat"`
}

// StateManager mints and consumes single-use state values bound to a signed cookie.
type StateManager struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
	now        func() time.Time
}

// NewStateManager constructs a state manager honouring config.
func NewStateManager(cfg Config) *StateManager {
	return &StateManager{
		secret:     []byte(cfg.Server.Secret),
		cookieName: "__Secure-" + cfg.Server.AppName + "-state",
		ttl:        DefaultStateTTL,
		now:        time.Now,
	}
}

// CookieName returns the name of the state cookie.
func (sm *StateManager) CookieName() string {
	return sm.cookieName
}

// Mint creates the state for an authorization request and sets the state cookie
// scoped to the callback path.
func (sm *StateManager) Mint(w http.ResponseWriter, provider ProviderName, origin string) (string, error) {
	payload, err := json.Marshal(StatePayload{
		Provider: provider,
		Origin:   origin,
		IssuedAt: sm.now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	nonce, err := randomString(stateNonceLength)
	if err != nil {
		return "", fmt.Errorf("state nonce: %w", err)
	}
	state := tokenEncoding.EncodeToString(payload) + tokenSeparator + nonce

	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    SignToken(sm.secret, []byte(state)),
		Path:     callbackPath,
		MaxAge:   int(sm.ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

// Consume validates the callback's state parameter against the state cookie. The cookie
// is cleared before any check runs, so a state value is accepted at most once per
// browser. Every failure is reported as the same "Invalid state" client error.
func (sm *StateManager) Consume(w http.ResponseWriter, r *http.Request) (StatePayload, error) {
	sm.Clear(w)

	state := r.URL.Query().Get("state")
	if state == "" {
		return StatePayload{}, invalidInput(msgInvalidState, "state parameter missing")
	}
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil || cookie.Value == "" {
		return StatePayload{}, invalidInput(msgInvalidState, "state cookie missing")
	}
	stored, ok := OpenToken(sm.secret, cookie.Value)
	if !ok {
		return StatePayload{}, invalidInput(msgInvalidState, "state cookie signature invalid")
	}
	if subtle.ConstantTimeCompare(stored, []byte(state)) != 1 {
		return StatePayload{}, invalidInput(msgInvalidState, "state does not match cookie")
	}

	payload, err := decodeState(state)
	if err != nil {
		return StatePayload{}, invalidInput(msgInvalidState, err.Error())
	}

	issued := time.Unix(payload.IssuedAt, 0)
	now := sm.now()
	if now.Sub(issued) > sm.ttl {
		return StatePayload{}, invalidInput(msgInvalidState, "state expired")
	}
	if issued.Sub(now) > stateClockSkew {
		return StatePayload{}, invalidInput(msgInvalidState, "state issued in the future")
	}
	return payload, nil
}

// Clear removes the state cookie.
func (sm *StateManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     callbackPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func decodeState(state string) (StatePayload, error) {
	parts := strings.Split(state, tokenSeparator)
	if len(parts) != 2 || parts[1] == "" {
		return StatePayload{}, fmt.Errorf("malformed state")
	}
	raw, err := tokenEncoding.DecodeString(parts[0])
	if err != nil {
		return StatePayload{}, fmt.Errorf("decode state payload: %w", err)
	}

	var payload StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return StatePayload{}, fmt.Errorf("unmarshal state payload: %w", err)
	}
	if _, err := ParseProviderName(string(payload.Provider)); err != nil {
		return StatePayload{}, fmt.Errorf("state provider %q unknown", payload.Provider)
	}
	u, err := url.Parse(payload.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || canonicalOrigin(u) != payload.Origin {
		return StatePayload{}, fmt.Errorf("state origin %q not an origin", payload.Origin)
	}
	return payload, nil
}

// ParseScopes splits a space-delimited scope string. Empty input yields no scopes.
func ParseScopes(scope string) []string {
	return strings.Fields(scope)
}
