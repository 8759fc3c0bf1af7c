package server

import (
	"errors"
	"net/http"
)

// Fixed client-facing messages. They never carry internal detail.
const (
	msgInvalidSiteID        = "Invalid site_id"
	msgInvalidProvider      = "Invalid provider"
	msgInvalidReferer       = "Invalid referer"
	msgInvalidState         = "Invalid state"
	msgInvalidCode          = "Invalid code"
	msgInvalidTokenResponse = "Invalid token response"
	msgNetworkError         = "Network error"
	msgInternalError        = "Internal Server Error"
)

// ConfigError reports missing or invalid configuration. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Reason
}

// ClientInputError is a rejected request parameter. Message is safe to return verbatim.
type ClientInputError struct {
	Message string
	// Reason is the internal cause, logged but never sent to the client.
	Reason string
}

func (e *ClientInputError) Error() string {
	if e.Reason == "" {
		return e.Message
	}
	return e.Message + ": " + e.Reason
}

func invalidInput(message, reason string) error {
	return &ClientInputError{Message: message, Reason: reason}
}

// UpstreamProtocolError means the provider answered but refused the request,
// e.g. an expired or already redeemed authorization code.
type UpstreamProtocolError struct {
	Provider    ProviderName
	Code        string
	Description string
}

func (e *UpstreamProtocolError) Error() string {
	return "provider " + string(e.Provider) + " rejected request: " + e.Message()
}

// Message is the text handed back to the opener window.
func (e *UpstreamProtocolError) Message() string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Code != "":
		return e.Code
	default:
		return msgInvalidCode
	}
}

// UpstreamNetworkError means the provider could not be reached.
type UpstreamNetworkError struct {
	Provider ProviderName
	Err      error
}

func (e *UpstreamNetworkError) Error() string {
	return "provider " + string(e.Provider) + " unreachable: " + e.Err.Error()
}

func (e *UpstreamNetworkError) Unwrap() error { return e.Err }

// statusFor maps an error to its HTTP status and the body that may be shown to the client.
func statusFor(err error) (int, string) {
	var (
		cfgErr   *ConfigError
		inputErr *ClientInputError
		protoErr *UpstreamProtocolError
		netErr   *UpstreamNetworkError
	)
	switch {
	case errors.As(err, &inputErr):
		return http.StatusBadRequest, inputErr.Message
	case errors.As(err, &protoErr):
		return http.StatusBadRequest, protoErr.Message()
	case errors.As(err, &netErr):
		return http.StatusInternalServerError, msgNetworkError
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, msgInternalError
	default:
		return http.StatusInternalServerError, msgInternalError
	}
}
