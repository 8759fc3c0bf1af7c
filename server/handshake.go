package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
)

// Handshake outcome markers.
const (
	HandshakeSuccess = "success"
	HandshakeError   = "error"

	anyOrigin = "*"
)

// SuccessPayload is delivered to the opener when the exchange succeeded.
type SuccessPayload struct {
	Token string `json:"token"`
}

// ErrorPayload is delivered to the opener when the provider refused the request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// HandshakeView feeds the handshake template. Every field reaches the script through
// html/template's JavaScript escaping; nothing is interpolated as raw text.
type HandshakeView struct {
	Nonce        string
	Provider     ProviderName
	Status       string
	TargetOrigin string
	Payload      any
}

// Signal is the liveness check the popup sends to the opener and expects echoed back.
// The result the popup then delivers is "authorization:<provider>:<status>:<json payload>".
func Signal(provider ProviderName) string {
	return "authorizing:" + string(provider)
}

// The listener only answers a signal coming back from window.opener, and only from the
// trusted origin when one is known. It removes itself after the single delivery.
var handshakeTemplate = template.Must(template.New("handshake").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorizing</title>
</head>
<body>
<script nonce="{{.Nonce}}">
(function () {
  var opener = window.opener;
  if (!opener) {
    return;
  }
  var signal = {{.Signal}};
  var targetOrigin = {{.TargetOrigin}};
  var message = ["authorization", {{.Provider}}, {{.Status}}, JSON.stringify({{.Payload}})].join(":");
  function onMessage(event) {
    if (event.source !== opener || event.data !== signal) {
      return;
    }
    if (targetOrigin !== "*" && event.origin !== targetOrigin) {
      return;
    }
    window.removeEventListener("message", onMessage);
    opener.postMessage(message, targetOrigin === "*" ? event.origin : targetOrigin);
  }
  window.addEventListener("message", onMessage);
  opener.postMessage(signal, targetOrigin);
})();
</script>
</body>
</html>
`))

type handshakeTemplateData struct {
	HandshakeView
	Signal string
}

// renderHandshake writes the handshake page. An empty TargetOrigin falls back to "*".
func renderHandshake(w http.ResponseWriter, code int, view HandshakeView) error {
	if view.TargetOrigin == "" {
		view.TargetOrigin = anyOrigin
	}

	var buf bytes.Buffer
	if err := handshakeTemplate.Execute(&buf, handshakeTemplateData{
		HandshakeView: view,
		Signal:        Signal(view.Provider),
	}); err != nil {
		return fmt.Errorf("render handshake: %w", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, err := w.Write(buf.Bytes())
	return err
}
