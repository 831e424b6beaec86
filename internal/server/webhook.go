package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/store"
)

const HeaderSignature = "X-Webhook-Signature"

// WebhookPayload is a change notification pushed by the flag service.
type WebhookPayload struct {
	Event     string   `json:"event"`
	FlagKeys  []string `json:"flag_keys"`
	Timestamp string   `json:"timestamp"`
}

// WebhookHandler turns change notifications into an immediate refresh, so
// consumers do not wait for the next poll.
type WebhookHandler struct {
	backend Backend
	secret  string
	log     *log.Entry
}

func NewWebhookHandler(backend Backend, secret string, logger *log.Entry) *WebhookHandler {
	return &WebhookHandler{backend: backend, secret: secret, log: logger}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if h.secret != "" && !h.verifySignature(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch payload.Event {
	case "snapshot.updated", "flag.updated", "flag.deleted":
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "event": payload.Event})
		return
	}

	entry := h.log.WithFields(log.Fields{"event": payload.Event, "flag_keys": payload.FlagKeys})
	changed, err := h.backend.RefreshNow(r.Context())
	switch {
	case errors.Is(err, store.ErrRefreshInFlight):
		// The running refresh will pick the change up.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "in_flight"})
	case err != nil && !domain.IsHashReadError(err):
		entry.WithError(err).Warn("webhook refresh failed")
		writeError(w, statusFor(err), err.Error())
	default:
		entry.WithField("changed", changed).Debug("webhook refresh")
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "changed": changed})
	}
}

func (h *WebhookHandler) verifySignature(r *http.Request, body []byte) bool {
	signature := r.Header.Get(HeaderSignature)
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(h.secret, body)))
}

// Sign returns the hex HMAC-SHA256 of body, as expected in X-Webhook-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
