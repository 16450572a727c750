// Package webhookhttp accepts deploy notifications. A CI pipeline that
// just finished uploading calls POST /reload and the next sync cycle runs
// immediately instead of waiting out the poll interval.
package webhookhttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/mirror"
)

// maxBodySize bounds the webhook payload; callers send at most a small
// JSON object.
const maxBodySize = 64 * 1024

// Kicker requests a sync run. Implemented by mirror.Synchronizer.
type Kicker interface {
	Kick(trigger mirror.Trigger)
}

type Handler struct {
	kicker Kicker
	token  string
	logger log.Logger
}

// NewHandler builds the webhook endpoint. An empty token disables it: the
// route then answers 404 so probes cannot tell the endpoint exists.
func NewHandler(kicker Kicker, token string, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{
		kicker: kicker,
		token:  token,
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.token == "" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		h.logger.Warn(ctx, "webhook rejected: bad or missing bearer token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !validBody(r) {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	h.kicker.Kick(mirror.TriggerWebhook)
	h.logger.Info(ctx, "webhook accepted, sync queued")
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "queued"})
}

func (h *Handler) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(h.token)) == 1
}

// validBody accepts an empty body or a JSON object; anything else is a
// malformed call worth rejecting loudly.
func validBody(r *http.Request) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return false
	}
	if len(body) == 0 {
		return true
	}
	var obj map[string]any
	return json.Unmarshal(body, &obj) == nil
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
