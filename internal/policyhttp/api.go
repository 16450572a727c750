// Package policyhttp is the admin API for the policy overlay: inspect the
// live rules, mutate them, and force a sync. It mounts on the ops listener,
// never the public one.
package policyhttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/bucketserve/internal/cryptoutil"
	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/mirror"
	"github.com/keithlinneman/bucketserve/internal/objstore"
	"github.com/keithlinneman/bucketserve/internal/policy"
)

// Kicker requests a sync run. Implemented by mirror.Synchronizer.
type Kicker interface {
	Kick(trigger mirror.Trigger)
}

// API implements the policy admin endpoints.
type API struct {
	overlay *policy.Overlay
	store   objstore.Client
	sealer  policy.Sealer
	kicker  Kicker
	token   string
	logger  log.Logger
}

type Options struct {
	Overlay *policy.Overlay
	// Store persists mutated rule tables back to the bucket.
	Store objstore.Client
	// Sealer encrypts the protection table at rest. Optional.
	Sealer policy.Sealer
	Kicker Kicker
	// Token guards every endpoint. Empty disables the whole API (404s).
	Token  string
	Logger log.Logger
}

func NewAPI(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		overlay: opts.Overlay,
		store:   opts.Store,
		sealer:  opts.Sealer,
		kicker:  opts.Kicker,
		token:   opts.Token,
		logger:  logger,
	}
}

// RegisterRoutes attaches the admin endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/-/policy", api.requireAuth(api.HandleGetPolicy))
	r.Put("/-/policy/protect", api.requireAuth(api.HandleSetProtect))
	r.Delete("/-/policy/protect", api.requireAuth(api.HandleRemoveProtect))
	r.Put("/-/policy/cache", api.requireAuth(api.HandleSetCache))
	r.Delete("/-/policy/cache", api.requireAuth(api.HandleRemoveCache))
	r.Post("/-/sync", api.requireAuth(api.HandleSync))
}

func (api *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.token == "" {
			http.NotFound(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(api.token)) != 1 {
			api.logger.Warn(r.Context(), "admin API rejected: bad or missing bearer token",
				"path", r.URL.Path,
			)
			api.writeError(r.Context(), w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// HandleGetPolicy serves the current rule tables (password hashes omitted).
func (api *API) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, api.overlay.Rules())
}

// ProtectRequest is the PUT /-/policy/protect body. The password arrives
// in clear over the admin channel and is hashed before it touches the
// overlay or the bucket.
type ProtectRequest struct {
	Prefix   string `json:"prefix"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (api *API) HandleSetProtect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ProtectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prefix == "" || req.Username == "" || req.Password == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "prefix, username, and password are required")
		return
	}

	hash, err := cryptoutil.HashPassword(req.Password)
	if err != nil {
		api.logger.Error(ctx, err, "password hashing failed")
		api.writeError(ctx, w, http.StatusInternalServerError, "hashing failed")
		return
	}

	api.overlay.SetProtection(req.Prefix, policy.Credentials{
		Username:     req.Username,
		PasswordHash: hash,
	})
	if err := policy.SaveProtection(ctx, api.store, api.sealer, api.overlay); err != nil {
		api.logger.Error(ctx, err, "persisting protection rules failed")
		api.writeError(ctx, w, http.StatusInternalServerError, "rule active but not persisted")
		return
	}

	api.logger.Info(ctx, "protection rule set", "prefix", policy.NormalizePrefix(req.Prefix))
	api.writeJSON(ctx, w, http.StatusOK, api.overlay.Rules())
}

func (api *API) HandleRemoveProtect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "prefix query parameter is required")
		return
	}

	api.overlay.RemoveProtection(prefix)
	if err := policy.SaveProtection(ctx, api.store, api.sealer, api.overlay); err != nil {
		api.logger.Error(ctx, err, "persisting protection rules failed")
		api.writeError(ctx, w, http.StatusInternalServerError, "rule removed but not persisted")
		return
	}

	api.logger.Info(ctx, "protection rule removed", "prefix", policy.NormalizePrefix(prefix))
	api.writeJSON(ctx, w, http.StatusOK, api.overlay.Rules())
}

// CacheRequest is the PUT /-/policy/cache body.
type CacheRequest struct {
	Prefix string `json:"prefix"`
	Value  string `json:"value"`
}

func (api *API) HandleSetCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prefix == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "prefix is required")
		return
	}
	if !policy.ValidCacheControl(req.Value) {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid cache-control value")
		return
	}

	api.overlay.SetCacheControl(req.Prefix, req.Value)
	if err := policy.SaveCacheControl(ctx, api.store, api.overlay); err != nil {
		api.logger.Error(ctx, err, "persisting cache-control rules failed")
		api.writeError(ctx, w, http.StatusInternalServerError, "rule active but not persisted")
		return
	}

	api.logger.Info(ctx, "cache-control rule set",
		"prefix", policy.NormalizePrefix(req.Prefix),
		"value", req.Value,
	)
	api.writeJSON(ctx, w, http.StatusOK, api.overlay.Rules())
}

func (api *API) HandleRemoveCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "prefix query parameter is required")
		return
	}

	api.overlay.RemoveCacheControl(prefix)
	if err := policy.SaveCacheControl(ctx, api.store, api.overlay); err != nil {
		api.logger.Error(ctx, err, "persisting cache-control rules failed")
		api.writeError(ctx, w, http.StatusInternalServerError, "rule removed but not persisted")
		return
	}

	api.logger.Info(ctx, "cache-control rule removed", "prefix", policy.NormalizePrefix(prefix))
	api.writeJSON(ctx, w, http.StatusOK, api.overlay.Rules())
}

// HandleSync queues an immediate sync cycle.
func (api *API) HandleSync(w http.ResponseWriter, r *http.Request) {
	api.kicker.Kick(mirror.TriggerAdmin)
	api.logger.Info(r.Context(), "admin sync queued")
	api.writeJSON(r.Context(), w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, map[string]string{"error": msg})
}
