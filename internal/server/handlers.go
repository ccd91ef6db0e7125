package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/hue"
	"github.com/sirdoy/pannello-stufa-sub009/internal/jobs"
	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
	"github.com/tidwall/gjson"
)

// maxBodyBytes caps request bodies forwarded to the bridge.
const maxBodyBytes = 64 << 10

type handlers struct {
	conn          Connectivity
	remote        RemoteAuth
	pairer        Pairer
	events        *hue.Events
	refreshJob    RefreshHistory
	remoteEnabled bool
	states        *stateStore
	logger        *slog.Logger
}

// resourceResponse wraps bridge data with the path it was fetched over.
type resourceResponse struct {
	Mode models.ConnectionMode `json:"mode"`
	Data json.RawMessage       `json:"data"`
}

type statusResponse struct {
	hue.Status
	ProactiveRefresh *jobs.LastRun `json:"proactiveRefresh,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.conn.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := statusResponse{Status: st}
	if h.refreshJob != nil {
		resp.ProactiveRefresh = h.refreshJob.Last()
	}

	writeJSON(w, http.StatusOK, resp)
}

// provider resolves the provider for r. An explicit ?mode=local|remote
// skips the reachability probe.
func (h *handlers) provider(r *http.Request) (hue.Provider, error) {
	if mode := r.URL.Query().Get("mode"); mode != "" {
		return h.conn.ResolveProviderForMode(r.Context(), models.ConnectionMode(mode))
	}
	return h.conn.ResolveProvider(r.Context())
}

// call resolves a provider, runs fn against it, and writes the result.
func (h *handlers) call(w http.ResponseWriter, r *http.Request, fn func(p hue.Provider) (json.RawMessage, error)) {
	p, err := h.provider(r)
	if err != nil {
		h.logger.Debug("provider resolution failed",
			slog.String("path", r.URL.Path),
			slog.String("code", string(apperr.CodeOf(err))),
		)
		writeError(w, err)
		return
	}

	data, err := fn(p)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resourceResponse{Mode: p.Mode(), Data: data})
}

func (h *handlers) listResources(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, func(p hue.Provider) (json.RawMessage, error) {
		return p.ListResources(r.Context(), r.PathValue("type"))
	})
}

func (h *handlers) getResource(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, func(p hue.Provider) (json.RawMessage, error) {
		return p.GetResource(r.Context(), r.PathValue("type"), r.PathValue("id"))
	})
}

func (h *handlers) updateResource(w http.ResponseWriter, r *http.Request) {
	body, err := readJSONBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	h.call(w, r, func(p hue.Provider) (json.RawMessage, error) {
		return p.UpdateResource(r.Context(), r.PathValue("type"), r.PathValue("id"), body)
	})
}

func (h *handlers) createResource(w http.ResponseWriter, r *http.Request) {
	body, err := readJSONBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	h.call(w, r, func(p hue.Provider) (json.RawMessage, error) {
		return p.CreateResource(r.Context(), r.PathValue("type"), body)
	})
}

func (h *handlers) deleteResource(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, func(p hue.Provider) (json.RawMessage, error) {
		return p.DeleteResource(r.Context(), r.PathValue("type"), r.PathValue("id"))
	})
}

func (h *handlers) activateScene(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, func(p hue.Provider) (json.RawMessage, error) {
		return p.ActivateScene(r.Context(), r.PathValue("id"))
	})
}

// readJSONBody reads a bounded request body and checks it is JSON without
// decoding it; the bridge is the authority on its shape.
func readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "reading request body: %v", err)
	}

	if len(data) == 0 || !gjson.ValidBytes(data) {
		return nil, apperr.New(apperr.CodeInvalidArgument, "request body must be JSON")
	}

	return json.RawMessage(data), nil
}

type pairRequest struct {
	BridgeIP   string `json:"bridgeIp"`
	DeviceType string `json:"deviceType,omitempty"`
}

func (h *handlers) pair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, apperr.Newf(apperr.CodeInvalidArgument, "invalid pairing request: %v", err))
		return
	}

	rec, err := h.pairer.Pair(r.Context(), req.BridgeIP, req.DeviceType)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("bridge paired via dashboard",
		slog.String("user", RequestUser(r.Context())),
		slog.String("bridge", rec.BridgeIP),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"bridgeIp":       rec.BridgeIP,
		"connectionMode": rec.ConnectionMode,
	})
}

func (h *handlers) remoteAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.remoteEnabled {
		writeErrorStatus(w, http.StatusNotImplemented, "REMOTE_DISABLED", "remote access is not configured", false)
		return
	}

	http.Redirect(w, r, h.remote.AuthorizeURL(h.states.issue()), http.StatusFound)
}

func (h *handlers) remoteCallback(w http.ResponseWriter, r *http.Request) {
	if !h.remoteEnabled {
		writeErrorStatus(w, http.StatusNotImplemented, "REMOTE_DISABLED", "remote access is not configured", false)
		return
	}

	q := r.URL.Query()

	// Checked before anything else so a forged callback cannot even
	// learn whether consent was denied.
	if !h.states.consume(q.Get("state")) {
		writeErrorStatus(w, http.StatusForbidden, "INVALID_STATE", "invalid or expired state", false)
		return
	}

	if oauthErr := q.Get("error"); oauthErr != "" {
		h.logger.Warn("remote authorization denied", slog.String("error", oauthErr))
		writeErrorStatus(w, http.StatusBadRequest, string(apperr.CodeRemoteAuthFailed), "authorization denied: "+oauthErr, true)
		return
	}

	if err := h.remote.ExchangeCode(r.Context(), q.Get("code")); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("remote API authorized", slog.String("user", RequestUser(r.Context())))

	st, err := h.conn.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: st})
}

func (h *handlers) remoteDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.remote.DisconnectRemote(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("remote API disconnected via dashboard", slog.String("user", RequestUser(r.Context())))

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if v := r.URL.Query().Get("threshold"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, apperr.Newf(apperr.CodeInvalidArgument, "invalid threshold %q", v))
			return
		}
		threshold = d
	}

	res, err := h.remote.ProactiveRefresh(r.Context(), threshold)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
