package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/model"
	"github.com/itbali/vpn-validator-bot/internal/service"
)

type adminHandler struct {
	auth     service.AuthService
	admin    service.AdminService
	cycle    CycleRunner
	log      *zap.Logger
	lifetime func() context.Context
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"session_token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ownerDTO struct {
	OpaqueID    int64  `json:"opaque_id,omitempty"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type keyDTO struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	Owner      *ownerDTO  `json:"owner,omitempty"`
	DataBytes  int64      `json:"data_bytes"`
	LastActive *time.Time `json:"last_active,omitempty"`
}

type statsDTO struct {
	RemoteKeys   int64 `json:"remote_keys"`
	UsedKeys     int64 `json:"used_keys"`
	TotalBytes   int64 `json:"total_bytes"`
	LedgerUsers  int64 `json:"ledger_users"`
	LedgerActive int64 `json:"ledger_active_keys"`
	LedgerBytes  int64 `json:"ledger_bytes"`
}

type cycleStartedDTO struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Login issues a session token.
// POST /api/v1/admin/session
func (h *adminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := h.auth.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
		case errors.Is(err, errs.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "bad credentials")
		default:
			h.fail(w, r, err)
		}
		return
	}
	h.log.Info("admin session issued", zap.String("username", req.Username))
	writeJSON(w, http.StatusOK, loginResponse{Token: sess.Token, TokenType: "Bearer", ExpiresAt: sess.ExpiresAt})
}

// Stats returns remote and ledger aggregates.
// GET /api/v1/admin/stats
func (h *adminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.admin.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsDTO{
		RemoteKeys:   st.RemoteKeys,
		UsedKeys:     st.UsedKeys,
		TotalBytes:   st.TotalBytes,
		LedgerUsers:  st.Ledger.TotalUsers,
		LedgerActive: st.Ledger.ActiveKeys,
		LedgerBytes:  st.Ledger.TotalBytes,
	})
}

// Keys lists every remote key.
// GET /api/v1/admin/keys
func (h *adminHandler) Keys(w http.ResponseWriter, r *http.Request) {
	list, err := h.admin.Keys(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": toKeyDTOs(list)})
}

// Inactive lists idle keys.
// GET /api/v1/admin/keys/inactive
func (h *adminHandler) Inactive(w http.ResponseWriter, r *http.Request) {
	list, err := h.admin.Inactive(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": toKeyDTOs(list)})
}

// UserInfo shows the key of one handle.
// GET /api/v1/admin/users/{handle}
func (h *adminHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.admin.UserInfo(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyDTO(info))
}

// RevokeUser deletes the key of one handle.
// DELETE /api/v1/admin/users/{handle}
func (h *adminHandler) RevokeUser(w http.ResponseWriter, r *http.Request) {
	info, err := h.admin.RevokeByHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("key revoked by admin",
		zap.String("by", Subject(r.Context())),
		zap.String("key_id", info.KeyID),
	)
	writeJSON(w, http.StatusOK, toKeyDTO(info))
}

// Reconcile starts one reconciliation cycle in the background. The report is logged and
// reflected in the gRPC health status when the cycle ends.
// POST /api/v1/admin/reconcile
func (h *adminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := h.cycle.Start(h.lifetime())
	switch {
	case errors.Is(err, service.ErrCycleRunning):
		writeError(w, http.StatusConflict, "a cycle is already running")
		return
	case err != nil:
		h.fail(w, r, err)
		return
	}
	h.log.Info("reconcile cycle started by admin",
		zap.String("by", Subject(r.Context())),
		zap.String("cycle_id", id),
	)
	writeJSON(w, http.StatusAccepted, cycleStartedDTO{ID: id, Status: "started"})
}

// fail maps service errors to responses. Unexpected errors are logged, not echoed.
func (h *adminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.IsRemote(err):
		h.log.Warn("upstream failure", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	default:
		h.log.Error("request failed", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toKeyDTO(k model.KeyInfo) keyDTO {
	out := keyDTO{KeyID: k.KeyID, Name: k.Name, DataBytes: k.DataBytes, LastActive: k.LastActive}
	if k.Owner != (model.Identity{}) {
		out.Owner = &ownerDTO{OpaqueID: k.Owner.OpaqueID, Handle: k.Owner.Handle, DisplayName: k.Owner.DisplayName}
	}
	return out
}

func toKeyDTOs(list []model.KeyInfo) []keyDTO {
	out := make([]keyDTO, 0, len(list))
	for _, k := range list {
		out = append(out, toKeyDTO(k))
	}
	return out
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
