// Package admin is the management API over the session registry: create,
// list, toggle and delete bot sessions, adjust tenant quotas and close
// conversations.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/broadcast"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/identity"
)

// Registry is the subset of the session registry the API drives.
type Registry interface {
	Create(ctx context.Context, tenantID string) (domain.BotSession, error)
	Terminate(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) (domain.BotSession, error)
	AdjustQuota(ctx context.Context, tenantID string, granted int) (domain.Tenant, error)
	CloseConversation(ctx context.Context, id string) error
	Session(id string) (domain.BotSession, error)
	Sessions(tenantID string) []domain.BotSession
	QR(id string) (string, error)
}

type Conversations interface {
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context, sessionID string) ([]domain.Conversation, error)
}

type contextKey string

const principalKey contextKey = "principal"

type Handler struct {
	registry Registry
	convs    Conversations
	identity identity.Provider
	logger   *zap.Logger
}

func NewHandler(reg Registry, convs Conversations, provider identity.Provider, logger *zap.Logger) *Handler {
	return &Handler{registry: reg, convs: convs, identity: provider, logger: logger.Named("admin")}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Use(h.Authenticate)

	router.HandleFunc("/tenants/{tenant}/sessions", h.CreateSession).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenant}/sessions", h.ListSessions).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{tenant}/quota", h.GetQuota).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{tenant}/quota", h.AdjustQuota).Methods(http.MethodPut)

	router.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	router.HandleFunc("/sessions/{id}/active", h.SetActive).Methods(http.MethodPut)
	router.HandleFunc("/sessions/{id}/qr", h.GetQR).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/conversations", h.ListConversations).Methods(http.MethodGet)

	router.HandleFunc("/conversations/{id}/close", h.CloseConversation).Methods(http.MethodPost)
}

// Authenticate resolves the bearer token to a principal.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := broadcast.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		p, err := h.identity.Authenticate(r.Context(), identity.Credentials{Token: token})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func PrincipalFrom(ctx context.Context) (identity.Principal, bool) {
	p, ok := ctx.Value(principalKey).(identity.Principal)
	return p, ok
}

// authorize fails with FORBIDDEN unless the caller may manage tenantID.
func authorize(r *http.Request, tenantID string) error {
	p, ok := PrincipalFrom(r.Context())
	if !ok || !p.CanSee(tenantID) {
		return fault.New(fault.CodeForbidden, "not allowed to manage tenant %s", tenantID)
	}
	return nil
}

// session loads the session named in the path and checks ownership.
func (h *Handler) session(r *http.Request) (domain.BotSession, error) {
	s, err := h.registry.Session(mux.Vars(r)["id"])
	if err != nil {
		return domain.BotSession{}, err
	}
	if err := authorize(r, s.TenantID); err != nil {
		return domain.BotSession{}, err
	}
	return s, nil
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if err := authorize(r, tenantID); err != nil {
		h.fail(w, err)
		return
	}
	s, err := h.registry.Create(r.Context(), tenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if err := authorize(r, tenantID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Sessions(tenantID))
}

func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if err := authorize(r, tenantID); err != nil {
		h.fail(w, err)
		return
	}
	q, err := h.identity.GetQuota(r.Context(), tenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// AdjustQuota is reserved to admins.
func (h *Handler) AdjustQuota(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if p.Role != identity.RoleAdmin {
		h.fail(w, fault.New(fault.CodeForbidden, "quota changes need the admin role"))
		return
	}
	var req struct {
		Granted *int `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Granted == nil {
		writeError(w, http.StatusBadRequest, "granted is required", "")
		return
	}
	t, err := h.registry.AdjustQuota(r.Context(), mux.Vars(r)["tenant"], *req.Granted)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := h.registry.Terminate(r.Context(), s.ID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required", "")
		return
	}
	s, err = h.registry.SetActive(r.Context(), s.ID, *req.Active)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) GetQR(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	code, err := h.registry.QR(s.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if code == "" {
		writeError(w, http.StatusNotFound, "no pairing code pending", string(fault.CodeNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	convs, err := h.convs.ListConversations(r.Context(), s.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.convs.GetConversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	s, err := h.registry.Session(conv.SessionID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := authorize(r, s.TenantID); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.registry.CloseConversation(r.Context(), conv.ID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusOf maps an error code to the HTTP status returned for it.
func StatusOf(err error) int {
	switch fault.CodeOf(err) {
	case fault.CodeForbidden:
		return http.StatusForbidden
	case fault.CodeSessionNotFound, fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeCreditExhausted, fault.CodeQuotaBelowConsumed, fault.CodeConversationClosed:
		return http.StatusConflict
	case fault.CodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error", "")
		return
	}
	writeError(w, status, err.Error(), string(fault.CodeOf(err)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
