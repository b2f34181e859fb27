package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/identity"
)

const secret = "admin-test-secret"

type fakeRegistry struct {
	sessions   map[string]domain.BotSession
	granted    map[string]int
	closed     []string
	terminated []string
	qr         map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions: map[string]domain.BotSession{
			"s-a": {ID: "s-a", TenantID: "ta", State: domain.SessionConnected, Active: true},
			"s-b": {ID: "s-b", TenantID: "tb", State: domain.SessionAwaitingLink, Active: true},
		},
		granted: map[string]int{"ta": 1, "tb": 2},
		qr:      map[string]string{"s-b": "2@pair"},
	}
}

func (f *fakeRegistry) Create(ctx context.Context, tenantID string) (domain.BotSession, error) {
	n := 0
	for _, s := range f.sessions {
		if s.TenantID == tenantID && s.Active {
			n++
		}
	}
	if n >= f.granted[tenantID] {
		return domain.BotSession{}, fault.New(fault.CodeCreditExhausted, "tenant %s has no credit", tenantID)
	}
	s := domain.BotSession{ID: "s-new", TenantID: tenantID, State: domain.SessionAwaitingLink, Active: true}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeRegistry) Terminate(ctx context.Context, id string) error {
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeRegistry) SetActive(ctx context.Context, id string, active bool) (domain.BotSession, error) {
	s := f.sessions[id]
	s.Active = active
	if !active {
		s.State = domain.SessionDisconnected
	}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeRegistry) AdjustQuota(ctx context.Context, tenantID string, granted int) (domain.Tenant, error) {
	if granted < 1 {
		return domain.Tenant{}, fault.New(fault.CodeQuotaBelowConsumed, "below consumption")
	}
	f.granted[tenantID] = granted
	return domain.Tenant{ID: tenantID, Granted: granted, Active: true}, nil
}

func (f *fakeRegistry) CloseConversation(ctx context.Context, id string) error {
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeRegistry) Session(id string) (domain.BotSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return domain.BotSession{}, fault.New(fault.CodeSessionNotFound, "session %s not found", id)
	}
	return s, nil
}

func (f *fakeRegistry) Sessions(tenantID string) []domain.BotSession {
	var out []domain.BotSession
	for _, s := range f.sessions {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeRegistry) QR(id string) (string, error) {
	return f.qr[id], nil
}

type fakeConversations map[string]domain.Conversation

func (f fakeConversations) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	c, ok := f[id]
	if !ok {
		return domain.Conversation{}, fault.New(fault.CodeNotFound, "conversation %s not found", id)
	}
	return c, nil
}

func (f fakeConversations) ListConversations(ctx context.Context, sessionID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for _, c := range f {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

type tenantTable map[string]domain.Tenant

func (t tenantTable) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	tenant, ok := t[id]
	if !ok {
		return domain.Tenant{}, fault.New(fault.CodeNotFound, "tenant %s not found", id)
	}
	return tenant, nil
}

func (t tenantTable) CountActiveSessions(ctx context.Context, tenantID string) (int, error) {
	return 1, nil
}

type apiTest struct {
	t      *testing.T
	reg    *fakeRegistry
	router *mux.Router
}

func newAPI(t *testing.T) *apiTest {
	reg := newFakeRegistry()
	convs := fakeConversations{
		"c-a": {ID: "c-a", SessionID: "s-a", ClientHandle: "5511", Status: domain.ConversationAwaitingInfo},
		"c-b": {ID: "c-b", SessionID: "s-b", ClientHandle: "5522", Status: domain.ConversationOpen},
	}
	provider := identity.NewJWTProvider(secret, tenantTable{
		"ta": {ID: "ta", Granted: 1, Active: true},
		"tb": {ID: "tb", Granted: 2, Active: true},
	})

	router := mux.NewRouter()
	NewHandler(reg, convs, provider, zap.NewNop()).RegisterRoutes(router.PathPrefix("/api").Subrouter())
	return &apiTest{t: t, reg: reg, router: router}
}

func token(t *testing.T, p identity.Principal) string {
	t.Helper()
	tok, err := identity.IssueToken(secret, p, time.Hour)
	require.NoError(t, err)
	return tok
}

var (
	tenantA = identity.Principal{Subject: "office-a", TenantID: "ta", Role: identity.RoleTenant}
	root    = identity.Principal{Subject: "ops", Role: identity.RoleAdmin}
)

func (a *apiTest) do(p *identity.Principal, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+token(a.t, *p))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAPI_RequiresToken(t *testing.T) {
	a := newAPI(t)

	rec := a.do(nil, http.MethodGet, "/api/tenants/ta/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/ta/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_TenantScoping(t *testing.T) {
	a := newAPI(t)

	rec := a.do(&tenantA, http.MethodGet, "/api/tenants/ta/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[[]domain.BotSession](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-a", sessions[0].ID)

	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/tenants/tb/sessions", ""},
		{http.MethodPost, "/api/tenants/tb/sessions", ""},
		{http.MethodGet, "/api/sessions/s-b", ""},
		{http.MethodDelete, "/api/sessions/s-b", ""},
		{http.MethodPut, "/api/sessions/s-b/active", `{"active":false}`},
		{http.MethodGet, "/api/sessions/s-b/qr", ""},
		{http.MethodPost, "/api/conversations/c-b/close", ""},
		{http.MethodPut, "/api/tenants/ta/quota", `{"granted":5}`},
	}
	for _, tt := range tests {
		rec := a.do(&tenantA, tt.method, tt.path, tt.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tt.method, tt.path)
		assert.Equal(t, string(fault.CodeForbidden), decode[map[string]string](t, rec)["code"])
	}
	assert.Empty(t, a.reg.terminated)
	assert.Empty(t, a.reg.closed)

	rec = a.do(&root, http.MethodGet, "/api/sessions/s-b", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_CreateSession(t *testing.T) {
	a := newAPI(t)

	rec := a.do(&root, http.MethodPost, "/api/tenants/tb/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	s := decode[domain.BotSession](t, rec)
	assert.Equal(t, "tb", s.TenantID)
	assert.Equal(t, domain.SessionAwaitingLink, s.State)

	rec = a.do(&tenantA, http.MethodPost, "/api/tenants/ta/sessions", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(fault.CodeCreditExhausted), decode[map[string]string](t, rec)["code"])
}

func TestAPI_SessionLifecycle(t *testing.T) {
	a := newAPI(t)

	rec := a.do(&tenantA, http.MethodPut, "/api/sessions/s-a/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[domain.BotSession](t, rec)
	assert.False(t, s.Active)
	assert.Equal(t, domain.SessionDisconnected, s.State)

	rec = a.do(&tenantA, http.MethodPut, "/api/sessions/s-a/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(&tenantA, http.MethodDelete, "/api/sessions/s-a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s-a"}, a.reg.terminated)

	rec = a.do(&tenantA, http.MethodGet, "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(fault.CodeSessionNotFound), decode[map[string]string](t, rec)["code"])
}

func TestAPI_QRAndConversations(t *testing.T) {
	a := newAPI(t)

	rec := a.do(&root, http.MethodGet, "/api/sessions/s-b/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@pair", decode[map[string]string](t, rec)["code"])

	rec = a.do(&tenantA, http.MethodGet, "/api/sessions/s-a/qr", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(&tenantA, http.MethodGet, "/api/sessions/s-a/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	convs := decode[[]domain.Conversation](t, rec)
	require.Len(t, convs, 1)
	assert.Equal(t, "c-a", convs[0].ID)

	rec = a.do(&tenantA, http.MethodPost, "/api/conversations/c-a/close", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"c-a"}, a.reg.closed)

	rec = a.do(&tenantA, http.MethodPost, "/api/conversations/nope/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Quota(t *testing.T) {
	a := newAPI(t)

	rec := a.do(&tenantA, http.MethodGet, "/api/tenants/ta/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[identity.Quota](t, rec)
	assert.Equal(t, identity.Quota{Granted: 1, Consumed: 1}, q)

	rec = a.do(&root, http.MethodPut, "/api/tenants/ta/quota", `{"granted":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decode[domain.Tenant](t, rec).Granted)

	rec = a.do(&root, http.MethodPut, "/api/tenants/ta/quota", `{"granted":0}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(fault.CodeQuotaBelowConsumed), decode[map[string]string](t, rec)["code"])

	rec = a.do(&root, http.MethodPut, "/api/tenants/ta/quota", `nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(fault.New(fault.CodeGatewayUnavailable, "down")))
	assert.Equal(t, http.StatusConflict, StatusOf(fault.ErrConversationClosed))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(assert.AnError))
}
