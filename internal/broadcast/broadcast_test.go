package broadcast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/identity"
)

var (
	tenantA = identity.Principal{Subject: "a", TenantID: "ta", Role: identity.RoleTenant}
	tenantB = identity.Principal{Subject: "b", TenantID: "tb", Role: identity.RoleTenant}
	admin   = identity.Principal{Subject: "root", Role: identity.RoleAdmin}
)

func frame(tenant string, state domain.SessionState) Frame {
	return Frame{TenantID: tenant, Sessions: []SessionStatus{{ID: tenant + "-s1", State: state}}}
}

func drain(s *Subscription) []Frame {
	var out []Frame
	for {
		select {
		case f := <-s.C():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestBroadcaster_TenantFiltering(t *testing.T) {
	b := New(8, zap.NewNop())
	subA, err := b.Subscribe(tenantA, "")
	require.NoError(t, err)
	subB, err := b.Subscribe(tenantB, "")
	require.NoError(t, err)
	subAdmin, err := b.Subscribe(admin, "")
	require.NoError(t, err)
	subAdminB, err := b.Subscribe(admin, "tb")
	require.NoError(t, err)

	b.Publish(frame("ta", domain.SessionConnected))
	b.Publish(frame("tb", domain.SessionDisconnected))

	gotA := drain(subA)
	require.Len(t, gotA, 1)
	assert.Equal(t, "ta", gotA[0].TenantID)

	gotB := drain(subB)
	require.Len(t, gotB, 1)
	assert.Equal(t, "tb", gotB[0].TenantID)

	assert.Len(t, drain(subAdmin), 2)

	gotAdminB := drain(subAdminB)
	require.Len(t, gotAdminB, 1)
	assert.Equal(t, "tb", gotAdminB[0].TenantID)
}

func TestBroadcaster_SubscribeAuthorization(t *testing.T) {
	b := New(1, zap.NewNop())

	_, err := b.Subscribe(tenantA, "tb")
	assert.ErrorIs(t, err, fault.ErrForbidden)

	_, err = b.Subscribe(identity.Principal{Role: identity.RoleTenant}, "")
	assert.ErrorIs(t, err, fault.ErrForbidden)

	_, err = b.Subscribe(identity.Principal{Role: "guest"}, "")
	assert.ErrorIs(t, err, fault.ErrForbidden)

	s, err := b.Subscribe(tenantA, "ta")
	require.NoError(t, err)
	assert.Equal(t, "ta", s.Tenant)
}

func TestBroadcaster_SlowObserverDropsOldest(t *testing.T) {
	b := New(2, zap.NewNop())
	s, err := b.Subscribe(tenantA, "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f := frame("ta", domain.SessionConnected)
			f.Sessions[0].LastActivity = time.Unix(int64(i), 0)
			b.Publish(f)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}

	got := drain(s)
	require.Len(t, got, 2)
	assert.Equal(t, int64(98), got[0].Sessions[0].LastActivity.Unix())
	assert.Equal(t, int64(99), got[1].Sessions[0].LastActivity.Unix())
	assert.Equal(t, int64(98), s.Dropped())
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New(1, zap.NewNop())
	s, err := b.Subscribe(admin, "")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	b.Unsubscribe(s)
	b.Unsubscribe(s)
	assert.Equal(t, 0, b.Len())
	_, ok := <-s.C()
	assert.False(t, ok)

	b.Publish(frame("ta", domain.SessionConnected))

	s2, _ := b.Subscribe(admin, "")
	b.Close()
	_, ok = <-s2.C()
	assert.False(t, ok)
}

type tokenAuth map[string]identity.Principal

func (a tokenAuth) Authenticate(ctx context.Context, creds identity.Credentials) (identity.Principal, error) {
	p, ok := a[creds.Token]
	if !ok {
		return identity.Principal{}, errors.New("bad token")
	}
	return p, nil
}

type staticSnap map[string]Frame

func (s staticSnap) Tenants() []string {
	return []string{"ta", "tb"}
}

func (s staticSnap) Snapshot(tenantID string) Frame { return s[tenantID] }

func TestHandler_WebSocket(t *testing.T) {
	b := New(4, zap.NewNop())
	auth := tokenAuth{"tok-a": tenantA}
	snap := staticSnap{"ta": frame("ta", domain.SessionAwaitingLink), "tb": frame("tb", domain.SessionConnected)}
	srv := httptest.NewServer(b.Handler(auth, snap))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.Dial(ctx, url+"?token=nope", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer tok-a"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	var first Frame
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "ta", first.TenantID)
	assert.Equal(t, domain.SessionAwaitingLink, first.Sessions[0].State)

	require.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, 10*time.Millisecond)
	b.Publish(frame("tb", domain.SessionConnected))
	b.Publish(frame("ta", domain.SessionConnected))

	var next Frame
	require.NoError(t, wsjson.Read(ctx, conn, &next))
	assert.Equal(t, "ta", next.TenantID)
	assert.Equal(t, domain.SessionConnected, next.Sessions[0].State)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return b.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", BearerToken(r))
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", BearerToken(r))
}
