package broadcast

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/identity"
)

const writeTimeout = 5 * time.Second

type Authenticator interface {
	Authenticate(ctx context.Context, creds identity.Credentials) (identity.Principal, error)
}

// Snapshotter supplies the frames sent to an observer right after it
// connects.
type Snapshotter interface {
	Tenants() []string
	Snapshot(tenantID string) Frame
}

// Handler serves the observer websocket. The bearer token comes from the
// Authorization header or the "token" query parameter; "tenant" narrows an
// admin subscription.
func (b *Broadcaster) Handler(auth Authenticator, snap Snapshotter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.Authenticate(r.Context(), identity.Credentials{Token: BearerToken(r)})
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sub, err := b.Subscribe(p, r.URL.Query().Get("tenant"))
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		defer b.Unsubscribe(sub)

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			b.logger.Warn("websocket accept error", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())
		if snap != nil {
			for _, tenant := range snap.Tenants() {
				if sub.wants(tenant) {
					if err := write(ctx, conn, snap.Snapshot(tenant)); err != nil {
						return
					}
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-sub.C():
				if !ok {
					conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
				if err := write(ctx, conn, f); err != nil {
					b.logger.Debug("observer write failed", zap.String("id", sub.ID), zap.Error(err))
					return
				}
			}
		}
	})
}

func write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// BearerToken extracts the token from "Authorization: Bearer <token>" or the
// token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
