// Package broadcast fans session status out to realtime observers. Publishing
// never blocks: an observer whose buffer is full loses its oldest frame.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/identity"
)

type SessionStatus struct {
	ID           string              `json:"id"`
	State        domain.SessionState `json:"state"`
	LastActivity time.Time           `json:"lastActivity"`
}

// Frame is the full status of one tenant's sessions.
type Frame struct {
	TenantID string          `json:"tenantId"`
	Sessions []SessionStatus `json:"sessions"`
}

type Subscription struct {
	ID        string
	Principal identity.Principal
	// Tenant narrows an admin subscription to one tenant; empty means all
	// tenants the principal may see.
	Tenant string

	ch      chan Frame
	dropped atomic.Int64
}

// C delivers frames until the subscription is cancelled.
func (s *Subscription) C() <-chan Frame { return s.ch }

// Dropped counts frames discarded because the observer fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) wants(tenantID string) bool {
	if !s.Principal.CanSee(tenantID) {
		return false
	}
	return s.Tenant == "" || s.Tenant == tenantID
}

// offer queues f, evicting the oldest queued frame when the buffer is full.
func (s *Subscription) offer(f Frame) {
	for {
		select {
		case s.ch <- f:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

type Broadcaster struct {
	buffer int
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

func New(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{buffer: buffer, logger: logger.Named("broadcast"), subs: make(map[string]*Subscription)}
}

// Subscribe registers an observer. A tenant principal may only narrow to
// its own tenant.
func (b *Broadcaster) Subscribe(p identity.Principal, tenant string) (*Subscription, error) {
	if p.Role != identity.RoleAdmin {
		if p.Role != identity.RoleTenant || p.TenantID == "" {
			return nil, fault.New(fault.CodeForbidden, "principal %q cannot observe", p.Subject)
		}
		if tenant != "" && tenant != p.TenantID {
			return nil, fault.New(fault.CodeForbidden, "tenant %s cannot observe %s", p.TenantID, tenant)
		}
		tenant = p.TenantID
	}

	s := &Subscription{
		ID:        uuid.NewString(),
		Principal: p,
		Tenant:    tenant,
		ch:        make(chan Frame, b.buffer),
	}
	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	b.logger.Debug("observer subscribed", zap.String("id", s.ID), zap.String("tenant", tenant), zap.String("role", string(p.Role)))
	return s, nil
}

// Unsubscribe closes the subscription's channel. It is safe to call twice.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	close(s.ch)
	b.logger.Debug("observer unsubscribed", zap.String("id", s.ID), zap.Int64("dropped", s.Dropped()))
}

// Publish delivers f to every subscription allowed to see its tenant.
func (b *Broadcaster) Publish(f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.wants(f.TenantID) {
			s.offer(f)
		}
	}
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
