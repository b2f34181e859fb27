// Package credit enforces the per-tenant cap on simultaneously active bot
// sessions. A lease is one unit of granted quota held by one session.
package credit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/jurisbot/internal/identity"
)

// Lease is held by exactly one active session.
type Lease struct {
	ID         string
	TenantID   string
	AcquiredAt time.Time

	released atomic.Bool
}

func (l *Lease) Released() bool { return l.released.Load() }

func newLease(tenantID string) *Lease {
	return &Lease{ID: uuid.NewString(), TenantID: tenantID, AcquiredAt: time.Now()}
}

// QuotaSource reports how many credits a tenant was granted.
type QuotaSource interface {
	GetQuota(ctx context.Context, tenantID string) (identity.Quota, error)
}

// GrantFence is how long a grant recorded by SetGrant caps acquisitions.
// It covers the window in which a quota source may still report the old
// grant after the record store was updated.
const GrantFence = time.Minute

// Allocator hands out leases without ever exceeding a tenant's grant.
// Release is idempotent: releasing an already released or foreign lease is a
// no-op.
type Allocator interface {
	TryAcquire(ctx context.Context, tenantID string) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
	Consumed(ctx context.Context, tenantID string) (int, error)
	// Holds reports whether the allocator still counts lease as held.
	Holds(ctx context.Context, lease *Lease) (bool, error)
	// SetGrant atomically checks the held leases against granted and, when
	// they fit, caps further acquisitions at granted for GrantFence. It fails
	// with QUOTA_BELOW_CONSUMED otherwise. Callers persist the new grant
	// only after SetGrant succeeds.
	SetGrant(ctx context.Context, tenantID string, granted int) error
}

type ledger struct {
	mu     sync.Mutex
	leases map[string]*Lease

	fence      int
	fenceUntil time.Time
}

// limit is the effective grant: the quota source's value, lowered by an
// unexpired fence. Caller holds l.mu.
func (l *ledger) limit(granted int, now time.Time) int {
	if now.Before(l.fenceUntil) && l.fence < granted {
		return l.fence
	}
	return granted
}

// MemoryAllocator keeps leases in process, one mutex per tenant.
type MemoryAllocator struct {
	quotas QuotaSource
	now    func() time.Time

	mu      sync.Mutex
	tenants map[string]*ledger
}

func NewMemoryAllocator(quotas QuotaSource) *MemoryAllocator {
	return &MemoryAllocator{quotas: quotas, now: time.Now, tenants: make(map[string]*ledger)}
}

func (a *MemoryAllocator) ledger(tenantID string) *ledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.tenants[tenantID]
	if !ok {
		l = &ledger{leases: make(map[string]*Lease)}
		a.tenants[tenantID] = l
	}
	return l
}

func (a *MemoryAllocator) TryAcquire(ctx context.Context, tenantID string) (*Lease, error) {
	q, err := a.quotas.GetQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	l := a.ledger(tenantID)
	l.mu.Lock()
	defer l.mu.Unlock()

	granted := l.limit(q.Granted, a.now())
	if len(l.leases) >= granted {
		return nil, exhausted(tenantID, len(l.leases), granted)
	}
	lease := newLease(tenantID)
	l.leases[lease.ID] = lease
	return lease, nil
}

func (a *MemoryAllocator) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.Released() {
		return nil
	}
	l := a.ledger(lease.TenantID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.leases[lease.ID]; ok && held == lease {
		delete(l.leases, lease.ID)
		lease.released.Store(true)
	}
	return nil
}

func (a *MemoryAllocator) Consumed(ctx context.Context, tenantID string) (int, error) {
	l := a.ledger(tenantID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leases), nil
}

func (a *MemoryAllocator) Holds(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	l := a.ledger(lease.TenantID)
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.leases[lease.ID]
	return ok && held == lease, nil
}

func (a *MemoryAllocator) SetGrant(ctx context.Context, tenantID string, granted int) error {
	l := a.ledger(tenantID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.leases) > granted {
		return belowConsumed(tenantID, len(l.leases), granted)
	}
	l.fence = granted
	l.fenceUntil = a.now().Add(GrantFence)
	return nil
}
