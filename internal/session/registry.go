// Package session owns the lifecycle of bot sessions. The Registry is the
// only component that changes a session's state: gateway events and tenant
// actions both go through its transition methods, and every transition that
// ends a session's claim on the tenant's quota releases its lease exactly
// once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/broadcast"
	"github.com/stellarlinkco/jurisbot/internal/bus"
	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/conversation"
	"github.com/stellarlinkco/jurisbot/internal/credit"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/llm"
	"github.com/stellarlinkco/jurisbot/internal/pacing"
	"github.com/stellarlinkco/jurisbot/internal/store"
)

// Gateway is the messaging transport as seen by the registry.
type Gateway interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	Send(ctx context.Context, sessionID, to, text string) error
	SetPresence(ctx context.Context, sessionID, to string, p domain.Presence) error
}

type Pacer interface {
	Apply(ctx context.Context, turn pacing.Turn, ind pacing.Indicator, send func(context.Context) error) error
}

type Publisher interface {
	Publish(f broadcast.Frame)
}

// Deps are the collaborators a Registry drives.
type Deps struct {
	Store      store.Store
	Credits    credit.Allocator
	Gateway    Gateway
	Catalog    *catalog.Catalog
	Classifier conversation.Classifier
	Composer   llm.Composer
	Pacer      Pacer
	Publisher  Publisher
}

type Option func(*Registry)

// WithReconnectGrace sets how long a gateway-dropped session keeps its
// lease. Zero releases it on disconnect.
func WithReconnectGrace(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	Deps
	grace  time.Duration
	logger *zap.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	sessions map[string]*entry

	// parked holds leases whose release failed; the credit audit retries them.
	parkMu  sync.Mutex
	parked  []*credit.Lease
	releaseBackOff func() backoff.BackOff
}

const releaseTries = 4

// entry is the in-memory owner of one session. Lock order is Registry.mu
// before entry.mu; entry.mu is never held while taking Registry.mu.
type entry struct {
	mu      sync.Mutex
	session domain.BotSession
	lease   *credit.Lease
	qr      string

	// turns is cancelled when the session stops being able to send.
	turns       context.Context
	cancelTurns context.CancelFunc
	graceTimer  *time.Timer

	workers map[string]*worker

	// evMu guards the gateway event queue; it is independent of mu.
	evMu        sync.Mutex
	pending     []bus.Event
	dispatching bool
}

func New(deps Deps, opts ...Option) *Registry {
	r := &Registry{
		Deps:           deps,
		logger:         zap.NewNop(),
		now:            time.Now,
		sessions:       make(map[string]*entry),
		releaseBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("session")
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fault.New(fault.CodeSessionNotFound, "session %s not found", id)
	}
	return e, nil
}

func (r *Registry) add(e *entry) {
	r.mu.Lock()
	r.sessions[e.session.ID] = e
	r.mu.Unlock()
}

// openTurns gives the session a fresh turn context. Caller holds e.mu.
func (r *Registry) openTurns(e *entry) {
	if e.turns != nil && e.turns.Err() == nil {
		return
	}
	e.turns, e.cancelTurns = context.WithCancel(r.ctx)
}

// closeTurns abandons every in-flight turn of the session. Caller holds e.mu.
func (e *entry) closeTurns() {
	if e.cancelTurns != nil {
		e.cancelTurns()
	}
	e.turns, e.cancelTurns = nil, nil
}

func (e *entry) stopGrace() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
}

// takeLease detaches the session's lease so that exactly one caller
// releases it. Caller holds e.mu.
func (e *entry) takeLease() *credit.Lease {
	l := e.lease
	e.lease = nil
	return l
}

func (r *Registry) release(lease *credit.Lease) {
	if lease == nil {
		return
	}
	// Teardown must finish even when the caller's request is gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.Credits.Release(ctx, lease)
	}, backoff.WithBackOff(r.releaseBackOff()), backoff.WithMaxTries(releaseTries))
	if err == nil {
		return
	}
	r.logger.Error("release lease failed, parked for the credit audit",
		zap.String("tenant", lease.TenantID),
		zap.String("lease", lease.ID),
		zap.Error(err))
	r.parkMu.Lock()
	r.parked = append(r.parked, lease)
	r.parkMu.Unlock()
}

// RetryReleases releases the parked leases again and returns how many are
// still parked afterwards.
func (r *Registry) RetryReleases(ctx context.Context) (int, error) {
	r.parkMu.Lock()
	parked := r.parked
	r.parked = nil
	r.parkMu.Unlock()

	var left []*credit.Lease
	var errs error
	for _, lease := range parked {
		if err := r.Credits.Release(ctx, lease); err != nil {
			left = append(left, lease)
			errs = errors.Join(errs, err)
			continue
		}
		r.logger.Info("parked lease released",
			zap.String("tenant", lease.TenantID),
			zap.String("lease", lease.ID))
	}
	if len(left) == 0 {
		return 0, nil
	}
	r.parkMu.Lock()
	r.parked = append(r.parked, left...)
	n := len(r.parked)
	r.parkMu.Unlock()
	return n, errs
}

// persist writes the session row. Caller holds e.mu.
func (r *Registry) persist(ctx context.Context, e *entry) {
	if err := r.Store.SaveSession(context.WithoutCancel(ctx), e.session); err != nil {
		r.logger.Error("save session failed", zap.String("session", e.session.ID), zap.Error(err))
	}
}

func (r *Registry) publish(tenantID string) {
	if r.Publisher == nil {
		return
	}
	r.Publisher.Publish(r.Snapshot(tenantID))
}

// Create acquires a lease for tenantID, records a new session and asks the
// gateway to start linking it.
func (r *Registry) Create(ctx context.Context, tenantID string) (domain.BotSession, error) {
	lease, err := r.Credits.TryAcquire(ctx, tenantID)
	if err != nil {
		return domain.BotSession{}, err
	}

	now := r.now()
	e := &entry{
		session: domain.BotSession{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			State:        domain.SessionAwaitingLink,
			Active:       true,
			CreatedAt:    now,
			LastActivity: now,
		},
		lease:   lease,
		workers: make(map[string]*worker),
	}
	if err := r.Store.SaveSession(ctx, e.session); err != nil {
		r.release(lease)
		return domain.BotSession{}, fmt.Errorf("save session: %w", err)
	}
	e.mu.Lock()
	r.openTurns(e)
	e.mu.Unlock()
	r.add(e)

	if err := r.Gateway.Connect(ctx, e.session.ID); err != nil {
		r.logger.Warn("connect new session failed, terminating",
			zap.String("session", e.session.ID), zap.Error(err))
		_ = r.Terminate(ctx, e.session.ID)
		return domain.BotSession{}, fault.Wrap(fault.CodeGatewayUnavailable, err, "connect session %s", e.session.ID)
	}

	r.logger.Info("session created", zap.String("session", e.session.ID), zap.String("tenant", tenantID))
	r.publish(tenantID)
	return e.snapshot(), nil
}

// Terminate ends a session for good and releases its lease. Terminating a
// terminated session is a no-op.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.session.State == domain.SessionTerminated {
		e.mu.Unlock()
		return nil
	}
	e.session.State = domain.SessionTerminated
	e.session.Active = false
	e.session.LastActivity = r.now()
	e.qr = ""
	e.closeTurns()
	e.stopGrace()
	lease := e.takeLease()
	r.persist(ctx, e)
	tenantID := e.session.TenantID
	e.mu.Unlock()

	if err := r.Gateway.Disconnect(ctx, id); err != nil {
		r.logger.Warn("disconnect terminated session failed", zap.String("session", id), zap.Error(err))
	}
	r.release(lease)

	r.logger.Info("session terminated", zap.String("session", id), zap.String("tenant", tenantID))
	r.publish(tenantID)
	return nil
}

// SetActive toggles a session. Turning it off disconnects it and returns its
// credit; turning it on acquires a fresh lease and reconnects, failing with
// CREDIT_EXHAUSTED when the tenant has none to spare.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) (domain.BotSession, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.BotSession{}, err
	}
	if active {
		return r.activate(ctx, e)
	}
	return r.deactivate(ctx, e)
}

func (r *Registry) deactivate(ctx context.Context, e *entry) (domain.BotSession, error) {
	e.mu.Lock()
	if e.session.State == domain.SessionTerminated {
		e.mu.Unlock()
		return domain.BotSession{}, fault.New(fault.CodeSessionNotFound, "session %s is terminated", e.session.ID)
	}
	if !e.session.Active {
		s := e.session
		e.mu.Unlock()
		return s, nil
	}
	e.session.Active = false
	e.session.State = domain.SessionDisconnected
	e.session.LastActivity = r.now()
	e.closeTurns()
	e.stopGrace()
	lease := e.takeLease()
	r.persist(ctx, e)
	s := e.session
	e.mu.Unlock()

	if err := r.Gateway.Disconnect(ctx, s.ID); err != nil {
		r.logger.Warn("disconnect session failed", zap.String("session", s.ID), zap.Error(err))
	}
	r.release(lease)

	r.logger.Info("session deactivated", zap.String("session", s.ID))
	r.publish(s.TenantID)
	return s, nil
}

func (r *Registry) activate(ctx context.Context, e *entry) (domain.BotSession, error) {
	e.mu.Lock()
	if e.session.State == domain.SessionTerminated {
		e.mu.Unlock()
		return domain.BotSession{}, fault.New(fault.CodeSessionNotFound, "session %s is terminated", e.session.ID)
	}
	if e.session.Active {
		s := e.session
		e.mu.Unlock()
		return s, nil
	}
	lease, err := r.Credits.TryAcquire(ctx, e.session.TenantID)
	if err != nil {
		e.mu.Unlock()
		return domain.BotSession{}, err
	}
	e.lease = lease
	e.session.Active = true
	e.session.LastActivity = r.now()
	r.openTurns(e)
	r.persist(ctx, e)
	s := e.session
	e.mu.Unlock()

	if err := r.Gateway.Connect(ctx, s.ID); err != nil {
		e.mu.Lock()
		e.session.Active = false
		e.closeTurns()
		lease := e.takeLease()
		r.persist(ctx, e)
		e.mu.Unlock()
		r.release(lease)
		return domain.BotSession{}, fault.Wrap(fault.CodeGatewayUnavailable, err, "connect session %s", s.ID)
	}

	r.logger.Info("session activated", zap.String("session", s.ID))
	r.publish(s.TenantID)
	return s, nil
}

// AdjustQuota changes the tenant's granted credits. A grant below the number
// of leases currently held is rejected with QUOTA_BELOW_CONSUMED. The
// allocator checks and fences the new grant in one step; the record store is
// written only after that succeeded.
func (r *Registry) AdjustQuota(ctx context.Context, tenantID string, granted int) (domain.Tenant, error) {
	if granted < 0 {
		return domain.Tenant{}, fault.New(fault.CodeQuotaBelowConsumed, "granted must not be negative")
	}
	t, err := r.Store.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.Tenant{}, err
	}
	if err := r.Credits.SetGrant(ctx, tenantID, granted); err != nil {
		return domain.Tenant{}, err
	}
	t.Granted = granted
	t.UpdatedAt = r.now()
	if err := r.Store.UpsertTenant(ctx, t); err != nil {
		return domain.Tenant{}, fmt.Errorf("save tenant: %w", err)
	}
	r.logger.Info("quota adjusted", zap.String("tenant", tenantID), zap.Int("granted", granted))
	return t, nil
}

// Restore loads persisted sessions after a restart. Active sessions get a
// fresh lease and are reconnected; those that no longer fit the tenant's
// quota are restored inactive.
func (r *Registry) Restore(ctx context.Context) error {
	sessions, err := r.Store.ListSessions(ctx, "")
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	restored := 0
	for _, s := range sessions {
		if s.State == domain.SessionTerminated {
			continue
		}
		if _, err := r.lookup(s.ID); err == nil {
			continue
		}
		e := &entry{session: s, workers: make(map[string]*worker)}
		if s.State == domain.SessionConnected {
			e.session.State = domain.SessionDisconnected
		}

		if s.Active {
			lease, err := r.Credits.TryAcquire(ctx, s.TenantID)
			if err != nil {
				r.logger.Warn("cannot restore session as active",
					zap.String("session", s.ID), zap.String("tenant", s.TenantID), zap.Error(err))
				e.session.Active = false
			} else {
				e.lease = lease
				r.openTurns(e)
			}
		}
		r.persist(ctx, e)
		r.add(e)

		if e.session.Active {
			if err := r.Gateway.Connect(ctx, s.ID); err != nil {
				r.logger.Warn("reconnect restored session failed", zap.String("session", s.ID), zap.Error(err))
			}
		}
		restored++
	}

	r.logger.Info("sessions restored", zap.Int("count", restored))
	for _, t := range r.Tenants() {
		r.publish(t)
	}
	return nil
}

// Shutdown abandons in-flight turns, waits for conversation workers and
// hands back every held lease. The persisted active flags are kept so that
// Restore brings the sessions back.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for conversation workers: %w", ctx.Err())
	}

	for _, e := range entries {
		e.mu.Lock()
		e.closeTurns()
		e.stopGrace()
		lease := e.takeLease()
		e.mu.Unlock()
		r.release(lease)
	}
	if n, err := r.RetryReleases(ctx); err != nil {
		return fmt.Errorf("%d leases left unreleased: %w", n, err)
	}
	return nil
}

func (e *entry) snapshot() domain.BotSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Session returns the current state of one session.
func (r *Registry) Session(id string) (domain.BotSession, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.BotSession{}, err
	}
	return e.snapshot(), nil
}

// QR returns the pending pairing code of a session awaiting link.
func (r *Registry) QR(id string) (string, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.qr, nil
}

// Sessions lists a tenant's sessions, oldest first. An empty tenantID lists
// all of them.
func (r *Registry) Sessions(tenantID string) []domain.BotSession {
	r.mu.RLock()
	out := make([]domain.BotSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		s := e.snapshot()
		if tenantID == "" || s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Tenants lists every tenant with at least one known session.
func (r *Registry) Tenants() []string {
	seen := make(map[string]struct{})
	for _, s := range r.Sessions("") {
		seen[s.TenantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Snapshot(tenantID string) broadcast.Frame {
	f := broadcast.Frame{TenantID: tenantID, Sessions: []broadcast.SessionStatus{}}
	for _, s := range r.Sessions(tenantID) {
		f.Sessions = append(f.Sessions, broadcast.SessionStatus{
			ID:           s.ID,
			State:        s.State,
			LastActivity: s.LastActivity,
		})
	}
	return f
}

// Leases counts the leases the registry holds per tenant.
func (r *Registry) Leases() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range r.sessions {
		e.mu.Lock()
		if e.lease != nil {
			out[e.session.TenantID]++
		}
		e.mu.Unlock()
	}
	return out
}

// AuditLeases returns the ids of sessions whose lease the allocator no
// longer counts as held. Only this registry's leases are checked, so leases
// of other replicas sharing the allocator never show up. Each lease is
// checked under its session's lock and cannot change while being checked.
func (r *Registry) AuditLeases(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var lost []string
	for _, e := range entries {
		e.mu.Lock()
		id, lease := e.session.ID, e.lease
		held := true
		var err error
		if lease != nil {
			held, err = r.Credits.Holds(ctx, lease)
		}
		e.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("check lease of %s: %w", id, err)
		}
		if !held {
			lost = append(lost, id)
		}
	}
	sort.Strings(lost)
	return lost, nil
}

var _ broadcast.Snapshotter = (*Registry)(nil)
