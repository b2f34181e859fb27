package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/bus"
	"github.com/stellarlinkco/jurisbot/internal/credit"
	"github.com/stellarlinkco/jurisbot/internal/domain"
)

// Dispatch queues evt behind the session's earlier events and returns at
// once. Each session drains its own queue, so a slow gateway or allocator
// call for one session never delays events of another.
func (r *Registry) Dispatch(evt bus.Event) {
	e, err := r.lookup(evt.SessionID)
	if err != nil {
		r.HandleEvent(r.ctx, evt)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Info("event after shutdown dropped",
			zap.String("kind", string(evt.Kind)), zap.String("session", evt.SessionID))
		return
	}
	e.evMu.Lock()
	defer e.evMu.Unlock()
	e.pending = append(e.pending, evt)
	if !e.dispatching {
		e.dispatching = true
		r.wg.Add(1)
		go r.drainEvents(e)
	}
}

func (r *Registry) drainEvents(e *entry) {
	defer r.wg.Done()
	for {
		e.evMu.Lock()
		if len(e.pending) == 0 {
			e.dispatching = false
			e.evMu.Unlock()
			return
		}
		evt := e.pending[0]
		e.pending = e.pending[1:]
		e.evMu.Unlock()

		r.HandleEvent(r.ctx, evt)
	}
}

// HandleEvent applies one gateway event. Events for unknown or terminated
// sessions are logged and dropped.
func (r *Registry) HandleEvent(ctx context.Context, evt bus.Event) {
	e, err := r.lookup(evt.SessionID)
	if err != nil {
		r.logger.Warn("event for unknown session",
			zap.String("kind", string(evt.Kind)), zap.String("session", evt.SessionID))
		return
	}
	if e.snapshot().State == domain.SessionTerminated {
		r.logger.Info("event for terminated session ignored",
			zap.String("kind", string(evt.Kind)), zap.String("session", evt.SessionID))
		return
	}

	switch evt.Kind {
	case bus.EventConnected:
		r.connected(ctx, e)
	case bus.EventDisconnected:
		if evt.Reason == bus.ReasonLoggedOut {
			r.logger.Info("device unlinked, terminating session", zap.String("session", evt.SessionID))
			if err := r.Terminate(ctx, evt.SessionID); err != nil {
				r.logger.Error("terminate unlinked session failed", zap.String("session", evt.SessionID), zap.Error(err))
			}
			return
		}
		r.disconnected(ctx, e)
	case bus.EventIncoming:
		r.incoming(e, evt)
	case bus.EventQR:
		e.mu.Lock()
		if e.session.State == domain.SessionAwaitingLink {
			e.qr = evt.Code
		}
		e.mu.Unlock()
	default:
		r.logger.Warn("unknown event kind", zap.String("kind", string(evt.Kind)))
	}
}

func (r *Registry) connected(ctx context.Context, e *entry) {
	e.mu.Lock()
	id := e.session.ID
	if !e.session.Active {
		e.mu.Unlock()
		r.logger.Info("inactive session connected, tearing down", zap.String("session", id))
		if err := r.Gateway.Disconnect(ctx, id); err != nil {
			r.logger.Warn("disconnect inactive session failed", zap.String("session", id), zap.Error(err))
		}
		return
	}

	e.stopGrace()
	if e.lease == nil {
		lease, err := r.Credits.TryAcquire(ctx, e.session.TenantID)
		if err != nil {
			e.session.State = domain.SessionDisconnected
			r.persist(ctx, e)
			tenantID := e.session.TenantID
			e.mu.Unlock()
			r.logger.Warn("reconnect denied, tearing down", zap.String("session", id), zap.Error(err))
			if err := r.Gateway.Disconnect(ctx, id); err != nil {
				r.logger.Warn("disconnect denied session failed", zap.String("session", id), zap.Error(err))
			}
			r.publish(tenantID)
			return
		}
		e.lease = lease
	}

	e.session.State = domain.SessionConnected
	e.session.LastActivity = r.now()
	e.qr = ""
	r.openTurns(e)
	r.persist(ctx, e)
	tenantID := e.session.TenantID
	e.mu.Unlock()

	r.logger.Info("session connected", zap.String("session", id))
	r.publish(tenantID)
}

// disconnected keeps the lease for the reconnect grace window. A reconnect
// inside the window reuses it; otherwise it is released when the window
// closes.
func (r *Registry) disconnected(ctx context.Context, e *entry) {
	e.mu.Lock()
	id := e.session.ID
	if e.session.State == domain.SessionTerminated {
		e.mu.Unlock()
		return
	}
	e.session.State = domain.SessionDisconnected
	e.session.LastActivity = r.now()
	e.closeTurns()
	e.stopGrace()

	var lease *credit.Lease
	if e.lease != nil {
		if r.grace <= 0 {
			lease = e.takeLease()
		} else {
			held := e.lease
			e.graceTimer = time.AfterFunc(r.grace, func() { r.expireGrace(e, held) })
		}
	}
	r.persist(ctx, e)
	tenantID := e.session.TenantID
	e.mu.Unlock()

	r.release(lease)
	r.logger.Info("session disconnected", zap.String("session", id), zap.Duration("grace", r.grace))
	r.publish(tenantID)
}

func (r *Registry) expireGrace(e *entry, held *credit.Lease) {
	e.mu.Lock()
	if e.session.State != domain.SessionDisconnected || e.lease != held {
		e.mu.Unlock()
		return
	}
	lease := e.takeLease()
	e.graceTimer = nil
	id := e.session.ID
	e.mu.Unlock()

	r.release(lease)
	r.logger.Info("reconnect grace expired, credit released", zap.String("session", id))
}

func (r *Registry) incoming(e *entry, evt bus.Event) {
	e.mu.Lock()
	if !e.session.Active {
		e.mu.Unlock()
		r.logger.Info("message for inactive session dropped", zap.String("session", evt.SessionID))
		return
	}
	e.session.LastActivity = r.now()
	w := e.worker(evt.SessionID, evt.From)
	e.mu.Unlock()

	if err := r.enqueue(w, job{text: evt.Text, pushName: evt.PushName}); err != nil {
		r.logger.Warn("inbound message dropped", zap.String("session", evt.SessionID), zap.Error(err))
	}
}
