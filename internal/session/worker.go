package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/conversation"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/pacing"
)

var ErrShutdown = errors.New("session registry is shut down")

// job is one unit of a conversation's queue: an inbound message, or a close
// request when done is set.
type job struct {
	text     string
	pushName string

	conversationID string
	done           chan error
}

// worker serializes everything that touches one client's conversation. At
// most one goroutine drains its queue at a time and exits once it is empty.
type worker struct {
	entry     *entry
	sessionID string
	handle    string

	// machine is only touched by the draining goroutine.
	machine *conversation.Machine

	mu      sync.Mutex
	queue   []job
	running bool
}

// worker returns the queue for handle, creating it on first use. Caller
// holds e.mu.
func (e *entry) worker(sessionID, handle string) *worker {
	w, ok := e.workers[handle]
	if !ok {
		w = &worker{entry: e, sessionID: sessionID, handle: handle}
		e.workers[handle] = w
	}
	return w
}

func (r *Registry) enqueue(w *worker, j job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrShutdown
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, j)
	if !w.running {
		w.running = true
		r.wg.Add(1)
		go r.drain(w)
	}
	return nil
}

func (r *Registry) drain(w *worker) {
	defer r.wg.Done()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.mu.Unlock()
			return
		}
		j := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if j.done != nil {
			j.done <- r.closeConversation(w, j.conversationID)
			continue
		}
		r.turn(w, j)
	}
}

// machine loads the client's latest conversation, starting a new one when
// the client has never written to this session.
func (r *Registry) machine(ctx context.Context, w *worker) (*conversation.Machine, error) {
	if w.machine != nil {
		return w.machine, nil
	}
	conv, err := r.Store.FindConversation(ctx, w.sessionID, w.handle)
	switch {
	case err == nil:
	case errors.Is(err, fault.ErrNotFound):
		now := r.now()
		conv = domain.Conversation{
			ID:           uuid.NewString(),
			SessionID:    w.sessionID,
			ClientHandle: w.handle,
			Status:       domain.ConversationOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := r.Store.SaveConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("save conversation: %w", err)
		}
	default:
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	w.machine = conversation.New(&conv, r.Catalog, r.Classifier,
		conversation.WithLogger(r.logger),
		conversation.WithClock(r.now))
	return w.machine, nil
}

// turn handles one inbound message: record it, let the state machine decide
// and, while the session can still send, compose and pace the reply. The
// reply is recorded only after the gateway accepted it.
func (r *Registry) turn(w *worker, j job) {
	w.entry.mu.Lock()
	ctx := w.entry.turns
	w.entry.mu.Unlock()
	live := ctx != nil && ctx.Err() == nil
	if !live {
		ctx = r.ctx
	}
	logger := r.logger.With(zap.String("session", w.sessionID), zap.String("client", w.handle))

	m, err := r.machine(ctx, w)
	if err != nil {
		logger.Error("load conversation failed", zap.Error(err))
		return
	}
	m.SetClientName(j.pushName)

	out, err := m.HandleInbound(ctx, j.text)
	if err != nil {
		logger.Info("inbound message rejected", zap.Error(err))
		return
	}
	r.save(m, out.Message)
	if out.Action == conversation.ActionNone {
		return
	}
	if !live {
		logger.Info("session offline, reply abandoned", zap.String("action", string(out.Action)))
		return
	}

	reply, err := r.Composer.Compose(ctx, out.Directive)
	if err != nil {
		logger.Warn("compose reply failed", zap.Error(err))
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}

	t := pacing.Turn{SessionID: w.sessionID, To: w.handle, InboundLength: utf8.RuneCountInString(j.text)}
	err = r.Pacer.Apply(ctx, t, r.Gateway, func(ctx context.Context) error {
		return r.Gateway.Send(ctx, w.sessionID, w.handle, reply)
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("turn abandoned, session went offline")
		} else {
			logger.Warn("send reply failed", zap.Error(err))
		}
		return
	}

	r.save(m, m.RecordReply(reply))
	r.touch(w.entry)
	logger.Debug("reply sent", zap.String("action", string(out.Action)))
}

func (r *Registry) save(m *conversation.Machine, msg domain.Message) {
	ctx := context.WithoutCancel(r.ctx)
	if err := r.Store.AppendMessage(ctx, msg); err != nil {
		r.logger.Error("append message failed", zap.String("conversation", msg.ConversationID), zap.Error(err))
	}
	if err := r.Store.SaveConversation(ctx, m.Snapshot()); err != nil {
		r.logger.Error("save conversation failed", zap.String("conversation", msg.ConversationID), zap.Error(err))
	}
}

func (r *Registry) touch(e *entry) {
	e.mu.Lock()
	e.session.LastActivity = r.now()
	r.persist(r.ctx, e)
	tenantID := e.session.TenantID
	e.mu.Unlock()
	r.publish(tenantID)
}

func (r *Registry) closeConversation(w *worker, id string) error {
	ctx := context.WithoutCancel(r.ctx)
	m, err := r.machine(ctx, w)
	if err != nil {
		return err
	}
	if m.Snapshot().ID != id {
		return r.closeRecord(ctx, id)
	}
	if !m.Close() {
		return nil
	}
	if err := r.Store.SaveConversation(ctx, m.Snapshot()); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	r.logger.Info("conversation closed", zap.String("conversation", id))
	return nil
}

func (r *Registry) closeRecord(ctx context.Context, id string) error {
	conv, err := r.Store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status == domain.ConversationClosed {
		return nil
	}
	conv.Status = domain.ConversationClosed
	conv.UpdatedAt = r.now()
	if err := r.Store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// CloseConversation closes a conversation on the tenant's behalf. The
// request is queued behind the conversation's pending messages; later
// inbound messages are rejected with CONVERSATION_CLOSED.
func (r *Registry) CloseConversation(ctx context.Context, id string) error {
	conv, err := r.Store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	e, err := r.lookup(conv.SessionID)
	if err != nil {
		return r.closeRecord(ctx, id)
	}

	e.mu.Lock()
	w := e.worker(conv.SessionID, conv.ClientHandle)
	e.mu.Unlock()

	done := make(chan error, 1)
	if err := r.enqueue(w, job{conversationID: id, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
