// Package conversation implements the per-client intake state machine:
// classify the legal field, extract known facts, ask for the next missing
// one, and escalate to a human once the field's minimum is covered.
package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/extraction"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/selector"
)

// Classifier is the language-understanding collaborator. It returns a free
// text field label which the catalog resolves to a Field.
type Classifier interface {
	Classify(ctx context.Context, transcript []domain.Message) (string, error)
}

type Action string

const (
	ActionNone     Action = "none"
	ActionAsk      Action = "ask"
	ActionTriage   Action = "triage"
	ActionEscalate Action = "escalate"
)

// Outcome describes what the caller should do after an inbound message.
// Directive is set for every action except ActionNone.
type Outcome struct {
	Action    Action
	Directive selector.Directive
	Result    extraction.Result
	Message   domain.Message
}

type Machine struct {
	conv       *domain.Conversation
	catalog    *catalog.Catalog
	engine     *extraction.Engine
	classifier Classifier
	logger     *zap.Logger
	now        func() time.Time
	last       extraction.Result
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New wraps conv. A conversation without status starts Open. The machine
// takes ownership of conv; callers read it back through Snapshot.
func New(conv *domain.Conversation, c *catalog.Catalog, classifier Classifier, opts ...Option) *Machine {
	m := &Machine{
		conv:       conv,
		catalog:    c,
		engine:     extraction.NewEngine(c),
		classifier: classifier,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.conv.Status == "" {
		m.conv.Status = domain.ConversationOpen
	}
	m.logger = m.logger.With(zap.String("conversation", conv.ID))
	return m
}

func (m *Machine) Status() domain.ConversationStatus { return m.conv.Status }

func (m *Machine) Field() catalog.Field { return catalog.Field(m.conv.Field) }

func (m *Machine) LastResult() extraction.Result { return m.last }

// Snapshot returns a copy safe to hand to other goroutines.
func (m *Machine) Snapshot() domain.Conversation {
	c := *m.conv
	c.Messages = append([]domain.Message(nil), m.conv.Messages...)
	return c
}

// SetClientName records the contact's display name the first time it is
// seen.
func (m *Machine) SetClientName(name string) {
	if m.conv.ClientName == "" && name != "" {
		m.conv.ClientName = name
	}
}

// HandleInbound appends a client message and decides the next step. Closed
// conversations reject the message without touching the transcript.
func (m *Machine) HandleInbound(ctx context.Context, text string) (Outcome, error) {
	if m.conv.Status == domain.ConversationClosed {
		return Outcome{}, fault.New(fault.CodeConversationClosed, "conversation %s is closed", m.conv.ID)
	}

	msg := m.append(domain.RoleClient, text)
	out := Outcome{Action: ActionNone, Message: msg}

	if m.conv.Status == domain.ConversationEscalated {
		return out, nil
	}

	if m.conv.Field == "" {
		m.classify(ctx)
	}

	field := catalog.Field(m.conv.Field)
	if field == "" {
		m.conv.Status = domain.ConversationAwaitingInfo
		out.Action = ActionTriage
		out.Directive = selector.RenderTriage(m.conv.ClientName, m.conv.Messages)
		return out, nil
	}

	res := m.engine.Extract(m.conv.Messages, field)
	m.last = res
	out.Result = res

	next, ok := selector.SelectNext(res.Missing())
	if !ok {
		m.conv.Status = domain.ConversationEscalated
		m.logger.Info("intake complete, escalating",
			zap.String("field", string(field)),
			zap.Strings("found", res.FoundKeys()))
		out.Action = ActionEscalate
		out.Directive = selector.RenderHandoff(field, m.catalog.DisplayName(field), m.conv.ClientName, m.conv.Messages)
		return out, nil
	}

	m.conv.Status = domain.ConversationAwaitingInfo
	out.Action = ActionAsk
	out.Directive = selector.Render(next, field, m.catalog.DisplayName(field), m.conv.ClientName, m.conv.Messages)
	return out, nil
}

// RecordReply appends an agent message after it was actually sent.
func (m *Machine) RecordReply(text string) domain.Message {
	return m.append(domain.RoleAgent, text)
}

// Close marks the conversation Closed. It reports whether the status
// changed.
func (m *Machine) Close() bool {
	if m.conv.Status == domain.ConversationClosed {
		return false
	}
	m.conv.Status = domain.ConversationClosed
	m.conv.UpdatedAt = m.now()
	return true
}

// Escalate hands the conversation to a human without waiting for the
// catalog minimum.
func (m *Machine) Escalate() bool {
	switch m.conv.Status {
	case domain.ConversationClosed, domain.ConversationEscalated:
		return false
	}
	m.conv.Status = domain.ConversationEscalated
	m.conv.UpdatedAt = m.now()
	return true
}

func (m *Machine) classify(ctx context.Context) {
	if m.classifier == nil {
		m.logger.Warn("no classifier configured", zap.Error(fault.ErrUnclassifiedField))
		return
	}
	label, err := m.classifier.Classify(ctx, m.conv.Messages)
	if err != nil {
		m.logger.Warn("classification failed, continuing unstructured",
			zap.Error(fault.Wrap(fault.CodeUnclassifiedField, err, "classify")))
		return
	}
	field, ok := m.catalog.Resolve(label)
	if !ok {
		m.logger.Info("field not in catalog, continuing unstructured",
			zap.String("label", label),
			zap.Error(fault.ErrUnclassifiedField))
		return
	}
	m.conv.Field = string(field)
	m.logger.Info("field classified", zap.String("field", string(field)))
}

func (m *Machine) append(role domain.Role, text string) domain.Message {
	now := m.now()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: m.conv.ID,
		Role:           role,
		Text:           text,
		At:             now,
	}
	m.conv.Messages = append(m.conv.Messages, msg)
	m.conv.UpdatedAt = now
	return msg
}
