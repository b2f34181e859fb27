// Package domain holds the records shared between the orchestrator, the
// record store and the admin surface.
package domain

import "time"

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Granted   int       `json:"granted"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SessionState string

const (
	SessionAwaitingLink SessionState = "awaiting_link"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionTerminated   SessionState = "terminated"
)

// BotSession is one agent's link to the messaging network, owned by exactly
// one tenant.
type BotSession struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenantId"`
	State        SessionState `json:"state"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
}

type ConversationStatus string

const (
	ConversationOpen         ConversationStatus = "open"
	ConversationAwaitingInfo ConversationStatus = "awaiting_info"
	ConversationEscalated    ConversationStatus = "escalated"
	ConversationClosed       ConversationStatus = "closed"
)

type Role string

const (
	RoleClient Role = "client"
	RoleAgent  Role = "agent"
)

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	At             time.Time `json:"at"`
}

// Conversation is one end client's thread inside a session. Field is empty
// until classification succeeds.
type Conversation struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"sessionId"`
	ClientHandle string             `json:"clientHandle"`
	ClientName   string             `json:"clientName,omitempty"`
	Field        string             `json:"field,omitempty"`
	Status       ConversationStatus `json:"status"`
	Messages     []Message          `json:"messages,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Presence is the chat-state indicator shown to the client.
type Presence string

const (
	PresenceTyping Presence = "typing"
	PresenceIdle   Presence = "idle"
)
