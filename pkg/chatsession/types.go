package chatsession

import (
	"context"
	"strings"
	"time"
)

// Role classifies a transcript message by its origin.
type Role string

const (
	RoleSent     Role = "sent"
	RoleReceived Role = "received"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSent, RoleReceived, RoleSystem:
		return true
	}
	return false
}

// Message is a single transcript entry. Messages are immutable once created
// and are only ever appended; append order is the canonical display order.
type Message struct {
	SID         string    `json:"sid"`
	Text        string    `json:"text"`
	Role        Role      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	SenderLabel string    `json:"senderName,omitempty"`
}

// Starter selects which side opens a conversation after a reset.
type Starter string

const (
	StarterUser      Starter = "user"
	StarterAssistant Starter = "assistant"
)

// AgentConfig describes the agent behavior applied on the next
// reset-and-apply. Changing it never affects the live transcript.
type AgentConfig struct {
	SystemPrompt          string  `json:"systemPrompt"`
	ConversationStarter   Starter `json:"conversationStarter"`
	FirstMessageUser      string  `json:"firstMessageUser"`
	FirstMessageAssistant string  `json:"firstMessageAssistant"`
}

// DefaultConfig returns the stock agent configuration.
func DefaultConfig() AgentConfig {
	return AgentConfig{
		SystemPrompt:          "You are a helpful AI assistant.",
		ConversationStarter:   StarterAssistant,
		FirstMessageUser:      "Hi, let's start a test conversation.",
		FirstMessageAssistant: "Hello! How can I help you today?",
	}
}

// SendRequest carries one outbound user message. Field names follow the
// backend's form contract.
type SendRequest struct {
	Body         string
	From         string
	ProfileName  string
	MessageSID   string
	SystemPrompt string
}

// Backend is the discrete request/response side of the engine. Implemented
// by backend.Client; swapped for stubs in tests.
type Backend interface {
	SendMessage(ctx context.Context, req SendRequest) error
	ResetSession(ctx context.Context, senderID string) error
	LoadHistory(ctx context.Context, senderID string, messages []Message, systemPrompt string) error
}

// Detacher tears down one channel attachment. Detach is synchronous: once it
// returns, no handler fires for the attached identity anymore.
type Detacher interface {
	Detach()
}

// Channel is the push side of the engine. One attachment exists per active
// sender identity; it must be detached before a new identity attaches.
type Channel interface {
	Attach(ctx context.Context, senderID string, onMessage func(Message)) (Detacher, error)
}

// PreviewTracker receives every appended message so link previews can be
// resolved out of band. Implemented by preview.Resolver.
type PreviewTracker interface {
	Track(messageSID, text string)
	InvalidateAll()
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
