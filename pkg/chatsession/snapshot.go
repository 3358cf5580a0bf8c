package chatsession

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Snapshot is the transportable serialization of a session: identity, agent
// configuration and the full transcript. Round-trip contract: loading a
// saved snapshot reproduces every field except SavedAt.
type Snapshot struct {
	SenderID string      `json:"senderId"`
	Config   AgentConfig `json:"config"`
	Messages []Message   `json:"messages"`
	SavedAt  time.Time   `json:"savedAt"`
}

// ParseSnapshot decodes and structurally validates snapshot JSON. Any
// failure is a *ValidationError; no backend interaction happens here.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, &ValidationError{Reason: "not valid JSON: " + err.Error()}
	}
	if err := validateSnapshot(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func validateSnapshot(snap Snapshot) error {
	if blank(snap.SenderID) {
		return &ValidationError{Reason: "missing sender identity"}
	}
	if blank(snap.Config.SystemPrompt) {
		return &ValidationError{Reason: "missing system prompt"}
	}
	switch snap.Config.ConversationStarter {
	case StarterUser, StarterAssistant, "":
	default:
		return &ValidationError{Reason: "unknown conversation starter " + string(snap.Config.ConversationStarter)}
	}
	if snap.Messages == nil {
		return &ValidationError{Reason: "missing messages"}
	}
	for i, m := range snap.Messages {
		if blank(m.SID) {
			return &ValidationError{Reason: "message without sid at index " + strconv.Itoa(i)}
		}
		if !m.Role.Valid() {
			return &ValidationError{Reason: "message with unknown role " + string(m.Role)}
		}
	}
	return nil
}

func (s Snapshot) MarshalIndent() ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot")
	}
	return b, nil
}
