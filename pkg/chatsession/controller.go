package chatsession

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is the controller's current transition. Exactly one session-altering
// transition may be active at a time.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseResetting
	PhaseLoading
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseResetting:
		return "resetting"
	case PhaseLoading:
		return "loading"
	default:
		return "idle"
	}
}

// ControllerConfig wires a Controller to its collaborators.
type ControllerConfig struct {
	Backend     Backend
	Channel     Channel
	Previews    PreviewTracker
	SenderID    string
	ProfileName string
	Config      AgentConfig
	Logger      *zerolog.Logger
	// OnUpdate fires after every externally visible state change. It is
	// invoked without the controller lock held and may call accessors.
	OnUpdate func()
}

// Controller owns the session state: transcript, sender identity, agent
// configuration, the single-transition phase and the last error string. It
// is the only writer of that state; the channel adapter and the preview
// resolver feed it through callbacks. All appends are serialized by the
// controller's mutex, so the transcript never sees a torn append even though
// call results and channel pushes are independent producers.
type Controller struct {
	mu sync.Mutex

	backend  Backend
	channel  Channel
	previews PreviewTracker
	logger   zerolog.Logger
	onUpdate func()

	senderID    string
	profileName string
	config      AgentConfig
	messages    []Message
	phase       Phase
	lastErr     string

	baseCtx context.Context
	detach  Detacher
}

// NewController validates the wiring and returns an idle controller. Call
// Start to attach the realtime channel.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, errors.New("controller backend is nil")
	}
	if blank(cfg.SenderID) {
		return nil, errors.New("controller sender identity is empty")
	}
	logger := log.With().Str("component", "chatsession").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "chatsession").Logger()
	}
	config := cfg.Config
	if config == (AgentConfig{}) {
		config = DefaultConfig()
	}
	profileName := cfg.ProfileName
	if blank(profileName) {
		profileName = "Agent Tester UI"
	}
	return &Controller{
		backend:     cfg.Backend,
		channel:     cfg.Channel,
		previews:    cfg.Previews,
		logger:      logger,
		onUpdate:    cfg.OnUpdate,
		senderID:    strings.TrimSpace(cfg.SenderID),
		profileName: profileName,
		config:      config,
	}, nil
}

// Start attaches the realtime channel for the current sender identity.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.baseCtx = ctx
	senderID := c.senderID
	c.mu.Unlock()
	return c.attachChannel(ctx, senderID)
}

// Close detaches the realtime channel. The controller stays usable for
// request/response calls afterwards, but receives no more pushes.
func (c *Controller) Close() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	if detach != nil {
		detach.Detach()
	}
}

// Send appends an optimistic sent message and issues the outbound call.
// Blank text is a no-op. Returns ErrBusy while another transition is
// active. Backend failures are recovered into LastError; the optimistic
// message is retained, since the agent's asynchronous reply (if any) still
// arrives through the channel regardless of this call's outcome.
func (c *Controller) Send(ctx context.Context, text string) error {
	if blank(text) {
		return nil
	}
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.phase = PhaseSending
	c.lastErr = ""
	c.mu.Unlock()

	c.sendLockedOut(ctx, text)
	return nil
}

// sendLockedOut runs the body of a send. The caller must already have moved
// the phase to PhaseSending; the phase is back at PhaseIdle on return.
func (c *Controller) sendLockedOut(ctx context.Context, text string) {
	msg := Message{
		SID:       GenerateSID(text, "U", PrefixUserSent),
		Text:      text,
		Role:      RoleSent,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.appendLocked(msg)
	senderID := c.senderID
	systemPrompt := c.config.SystemPrompt
	profileName := c.profileName
	c.mu.Unlock()
	c.notify()

	err := c.backend.SendMessage(ctx, SendRequest{
		Body:         text,
		From:         senderID,
		ProfileName:  profileName,
		MessageSID:   msg.SID,
		SystemPrompt: systemPrompt,
	})

	c.mu.Lock()
	if err != nil {
		c.lastErr = err.Error()
		c.logger.Warn().Err(err).Str("sid", msg.SID).Msg("send call failed, optimistic message retained")
	}
	c.phase = PhaseIdle
	c.mu.Unlock()
	c.notify()
}

// ResetAndApply resets the backend session and re-seeds the transcript
// according to the conversation-starter protocol. The stored agent
// configuration takes effect here and nowhere else.
func (c *Controller) ResetAndApply(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.phase = PhaseResetting
	c.lastErr = ""
	c.mu.Unlock()

	c.resetLockedOut(ctx)
	return nil
}

func (c *Controller) resetLockedOut(ctx context.Context) {
	c.mu.Lock()
	senderID := c.senderID
	c.mu.Unlock()

	if err := c.backend.ResetSession(ctx, senderID); err != nil {
		msg := err.Error()
		c.logger.Warn().Err(err).Msg("backend reset failed")
		c.mu.Lock()
		c.messages = []Message{{
			SID:       GenerateSID(msg, "E", PrefixSystem),
			Text:      "Error: " + msg,
			Role:      RoleSystem,
			Timestamp: time.Now(),
		}}
		c.lastErr = msg
		c.phase = PhaseIdle
		c.mu.Unlock()
		c.invalidatePreviews()
		c.notify()
		return
	}

	c.mu.Lock()
	c.messages = nil
	cfg := c.config
	c.mu.Unlock()
	c.invalidatePreviews()
	c.logger.Info().Str("starter", string(cfg.ConversationStarter)).Msg("session reset")

	switch {
	case cfg.ConversationStarter == StarterAssistant && !blank(cfg.FirstMessageAssistant):
		starter := Message{
			SID:         GenerateSID(cfg.FirstMessageAssistant, "A", PrefixStarterAssistant),
			Text:        cfg.FirstMessageAssistant,
			Role:        RoleReceived,
			Timestamp:   time.Now(),
			SenderLabel: "Agent",
		}
		c.mu.Lock()
		c.appendLocked(starter)
		c.phase = PhaseIdle
		c.mu.Unlock()
		c.notify()
	case cfg.ConversationStarter == StarterUser && !blank(cfg.FirstMessageUser):
		// Sending sub-step of the reset transition.
		c.mu.Lock()
		c.phase = PhaseSending
		c.mu.Unlock()
		c.notify()
		c.sendLockedOut(ctx, cfg.FirstMessageUser)
	default:
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
		c.notify()
	}
}

// ChangeSenderID switches the sender identity: the channel is detached and
// reattached for the new identity (in that order, synchronously, so no
// handler ever fires against a stale identity), then the backend session is
// reset unconditionally.
func (c *Controller) ChangeSenderID(ctx context.Context, newID string) error {
	newID = strings.TrimSpace(newID)
	if newID == "" {
		return errors.New("sender identity is empty")
	}
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.phase = PhaseResetting
	c.lastErr = ""
	c.senderID = newID
	base := c.baseCtx
	c.mu.Unlock()
	c.notify()

	if base == nil {
		base = ctx
	}
	if err := c.reattachChannel(base, newID); err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("sender_id", newID).Msg("channel reattach failed")
	}

	c.resetLockedOut(ctx)
	return nil
}

// SetConfig stores a new agent configuration. It takes effect on the next
// ResetAndApply, never retroactively.
func (c *Controller) SetConfig(cfg AgentConfig) {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.notify()
}

// Load validates a snapshot, replicates it on the backend, then replaces the
// local identity, configuration and transcript. Validation failures are
// returned as *ValidationError without touching the backend; backend
// failures leave local state untouched and only surface through LastError.
func (c *Controller) Load(ctx context.Context, snap Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.notify()
		return err
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.phase = PhaseLoading
	c.lastErr = ""
	previousSender := c.senderID
	base := c.baseCtx
	c.mu.Unlock()
	c.notify()

	err := c.backend.LoadHistory(ctx, snap.SenderID, snap.Messages, snap.Config.SystemPrompt)
	if err != nil {
		c.logger.Warn().Err(err).Msg("backend load-history failed, local state untouched")
		c.mu.Lock()
		c.lastErr = err.Error()
		c.phase = PhaseIdle
		c.mu.Unlock()
		c.notify()
		return nil
	}

	confirmation := Message{
		SID:       GenerateSID("Conversation loaded.", "S", PrefixSystem),
		Text:      "Conversation successfully loaded from file.",
		Role:      RoleSystem,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.senderID = snap.SenderID
	c.config = snap.Config
	c.messages = append([]Message(nil), snap.Messages...)
	c.messages = append(c.messages, confirmation)
	tracked := append([]Message(nil), c.messages...)
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.invalidatePreviews()
	if c.previews != nil {
		for _, m := range tracked {
			c.previews.Track(m.SID, m.Text)
		}
	}
	if snap.SenderID != previousSender {
		if base == nil {
			base = ctx
		}
		if err := c.reattachChannel(base, snap.SenderID); err != nil {
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			c.logger.Warn().Err(err).Str("sender_id", snap.SenderID).Msg("channel reattach failed after load")
		}
	}
	c.logger.Info().Int("messages", len(tracked)).Str("sender_id", snap.SenderID).Msg("conversation loaded")
	c.notify()
	return nil
}

// Save serializes the current session to a snapshot. Pure: no backend call,
// no state change.
func (c *Controller) Save() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SenderID: c.senderID,
		Config:   c.config,
		Messages: append([]Message(nil), c.messages...),
		SavedAt:  time.Now(),
	}
}

// SaveJSON is Save rendered to indented JSON.
func (c *Controller) SaveJSON() ([]byte, error) {
	return c.Save().MarshalIndent()
}

// Messages returns a copy of the transcript in append order.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *Controller) SenderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderID
}

func (c *Controller) Config() AgentConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Busy() bool {
	return c.Phase() != PhaseIdle
}

// handleChannelMessage appends an inbound agent message. Channel pushes are
// applied in arrival order and are independent of any outstanding call, so
// the phase is deliberately not consulted here.
func (c *Controller) handleChannelMessage(msg Message) {
	c.mu.Lock()
	c.appendLocked(msg)
	c.mu.Unlock()
	c.notify()
}

// appendLocked appends msg and registers it with the preview tracker.
func (c *Controller) appendLocked(msg Message) {
	c.messages = append(c.messages, msg)
	if c.previews != nil {
		c.previews.Track(msg.SID, msg.Text)
	}
}

func (c *Controller) attachChannel(ctx context.Context, senderID string) error {
	if c.channel == nil {
		return nil
	}
	detach, err := c.channel.Attach(ctx, senderID, c.handleChannelMessage)
	if err != nil {
		return errors.Wrap(err, "attach channel")
	}
	c.mu.Lock()
	c.detach = detach
	c.mu.Unlock()
	return nil
}

// reattachChannel tears the current attachment down before opening a new
// one, preventing duplicate room membership or cross-identity leakage.
func (c *Controller) reattachChannel(ctx context.Context, senderID string) error {
	if c.channel == nil {
		return nil
	}
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	if detach != nil {
		detach.Detach()
	}
	return c.attachChannel(ctx, senderID)
}

func (c *Controller) invalidatePreviews() {
	if c.previews != nil {
		c.previews.InvalidateAll()
	}
}

func (c *Controller) notify() {
	if c.onUpdate != nil {
		c.onUpdate()
	}
}
