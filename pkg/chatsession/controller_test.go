package chatsession

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	mu sync.Mutex

	sendRequests []SendRequest
	sendErr      error
	resetCalls   []string
	resetErr     error
	loadCalls    int
	loadSender   string
	loadMessages []Message
	loadPrompt   string
	loadErr      error

	// transcriptAtSend records the transcript length observed when the send
	// call arrives, to check append-before-call ordering.
	controller       *Controller
	transcriptAtSend []int
}

func (b *stubBackend) SendMessage(_ context.Context, req SendRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendRequests = append(b.sendRequests, req)
	if b.controller != nil {
		b.transcriptAtSend = append(b.transcriptAtSend, len(b.controller.Messages()))
	}
	return b.sendErr
}

func (b *stubBackend) ResetSession(_ context.Context, senderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetCalls = append(b.resetCalls, senderID)
	return b.resetErr
}

func (b *stubBackend) LoadHistory(_ context.Context, senderID string, messages []Message, systemPrompt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadCalls++
	b.loadSender = senderID
	b.loadMessages = append([]Message(nil), messages...)
	b.loadPrompt = systemPrompt
	return b.loadErr
}

type stubDetacher struct {
	onDetach func()
}

func (d *stubDetacher) Detach() {
	if d.onDetach != nil {
		d.onDetach()
	}
}

type stubChannel struct {
	mu        sync.Mutex
	events    []string // "attach:<id>" and "detach:<id>" in call order
	onMessage func(Message)
	attachErr error
}

func (ch *stubChannel) Attach(_ context.Context, senderID string, onMessage func(Message)) (Detacher, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.attachErr != nil {
		return nil, ch.attachErr
	}
	ch.events = append(ch.events, "attach:"+senderID)
	ch.onMessage = onMessage
	return &stubDetacher{onDetach: func() {
		ch.mu.Lock()
		ch.events = append(ch.events, "detach:"+senderID)
		ch.mu.Unlock()
	}}, nil
}

func (ch *stubChannel) push(msg Message) {
	ch.mu.Lock()
	onMessage := ch.onMessage
	ch.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
}

func (ch *stubChannel) eventLog() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.events...)
}

type stubPreviews struct {
	mu          sync.Mutex
	tracked     []string
	invalidated int
}

func (p *stubPreviews) Track(messageSID, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked = append(p.tracked, messageSID)
}

func (p *stubPreviews) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated++
}

func newTestController(t *testing.T, b *stubBackend, ch *stubChannel, p *stubPreviews, cfg AgentConfig) *Controller {
	t.Helper()
	var channel Channel
	if ch != nil {
		channel = ch
	}
	var previews PreviewTracker
	if p != nil {
		previews = p
	}
	c, err := NewController(ControllerConfig{
		Backend:  b,
		Channel:  channel,
		Previews: previews,
		SenderID: "web:tester-01",
		Config:   cfg,
	})
	require.NoError(t, err)
	b.controller = c
	return c
}

func TestSendAppendsOptimisticallyBeforeCall(t *testing.T) {
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, DefaultConfig())

	require.NoError(t, c.Send(context.Background(), "hello backend"))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RoleSent, msgs[0].Role)
	require.Equal(t, "hello backend", msgs[0].Text)
	require.Len(t, b.sendRequests, 1)
	require.Equal(t, "hello backend", b.sendRequests[0].Body)
	require.Equal(t, "web:tester-01", b.sendRequests[0].From)
	require.Equal(t, msgs[0].SID, b.sendRequests[0].MessageSID)
	// Optimistic append happens strictly before the outbound call.
	require.Equal(t, []int{1}, b.transcriptAtSend)
	require.Equal(t, PhaseIdle, c.Phase())
}

func TestSendBlankTextIsNoOp(t *testing.T) {
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, DefaultConfig())

	require.NoError(t, c.Send(context.Background(), "   \n"))
	require.Empty(t, c.Messages())
	require.Empty(t, b.sendRequests)
}

func TestSendFailureRetainsOptimisticMessage(t *testing.T) {
	b := &stubBackend{sendErr: errors.New("backend send failed: status 500")}
	c := newTestController(t, b, nil, nil, DefaultConfig())

	require.NoError(t, c.Send(context.Background(), "doomed"))

	msgs := c.Messages()
	require.Len(t, msgs, 1, "failed send must not be rolled back")
	require.Equal(t, "doomed", msgs[0].Text)
	require.Contains(t, c.LastError(), "status 500")
	require.Equal(t, PhaseIdle, c.Phase())
}

func TestResetAndApplyAssistantStarter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConversationStarter = StarterAssistant
	cfg.FirstMessageAssistant = "Hi"
	b := &stubBackend{}
	p := &stubPreviews{}
	c := newTestController(t, b, nil, p, cfg)

	// Pre-existing transcript content must be cleared before any starter.
	require.NoError(t, c.Send(context.Background(), "old message"))

	require.NoError(t, c.ResetAndApply(context.Background()))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RoleReceived, msgs[0].Role)
	require.Equal(t, "Hi", msgs[0].Text)
	require.Equal(t, "Agent", msgs[0].SenderLabel)
	require.Equal(t, PhaseIdle, c.Phase())
	require.Equal(t, []string{"web:tester-01"}, b.resetCalls)
	require.Equal(t, 1, p.invalidated)
}

func TestResetAndApplyUserStarterTriggersSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConversationStarter = StarterUser
	cfg.FirstMessageUser = "Hello"
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, cfg)

	require.NoError(t, c.ResetAndApply(context.Background()))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RoleSent, msgs[0].Role)
	require.Equal(t, "Hello", msgs[0].Text)
	require.Len(t, b.sendRequests, 1)
	require.Equal(t, "Hello", b.sendRequests[0].Body)
	require.Equal(t, PhaseIdle, c.Phase())
}

func TestResetAndApplyBlankStarterLeavesEmptyTranscript(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FirstMessageAssistant = "  "
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, cfg)

	require.NoError(t, c.Send(context.Background(), "old"))
	require.NoError(t, c.ResetAndApply(context.Background()))

	require.Empty(t, c.Messages())
	require.Equal(t, PhaseIdle, c.Phase())
}

func TestResetFailureSeedsSystemErrorMessage(t *testing.T) {
	b := &stubBackend{resetErr: errors.New("quota exceeded")}
	c := newTestController(t, b, nil, nil, DefaultConfig())

	require.NoError(t, c.Send(context.Background(), "old"))
	require.NoError(t, c.ResetAndApply(context.Background()))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RoleSystem, msgs[0].Role)
	require.Equal(t, "Error: quota exceeded", msgs[0].Text)
	require.Equal(t, "quota exceeded", c.LastError())
	require.Equal(t, PhaseIdle, c.Phase())
	require.Empty(t, b.sendRequests[1:], "no starter message after failed reset")
}

func TestBusyRejectsSecondTransition(t *testing.T) {
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, DefaultConfig())

	c.mu.Lock()
	c.phase = PhaseResetting
	c.mu.Unlock()

	require.ErrorIs(t, c.Send(context.Background(), "hi"), ErrBusy)
	require.ErrorIs(t, c.ResetAndApply(context.Background()), ErrBusy)
	require.ErrorIs(t, c.ChangeSenderID(context.Background(), "web:other"), ErrBusy)
	require.ErrorIs(t, c.Load(context.Background(), sampleSnapshot()), ErrBusy)
}

func TestChangeSenderIDDetachesBeforeReattachAndResets(t *testing.T) {
	b := &stubBackend{}
	ch := &stubChannel{}
	c := newTestController(t, b, ch, nil, DefaultConfig())
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.ChangeSenderID(context.Background(), "web:tester-02"))

	require.Equal(t, []string{
		"attach:web:tester-01",
		"detach:web:tester-01",
		"attach:web:tester-02",
	}, ch.eventLog())
	require.Equal(t, "web:tester-02", c.SenderID())
	require.Equal(t, []string{"web:tester-02"}, b.resetCalls)
}

func TestChannelMessagesAppendInArrivalOrder(t *testing.T) {
	b := &stubBackend{}
	ch := &stubChannel{}
	p := &stubPreviews{}
	c := newTestController(t, b, ch, p, DefaultConfig())
	require.NoError(t, c.Start(context.Background()))

	ch.push(Message{SID: "BR1", Text: "first", Role: RoleReceived})
	ch.push(Message{SID: "BR2", Text: "second", Role: RoleReceived})

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Text)
	require.Equal(t, "second", msgs[1].Text)
	require.Equal(t, []string{"BR1", "BR2"}, p.tracked)
}

func TestLoadValidationFailureSkipsBackend(t *testing.T) {
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, DefaultConfig())

	snap := sampleSnapshot()
	snap.SenderID = ""
	err := c.Load(context.Background(), snap)
	require.Error(t, err)
	require.True(t, IsValidationError(err))
	require.Zero(t, b.loadCalls)
	require.Empty(t, c.Messages())
}

func TestLoadBackendFailureLeavesStateUntouched(t *testing.T) {
	b := &stubBackend{loadErr: errors.New("backend load-history failed: Service Unavailable")}
	c := newTestController(t, b, nil, nil, DefaultConfig())
	require.NoError(t, c.Send(context.Background(), "keep me"))

	require.NoError(t, c.Load(context.Background(), sampleSnapshot()))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "keep me", msgs[0].Text)
	require.Equal(t, "web:tester-01", c.SenderID())
	require.Contains(t, c.LastError(), "Service Unavailable")
	require.Equal(t, PhaseIdle, c.Phase())
}

func TestLoadReplacesStateAndAppendsConfirmation(t *testing.T) {
	b := &stubBackend{}
	ch := &stubChannel{}
	p := &stubPreviews{}
	c := newTestController(t, b, ch, p, DefaultConfig())
	require.NoError(t, c.Start(context.Background()))

	snap := sampleSnapshot()
	snap.SenderID = "web:loaded-07"
	require.NoError(t, c.Load(context.Background(), snap))

	require.Equal(t, snap.SenderID, c.SenderID())
	require.Equal(t, snap.Config, c.Config())
	msgs := c.Messages()
	require.Len(t, msgs, len(snap.Messages)+1)
	last := msgs[len(msgs)-1]
	require.Equal(t, RoleSystem, last.Role)
	require.Equal(t, "Conversation successfully loaded from file.", last.Text)

	require.Equal(t, 1, b.loadCalls)
	require.Equal(t, snap.SenderID, b.loadSender)
	require.Equal(t, snap.Config.SystemPrompt, b.loadPrompt)

	// Identity changed, so the channel was torn down and reattached.
	require.Equal(t, []string{
		"attach:web:tester-01",
		"detach:web:tester-01",
		"attach:" + snap.SenderID,
	}, ch.eventLog())

	require.Equal(t, 1, p.invalidated)
	require.Len(t, p.tracked, len(msgs))
}

func TestSaveLoadRoundTripThroughController(t *testing.T) {
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, DefaultConfig())
	require.NoError(t, c.Send(context.Background(), "message one"))
	require.NoError(t, c.Send(context.Background(), "message two"))

	data, err := c.SaveJSON()
	require.NoError(t, err)
	snap, err := ParseSnapshot(data)
	require.NoError(t, err)

	c2 := newTestController(t, &stubBackend{}, nil, nil, DefaultConfig())
	require.NoError(t, c2.Load(context.Background(), snap))

	msgs := c2.Messages()
	require.Len(t, msgs, 3) // two loaded + confirmation
	require.Equal(t, "message one", msgs[0].Text)
	require.Equal(t, "message two", msgs[1].Text)
	require.Equal(t, c.Config(), c2.Config())
	require.Equal(t, c.SenderID(), c2.SenderID())
}

func TestSetConfigTakesEffectOnNextReset(t *testing.T) {
	b := &stubBackend{}
	c := newTestController(t, b, nil, nil, DefaultConfig())

	cfg := c.Config()
	cfg.ConversationStarter = StarterAssistant
	cfg.FirstMessageAssistant = "Updated greeting"
	c.SetConfig(cfg)

	require.Empty(t, c.Messages(), "config change alone must not touch the transcript")
	require.NoError(t, c.ResetAndApply(context.Background()))
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "Updated greeting", msgs[0].Text)
}
