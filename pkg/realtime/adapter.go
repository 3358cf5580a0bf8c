// Package realtime owns the persistent push channel to the agent backend.
// One attachment exists per active sender identity; the attachment
// announces the identity on every successful (re)connect so the backend can
// route pushes to the right room.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/chatsession"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	MsgTypeJoin         = "join"
	MsgTypeAgentMessage = "agent_message"
)

type joinPayload struct {
	SenderNumber string `json:"senderNumber"`
}

type agentMessagePayload struct {
	Text string `json:"text"`
	SID  string `json:"sid,omitempty"`
}

// Adapter dials the backend's realtime websocket endpoint.
type Adapter struct {
	endpoint string
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

var _ chatsession.Channel = (*Adapter)(nil)

type Option func(*Adapter)

func WithDialer(d *websocket.Dialer) Option {
	return func(a *Adapter) {
		if d != nil {
			a.dialer = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

func NewAdapter(endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		endpoint: endpoint,
		dialer:   websocket.DefaultDialer,
		logger:   log.With().Str("component", "realtime").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach opens the channel for senderID: dial, announce the identity, then
// forward every inbound agent_message to onMessage in arrival order. The
// first dial is synchronous and its failure is returned; afterwards the
// attachment reconnects with exponential backoff and re-announces the
// identity on every successful reconnect.
func (a *Adapter) Attach(ctx context.Context, senderID string, onMessage func(chatsession.Message)) (chatsession.Detacher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if onMessage == nil {
		return nil, errors.New("onMessage handler is nil")
	}

	conn, err := a.dialAndJoin(ctx, senderID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	h.setConn(conn)
	go a.run(runCtx, h, senderID, onMessage, conn)
	return h, nil
}

// Handle detaches one attachment. Detach is idempotent and synchronous: it
// returns only after the read loop has stopped, so no handler fires for the
// old identity once a new attach begins.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func (h *Handle) Detach() {
	h.cancel()
	h.mu.Lock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.mu.Unlock()
	<-h.done
}

func (h *Handle) setConn(conn *websocket.Conn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
}

// run owns connection teardown on cancellation: Detach may fire while a
// reconnect dial is in flight, when there is no conn for it to close, so
// every connection gets a watcher that closes it once the context ends and
// a redial that outlives the cancel is closed before the loop re-enters.
func (a *Adapter) run(ctx context.Context, h *Handle, senderID string, onMessage func(chatsession.Message), conn *websocket.Conn) {
	defer close(h.done)
	logger := a.logger.With().Str("sender_id", senderID).Logger()
	for {
		stopWatch := watchConn(ctx, conn)
		a.readLoop(conn, onMessage, logger)
		stopWatch()
		h.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			logger.Debug().Msg("channel detached")
			return
		}
		logger.Info().Msg("channel lost, reconnecting")
		var err error
		conn, err = a.redial(ctx, senderID)
		if err != nil {
			logger.Debug().Err(err).Msg("reconnect abandoned")
			return
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			logger.Debug().Msg("channel detached during reconnect")
			return
		}
		h.setConn(conn)
		logger.Info().Msg("channel reconnected, identity re-announced")
	}
}

// watchConn closes conn when ctx ends, unblocking a ReadMessage that nothing
// else can reach. The returned stop func releases the watcher.
func watchConn(ctx context.Context, conn *websocket.Conn) func() {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

func (a *Adapter) readLoop(conn *websocket.Conn, onMessage func(chatsession.Message), logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("read loop end")
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn().Err(err).Msg("dropping malformed channel frame")
			continue
		}
		if env.Type != MsgTypeAgentMessage {
			continue
		}
		var payload agentMessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logger.Warn().Err(err).Msg("dropping malformed agent_message payload")
			continue
		}
		sid := payload.SID
		if sid == "" {
			sid = chatsession.GenerateSID(payload.Text, "B", chatsession.PrefixAgentReceived)
		}
		onMessage(chatsession.Message{
			SID:         sid,
			Text:        payload.Text,
			Role:        chatsession.RoleReceived,
			Timestamp:   time.Now(),
			SenderLabel: "Agent",
		})
	}
}

// dialAndJoin opens a connection and immediately declares the sender
// identity so the backend routes subsequent pushes to it.
func (a *Adapter) dialAndJoin(ctx context.Context, senderID string) (*websocket.Conn, error) {
	conn, resp, err := a.dialer.DialContext(ctx, a.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial realtime endpoint %s", a.endpoint)
	}
	data, err := json.Marshal(joinPayload{SenderNumber: senderID})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "marshal join payload")
	}
	env, err := json.Marshal(Envelope{Type: MsgTypeJoin, Data: data})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "marshal join envelope")
	}
	if err := conn.WriteMessage(websocket.TextMessage, env); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "announce identity")
	}
	return conn, nil
}

func (a *Adapter) redial(ctx context.Context, senderID string) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return backoff.RetryWithData(func() (*websocket.Conn, error) {
		return a.dialAndJoin(ctx, senderID)
	}, backoff.WithContext(bo, ctx))
}
