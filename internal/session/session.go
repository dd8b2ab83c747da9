// Package session ties the stream, presence tracker and roster of one
// conversation to the shared socket connection for as long as the
// conversation is on screen.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/chat"
	"github.com/matheus3301/fleetchat/internal/metrics"
	"github.com/matheus3301/fleetchat/internal/presence"
	"github.com/matheus3301/fleetchat/internal/roster"
	"github.com/matheus3301/fleetchat/internal/socket"
	"github.com/matheus3301/fleetchat/internal/stream"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultPollInterval      = 20 * time.Second
)

var (
	// ErrActive is returned by Activate on a session that is already active.
	ErrActive = errors.New("session already active")
	// ErrClosed is returned once a session has been deactivated.
	ErrClosed = errors.New("session closed")
)

// Connector hands out the shared connection.
type Connector interface {
	Acquire(ctx context.Context) (socket.Channel, error)
}

// Client is the REST surface of a session.
type Client interface {
	stream.Client
	roster.Client
}

// Config holds the session cadences.
type Config struct {
	HistoryLimit      int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock driving the heartbeat and poll timers.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithBus sets the bus for lifecycle events and store notifications.
func WithBus(b *bus.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithConfig overrides the cadences. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Session) {
		if cfg.HistoryLimit > 0 {
			s.cfg.HistoryLimit = cfg.HistoryLimit
		}
		if cfg.HeartbeatInterval > 0 {
			s.cfg.HeartbeatInterval = cfg.HeartbeatInterval
		}
		if cfg.PollInterval > 0 {
			s.cfg.PollInterval = cfg.PollInterval
		}
	}
}

// Session is the lifecycle of one conversation screen. Activate joins the
// conversation and starts the timers; Deactivate undoes all of it. A session
// is used once: after Deactivate a new one is needed.
type Session struct {
	conversationID string
	connector      Connector
	clock          clockwork.Clock
	bus            *bus.Bus
	log            *zap.Logger
	cfg            Config

	Stream   *stream.Stream
	Presence *presence.Tracker
	Roster   *roster.Roster

	mu       sync.Mutex
	active   bool
	closed   bool
	ch       socket.Channel
	offs     []func()
	cancel   context.CancelFunc
	tickers  []clockwork.Ticker
	wg       sync.WaitGroup
	stopOnce sync.Once

	// authFlagged suppresses repeated auth_required events until the
	// connection comes back.
	authFlagged atomic.Bool
	deleted     atomic.Bool
}

// New creates an inactive session for conversationID.
func New(conversationID string, connector Connector, client Client, opts ...Option) *Session {
	s := &Session{
		conversationID: conversationID,
		connector:      connector,
		clock:          clockwork.NewRealClock(),
		log:            zap.NewNop(),
		cfg: Config{
			HistoryLimit:      stream.DefaultHistoryLimit,
			HeartbeatInterval: DefaultHeartbeatInterval,
			PollInterval:      DefaultPollInterval,
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("conversation", conversationID))
	s.Presence = presence.NewTracker(conversationID, client, s.bus, s.log)
	s.Stream = stream.New(conversationID, client, s.bus, s.log)
	s.Roster = roster.New(conversationID, client, s.Presence, s.bus, s.log)
	return s
}

// ConversationID returns the conversation of the session.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Active reports whether the session is between Activate and Deactivate.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Deleted reports whether the conversation was deleted on the server while
// the session was active.
func (s *Session) Deleted() bool {
	return s.deleted.Load()
}

// Activate acquires the connection, joins the conversation room, subscribes
// to presence, asks for a snapshot and starts the heartbeat and poll timers.
// Push handlers are registered before the first emit so the snapshot reply
// cannot overtake them.
func (s *Session) Activate(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.active || s.ch != nil:
		s.mu.Unlock()
		return ErrActive
	}
	s.mu.Unlock()

	ch, err := s.connector.Acquire(ctx)
	if err != nil {
		return s.surface(err)
	}

	offs := s.listen(ch)
	if err := s.join(ch); err != nil {
		for _, off := range offs {
			off()
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	heartbeat := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	poll := s.clock.NewTicker(s.cfg.PollInterval)

	s.mu.Lock()
	if s.closed || s.ch != nil {
		closed := s.closed
		s.mu.Unlock()
		cancel()
		heartbeat.Stop()
		poll.Stop()
		for _, off := range offs {
			off()
		}
		if closed {
			s.leave(ch)
			return ErrClosed
		}
		return ErrActive
	}
	s.active = true
	s.ch = ch
	s.offs = offs
	s.cancel = cancel
	s.tickers = []clockwork.Ticker{heartbeat, poll}
	s.wg.Add(2)
	go s.heartbeatLoop(runCtx, ch, heartbeat)
	go s.pollLoop(runCtx, poll)
	if s.bus != nil {
		events, unsub := s.bus.Subscribe(bus.ConnAuthFailed, 4)
		s.wg.Add(1)
		go s.watchAuth(runCtx, events, unsub)
	}
	s.mu.Unlock()

	s.log.Info("session activated")
	s.bus.Notify(bus.SessionActivated, s.conversationID, nil)
	return nil
}

// Load fetches history, roster and conversation detail concurrently. The
// first failure is returned; stores that loaded keep their data.
func (s *Session) Load(ctx context.Context) error {
	if !s.Active() {
		return ErrClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Stream.LoadHistory(gctx, s.cfg.HistoryLimit) })
	g.Go(func() error { return s.Roster.Load(gctx) })
	g.Go(func() error { return s.Roster.LoadDetail(gctx) })
	return s.surface(g.Wait())
}

// SendText posts a text message. The message appears in the stream once the
// server acknowledges it.
func (s *Session) SendText(ctx context.Context, text string) (chat.Message, error) {
	if !s.Active() {
		return chat.Message{}, ErrClosed
	}
	m, err := s.Stream.SendText(ctx, text)
	return m, s.surface(err)
}

// AddMember adds a member with role.
func (s *Session) AddMember(ctx context.Context, memberID string, role chat.Role) (chat.Member, error) {
	if !s.Active() {
		return chat.Member{}, ErrClosed
	}
	m, err := s.Roster.AddMember(ctx, memberID, role)
	return m, s.surface(err)
}

// RemoveMember removes a member.
func (s *Session) RemoveMember(ctx context.Context, memberID string) error {
	if !s.Active() {
		return ErrClosed
	}
	return s.surface(s.Roster.RemoveMember(ctx, memberID))
}

// ChangeRole asks the server to change a member's role.
func (s *Session) ChangeRole(ctx context.Context, memberID string, role chat.Role) error {
	if !s.Active() {
		return ErrClosed
	}
	return s.surface(s.Roster.ChangeRole(ctx, memberID, role))
}

// Deactivate leaves the room, unsubscribes presence, removes every handler
// and stops both timers. It runs once and is safe on a session that was never
// activated. In-flight requests finish against closed stores and are dropped.
func (s *Session) Deactivate() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		wasActive := s.active
		s.closed = true
		s.active = false
		ch, offs, cancel, tickers := s.ch, s.offs, s.cancel, s.tickers
		s.offs, s.tickers = nil, nil
		s.mu.Unlock()

		if ch != nil {
			s.leave(ch)
		}
		for _, off := range offs {
			off()
		}
		for _, t := range tickers {
			t.Stop()
		}
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		s.Stream.Close()
		s.Presence.Close()
		s.Roster.Close()

		if wasActive {
			s.log.Info("session deactivated")
			s.bus.Notify(bus.SessionDeactivated, s.conversationID, nil)
		}
	})
}

func (s *Session) room() chat.RoomPayload {
	return chat.RoomPayload{ConversationID: s.conversationID}
}

// join emits join, subscribe and here, in that order.
func (s *Session) join(ch socket.Channel) error {
	if err := ch.Emit(chat.EmitJoinConversation, s.room()); err != nil {
		return err
	}
	if err := s.Presence.Subscribe(ch); err != nil {
		return err
	}
	return s.Presence.RequestHere(ch)
}

// leave emits leave and unsubscribe. Failures are only logged.
func (s *Session) leave(ch socket.Channel) {
	if err := ch.Emit(chat.EmitLeaveConversation, s.room()); err != nil {
		s.log.Debug("leave conversation failed", zap.Error(err))
	}
	if err := s.Presence.Unsubscribe(ch); err != nil {
		s.log.Debug("presence unsubscribe failed", zap.Error(err))
	}
}

func (s *Session) listen(ch socket.Channel) []func() {
	return []func(){
		ch.On(chat.EventMessageNew, s.onMessage),
		ch.On(chat.EventPresenceBulk, s.onPresenceBulk),
		ch.On(chat.EventPresenceUpdate, s.onPresenceUpdate),
		ch.On(chat.EventMemberAdded, s.onMemberAdded),
		ch.On(chat.EventMemberRemoved, s.onMemberRemoved),
		ch.On(chat.EventGroupUpdated, s.onGroupUpdated),
		ch.On(chat.EventGroupDeleted, s.onGroupDeleted),
		ch.On(socket.EventConnect, func(json.RawMessage) { s.rejoin(ch) }),
	}
}

func (s *Session) onMessage(data json.RawMessage) {
	var m chat.Message
	if !s.decode(chat.EventMessageNew, data, &m) || m.ConversationID != s.conversationID {
		return
	}
	s.Stream.OnLiveMessage(m)
}

func (s *Session) onPresenceBulk(data json.RawMessage) {
	var b chat.PresenceBulk
	if !s.decode(chat.EventPresenceBulk, data, &b) || b.ConversationID != s.conversationID {
		return
	}
	s.Presence.OnBulkSnapshot(b.ConversationID, b.States)
}

func (s *Session) onPresenceUpdate(data json.RawMessage) {
	var u chat.PresenceUpdate
	if !s.decode(chat.EventPresenceUpdate, data, &u) || u.ConversationID != s.conversationID {
		return
	}
	s.Presence.OnIncrementalUpdate(u.ConversationID, u.UserID, u.Presence)
}

func (s *Session) onMemberAdded(data json.RawMessage) {
	var a chat.MemberAdded
	if !s.decode(chat.EventMemberAdded, data, &a) || a.ConversationID != s.conversationID {
		return
	}
	s.Roster.OnMemberAdded(a.ConversationID, a.Member)
}

func (s *Session) onMemberRemoved(data json.RawMessage) {
	var r chat.MemberRemoved
	if !s.decode(chat.EventMemberRemoved, data, &r) || r.ConversationID != s.conversationID {
		return
	}
	s.Roster.OnMemberRemoved(r.ConversationID, r.MemberID)
}

func (s *Session) onGroupUpdated(data json.RawMessage) {
	var u chat.GroupUpdated
	if !s.decode(chat.EventGroupUpdated, data, &u) || u.ConversationID != s.conversationID {
		return
	}
	s.Roster.OnGroupUpdated(u)
}

// onGroupDeleted ends the session; a deleted conversation has nothing left to
// join or poll.
func (s *Session) onGroupDeleted(data json.RawMessage) {
	var g chat.GroupDeleted
	if !s.decode(chat.EventGroupDeleted, data, &g) || g.ConversationID != s.conversationID {
		return
	}
	if !s.Active() || s.deleted.Swap(true) {
		return
	}
	s.log.Info("conversation deleted")
	s.bus.Notify(bus.SessionDeleted, s.conversationID, nil)
	s.Deactivate()
}

func (s *Session) decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("bad socket payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

// rejoin restores the server-side room state after a reconnect.
func (s *Session) rejoin(ch socket.Channel) {
	if !s.Active() {
		return
	}
	s.authFlagged.Store(false)
	if err := s.join(ch); err != nil {
		s.log.Warn("rejoin failed", zap.Error(err))
		return
	}
	s.log.Debug("rejoined conversation")
}

func (s *Session) heartbeatLoop(ctx context.Context, ch socket.Channel, t clockwork.Ticker) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if err := s.Presence.Ping(ch); err != nil {
				s.log.Debug("presence ping failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) pollLoop(ctx context.Context, t clockwork.Ticker) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			s.poll(ctx)
		}
	}
}

// poll runs the presence and roster corrections. Failures are counted and
// retried on the next tick; only credential failures are reported.
func (s *Session) poll(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error { return s.pollFailed("presence", s.Presence.PollFallback(ctx)) })
	g.Go(func() error { return s.pollFailed("roster", s.Roster.PollRefresh(ctx)) })
	_ = g.Wait()
}

func (s *Session) pollFailed(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	metrics.PollFailures.WithLabelValues(name).Inc()
	if apierr.IsCredential(err) {
		s.authRequired(err)
		return err
	}
	s.log.Debug("poll failed", zap.String("poll", name), zap.Error(err))
	return err
}

func (s *Session) watchAuth(ctx context.Context, events <-chan bus.Event, unsub func()) {
	defer s.wg.Done()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			err, _ := evt.Payload.(error)
			if err == nil {
				err = apierr.ErrUnauthorized
			}
			s.authRequired(err)
		}
	}
}

// surface reports credential failures of foreground calls and returns err.
func (s *Session) surface(err error) error {
	if apierr.IsCredential(err) {
		s.authRequired(err)
	}
	return err
}

func (s *Session) authRequired(err error) {
	if s.authFlagged.Swap(true) {
		return
	}
	s.log.Error("authentication required", zap.Error(err))
	s.bus.Notify(bus.SessionAuthRequired, s.conversationID, err)
}
