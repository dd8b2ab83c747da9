// Package stream keeps the ordered, deduplicated message list of the active
// conversation.
package stream

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/chat"
	"github.com/matheus3301/fleetchat/internal/metrics"
)

// DefaultHistoryLimit is the number of messages fetched on open.
const DefaultHistoryLimit = 50

// Client is the REST surface the stream needs.
type Client interface {
	Messages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
	SendText(ctx context.Context, conversationID, text string) (chat.Message, error)
}

// Changed is the payload of a stream.changed event.
type Changed struct {
	Appended []string
	Replaced bool
}

// Stream holds the messages of one conversation. Every insert goes through
// identifier dedup, so a message seen via history, push and send response is
// stored once.
type Stream struct {
	conversationID string
	client         Client
	bus            *bus.Bus
	log            *zap.Logger

	mu       sync.Mutex
	closed   bool
	messages []chat.Message
	ids      map[string]struct{}
	loading  int
	pending  []chat.Message
}

// New creates an empty stream for conversationID.
func New(conversationID string, client Client, b *bus.Bus, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		conversationID: conversationID,
		client:         client,
		bus:            b,
		log:            log.With(zap.String("conversation", conversationID)),
		ids:            make(map[string]struct{}),
	}
}

// LoadHistory replaces the list with the most recent limit messages, sorted
// ascending by creation time. Live messages that arrive during the fetch are
// appended again after the replace. On failure the list is unchanged.
func (s *Stream) LoadHistory(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.loading++
	s.mu.Unlock()

	history, err := s.client.Messages(ctx, s.conversationID, limit)

	s.mu.Lock()
	s.loading--
	pending := s.pending
	if s.loading == 0 {
		s.pending = nil
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}

	slices.SortStableFunc(history, func(a, b chat.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	s.messages = s.messages[:0:0]
	s.ids = make(map[string]struct{}, len(history)+len(pending))
	for _, m := range history {
		s.insertLocked(m)
	}
	for _, m := range pending {
		s.insertLocked(m)
	}
	n := len(s.messages)
	s.mu.Unlock()

	s.log.Debug("history loaded", zap.Int("messages", n))
	s.bus.Notify(bus.StreamChanged, s.conversationID, Changed{Replaced: true})
	return nil
}

// OnLiveMessage appends a pushed message. Messages of other conversations and
// already known identifiers are ignored. It reports whether m was appended.
func (s *Stream) OnLiveMessage(m chat.Message) bool {
	if m.ConversationID != s.conversationID {
		return false
	}
	return s.add(m)
}

// SendText posts text and inserts the server's record through the dedup
// path. Nothing is inserted before the server acknowledges.
func (s *Stream) SendText(ctx context.Context, text string) (chat.Message, error) {
	m, err := s.client.SendText(ctx, s.conversationID, text)
	if err != nil {
		return chat.Message{}, err
	}
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	s.add(m)
	return m, nil
}

// Messages returns a copy of the list.
func (s *Stream) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Len returns the number of messages.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Close stops the stream from accepting further messages.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Stream) add(m chat.Message) bool {
	if m.ID == "" {
		return false
	}
	m.Normalize()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.loading > 0 {
		s.pending = append(s.pending, m)
	}
	ok := s.insertLocked(m)
	s.mu.Unlock()

	if !ok {
		metrics.MessagesDeduplicated.Inc()
		return false
	}
	s.bus.Notify(bus.StreamChanged, s.conversationID, Changed{Appended: []string{m.ID}})
	return true
}

func (s *Stream) insertLocked(m chat.Message) bool {
	if _, dup := s.ids[m.ID]; dup {
		return false
	}
	s.ids[m.ID] = struct{}{}
	s.messages = append(s.messages, m)
	return true
}
