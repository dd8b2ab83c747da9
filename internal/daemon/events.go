package daemon

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/bus"
	"github.com/matheus3301/fleetchat/internal/status"
	"github.com/matheus3301/fleetchat/internal/store"
)

// eventSink logs bus events, mirrors the connection state to the health
// service and the store, and closes sessions that lost their credentials.
type eventSink struct {
	bus      *bus.Bus
	server   *Server
	db       *store.DB
	sessions *Sessions
	logger   *zap.Logger
	cancel   context.CancelFunc
}

func newEventSink(b *bus.Bus, srv *Server, db *store.DB, sessions *Sessions, logger *zap.Logger) *eventSink {
	return &eventSink{bus: b, server: srv, db: db, sessions: sessions, logger: logger}
}

// Start subscribes to every event kind on the bus.
func (s *eventSink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sink.
func (s *eventSink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *eventSink) handleEvent(evt bus.Event) {
	fields := []zap.Field{zap.String("event", evt.Kind)}
	if evt.ConversationID != "" {
		fields = append(fields, zap.String("conversation", evt.ConversationID))
	}

	switch evt.Kind {
	case bus.ConnStateChanged:
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		s.logger.Info("connection state changed",
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)),
		)
		if s.server != nil {
			s.server.SetConnectionState(change.To)
		}
		if s.db != nil {
			if err := s.db.SetState(context.Background(), store.KeyConnectionState, string(change.To)); err != nil {
				s.logger.Warn("persist connection state failed", zap.Error(err))
			}
		}
	case bus.SessionAuthRequired:
		s.logger.Warn("session needs authentication", fields...)
		if s.sessions != nil && evt.ConversationID != "" {
			go s.sessions.Close(evt.ConversationID)
		}
	case bus.SessionDeleted:
		s.logger.Info("conversation deleted, dropping session", fields...)
		if s.sessions != nil && evt.ConversationID != "" {
			go s.sessions.Close(evt.ConversationID)
		}
	case bus.SessionActivated, bus.SessionDeactivated:
		s.logger.Info("session lifecycle", fields...)
	default:
		if err, ok := evt.Payload.(error); ok {
			fields = append(fields, zap.Error(err))
		}
		if strings.HasPrefix(evt.Kind, "conn.") {
			s.logger.Info("connection event", fields...)
			return
		}
		s.logger.Debug("store changed", fields...)
	}
}
