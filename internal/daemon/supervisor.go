package daemon

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/directory"
	"github.com/matheus3301/fleetchat/internal/socket"
	"github.com/matheus3301/fleetchat/internal/session"
)

// Supervisor keeps the directory attached to the live connection and the
// requested conversations active. After an auth failure the connection is
// gone; the next tick after a login brings everything back.
type Supervisor struct {
	connector     session.Connector
	directory     *directory.Directory
	sessions      *Sessions
	conversations []string
	clock         clockwork.Clock
	interval      time.Duration
	logger        *zap.Logger

	attached socket.Channel
}

// NewSupervisor creates a supervisor that re-syncs every interval.
func NewSupervisor(connector session.Connector, dir *directory.Directory, sessions *Sessions,
	conversations []string, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		connector:     connector,
		directory:     dir,
		sessions:      sessions,
		conversations: conversations,
		clock:         clock,
		interval:      interval,
		logger:        logger,
	}
}

// Sync attaches the directory to the current connection, reloading it when
// the connection changed, then reconciles the sessions of conversations that
// were not deleted.
func (s *Supervisor) Sync(ctx context.Context) error {
	ch, err := s.connector.Acquire(ctx)
	if err != nil {
		return err
	}
	if ch != s.attached {
		s.directory.Detach()
		s.directory.Attach(ch)
		s.attached = ch
		if err := s.directory.Load(ctx); err != nil {
			s.logger.Warn("directory load failed", zap.Error(err))
		}
	}
	ids := make([]string, 0, len(s.conversations))
	for _, id := range s.conversations {
		if s.directory.Deleted(id) {
			s.logger.Debug("skipping deleted conversation", zap.String("conversation", id))
			continue
		}
		ids = append(ids, id)
	}
	return s.sessions.Reconcile(ctx, ids)
}

// Run calls Sync now and on every tick until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.syncOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}
	}
}

// Stop detaches the directory.
func (s *Supervisor) Stop() {
	s.directory.Detach()
	s.attached = nil
}

func (s *Supervisor) syncOnce(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	err := s.Sync(sctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case apierr.IsCredential(err):
		s.logger.Warn("waiting for credentials, run fleetchatctl login", zap.Error(err))
	default:
		s.logger.Warn("sync failed", zap.Error(err))
	}
}
