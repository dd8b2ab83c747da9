package daemon

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/session"
)

// Sessions holds the active conversation sessions of the daemon, at most one
// per conversation.
type Sessions struct {
	connector session.Connector
	client    session.Client
	opts      []session.Option
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]*session.Session
}

// NewSessions creates an empty registry. opts are applied to every session.
func NewSessions(connector session.Connector, client session.Client, logger *zap.Logger, opts ...session.Option) *Sessions {
	return &Sessions{
		connector: connector,
		client:    client,
		opts:      append(opts, session.WithLogger(logger)),
		logger:    logger,
		active:    make(map[string]*session.Session),
	}
}

// Open activates and loads a session for conversationID, replacing one that
// is no longer active. A failed load keeps the session; its pushes and polls
// fill the stores in.
func (r *Sessions) Open(ctx context.Context, conversationID string) (*session.Session, error) {
	r.mu.Lock()
	if s, ok := r.active[conversationID]; ok {
		if s.Active() {
			r.mu.Unlock()
			return s, nil
		}
		delete(r.active, conversationID)
		defer s.Deactivate()
	}
	r.mu.Unlock()

	s := session.New(conversationID, r.connector, r.client, r.opts...)
	if err := s.Activate(ctx); err != nil {
		s.Deactivate()
		return nil, err
	}
	if err := s.Load(ctx); err != nil {
		r.logger.Warn("initial load failed",
			zap.String("conversation", conversationID),
			zap.Error(err),
		)
	}

	r.mu.Lock()
	if cur, ok := r.active[conversationID]; ok && cur.Active() {
		r.mu.Unlock()
		s.Deactivate()
		return cur, nil
	}
	r.active[conversationID] = s
	r.mu.Unlock()
	return s, nil
}

// Get returns the session of conversationID.
func (r *Sessions) Get(conversationID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[conversationID]
	return s, ok
}

// IDs returns the conversations with a registered session, sorted.
func (r *Sessions) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close deactivates the session of conversationID.
func (r *Sessions) Close(conversationID string) {
	r.mu.Lock()
	s, ok := r.active[conversationID]
	delete(r.active, conversationID)
	r.mu.Unlock()
	if ok {
		s.Deactivate()
	}
}

// CloseAll deactivates every session.
func (r *Sessions) CloseAll() {
	r.mu.Lock()
	all := r.active
	r.active = make(map[string]*session.Session)
	r.mu.Unlock()
	for _, s := range all {
		s.Deactivate()
	}
}

// Reconcile opens a session for every id without an active one. Errors are
// joined; ids that failed are retried by the next call.
func (r *Sessions) Reconcile(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if _, err := r.Open(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
