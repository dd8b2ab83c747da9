package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/fleetchat/internal/apierr"
)

type memStore struct {
	mu    sync.Mutex
	creds Credentials
}

func (s *memStore) Load(context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *memStore) Save(_ context.Context, c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c
	return nil
}

func (s *memStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	return nil
}

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	next    Credentials
	err     error
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (Credentials, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.next, f.err
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test"))
	require.NoError(t, err)
	return s
}

func TestTokenReturnsValidAccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	access := signed(t, clock.Now().Add(time.Hour))
	store := &memStore{creds: Credentials{Access: access, Refresh: "r1"}}
	ref := &fakeRefresher{}

	r := NewResolver(t.Context(), store, ref, WithClock(clock))
	got, err := r.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, access, got)
	assert.Zero(t, ref.calls.Load())
}

func TestTokenRefreshesExpiredAccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &memStore{creds: Credentials{Access: signed(t, clock.Now().Add(10*time.Second)), Refresh: "r1"}}
	ref := &fakeRefresher{next: Credentials{Access: "fresh"}}

	r := NewResolver(t.Context(), store, ref, WithClock(clock))
	got, err := r.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)

	saved, _ := store.Load(t.Context())
	assert.Equal(t, "r1", saved.Refresh, "refresh token kept when the exchange omits one")
}

func TestTokenOpaqueAccessNeverExpires(t *testing.T) {
	store := &memStore{creds: Credentials{Access: "opaque"}}
	r := NewResolver(t.Context(), store, &fakeRefresher{})
	got, err := r.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "opaque", got)
}

func TestTokenNoCredentials(t *testing.T) {
	r := NewResolver(t.Context(), &memStore{}, &fakeRefresher{})
	_, err := r.Token(t.Context())
	assert.ErrorIs(t, err, apierr.ErrNoCredentials)
}

func TestTokenRefreshOnlyWhenAccessMissing(t *testing.T) {
	store := &memStore{creds: Credentials{Refresh: "r1"}}
	ref := &fakeRefresher{next: Credentials{Access: "a2", Refresh: "r2"}}
	r := NewResolver(t.Context(), store, ref)

	got, err := r.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a2", got)
}

func TestRefreshRejectedClearsCredentials(t *testing.T) {
	store := &memStore{creds: Credentials{Refresh: "r1"}}
	ref := &fakeRefresher{err: apierr.ErrUnauthorized}
	r := NewResolver(t.Context(), store, ref)

	_, err := r.Token(t.Context())
	require.ErrorIs(t, err, apierr.ErrUnauthorized)

	saved, _ := store.Load(t.Context())
	assert.Equal(t, Credentials{}, saved)

	_, err = r.Token(t.Context())
	assert.ErrorIs(t, err, apierr.ErrNoCredentials)
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	store := &memStore{creds: Credentials{Refresh: "r1"}}
	ref := &fakeRefresher{release: make(chan struct{}), next: Credentials{Access: "a2"}}
	r := NewResolver(t.Context(), store, ref)

	const n = 8
	var started, done sync.WaitGroup
	results := make([]string, n)
	for i := range n {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			tok, err := r.ForceRefresh(t.Context())
			assert.NoError(t, err)
			results[i] = tok
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return ref.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ref.release)
	done.Wait()

	for _, tok := range results {
		assert.Equal(t, "a2", tok)
	}
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestLoginAndLogout(t *testing.T) {
	store := &memStore{}
	r := NewResolver(t.Context(), store, &fakeRefresher{})

	require.True(t, apierr.IsValidation(r.Login(t.Context(), Credentials{})))
	require.NoError(t, r.Login(t.Context(), Credentials{Access: "a1", Refresh: "r1"}))

	got, err := r.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a1", got)

	require.NoError(t, r.Logout(t.Context()))
	_, err = r.Token(t.Context())
	assert.ErrorIs(t, err, apierr.ErrNoCredentials)
}
