package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testSession(userID string) *Session {
	return &Session{
		UserID: userID,
		Email:  userID + "@example.com",
		Credential: Credential{
			AccessToken:  "access",
			RefreshToken: "refresh",
			TokenType:    "Bearer",
			Expiry:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			Scopes:       []string{"openid", "email"},
		},
	}
}

func openTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// mockDurable is a hand-rolled durable tier with call counting and
// injectable failures
type mockDurable struct {
	mu       sync.Mutex
	data     map[string]*Session
	gets     int32
	getDelay time.Duration
	putErr   error
	getErr   error

	// when set, Get reads the entry, signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newMockDurable() *mockDurable {
	return &mockDurable{data: make(map[string]*Session)}
}

func (m *mockDurable) Get(ctx context.Context, userID string) (*Session, time.Time, error) {
	atomic.AddInt32(&m.gets, 1)
	if m.getDelay > 0 {
		time.Sleep(m.getDelay)
	}
	if m.getErr != nil {
		return nil, time.Time{}, m.getErr
	}
	m.mu.Lock()
	s, ok := m.data[userID]
	if ok {
		s = s.clone()
	}
	m.mu.Unlock()

	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	return s, time.Now().Add(time.Hour), nil
}

func (m *mockDurable) Put(ctx context.Context, userID string, s *Session, ttl time.Duration) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[userID] = s.clone()
	return nil
}

func (m *mockDurable) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, userID)
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) CacheLookup(tier string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	key := tier + ":miss"
	if hit {
		key = tier + ":hit"
	}
	r.counts[key]++
}

func TestCredential_TokenRoundTrip(t *testing.T) {
	tok := &oauth2.Token{
		AccessToken:  "a",
		RefreshToken: "r",
		TokenType:    "Bearer",
		Expiry:       time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	cred := CredentialFromToken(tok, []string{"gmail.readonly"})
	back := cred.Token()

	assert.Equal(t, tok.AccessToken, back.AccessToken)
	assert.Equal(t, tok.RefreshToken, back.RefreshToken)
	assert.Equal(t, tok.TokenType, back.TokenType)
	assert.True(t, tok.Expiry.Equal(back.Expiry))
	assert.Equal(t, []string{"gmail.readonly"}, cred.Scopes)

	assert.Empty(t, CredentialFromToken(nil, nil).AccessToken)
}

func TestEncodeDecode(t *testing.T) {
	s := testSession("u1")
	data, err := Encode(s)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s.Email, back.Email)
	assert.Equal(t, s.Credential.RefreshToken, back.Credential.RefreshToken)
	assert.True(t, s.Credential.Expiry.Equal(back.Credential.Expiry))

	_, err = Decode([]byte("not json"))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"email":"x@y.com"}`))
	assert.Error(t, err)
}

func TestMemoryStore_Expiry(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Put("u1", testSession("u1"), time.Minute)
	_, ok := m.Get("u1")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = m.Get("u1")
	assert.False(t, ok)
	assert.Empty(t, m.shard("u1").entries)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	m.Put("u1", testSession("u1"), time.Minute)

	s, _ := m.Get("u1")
	s.Email = "changed"
	s.Credential.Scopes[0] = "changed"

	again, _ := m.Get("u1")
	assert.Equal(t, "u1@example.com", again.Email)
	assert.Equal(t, "openid", again.Credential.Scopes[0])
}

func TestBadgerStore_RoundTrip(t *testing.T) {
	store := openTestBadger(t)
	ctx := context.Background()

	_, _, err := store.Get(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Put(ctx, "u1", testSession("u1"), time.Hour))
	s, expiresAt, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", s.Email)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 2*time.Second)

	require.NoError(t, store.Delete(ctx, "u1"))
	_, _, err = store.Get(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, store.Delete(ctx, "u1"))
}

func TestBadgerStore_CancelledContext(t *testing.T) {
	store := openTestBadger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.Put(ctx, "u1", testSession("u1"), time.Hour))
}

func TestCache_StoreAndGet(t *testing.T) {
	durable := newMockDurable()
	rec := &countingRecorder{}
	cache := NewCache(durable, 24*time.Hour).WithRecorder(rec)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "u1", testSession("u1"), 0))

	s, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", s.Email)
	assert.False(t, s.CreatedAt.IsZero())
	assert.False(t, s.RefreshedAt.IsZero())
	assert.Equal(t, int32(0), atomic.LoadInt32(&durable.gets))
	assert.Equal(t, 1, rec.counts["memory:hit"])
}

func TestCache_ReadThroughAfterRestart(t *testing.T) {
	store := openTestBadger(t)
	ctx := context.Background()

	first := NewCache(store, time.Hour)
	require.NoError(t, first.Store(ctx, "u1", testSession("u1"), 0))

	// a fresh process only has the durable tier
	second := NewCache(store, time.Hour)
	s, err := second.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "refresh", s.Credential.RefreshToken)

	_, ok := second.memory.Get("u1")
	assert.True(t, ok, "durable hit repopulates memory")
}

func TestCache_MissIsNotFound(t *testing.T) {
	cache := NewCache(newMockDurable(), time.Hour)
	_, err := cache.Get(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCache_DurableWriteFailureIsNotFatal(t *testing.T) {
	durable := newMockDurable()
	durable.putErr = errors.New("disk full")
	cache := NewCache(durable, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "u1", testSession("u1"), 0))
	s, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", s.Email)
}

func TestCache_DurableReadErrorSurfaces(t *testing.T) {
	durable := newMockDurable()
	durable.getErr = errors.New("io error")
	cache := NewCache(durable, time.Hour)

	_, err := cache.Get(context.Background(), "u1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestCache_Remove(t *testing.T) {
	durable := newMockDurable()
	cache := NewCache(durable, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "u1", testSession("u1"), 0))
	require.NoError(t, cache.Remove(ctx, "u1"))

	_, err := cache.Get(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, durable.data)
}

func TestCache_RemoveDuringReadThroughStaysRemoved(t *testing.T) {
	durable := newMockDurable()
	durable.data["u1"] = testSession("u1")
	durable.entered = make(chan struct{})
	durable.release = make(chan struct{})
	cache := NewCache(durable, time.Hour)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "u1")
		done <- err
	}()

	<-durable.entered
	require.NoError(t, cache.Remove(ctx, "u1"))
	close(durable.release)
	require.NoError(t, <-done, "the in-flight read still answers its caller")

	durable.entered = nil
	_, err := cache.Get(ctx, "u1")
	assert.True(t, errors.Is(err, ErrNotFound), "logout must not be undone by a stale refill")
	_, cached := cache.memory.Get("u1")
	assert.False(t, cached)
}

func TestCache_StoreDuringReadThroughWins(t *testing.T) {
	durable := newMockDurable()
	old := testSession("u1")
	old.Email = "old@example.com"
	durable.data["u1"] = old
	durable.entered = make(chan struct{})
	durable.release = make(chan struct{})
	cache := NewCache(durable, time.Hour)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.Get(ctx, "u1")
	}()

	<-durable.entered
	require.NoError(t, cache.Store(ctx, "u1", testSession("u1"), 0))
	close(durable.release)
	<-done

	s, ok := cache.memory.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "u1@example.com", s.Email)
}

func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	durable := newMockDurable()
	durable.data["u1"] = testSession("u1")
	durable.getDelay = 50 * time.Millisecond
	cache := NewCache(durable, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := cache.Get(context.Background(), "u1")
			assert.NoError(t, err)
			assert.Equal(t, "u1@example.com", s.Email)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&durable.gets))
}

func TestCache_UsersAreIsolated(t *testing.T) {
	cache := NewCache(newMockDurable(), time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, cache.Store(ctx, id, testSession(id), 0))
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		s, err := cache.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, s.UserID)
	}
}
