package keychain

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a persister that records every update
type recorder struct {
	mu      sync.Mutex
	updates []Update
	fail    error
}

func (r *recorder) UpdateKeychain(_ context.Context, update Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return r.fail
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func (r *recorder) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func testConfig(passkey string) Config {
	cfg := DefaultConfig()
	cfg.Passkey = []byte(passkey)
	cfg.Salt = []byte("user-42")
	cfg.KDF = seal.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}
	cfg.FlushDelay = time.Hour
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newStore(t *testing.T, passkey string, p Persister) *Store {
	t.Helper()
	s, err := New(testConfig(passkey), p)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Salt: []byte("x")}, nil)
	assert.ErrorIs(t, err, seal.ErrEmptyPasskey)

	cfg := testConfig("pass")
	cfg.Salt = nil
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestSetGet(t *testing.T) {
	s := newStore(t, "pass", nil)

	value, ok, err := s.Get("room-1", resource.TypeRoomKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, value)

	require.NoError(t, s.Set("room-1", resource.TypeRoomKey, []byte("secret")))
	require.NoError(t, s.Set("user-1", resource.TypePublicKey, []byte("public")))

	for i := 0; i < 2; i++ { // second read is served from the cache
		value, ok, err = s.Get("room-1", resource.TypeRoomKey)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("secret"), value)
	}

	infos := s.List()
	require.Len(t, infos, 2)
	assert.Equal(t, ValueInfo{Key: "user-1", Type: resource.TypePublicKey, Encrypted: false, Size: 6}, infos[0])
	assert.Equal(t, resource.TypeRoomKey, infos[1].Type)
	assert.True(t, infos[1].Encrypted)
	assert.NotEqual(t, 6, infos[1].Size, "confidential values are stored sealed")

	// overwriting invalidates the cached plaintext
	require.NoError(t, s.Set("room-1", resource.TypeRoomKey, []byte("rotated")))
	value, _, err = s.Get("room-1", resource.TypeRoomKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), value)

	require.NoError(t, s.Remove("room-1", resource.TypeRoomKey))
	_, ok, err = s.Get("room-1", resource.TypeRoomKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestSetRejectsInvalidType(t *testing.T) {
	s := newStore(t, "pass", nil)
	assert.Error(t, s.Set("k", resource.ValueType("session_key"), []byte("x")))
	assert.Error(t, s.Set("", resource.TypeRoomKey, []byte("x")))
}

func TestRoundTripAcrossReDerivation(t *testing.T) {
	rec := &recorder{}
	first := newStore(t, "correct horse", rec)
	require.NoError(t, first.Set("room-1", resource.TypeRoomKey, []byte("room secret")))
	require.NoError(t, first.Flush(context.Background()))
	require.Equal(t, 1, rec.calls())
	persisted := rec.last().Set
	require.Len(t, persisted, 1)

	// a new session derives the same master key and can open the persisted value
	second := newStore(t, "correct horse", nil)
	require.NoError(t, second.Apply(persisted[0].Entry()))
	value, ok, err := second.Get("room-1", resource.TypeRoomKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("room secret"), value)

	// a wrong passkey fails loudly
	wrong := newStore(t, "wrong horse", nil)
	require.NoError(t, wrong.Apply(persisted[0].Entry()))
	_, ok, err = wrong.Get("room-1", resource.TypeRoomKey)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDecryption)
	var decErr *DecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "room-1", decErr.Key)
	assert.Equal(t, resource.TypeRoomKey, decErr.Type)
}

func TestValueIsBoundToItsSlot(t *testing.T) {
	rec := &recorder{}
	s := newStore(t, "pass", rec)
	require.NoError(t, s.Set("room-1", resource.TypeRoomKey, []byte("secret")))
	require.NoError(t, s.Flush(context.Background()))

	moved := rec.last().Set[0].Entry()
	moved.Key = "room-2"
	require.NoError(t, s.Apply(moved))
	_, _, err := s.Get("room-2", resource.TypeRoomKey)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestFlushCoalesces(t *testing.T) {
	rec := &recorder{}
	s := newStore(t, "pass", rec)

	require.NoError(t, s.Set("a", resource.TypeRoomKey, []byte("v1")))
	require.NoError(t, s.Set("a", resource.TypeRoomKey, []byte("v2")))
	require.NoError(t, s.Set("b", resource.TypePublicKey, []byte("pub")))
	require.NoError(t, s.Set("c", resource.TypeRoomAIKey, []byte("ai")))
	require.NoError(t, s.Remove("c", resource.TypeRoomAIKey))
	assert.Equal(t, 3, s.Pending())

	require.NoError(t, s.Flush(context.Background()))
	require.Equal(t, 1, rec.calls())

	update := rec.last()
	require.Len(t, update.Set, 2)
	assert.Equal(t, "a", update.Set[0].Key)
	assert.Equal(t, "b", update.Set[1].Key)
	assert.False(t, update.Set[1].Encrypted)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("pub")), update.Set[1].Value)
	assert.Equal(t, []ValueToRemove{{Key: "c", Type: resource.TypeRoomAIKey}}, update.Remove)

	// the persisted value of "a" is the latest one
	other := newStore(t, "pass", nil)
	require.NoError(t, other.Apply(update.Set[0].Entry()))
	value, _, err := other.Get("a", resource.TypeRoomKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
	assert.Equal(t, 0, s.Pending())
}

func TestFlushWithoutPendingDoesNotCall(t *testing.T) {
	rec := &recorder{}
	s := newStore(t, "pass", rec)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, rec.calls())
}

func TestFlushWithoutPersister(t *testing.T) {
	s := newStore(t, "pass", nil)
	require.NoError(t, s.Set("a", resource.TypeRoomKey, []byte("v")))
	assert.ErrorIs(t, s.Flush(context.Background()), ErrNoPersister)
}

func TestAutomaticFlush(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig("pass")
	cfg.FlushDelay = 50 * time.Millisecond
	s, err := New(cfg, rec)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a", resource.TypeRoomKey, []byte("1")))
	require.NoError(t, s.Set("b", resource.TypeRoomKey, []byte("2")))

	require.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, rec.last().Set, 2)
}

func TestFlushRetriesAndRequeues(t *testing.T) {
	rec := &recorder{fail: errors.New("server unavailable")}
	cfg := testConfig("pass")
	cfg.RetryCount = 2
	s, err := New(cfg, rec)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a", resource.TypeRoomKey, []byte("1")))
	err = s.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server unavailable")
	assert.Equal(t, 3, rec.calls(), "first attempt plus two retries")
	assert.Equal(t, 1, s.Pending(), "failed changes are queued again")

	rec.setFail(nil)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 4, rec.calls())
	assert.Equal(t, 0, s.Pending())
}

func TestFailedAutomaticFlushIsRetried(t *testing.T) {
	rec := &recorder{fail: errors.New("server unavailable")}
	cfg := testConfig("pass")
	cfg.FlushDelay = 20 * time.Millisecond
	cfg.RetryCount = 0
	s, err := New(cfg, rec)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("a", resource.TypeRoomKey, []byte("1")))
	require.Eventually(t, func() bool { return rec.calls() >= 2 }, time.Second, time.Millisecond,
		"a failed automatic flush schedules the next one without further changes")

	rec.setFail(nil)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
	assert.Len(t, rec.last().Set, 1)
}

func TestApplyNotifiesWithoutPersisting(t *testing.T) {
	rec := &recorder{}
	s := newStore(t, "pass", rec)

	type seen struct {
		key string
		typ resource.ValueType
	}
	var got []seen
	cancel := s.OnAvailable(func(key string, typ resource.ValueType) {
		got = append(got, seen{key, typ})
	})

	require.NoError(t, s.Apply(resource.KeychainEntry{
		Key:   "user-1",
		Type:  resource.TypePublicKey,
		Value: base64.StdEncoding.EncodeToString([]byte("pub")),
	}))
	assert.Equal(t, []seen{{"user-1", resource.TypePublicKey}}, got)
	assert.Equal(t, 0, s.Pending())

	s.Drop("user-1", resource.TypePublicKey)
	assert.False(t, s.Has("user-1", resource.TypePublicKey))

	cancel()
	require.NoError(t, s.Set("x", resource.TypeRoomKey, []byte("v")))
	assert.Len(t, got, 1)

	assert.Error(t, s.Apply(resource.KeychainEntry{Key: "k", Type: resource.TypeRoomKey, Value: "%%%"}))
}

func TestGetOrCreate(t *testing.T) {
	s := newStore(t, "pass", nil)
	first, err := s.GetOrCreate("room-1", resource.TypeRoomKey)
	require.NoError(t, err)
	assert.Len(t, first, seal.KeySize)

	second, err := s.GetOrCreate("room-1", resource.TypeRoomKey)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestClose(t *testing.T) {
	s, err := New(testConfig("pass"), &recorder{})
	require.NoError(t, err)
	require.NoError(t, s.Set("a", resource.TypeRoomKey, []byte("v")))

	s.Close()
	s.Close()

	_, _, err = s.Get("a", resource.TypeRoomKey)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set("a", resource.TypeRoomKey, []byte("v")), ErrClosed)
	assert.ErrorIs(t, s.Flush(context.Background()), ErrClosed)
	assert.Equal(t, 0, s.Len())
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := testConfig("super secret passkey")
	out := cfg.String()
	assert.NotContains(t, out, "super secret passkey")
	assert.Contains(t, out, "<20 bytes>")
}
