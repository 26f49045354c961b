package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/bus"
	"github.com/ValentinKolb/dSync/lib/keychain"
	"github.com/ValentinKolb/dSync/lib/reactive"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/seal"
	"github.com/ValentinKolb/dSync/lib/synclog"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	httptransport "github.com/ValentinKolb/dSync/rpc/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func offlineConfig() Config {
	cfg := DefaultConfig()
	cfg.Keychain.Passkey = []byte("passkey")
	cfg.Keychain.Salt = []byte("user-1")
	cfg.Keychain.KDF = seal.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}
	cfg.Keychain.FlushDelay = time.Hour
	cfg.PollInterval = 0
	return cfg
}

func userEntry(id, name string, ts int64) synclog.Entry {
	return synclog.Entry{
		Kind:       resource.KindUser,
		Action:     synclog.ActionSet,
		ResourceID: id,
		Resource:   json.RawMessage(fmt.Sprintf(`{"id":%q,"username":%q}`, id, name)),
		Timestamp:  ts,
	}
}

func sealedRoomEntry(t *testing.T, id, name string, key []byte, ts int64) synclog.Entry {
	t.Helper()
	sealed, err := seal.SealString(key, []byte(name), resource.RoomAAD(id, "name"))
	require.NoError(t, err)
	return synclog.Entry{
		Kind:       resource.KindRoom,
		Action:     synclog.ActionSet,
		ResourceID: id,
		Resource:   json.RawMessage(fmt.Sprintf(`{"id":%q,"owner_id":"u1","kind":"group","encrypted_name":%q}`, id, sealed)),
		Timestamp:  ts,
	}
}

// fakeServer answers the sync and keychain routes
type fakeServer struct {
	mu       sync.Mutex
	full     *synclog.Log
	updates  []keychain.Update
	pings    int
	failSync bool
}

func (s *fakeServer) handle(route string, body []byte) []byte {
	ser := serializer.NewJSONSerializer()
	var req common.Message
	if err := ser.Deserialize(body, &req); err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var resp *common.Message
	switch {
	case route == common.RouteSync && s.failSync:
		resp = common.NewErrorResponse("maintenance")
	case route == common.RouteSync && req.MsgType == common.MsgTConnect:
		resp = common.NewConnectResponse(s.full, nil)
	case route == common.RouteSync && req.MsgType == common.MsgTPing:
		s.pings++
		resp = common.NewPingResponse(&synclog.Log{Type: synclog.LogIncremental, Log: []synclog.Entry{
			userEntry("u2", "bob", req.Since+1),
		}})
	case route == common.RouteKeychain:
		s.updates = append(s.updates, *req.Keychain)
		resp = common.NewKeychainUpdateResponse(nil, nil)
	default:
		return nil
	}
	out, _ := ser.Serialize(*resp)
	return out
}

func (s *fakeServer) stats() (int, []keychain.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings, append([]keychain.Update(nil), s.updates...)
}

func onlineConfig(t *testing.T, srv *fakeServer) Config {
	t.Helper()
	ts := httptest.NewServer(httptransport.NewHandler(srv.handle, false))
	t.Cleanup(ts.Close)

	cfg := offlineConfig()
	cfg.Client.Endpoints = []string{ts.URL}
	cfg.Client.RetryCount = 1
	return cfg
}

// recorder collects the payloads published on a set of topics
type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func record(b *bus.Bus, topics ...string) *recorder {
	r := &recorder{events: make(map[string][]any)}
	for _, topic := range topics {
		b.Subscribe(topic, func(e bus.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events[e.Topic] = append(r.events[e.Topic], e.Payload)
		})
	}
	return r
}

func (r *recorder) get(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events[topic]...)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestFeatureLookup(t *testing.T) {
	c := New(offlineConfig())
	ctx := context.Background()

	_, err := Feature[*reactive.Store[resource.User]](c, FeatureUsers)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Session()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Nil(t, c.Features())

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())
	assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)
	assert.Equal(t, []string{FeatureUsers, FeatureRooms, FeatureMembers, FeatureAIModels}, c.Features())

	users, err := Feature[*reactive.Store[resource.User]](c, FeatureUsers)
	require.NoError(t, err)
	assert.Equal(t, resource.KindUser, users.Kind())

	_, err = Feature[*reactive.Store[resource.User]](c, FeatureRooms)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFeatureNotFound)

	_, err = Feature[*reactive.Store[resource.User]](c, "messages")
	assert.ErrorIs(t, err, ErrFeatureNotFound)

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.Connected())
	_, err = Feature[*reactive.Store[resource.User]](c, FeatureUsers)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(ctx), ErrNotConnected)
	assert.ErrorIs(t, c.Sync(ctx), ErrNotConnected)
}

func TestOfflineApplyAndReconnect(t *testing.T) {
	c := New(offlineConfig())
	ctx := context.Background()
	id := c.ID()

	require.NoError(t, c.Connect(ctx))
	res, err := c.Apply(ctx, &synclog.Log{Type: synclog.LogFull, Log: []synclog.Entry{userEntry("u1", "alice", 1)}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.NoError(t, c.Sync(ctx), "offline sync is a no-op")

	users, err := Feature[*reactive.Store[resource.User]](c, FeatureUsers)
	require.NoError(t, err)
	u, ok := users.One("u1").Get()
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)

	require.NoError(t, c.Disconnect(ctx))
	_, err = c.Apply(ctx, &synclog.Log{Type: synclog.LogFull})
	assert.ErrorIs(t, err, ErrNotConnected)

	// a new session starts empty
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx)
	assert.Equal(t, id, c.ID())
	s, err := c.Session()
	require.NoError(t, err)
	assert.Nil(t, s.Client)
	assert.Equal(t, 0, s.DB.Count(resource.KindUser))
}

func TestOnlineConnectResolvesRoomAfterKeyArrives(t *testing.T) {
	roomKey, err := seal.GenerateKey()
	require.NoError(t, err)

	srv := &fakeServer{}
	srv.full = &synclog.Log{Type: synclog.LogFull, Log: []synclog.Entry{
		userEntry("u1", "alice", 1),
		sealedRoomEntry(t, "r1", "General", roomKey, 2),
	}}

	c := New(onlineConfig(t, srv))
	events := record(c.Bus(), bus.TopicConnected, bus.TopicKeyAvailable, bus.TopicDisconnected)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	s, err := c.Session()
	require.NoError(t, err)
	assert.NotNil(t, s.Client)
	assert.Equal(t, []any{c.ID()}, events.get(bus.TopicConnected))

	rooms, err := Feature[*reactive.Store[resource.Room]](c, FeatureRooms)
	require.NoError(t, err)
	room := rooms.One("r1")
	_, ok := room.Get()
	assert.False(t, ok, "room waits for its key")
	assert.Equal(t, 1, s.DB.Count(resource.KindUser))

	require.NoError(t, s.Keychain.Set("r1", resource.TypeRoomKey, roomKey))
	require.Eventually(t, func() bool {
		r, ok := room.Get()
		return ok && r.Name == "General"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{KeyAvailable{Key: "r1", Type: resource.TypeRoomKey}}, events.get(bus.TopicKeyAvailable))

	// pending keychain changes are flushed on disconnect
	require.NoError(t, c.Disconnect(ctx))
	_, updates := srv.stats()
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Set, 1)
	assert.Equal(t, "r1", updates[0].Set[0].Key)
	assert.True(t, updates[0].Set[0].Encrypted)
	assert.Equal(t, []any{Disconnected{}}, events.get(bus.TopicDisconnected))
}

func TestDisconnectDropsDeferredEntries(t *testing.T) {
	roomKey, err := seal.GenerateKey()
	require.NoError(t, err)

	c := New(offlineConfig())
	events := record(c.Bus(), bus.TopicDisconnected, bus.TopicEntryDropped)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	res, err := c.Apply(ctx, &synclog.Log{Type: synclog.LogIncremental, Log: []synclog.Entry{
		sealedRoomEntry(t, "r1", "General", roomKey, 1),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, []any{Disconnected{Dropped: 1}}, events.get(bus.TopicDisconnected))
	assert.Len(t, events.get(bus.TopicEntryDropped), 1)
}

func TestHandshakeFailure(t *testing.T) {
	srv := &fakeServer{failSync: true}
	c := New(onlineConfig(t, srv))

	err := c.Connect(context.Background())
	assert.ErrorContains(t, err, "maintenance")
	assert.False(t, c.Connected())

	srv.mu.Lock()
	srv.failSync = false
	srv.full = &synclog.Log{Type: synclog.LogFull}
	srv.mu.Unlock()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestCustomFeatures(t *testing.T) {
	type roomCounter struct{ count func() int }

	broken := New(offlineConfig(), WithFeature("broken", func(*Session) (any, error) {
		return nil, errors.New("no license")
	}))
	assert.ErrorContains(t, broken.Connect(context.Background()), "no license")
	assert.False(t, broken.Connected())

	c := New(offlineConfig(), WithFeature("room_count", func(s *Session) (any, error) {
		return &roomCounter{count: func() int { return s.DB.Count(resource.KindRoom) }}, nil
	}))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	counter, err := Feature[*roomCounter](c, "room_count")
	require.NoError(t, err)
	assert.Equal(t, 0, counter.count())
	assert.Contains(t, c.Features(), "room_count")
}

func TestPolling(t *testing.T) {
	srv := &fakeServer{full: &synclog.Log{Type: synclog.LogFull, Log: []synclog.Entry{userEntry("u1", "alice", 1)}}}
	cfg := onlineConfig(t, srv)
	cfg.PollInterval = 10 * time.Millisecond

	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		pings, _ := srv.stats()
		return pings >= 2
	}, time.Second, 5*time.Millisecond)

	users, err := Feature[*reactive.Store[resource.User]](c, FeatureUsers)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := users.One("u2").Get()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect(context.Background()))
	pings, _ := srv.stats()
	time.Sleep(30 * time.Millisecond)
	after, _ := srv.stats()
	assert.Equal(t, pings, after, "polling stops on disconnect")
}

func TestConfigString(t *testing.T) {
	cfg := offlineConfig()
	out := cfg.String()
	assert.Contains(t, out, "offline")
	assert.NotContains(t, out, "passkey")

	cfg.Client.Endpoints = []string{"http://localhost:8080"}
	assert.Contains(t, cfg.String(), "online")
}
