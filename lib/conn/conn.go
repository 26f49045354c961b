package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/bus"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memtable"
	"github.com/ValentinKolb/dSync/lib/keychain"
	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/synclog"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	httptransport "github.com/ValentinKolb/dSync/rpc/transport/http"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(logging.NameConn)

var (
	// ErrNotConnected is returned by operations that need an established connection
	ErrNotConnected = errors.New("conn: not connected")
	// ErrAlreadyConnected is returned by Connect on a connected connection
	ErrAlreadyConnected = errors.New("conn: already connected")
	// ErrFeatureNotFound is returned by Feature for names that were never registered
	ErrFeatureNotFound = errors.New("conn: feature not found")
)

// KeyAvailable is the payload of bus.TopicKeyAvailable
type KeyAvailable struct {
	Key  string
	Type resource.ValueType
}

// Disconnected is the payload of bus.TopicDisconnected
type Disconnected struct {
	// Dropped is the number of deferred sync entries that never got their key
	Dropped int
	Err     error
}

// Session is the state of one established connection. It is created by Connect and
// becomes invalid once Disconnect returns.
type Session struct {
	Keychain *keychain.Store
	DB       db.ResourceDB
	Engine   *synclog.Engine
	// Client is nil for offline connections
	Client *client.Client

	features map[string]any
	cancels  []func()

	stopPoll context.CancelFunc
	polling  sync.WaitGroup
}

// Factory creates a feature for a freshly built session
type Factory func(s *Session) (any, error)

type namedFactory struct {
	name    string
	factory Factory
}

// Connection is the context of one user login
type Connection struct {
	id         uuid.UUID
	cfg        Config
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	factories  []namedFactory
	bus        *bus.Bus
	tel        *telemetry.Telemetry

	// lifecycle serializes Connect and Disconnect
	lifecycle sync.Mutex
	session   atomic.Pointer[Session]
}

// Option configures a Connection
type Option func(*Connection)

// WithTransport replaces the default http transport
func WithTransport(t transport.IRPCClientTransport) Option {
	return func(c *Connection) { c.transport = t }
}

// WithSerializer replaces the default json serializer
func WithSerializer(s serializer.IRPCSerializer) Option {
	return func(c *Connection) { c.serializer = s }
}

// WithFeature registers a feature that is created on every Connect, after the built-in features.
// A factory error aborts Connect.
func WithFeature(name string, factory Factory) Option {
	return func(c *Connection) { c.factories = append(c.factories, namedFactory{name, factory}) }
}

// New creates a disconnected connection
func New(cfg Config, opts ...Option) *Connection {
	c := &Connection{
		id:        uuid.New(),
		cfg:       cfg,
		factories: builtinFeatures(),
		bus:       bus.New(),
		tel:       telemetry.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = httptransport.NewHttpClientTransport()
	}
	if c.serializer == nil {
		c.serializer = serializer.NewJSONSerializer()
	}
	return c
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Connect derives the keychain, builds database, engine and features and, if endpoints
// are configured, performs the handshake and applies the full sync log.
func (c *Connection) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.session.Load() != nil {
		return ErrAlreadyConnected
	}

	start := time.Now()
	s, err := c.build()
	if err != nil {
		return err
	}

	if s.Client != nil {
		res, err := s.Client.Connect(ctx, 0)
		if err != nil {
			c.teardown(context.Background(), s)
			return fmt.Errorf("conn: handshake: %w", err)
		}
		Logger.Infof("full sync applied: %d entries (%d deferred, %d skipped) in %s",
			res.Applied, res.Deferred, res.Skipped, res.Duration)
		c.startPolling(s)
	}

	c.session.Store(s)
	Logger.Infof("connection %s established in %s", c.id, time.Since(start))
	c.bus.Publish(bus.TopicConnected, c.id)
	return nil
}

// build creates all components of a session, everything built so far is torn down on failure
func (c *Connection) build() (*Session, error) {
	s := &Session{features: make(map[string]any)}
	online := !c.cfg.Client.Offline()

	// the keychain persists through the client, which needs the engine as its sink
	var persister keychain.Persister
	if online {
		persister = keychain.PersisterFunc(func(ctx context.Context, update keychain.Update) error {
			return s.Client.UpdateKeychain(ctx, update)
		})
	}

	kc, err := keychain.New(c.cfg.Keychain, persister, keychain.WithTelemetry(c.tel))
	if err != nil {
		return nil, fmt.Errorf("conn: keychain: %w", err)
	}
	s.Keychain = kc

	registry, err := resource.DefaultRegistry(kc)
	if err != nil {
		c.teardown(context.Background(), s)
		return nil, fmt.Errorf("conn: registry: %w", err)
	}
	s.DB = memtable.NewMemtableDB(registry, &memtable.DBOptions{Telemetry: c.tel})
	s.Engine = synclog.NewEngine(s.DB, synclog.WithTelemetry(c.tel), synclog.WithBus(c.bus))

	if online {
		s.Client, err = client.New(c.cfg.Client, c.transport, c.serializer, s.Engine, client.WithTelemetry(c.tel))
		if err != nil {
			c.teardown(context.Background(), s)
			return nil, fmt.Errorf("conn: client: %w", err)
		}
	}

	s.cancels = append(s.cancels,
		s.DB.OnTransient(resource.KindKeychain, func(ev db.TransientEvent) error {
			if ev.Removed() {
				if key, typ, ok := resource.ParseKeychainEntryID(ev.ID); ok {
					kc.Drop(key, typ)
				}
				return nil
			}
			entry, ok := ev.Resource.(resource.KeychainEntry)
			if !ok {
				return fmt.Errorf("conn: unexpected keychain resource %T", ev.Resource)
			}
			return kc.Apply(entry)
		}),
		kc.OnAvailable(func(key string, t resource.ValueType) {
			s.Engine.RetryDeferred()
			c.bus.Publish(bus.TopicKeyAvailable, KeyAvailable{Key: key, Type: t})
		}),
	)

	for _, f := range c.factories {
		feature, err := f.factory(s)
		if err != nil {
			c.teardown(context.Background(), s)
			return nil, fmt.Errorf("conn: feature %q: %w", f.name, err)
		}
		s.features[f.name] = feature
	}
	return s, nil
}

// Disconnect flushes pending keychain changes, stops the engine (deferred entries are dropped),
// closes all features and wipes the local state. Server side data is not touched.
// The returned error is the flush error, the connection is closed in any case.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	s := c.session.Swap(nil)
	if s == nil {
		return ErrNotConnected
	}

	dropped, err := c.teardown(ctx, s)
	Logger.Infof("connection %s closed", c.id)
	c.bus.Publish(bus.TopicDisconnected, Disconnected{Dropped: dropped, Err: err})
	return err
}

// teardown closes the components of s in reverse build order
func (c *Connection) teardown(ctx context.Context, s *Session) (dropped int, err error) {
	if s.stopPoll != nil {
		s.stopPoll()
		s.polling.Wait()
	}

	if s.Client != nil && s.Keychain != nil && s.Keychain.Pending() > 0 {
		if err = s.Keychain.Flush(ctx); err != nil {
			Logger.Warningf("keychain flush on disconnect failed: %v", err)
		}
	}

	if s.Engine != nil {
		if dropped = s.Engine.Close(); dropped > 0 {
			Logger.Warningf("%d deferred entries dropped on disconnect", dropped)
		}
	}

	for name, feature := range s.features {
		switch f := feature.(type) {
		case interface{ Close() error }:
			if cerr := f.Close(); cerr != nil {
				Logger.Warningf("closing feature %q: %v", name, cerr)
			}
		case interface{ Close() }:
			f.Close()
		}
	}
	for _, cancel := range s.cancels {
		cancel()
	}

	if s.DB != nil {
		s.DB.ClearAll()
		if cerr := s.DB.Close(); cerr != nil {
			Logger.Warningf("closing database: %v", cerr)
		}
	}
	if s.Keychain != nil {
		s.Keychain.Close()
	}
	if s.Client != nil {
		if cerr := s.Client.Close(); cerr != nil {
			Logger.Warningf("closing client: %v", cerr)
		}
	}
	return dropped, err
}

// startPolling pings the server every PollInterval until the session is torn down
func (c *Connection) startPolling(s *Session) {
	if c.cfg.PollInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopPoll = cancel
	s.polling.Add(1)

	go func() {
		defer s.polling.Done()
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Client.Ping(ctx); err != nil && ctx.Err() == nil {
					Logger.Warningf("ping failed: %v", err)
				}
			}
		}
	}()
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Sync pulls the changes since the last applied entry. Offline connections return nil.
func (c *Connection) Sync(ctx context.Context) error {
	s := c.session.Load()
	if s == nil {
		return ErrNotConnected
	}
	if s.Client == nil {
		return nil
	}
	return s.Client.Ping(ctx)
}

// Apply applies a sync log that did not arrive through the client (e.g. a push channel or a file)
func (c *Connection) Apply(ctx context.Context, log *synclog.Log) (synclog.Result, error) {
	s := c.session.Load()
	if s == nil {
		return synclog.Result{}, ErrNotConnected
	}
	return s.Engine.Apply(ctx, log)
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the id of the connection, it is stable across reconnects
func (c *Connection) ID() uuid.UUID { return c.id }

// Config returns the config the connection was created with
func (c *Connection) Config() Config { return c.cfg }

// Bus returns the event bus, it outlives sessions so listeners can be registered before Connect
func (c *Connection) Bus() *bus.Bus { return c.bus }

// Telemetry returns the metric set shared by all sessions of the connection
func (c *Connection) Telemetry() *telemetry.Telemetry { return c.tel }

// Connected reports whether a session is established
func (c *Connection) Connected() bool { return c.session.Load() != nil }

// Session returns the current session or ErrNotConnected
func (c *Connection) Session() (*Session, error) {
	s := c.session.Load()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}
