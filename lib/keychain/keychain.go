package keychain

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/seal"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(logging.NameKeychain)

// valueKeyInfo is the HKDF info of the sub-key all values are sealed with
const valueKeyInfo = "dsync-keychain-values"

// entry is one locally known value. Value holds the raw bytes, i.e. ciphertext if encrypted.
type entry struct {
	key       string
	typ       resource.ValueType
	value     []byte
	encrypted bool
	version   uint64
}

// Store is the keychain of one connection.
// It implements resource.KeyProvider.
type Store struct {
	cfg       Config
	persister Persister
	tel       *telemetry.Telemetry

	masterKey []byte
	valueKey  []byte

	values  *xsync.MapOf[string, entry]
	cache   *ristretto.Cache[string, []byte]
	version atomic.Uint64

	// pending changes, keyed by entry id
	mu      sync.Mutex
	pending map[string]pendingOp
	seq     uint64
	timer   *time.Timer

	// serializes flushes
	flushMu sync.Mutex

	listeners  *xsync.MapOf[uint64, func(key string, t resource.ValueType)]
	listenerID atomic.Uint64

	closed atomic.Bool
}

// Option configures a Store
type Option func(*Store)

// WithTelemetry records the keychain metrics in tel
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Store) { s.tel = tel }
}

// New creates a keychain store. The master key is derived from cfg.Passkey,
// which is expensive (argon2id), so a store should live as long as its connection.
// persister may be nil, in which case Flush returns ErrNoPersister and automatic flushes are skipped.
func New(cfg Config, persister Persister, opts ...Option) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		persister: persister,
		values:    xsync.NewMapOf[string, entry](),
		pending:   make(map[string]pendingOp),
		listeners: xsync.NewMapOf[uint64, func(string, resource.ValueType)](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tel = telemetry.OrNew(s.tel)

	start := time.Now()
	master, err := seal.DeriveMasterKey(cfg.Passkey, cfg.Salt, cfg.KDF)
	if err != nil {
		return nil, fmt.Errorf("keychain: deriving master key: %w", err)
	}
	s.tel.Since("keychain.derive", start)

	valueKey, err := seal.DeriveSubKey(master, valueKeyInfo)
	if err != nil {
		seal.Wipe(master)
		return nil, fmt.Errorf("keychain: deriving value key: %w", err)
	}
	s.masterKey, s.valueKey = master, valueKey

	if cfg.CacheSize > 0 {
		s.cache, err = ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: max(cfg.CacheSize/32, 100),
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			s.wipe()
			return nil, fmt.Errorf("keychain: creating cache: %w", err)
		}
	}

	Logger.Debugf("keychain created (cache %d bytes, flush delay %s)", cfg.CacheSize, cfg.FlushDelay)
	return s, nil
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// Get returns the plaintext of the value (key, t).
// A missing value returns (nil, false, nil), a value that can not be decrypted a *DecryptionError.
func (s *Store) Get(key string, t resource.ValueType) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	id := resource.KeychainEntryID(key, t)
	e, ok := s.values.Load(id)
	if !ok {
		return nil, false, nil
	}
	if !e.encrypted {
		return clone(e.value), true, nil
	}

	ck := cacheKey(id, e.version)
	if s.cache != nil {
		if plain, hit := s.cache.Get(ck); hit {
			s.tel.Counter("dsync_keychain_cache_hits_total").Inc()
			return clone(plain), true, nil
		}
		s.tel.Counter("dsync_keychain_cache_misses_total").Inc()
	}

	plain, err := seal.Open(s.valueKey, e.value, valueAAD(key, t))
	if err != nil {
		s.tel.Counter("dsync_keychain_decrypt_errors_total").Inc()
		return nil, false, &DecryptionError{Key: key, Type: t, Err: err}
	}

	if s.cache != nil {
		s.cache.Set(ck, clone(plain), int64(len(plain)))
		s.cache.Wait()
	}
	return plain, true, nil
}

// Has reports whether a value for (key, t) is known, without decrypting it
func (s *Store) Has(key string, t resource.ValueType) bool {
	_, ok := s.values.Load(resource.KeychainEntryID(key, t))
	return ok
}

// Len returns the number of known values
func (s *Store) Len() int {
	return s.values.Size()
}

// ValueInfo describes a stored value without exposing it
type ValueInfo struct {
	Key       string
	Type      resource.ValueType
	Encrypted bool
	Size      int
}

// List returns information about all stored values ordered by type and key
func (s *Store) List() []ValueInfo {
	var out []ValueInfo
	s.values.Range(func(_ string, e entry) bool {
		out = append(out, ValueInfo{Key: e.key, Type: e.typ, Encrypted: e.encrypted, Size: len(e.value)})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// --------------------------------------------------------------------------
// Local changes (persisted)
// --------------------------------------------------------------------------

// Set stores value under (key, t) and queues it to be persisted.
// Confidential types are sealed before they are stored.
func (s *Store) Set(key string, t resource.ValueType, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if key == "" || !t.Valid() {
		return fmt.Errorf("keychain: invalid value identifier (%q, %q)", key, t)
	}

	stored := clone(value)
	encrypted := t.Confidential()
	if encrypted {
		sealed, err := seal.Seal(s.valueKey, value, valueAAD(key, t))
		if err != nil {
			return fmt.Errorf("keychain: sealing %s value of %q: %w", t, key, err)
		}
		stored = sealed
	}

	id := s.store(key, t, stored, encrypted)
	s.enqueue(id, pendingOp{set: ValueToSet{
		Key:       key,
		Type:      t,
		Value:     base64.StdEncoding.EncodeToString(stored),
		Encrypted: encrypted,
	}})
	s.notify(key, t)
	return nil
}

// GetOrCreate returns the value (key, t) and creates a new random key if none exists
func (s *Store) GetOrCreate(key string, t resource.ValueType) ([]byte, error) {
	value, ok, err := s.Get(key, t)
	if err != nil || ok {
		return value, err
	}
	value, err = seal.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := s.Set(key, t, value); err != nil {
		return nil, err
	}
	return value, nil
}

// Remove deletes (key, t) locally and queues the removal on the server
func (s *Store) Remove(key string, t resource.ValueType) error {
	if s.closed.Load() {
		return ErrClosed
	}
	id := s.drop(key, t)
	s.enqueue(id, pendingOp{remove: true, set: ValueToSet{Key: key, Type: t}})
	return nil
}

// --------------------------------------------------------------------------
// Server changes (not persisted)
// --------------------------------------------------------------------------

// Apply materializes a keychain entry sent by the server. The value is kept as is.
func (s *Store) Apply(e resource.KeychainEntry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if e.Key == "" || !e.Type.Valid() {
		return fmt.Errorf("keychain: invalid entry (%q, %q)", e.Key, e.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(e.Value)
	if err != nil {
		return fmt.Errorf("keychain: decoding %s value of %q: %w", e.Type, e.Key, err)
	}
	s.store(e.Key, e.Type, raw, e.Encrypted)
	s.notify(e.Key, e.Type)
	return nil
}

// Drop removes a value the server deleted
func (s *Store) Drop(key string, t resource.ValueType) {
	if s.closed.Load() {
		return
	}
	s.drop(key, t)
}

// --------------------------------------------------------------------------
// Availability notifications
// --------------------------------------------------------------------------

// OnAvailable registers fn to be called after a value became available (local set or server apply).
// fn runs synchronously on the goroutine that stored the value.
func (s *Store) OnAvailable(fn func(key string, t resource.ValueType)) (cancel func()) {
	id := s.listenerID.Add(1)
	s.listeners.Store(id, fn)
	return func() { s.listeners.Delete(id) }
}

func (s *Store) notify(key string, t resource.ValueType) {
	s.listeners.Range(func(_ uint64, fn func(string, resource.ValueType)) bool {
		fn(key, t)
		return true
	})
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Close stops the flush timer, wipes all key material and cached plaintexts.
// Pending changes that were not flushed yet are discarded.
func (s *Store) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if n := len(s.pending); n > 0 {
		Logger.Warningf("keychain closed with %d unflushed changes", n)
	}
	s.pending = make(map[string]pendingOp)
	s.mu.Unlock()

	// wait for a running flush so the key is not wiped while in use
	s.flushMu.Lock()
	s.wipe()
	s.flushMu.Unlock()

	s.values.Clear()
	s.listeners.Clear()
	Logger.Debugf("keychain closed")
}

func (s *Store) wipe() {
	seal.Wipe(s.masterKey)
	seal.Wipe(s.valueKey)
	if s.cache != nil {
		s.cache.Clear()
		s.cache.Close()
	}
}

// --------------------------------------------------------------------------
// helper
// --------------------------------------------------------------------------

func (s *Store) store(key string, t resource.ValueType, raw []byte, encrypted bool) string {
	id := resource.KeychainEntryID(key, t)
	old, existed := s.values.Load(id)
	s.values.Store(id, entry{
		key:       key,
		typ:       t,
		value:     raw,
		encrypted: encrypted,
		version:   s.version.Add(1),
	})
	if existed && s.cache != nil {
		s.cache.Del(cacheKey(id, old.version))
	}
	return id
}

func (s *Store) drop(key string, t resource.ValueType) string {
	id := resource.KeychainEntryID(key, t)
	if old, ok := s.values.LoadAndDelete(id); ok && s.cache != nil {
		s.cache.Del(cacheKey(id, old.version))
	}
	return id
}

// valueAAD binds a sealed value to its slot, so a value can not be moved to another (key, type)
func valueAAD(key string, t resource.ValueType) []byte {
	return []byte("keychain:" + string(t) + ":" + key)
}

// cacheKey includes the entry version, a plaintext cached for a replaced value is never returned
func cacheKey(id string, version uint64) string {
	return id + "@" + strconv.FormatUint(version, 10)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// compile time check
var _ resource.KeyProvider = (*Store)(nil)
