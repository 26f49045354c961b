package memtable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memtable/internal"
	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(logging.NameDB)

// supported is the feature set of the memtable database
const supported = db.FeatureIndexes | db.FeatureComposite | db.FeatureTombstones | db.FeatureBatch | db.FeatureTransient

// --------------------------------------------------------------------------
// Core Memtable database structure
// --------------------------------------------------------------------------

// memtableImpl implements db.ResourceDB with one in-memory table per stored kind
type memtableImpl struct {
	registry *resource.Registry
	tables   *xsync.MapOf[resource.Kind, *internal.Table]
	notifier *internal.Notifier
	tel      *telemetry.Telemetry

	transient  *xsync.MapOf[resource.Kind, *xsync.MapOf[uint64, func(db.TransientEvent) error]]
	listenerID atomic.Uint64

	closed atomic.Bool
}

// DBOptions configures the memtableImpl behavior during initialization
type DBOptions struct {
	Telemetry *telemetry.Telemetry // metric set for the write counters (nil = private set)
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMemtableDB creates a database with one table per stored kind of the registry (opts are optional)
func NewMemtableDB(registry *resource.Registry, opts *DBOptions) db.ResourceDB {
	if opts == nil {
		opts = &DBOptions{}
	}

	newDB := &memtableImpl{
		registry:  registry,
		tables:    xsync.NewMapOf[resource.Kind, *internal.Table](),
		notifier:  internal.NewNotifier(),
		tel:       telemetry.OrNew(opts.Telemetry),
		transient: xsync.NewMapOf[resource.Kind, *xsync.MapOf[uint64, func(db.TransientEvent) error]](),
	}

	for _, kind := range registry.Kinds() {
		def, _ := registry.Lookup(kind)
		if def.Transient() {
			continue
		}
		newDB.tables.Store(kind, internal.NewTable(def))
	}

	return newDB
}

// --------------------------------------------------------------------------
// Interface Methods - Write Operations (docu see db.ResourceDB)
// --------------------------------------------------------------------------

func (m *memtableImpl) ApplySet(ctx context.Context, kind resource.Kind, raw json.RawMessage, ts int64) (resource.Resource, bool, error) {
	if m.closed.Load() {
		return nil, false, db.ErrClosed
	}

	def, ok := m.registry.Lookup(kind)
	if !ok {
		return nil, false, db.Errorf(db.RetCUnknownKind, "unknown kind %q", kind)
	}

	// the transform may block (keychain), it must not hold the table lock
	res, err := def.Decode(ctx, raw)
	if err != nil {
		return nil, false, fmt.Errorf("decoding %s: %w", kind, err)
	}

	if def.Transient() {
		err := m.emitTransient(db.TransientEvent{Kind: kind, ID: res.ResourceID(), Resource: res, Timestamp: ts})
		return res, err == nil, err
	}

	table, ok := m.tables.Load(kind)
	if !ok {
		return nil, false, db.Errorf(db.RetCInternalError, "no table for kind %q", kind)
	}

	if !table.Put(res, ts, len(raw)) {
		m.tel.Counter(`dsync_db_writes_ignored_total{kind="` + string(kind) + `"}`).Inc()
		Logger.Debugf("ignored stale set of %s %s (ts %d)", kind, res.ResourceID(), ts)
		current, _ := table.Get(res.ResourceID())
		if current == nil {
			return nil, false, nil
		}
		return current.Resource, false, nil
	}

	m.tel.Counter(`dsync_db_sets_total{kind="` + string(kind) + `"}`).Inc()
	m.notifier.Record(kind, res.ResourceID())
	return res, true, nil
}

func (m *memtableImpl) ApplyRemove(kind resource.Kind, id string, ts int64) (bool, error) {
	if m.closed.Load() {
		return false, db.ErrClosed
	}

	def, ok := m.registry.Lookup(kind)
	if !ok {
		return false, db.Errorf(db.RetCUnknownKind, "unknown kind %q", kind)
	}
	if id == "" {
		return false, db.NewError(db.RetCInvalidOperation, "remove without id")
	}

	if def.Transient() {
		err := m.emitTransient(db.TransientEvent{Kind: kind, ID: id, Timestamp: ts})
		return err == nil, err
	}

	table, ok := m.tables.Load(kind)
	if !ok {
		return false, db.Errorf(db.RetCInternalError, "no table for kind %q", kind)
	}

	applied, existed := table.Remove(id, ts)
	if !applied {
		m.tel.Counter(`dsync_db_writes_ignored_total{kind="` + string(kind) + `"}`).Inc()
		Logger.Debugf("ignored stale remove of %s %s (ts %d)", kind, id, ts)
		return false, nil
	}
	if existed {
		m.tel.Counter(`dsync_db_removes_total{kind="` + string(kind) + `"}`).Inc()
		m.notifier.Record(kind, id)
	}
	return true, nil
}

func (m *memtableImpl) Clear(kind resource.Kind) {
	table, ok := m.tables.Load(kind)
	if !ok {
		return
	}
	ids := table.Clear()
	Logger.Debugf("cleared %d rows of %s", len(ids), kind)
	m.notifier.Record(kind, ids...)
}

func (m *memtableImpl) ClearAll() {
	_ = m.Batch(func() error {
		m.tables.Range(func(kind resource.Kind, _ *internal.Table) bool {
			m.Clear(kind)
			return true
		})
		return nil
	})
}

// --------------------------------------------------------------------------
// Interface Methods - Query Operations (docu see db.ResourceDB)
// --------------------------------------------------------------------------

func (m *memtableImpl) Get(kind resource.Kind, id string) (resource.Resource, bool) {
	table, ok := m.tables.Load(kind)
	if !ok {
		return nil, false
	}
	row, ok := table.Get(id)
	if !ok {
		return nil, false
	}
	return row.Resource, true
}

func (m *memtableImpl) Query(kind resource.Kind, index string, values ...string) ([]resource.Resource, error) {
	start := time.Now()
	defer m.tel.Since("db.query", start)

	def, ok := m.registry.Lookup(kind)
	if !ok {
		return nil, db.Errorf(db.RetCUnknownKind, "unknown kind %q", kind)
	}
	if def.Transient() {
		return nil, db.Errorf(db.RetCTransientKind, "kind %q is transient and can not be queried", kind)
	}

	table, ok := m.tables.Load(kind)
	if !ok {
		return nil, db.Errorf(db.RetCInternalError, "no table for kind %q", kind)
	}

	n, ok := table.HasIndex(index)
	if !ok {
		return nil, db.Errorf(db.RetCUnknownIndex, "kind %q has no index %q", kind, index)
	}
	if len(values) != n {
		return nil, db.Errorf(db.RetCInvalidOperation, "index %q of %q takes %d values, got %d", index, kind, n, len(values))
	}

	return table.Query(index, resource.JoinKey(values...)), nil
}

func (m *memtableImpl) All(kind resource.Kind) []resource.Resource {
	table, ok := m.tables.Load(kind)
	if !ok {
		return nil
	}
	return table.All()
}

func (m *memtableImpl) Count(kind resource.Kind) int {
	table, ok := m.tables.Load(kind)
	if !ok {
		return 0
	}
	return table.Len()
}

// --------------------------------------------------------------------------
// Interface Methods - Notifications (docu see db.ResourceDB)
// --------------------------------------------------------------------------

func (m *memtableImpl) Batch(fn func() error) error {
	m.notifier.Begin()
	defer m.notifier.End()
	return fn()
}

func (m *memtableImpl) Subscribe(kind resource.Kind, fn func(db.Change)) (cancel func()) {
	return m.notifier.Subscribe(kind, fn)
}

func (m *memtableImpl) OnTransient(kind resource.Kind, fn func(db.TransientEvent) error) (cancel func()) {
	id := m.listenerID.Add(1)
	listeners, _ := m.transient.LoadOrCompute(kind, func() *xsync.MapOf[uint64, func(db.TransientEvent) error] {
		return xsync.NewMapOf[uint64, func(db.TransientEvent) error]()
	})
	listeners.Store(id, fn)
	return func() { listeners.Delete(id) }
}

func (m *memtableImpl) emitTransient(event db.TransientEvent) error {
	listeners, ok := m.transient.Load(event.Kind)
	if !ok || listeners.Size() == 0 {
		Logger.Warningf("no listener for transient %s %s, event dropped", event.Kind, event.ID)
		return nil
	}

	var firstErr error
	listeners.Range(func(_ uint64, fn func(db.TransientEvent) error) bool {
		if err := fn(event); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// --------------------------------------------------------------------------
// Interface Methods - Feature Support (docu see db.ResourceDB)
// --------------------------------------------------------------------------

func (m *memtableImpl) Registry() *resource.Registry {
	return m.registry
}

func (m *memtableImpl) SupportsFeature(feature db.Feature) bool {
	return feature&supported == feature
}

func (m *memtableImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType: db.ImplMemtable,
		Kinds:  make(map[resource.Kind]db.KindInfo),
	}
	for f := db.FeatureIndexes; f <= db.FeatureTransient; f <<= 1 {
		if m.SupportsFeature(f) {
			info.SupportedFeatures = append(info.SupportedFeatures, f)
		}
	}
	m.tables.Range(func(kind resource.Kind, table *internal.Table) bool {
		kindInfo := table.Info()
		info.Kinds[kind] = kindInfo
		info.SizeBytes += kindInfo.SizeBytes
		return true
	})
	return info
}

func (m *memtableImpl) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.ClearAll()
	m.transient.Clear()
	return nil
}

// --------------------------------------------------------------------------
// Consistency check (used by tests)
// --------------------------------------------------------------------------

// CheckConsistency verifies that the indexes of every table match its rows.
// database must have been created by NewMemtableDB.
func CheckConsistency(database db.ResourceDB) error {
	m, ok := database.(*memtableImpl)
	if !ok {
		return fmt.Errorf("not a memtable database: %T", database)
	}
	var err error
	m.tables.Range(func(kind resource.Kind, table *internal.Table) bool {
		if msg := table.CheckConsistency(); msg != "" {
			err = fmt.Errorf("%s: %s", kind, msg)
			return false
		}
		return true
	})
	return err
}
