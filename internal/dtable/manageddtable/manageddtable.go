// Package manageddtable implements managed_dtable (spec.md §4.5): the
// orchestration layer tying a live journal_dtable and a stack of
// immutable disk layers into a single dtable, with a background-safe
// digest (fold the journal into a new immutable layer) and combine
// (fold a contiguous range of disk layers into one) maintenance cycle.
//
// Runtime state is exactly what spec.md §9 calls "one overlay layered
// as [disk_0, ..., disk_n-1, journal]": disk_0 is the oldest, lowest
// priority layer and the journal is always the highest. Digest appends
// a new layer built from the current journal at the top of the disk
// stack (just below the journal, which then rolls onto a fresh
// listener id); combine replaces a contiguous range of the disk stack
// with one new layer built in its place, consulting a shadow overlay
// of the layers below the range to decide whether each tombstone in
// the range is still needed.
package manageddtable

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/journaldtable"
	"github.com/nathansgreen/anvil/internal/dtable/overlay"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/idalloc"
	"github.com/nathansgreen/anvil/internal/params"
	"github.com/nathansgreen/anvil/internal/sysjournal"
)

// logger is the package-wide structured logger for digest/combine
// activity; internal/envconfig's process logger replaces it via
// SetLogger once process configuration is loaded.
var logger = slog.Default()

// SetLogger replaces the logger used for digest/combine lifecycle
// events, letting internal/envconfig wire in the process-configured
// level and handler.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// manageddtableMetrics holds the OTel instruments for digest/combine
// activity, registered against the global delegating provider at init
// time — the same deferred-registration pattern the teacher's dolt
// storage backend uses for its retry/lock-wait instruments, so these
// forward to an exporter if the process installs a meter provider;
// nothing in this repository installs one.
var manageddtableMetrics struct {
	digestCount     metric.Int64Counter
	digestDuration  metric.Float64Histogram
	combineCount    metric.Int64Counter
	combineDuration metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/nathansgreen/anvil/dtable/manageddtable")
	manageddtableMetrics.digestCount, _ = m.Int64Counter("anvil.managed_dtable.digest_count",
		metric.WithDescription("Digest operations completed"), metric.WithUnit("{digest}"))
	manageddtableMetrics.digestDuration, _ = m.Float64Histogram("anvil.managed_dtable.digest_duration_ms",
		metric.WithDescription("Digest operation duration"), metric.WithUnit("ms"))
	manageddtableMetrics.combineCount, _ = m.Int64Counter("anvil.managed_dtable.combine_count",
		metric.WithDescription("Combine operations completed"), metric.WithUnit("{combine}"))
	manageddtableMetrics.combineDuration, _ = m.Float64Histogram("anvil.managed_dtable.combine_duration_ms",
		metric.WithDescription("Combine operation duration"), metric.WithUnit("ms"))
}

const (
	disksSubdir  = "disks"
	journalSubdir = "journal"
	idFileName    = "unique_id"

	defaultDigestInterval  = 60 * time.Second
	defaultCombineInterval = 5 * time.Minute
	defaultCombineCount    = 4
)

type diskEntry struct {
	number   uint32
	fastbase bool
	table    dtable.Interface
}

// Table is managed_dtable.
type Table struct {
	mu sync.RWMutex

	dir     string
	keyType dtype.KeyType
	cmpName string

	combineCount    int
	digestInterval  time.Duration
	combineInterval time.Duration
	digestedAt      time.Time
	combinedAt      time.Time

	nextDdt uint32
	disks   []diskEntry

	journalID  uint32
	sysJournal *sysjournal.Journal
	journal    *journaldtable.Table
	idAlloc    *idalloc.Allocator

	view *overlay.Overlay

	baseFactory, fastbaseFactory dtable.Factory
	baseConfig, fastbaseConfig   *params.Tree

	digestUseFastbase, combineUseFastbase bool
}

func diskDir(dir string, number uint32) string {
	return filepath.Join(dir, disksSubdir, fmt.Sprintf("%d", number))
}

// resolveFactories reads the "base"/"fastbase" class(dt) fields (and
// their "*_config" sub-trees) from config. fastbase is optional: when
// absent, digest/combine simply always use the base factory.
func resolveFactories(config *params.Tree) (base, fastbase dtable.Factory, baseConfig, fastbaseConfig *params.Tree, err error) {
	baseClass, err := config.GetClass("base")
	if err != nil {
		return nil, nil, nil, nil, anverr.Wrap("manageddtable.resolveFactories", anverr.InvalidArgument, err)
	}
	base, ok := dtable.Factories.Lookup(baseClass)
	if !ok {
		return nil, nil, nil, nil, anverr.Newf("manageddtable.resolveFactories", anverr.NoEntry, "unknown base class %q", baseClass)
	}
	baseConfig, cerr := config.GetConfig("base_config")
	if cerr != nil {
		baseConfig = params.NewTree()
	}

	fastbaseClass, ferr := config.GetClass("fastbase")
	if ferr != nil {
		return base, base, baseConfig, baseConfig, nil
	}
	fastbase, ok = dtable.Factories.Lookup(fastbaseClass)
	if !ok {
		return nil, nil, nil, nil, anverr.Newf("manageddtable.resolveFactories", anverr.NoEntry, "unknown fastbase class %q", fastbaseClass)
	}
	fastbaseConfig, cerr = config.GetConfig("fastbase_config")
	if cerr != nil {
		fastbaseConfig = params.NewTree()
	}
	return base, fastbase, baseConfig, fastbaseConfig, nil
}

// Create builds a brand-new managed dtable rooted at dir: an empty disk
// stack, a fresh journal listener, and metadata persisted immediately
// so a reopen before the first mutation still finds a consistent state.
func Create(ctx context.Context, dir string, keyType dtype.KeyType, config *params.Tree) (*Table, error) {
	if err := os.MkdirAll(filepath.Join(dir, disksSubdir), 0o755); err != nil {
		return nil, anverr.Wrap("manageddtable.Create", anverr.IO, err)
	}
	journalDir := filepath.Join(dir, journalSubdir)
	sj, err := sysjournal.Open(journalDir)
	if err != nil {
		return nil, err
	}
	idAlloc, err := idalloc.Open(filepath.Join(journalDir, idFileName))
	if err != nil {
		return nil, err
	}
	journalID, err := idAlloc.Next()
	if err != nil {
		return nil, err
	}

	base, fastbase, baseConfig, fastbaseConfig, err := resolveFactories(config)
	if err != nil {
		return nil, err
	}

	combineCount := int(config.GetInt("combine_count", defaultCombineCount))
	digestInterval := time.Duration(config.GetInt("digest_interval_seconds", int64(defaultDigestInterval/time.Second))) * time.Second
	combineInterval := time.Duration(config.GetInt("combine_interval_seconds", int64(defaultCombineInterval/time.Second))) * time.Second

	m := &Table{
		dir:                dir,
		keyType:            keyType,
		cmpName:            config.GetString("comparator", ""),
		combineCount:        combineCount,
		digestInterval:      digestInterval,
		combineInterval:     combineInterval,
		journalID:           journalID,
		sysJournal:          sj,
		idAlloc:             idAlloc,
		baseFactory:         base,
		fastbaseFactory:     fastbase,
		baseConfig:          baseConfig,
		fastbaseConfig:      fastbaseConfig,
		digestUseFastbase:   config.GetBool("digest_use_fastbase", true),
		combineUseFastbase:  config.GetBool("combine_use_fastbase", false),
	}
	m.journal = journaldtable.New(keyType, journalID, sj)
	m.rebuildView()
	if err := m.writeMetadataLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open reattaches to a managed dtable previously built with Create: it
// reads the persisted metadata, reopens every disk layer through the
// factory that built it, reopens the sys_journal, registers the
// journal_dtable as a listener, and replays the journal so reads are
// immediately consistent.
func Open(ctx context.Context, dir string, config *params.Tree) (*Table, error) {
	md, err := readMetadata(metaPath(dir))
	if err != nil {
		return nil, err
	}

	base, fastbase, baseConfig, fastbaseConfig, err := resolveFactories(config)
	if err != nil {
		return nil, err
	}

	journalDir := filepath.Join(dir, journalSubdir)
	sj, err := sysjournal.Open(journalDir)
	if err != nil {
		return nil, err
	}
	idAlloc, err := idalloc.Open(filepath.Join(journalDir, idFileName))
	if err != nil {
		return nil, err
	}

	m := &Table{
		dir:                dir,
		keyType:            md.keyType,
		cmpName:            md.cmpName,
		combineCount:        md.combineCount,
		digestInterval:      md.digestInterval,
		combineInterval:     md.combineInterval,
		digestedAt:          md.digestedAt,
		combinedAt:          md.combinedAt,
		nextDdt:             md.nextDdt,
		journalID:           md.journalID,
		sysJournal:          sj,
		idAlloc:             idAlloc,
		baseFactory:         base,
		fastbaseFactory:     fastbase,
		baseConfig:          baseConfig,
		fastbaseConfig:      fastbaseConfig,
		digestUseFastbase:   config.GetBool("digest_use_fastbase", true),
		combineUseFastbase:  config.GetBool("combine_use_fastbase", false),
	}

	for _, d := range md.disks {
		factory, cfg := base, baseConfig
		if d.fastbase {
			factory, cfg = fastbase, fastbaseConfig
		}
		tbl, err := factory.Open(ctx, diskDir(dir, d.number), cfg)
		if err != nil {
			return nil, err
		}
		m.disks = append(m.disks, diskEntry{number: d.number, fastbase: d.fastbase, table: tbl})
	}

	m.journal = journaldtable.New(md.keyType, md.journalID, sj)
	if err := sj.Playback(true); err != nil {
		return nil, err
	}
	m.rebuildView()
	return m, nil
}

func (m *Table) rebuildView() {
	layers := make([]dtable.Interface, 0, len(m.disks)+1)
	for _, d := range m.disks {
		layers = append(layers, d.table)
	}
	layers = append(layers, m.journal)
	m.view = overlay.New(m.keyType, layers...)
}

func (m *Table) KeyType() dtype.KeyType { return m.keyType }

func (m *Table) SetBlobCmp(cmp dtype.BlobComparator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.SetBlobCmp(cmp)
}

func (m *Table) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view.Lookup(ctx, key)
}

func (m *Table) Iterator(ctx context.Context) (dtable.Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view.Iterator(ctx)
}

func (m *Table) Insert(ctx context.Context, key dtype.Key, value dtype.Blob) error {
	m.mu.RLock()
	j := m.journal
	m.mu.RUnlock()
	return j.Insert(ctx, key, value)
}

func (m *Table) Remove(ctx context.Context, key dtype.Key) error {
	return m.Insert(ctx, key, dtype.DNE)
}

// DiskCount reports the number of immutable disk layers currently
// stacked under the journal, for tests and operational introspection
// (the CLI's "stats" subcommand).
func (m *Table) DiskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.disks)
}

func (m *Table) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, d := range m.disks {
		if err := d.table.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.sysJournal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Maintain runs Digest and/or Combine if due (or unconditionally, when
// force is set), then persists the resulting metadata. It implements
// spec.md §4.5's maintain(force?) policy: digest runs when the journal
// is non-empty and the digest interval has elapsed since the last one;
// combine runs when at least combine_count disk layers have
// accumulated and the combine interval has elapsed.
func (m *Table) Maintain(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	dirty := false

	dueDigest := force || (!m.journal.Empty() && (m.digestedAt.IsZero() || now.Sub(m.digestedAt) >= m.digestInterval))
	if dueDigest {
		if err := m.timedDigestLocked(ctx); err != nil {
			return err
		}
		m.digestedAt = time.Now()
		dirty = true
	}

	dueCombine := len(m.disks) > 1 && (force || (len(m.disks) >= m.combineCount && (m.combinedAt.IsZero() || now.Sub(m.combinedAt) >= m.combineInterval)))
	if dueCombine {
		n := m.combineCount
		if n > len(m.disks) {
			n = len(m.disks)
		}
		last := len(m.disks) - 1
		first := last - n + 1
		if err := m.timedCombineLocked(ctx, first, last); err != nil {
			return err
		}
		m.combinedAt = time.Now()
		dirty = true
	}

	if dirty {
		return m.writeMetadataLocked()
	}
	return nil
}

// Digest forces an immediate fold of the journal into a new disk layer,
// regardless of the configured digest interval. It is idempotent when
// the journal is empty.
func (m *Table) Digest(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.timedDigestLocked(ctx); err != nil {
		return err
	}
	m.digestedAt = time.Now()
	return m.writeMetadataLocked()
}

// timedDigestLocked wraps digestLocked with the structured logging and
// OTel instrumentation spec.md §2 item 12 requires across the digest
// path, without touching digestLocked's own merge/rollover logic.
func (m *Table) timedDigestLocked(ctx context.Context) error {
	start := time.Now()
	err := m.digestLocked(ctx)
	d := time.Since(start)
	manageddtableMetrics.digestDuration.Record(ctx, float64(d.Milliseconds()))
	if err != nil {
		logger.Error("manageddtable: digest failed", "dir", m.dir, "duration", d, "error", err)
		return err
	}
	manageddtableMetrics.digestCount.Add(ctx, 1)
	logger.Debug("manageddtable: digest complete", "dir", m.dir, "duration", d, "disk_count", len(m.disks))
	return nil
}

func (m *Table) digestLocked(ctx context.Context) error {
	if m.journal.Empty() {
		return nil
	}

	factory, cfg := m.baseFactory, m.baseConfig
	if m.digestUseFastbase {
		factory, cfg = m.fastbaseFactory, m.fastbaseConfig
	}

	srcIt, err := m.journal.Iterator(ctx)
	if err != nil {
		return err
	}
	defer srcIt.Close()

	shadowIt, closeShadow, err := m.shadowOver(ctx, 0, len(m.disks)-1)
	if err != nil {
		return err
	}
	if closeShadow != nil {
		defer closeShadow()
	}

	number := m.nextDdt
	m.nextDdt++
	newTable, err := factory.Create(ctx, diskDir(m.dir, number), m.keyType, m.cmpName, cfg, srcIt, shadowIt)
	if err != nil {
		return err
	}
	m.disks = append(m.disks, diskEntry{number: number, fastbase: m.digestUseFastbase, table: newTable})

	oldJournalID := m.journalID
	newJournalID, err := m.idAlloc.Next()
	if err != nil {
		return err
	}
	if err := m.sysJournal.MarkDiscarded(oldJournalID); err != nil {
		return err
	}
	if err := m.journal.Close(); err != nil {
		return err
	}
	m.journalID = newJournalID
	m.journal = journaldtable.New(m.keyType, newJournalID, m.sysJournal)

	m.rebuildView()
	return nil
}

// Combine forces an immediate fold of the contiguous disk range
// [first, last] (inclusive, 0 = oldest) into a single new layer,
// consulting the layers below the range as a shadow to decide which
// tombstones in the range are still needed.
func (m *Table) Combine(ctx context.Context, first, last int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.timedCombineLocked(ctx, first, last); err != nil {
		return err
	}
	m.combinedAt = time.Now()
	return m.writeMetadataLocked()
}

// timedCombineLocked wraps combineLocked with the same logging/metrics
// discipline timedDigestLocked applies to digest.
func (m *Table) timedCombineLocked(ctx context.Context, first, last int) error {
	start := time.Now()
	err := m.combineLocked(ctx, first, last)
	d := time.Since(start)
	manageddtableMetrics.combineDuration.Record(ctx, float64(d.Milliseconds()))
	if err != nil {
		logger.Error("manageddtable: combine failed", "dir", m.dir, "first", first, "last", last, "duration", d, "error", err)
		return err
	}
	manageddtableMetrics.combineCount.Add(ctx, 1)
	logger.Debug("manageddtable: combine complete", "dir", m.dir, "first", first, "last", last, "duration", d, "disk_count", len(m.disks))
	return nil
}

// shadowOver builds (when first <= last is a non-empty, in-range slice
// of m.disks) a tombstone-surfacing overlay over disks[first:last+1]
// and returns its iterator plus a closer; it returns a nil iterator
// when the range is empty, signaling "nothing below" to the caller.
func (m *Table) shadowOver(ctx context.Context, first, last int) (dtable.Iterator, func(), error) {
	if first > last || first < 0 {
		return nil, nil, nil
	}
	layers := make([]dtable.Interface, 0, last-first+1)
	for i := first; i <= last; i++ {
		layers = append(layers, m.disks[i].table)
	}
	ov := overlay.New(m.keyType, layers...)
	it, err := ov.IteratorMode(ctx, overlay.SurfaceTombstones)
	if err != nil {
		return nil, nil, err
	}
	return it, func() { it.Close() }, nil
}

func (m *Table) combineLocked(ctx context.Context, first, last int) error {
	if first < 0 || last >= len(m.disks) || first > last {
		return anverr.Newf("manageddtable.Combine", anverr.InvalidArgument, "invalid disk range [%d,%d] over %d layers", first, last, len(m.disks))
	}

	layers := make([]dtable.Interface, 0, last-first+1)
	for i := first; i <= last; i++ {
		layers = append(layers, m.disks[i].table)
	}
	srcOv := overlay.New(m.keyType, layers...)
	srcIt, err := srcOv.IteratorMode(ctx, overlay.SurfaceTombstones)
	if err != nil {
		return err
	}
	defer srcIt.Close()

	shadowIt, closeShadow, err := m.shadowOver(ctx, 0, first-1)
	if err != nil {
		return err
	}
	if closeShadow != nil {
		defer closeShadow()
	}

	factory, cfg := m.baseFactory, m.baseConfig
	if m.combineUseFastbase {
		factory, cfg = m.fastbaseFactory, m.fastbaseConfig
	}

	number := m.nextDdt
	m.nextDdt++
	newTable, err := factory.Create(ctx, diskDir(m.dir, number), m.keyType, m.cmpName, cfg, srcIt, shadowIt)
	if err != nil {
		return err
	}

	oldEntries := append([]diskEntry(nil), m.disks[first:last+1]...)
	newDisks := make([]diskEntry, 0, len(m.disks)-(last-first))
	newDisks = append(newDisks, m.disks[:first]...)
	newDisks = append(newDisks, diskEntry{number: number, fastbase: m.combineUseFastbase, table: newTable})
	newDisks = append(newDisks, m.disks[last+1:]...)
	m.disks = newDisks

	m.rebuildView()

	for _, e := range oldEntries {
		e.table.Close()
		os.RemoveAll(diskDir(m.dir, e.number))
	}
	return nil
}

func (m *Table) writeMetadataLocked() error {
	disks := make([]diskRecord, len(m.disks))
	for i, d := range m.disks {
		disks[i] = diskRecord{number: d.number, fastbase: d.fastbase}
	}
	md := metadata{
		keyType:         m.keyType,
		cmpName:         m.cmpName,
		combineCount:    m.combineCount,
		journalID:       m.journalID,
		digestInterval:  m.digestInterval,
		combineInterval: m.combineInterval,
		digestedAt:      m.digestedAt,
		combinedAt:      m.combinedAt,
		nextDdt:         m.nextDdt,
		disks:           disks,
	}
	return writeMetadataFile(metaPath(m.dir), md)
}

var (
	_ dtable.Writable     = (*Table)(nil)
	_ dtable.Maintainable = (*Table)(nil)
)

// classFactory registers managed_dtable itself under dtable.Factories,
// so a managed dtable can be nested as the base of an outer table
// stack's config. Create here means "build a fresh managed dtable and
// bulk-load it from source" (there is no shadow-aware tombstone
// decision to make at this level — an inner managed dtable runs its
// own digest/combine policy going forward).
type classFactory struct{}

func (classFactory) ClassName() string { return "managed_dtable" }

func (classFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree, source, shadow dtable.Iterator) (dtable.Interface, error) {
	m, err := Create(ctx, dir, keyType, config)
	if err != nil {
		return nil, err
	}
	if source != nil {
		for ok := source.First(); ok; ok = source.Next() {
			v, err := source.Value()
			if err != nil {
				return nil, err
			}
			if err := m.Insert(ctx, source.Key(), v); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (classFactory) Open(ctx context.Context, dir string, config *params.Tree) (dtable.Interface, error) {
	return Open(ctx, dir, config)
}

func init() {
	dtable.Factories.Register("managed_dtable", classFactory{})
}

var _ dtable.Factory = classFactory{}
