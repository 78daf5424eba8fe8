package migrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docmigrator/internal/docstore"
	"docmigrator/internal/metrics"
)

const (
	// DefaultDatabase holds the ledger and lock collections.
	DefaultDatabase = "migrations"
	// DefaultCollection is the ledger collection.
	DefaultCollection = "migrations"

	// NoVersion is reported when nothing has been applied.
	NoVersion = "none"
)

// Migrator ties the lock, the ledger and the runner together.
type Migrator struct {
	client     docstore.Client
	source     *Source
	resolver   *Resolver
	database   string
	collection string
	maxRounds  int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	ledger *Ledger
	lock   *LockManager
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithTable sets the database and collection holding the ledger.
func WithTable(database, collection string) Option {
	return func(m *Migrator) {
		if database != "" {
			m.database = database
		}
		if collection != "" {
			m.collection = collection
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Migrator) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the collectors updated during a run.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Migrator) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithMaxRounds bounds the invocations of a single procedure. Zero means unbounded.
func WithMaxRounds(n int) Option {
	return func(m *Migrator) { m.maxRounds = n }
}

// New creates a Migrator over client reading descriptors from src.
func New(client docstore.Client, src *Source, opts ...Option) *Migrator {
	m := &Migrator{
		client:     client,
		source:     src,
		resolver:   NewResolver(client),
		database:   DefaultDatabase,
		collection: DefaultCollection,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	m.logger = m.logger.With(zap.String("run_id", uuid.NewString()))
	return m
}

// EnsureTables creates the ledger database, the ledger collection, the
// lock collection and the lock record when they are missing.
func (m *Migrator) EnsureTables(ctx context.Context) error {
	db, err := m.resolver.GetOrCreateDatabase(ctx, m.database)
	if err != nil {
		return err
	}
	coll, err := m.resolver.GetOrCreateCollection(ctx, db.Link, m.collection)
	if err != nil {
		return err
	}
	lockName := LockTableName(m.collection)
	lockColl, err := m.resolver.GetOrCreateCollection(ctx, db.Link, lockName)
	if err != nil {
		return err
	}
	m.ledger = NewLedger(m.client, coll.Link)
	m.lock = NewLockManager(m.client, lockColl.Link, lockName, m.logger)
	return m.lock.Ensure(ctx)
}

// Latest applies every pending migration under the migration lock and
// returns what it applied. The lock is released on every return path;
// a release failure is joined to the returned error.
func (m *Migrator) Latest(ctx context.Context) (log []LogEntry, err error) {
	if err := m.EnsureTables(ctx); err != nil {
		return nil, err
	}
	if err := m.lock.Acquire(ctx); err != nil {
		var busy *LockAcquisitionError
		if errors.As(err, &busy) {
			m.metrics.LockBusy.Inc()
		}
		return nil, err
	}
	defer func() {
		if rerr := m.lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}()

	all, err := m.source.List()
	if err != nil {
		return nil, err
	}
	completed, err := m.ledger.ListCompleted(ctx)
	if err != nil {
		return nil, err
	}
	names, err := Diff(all, completed)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		m.logger.Info("Already up to date", zap.Int("completed", len(completed)))
		return []LogEntry{}, nil
	}
	batch, err := m.source.Load(names)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Bringing up migrations", zap.Int("migration_count", len(batch)))

	procs := NewProcedureDriver(m.client, m.logger, m.metrics, m.maxRounds)
	runner := NewRunner(m.resolver, procs, m.ledger, m.logger, m.metrics)
	return runner.Run(ctx, batch)
}

// CurrentVersion returns the timestamp prefix of the newest completed
// migration, or NoVersion. It does not create anything.
func (m *Migrator) CurrentVersion(ctx context.Context) (string, error) {
	completed, err := m.completed(ctx)
	if err != nil {
		return "", err
	}
	version := ""
	for _, name := range completed {
		v, _, _ := strings.Cut(name, "_")
		if v > version {
			version = v
		}
	}
	if version == "" {
		return NoVersion, nil
	}
	return version, nil
}

// ForceFreeMigrationsLock unlocks the migration table regardless of its
// state. It recovers from a run that died while holding the lock.
func (m *Migrator) ForceFreeMigrationsLock(ctx context.Context) error {
	if err := m.EnsureTables(ctx); err != nil {
		return err
	}
	return m.lock.Release(ctx)
}

// Status lists available migrations with their applied flag, followed by
// ledger entries whose file is gone.
func (m *Migrator) Status(ctx context.Context) ([]StatusRow, error) {
	all, err := m.source.List()
	if err != nil {
		return nil, err
	}
	completed, err := m.completed(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(completed))
	for _, n := range completed {
		done[n] = true
	}
	rows := make([]StatusRow, 0, len(all))
	known := make(map[string]bool, len(all))
	for _, n := range all {
		known[n] = true
		rows = append(rows, StatusRow{Name: n, Applied: done[n]})
	}
	for _, n := range completed {
		if !known[n] {
			rows = append(rows, StatusRow{Name: n, Applied: true, Missing: true})
		}
	}
	return rows, nil
}

// completed reads the ledger without creating it; a missing ledger is empty.
func (m *Migrator) completed(ctx context.Context) ([]string, error) {
	dbLink, err := m.resolver.DatabaseLink(ctx, m.database)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find database %s: %w", m.database, err)
	}
	collLink, err := m.resolver.CollectionLink(ctx, dbLink, m.collection)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find collection %s: %w", m.collection, err)
	}
	return NewLedger(m.client, collLink).ListCompleted(ctx)
}
