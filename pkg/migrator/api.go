// Package migrator provides the public API for running migrations.
package migrator

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	icfg "docmigrator/internal/config"
	"docmigrator/internal/docstore"
	"docmigrator/internal/driver/cosmos"
	ipg "docmigrator/internal/driver/postgres"
	"docmigrator/internal/metrics"
	im "docmigrator/internal/migrator"
)

type (
	LogEntry  = im.LogEntry
	StatusRow = im.StatusRow
)

// Option tunes a call of the public API.
type Option func(*options)

type options struct {
	logger *zap.Logger
	client docstore.Client
}

// WithLogger sets the logger used during the call.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClient runs against an already open store instead of the one the
// configuration names. The client is not closed.
func WithClient(c docstore.Client) Option {
	return func(o *options) { o.client = c }
}

// RunLatest applies every pending migration. An empty log means the store
// was already up to date.
func RunLatest(ctx context.Context, c icfg.Config, opts ...Option) (log []LogEntry, err error) {
	reg := prometheus.NewRegistry()
	err = withMigrator(ctx, c, reg, opts, func(m *im.Migrator) error {
		log, err = m.Latest(ctx)
		return err
	})
	if c.Pushgateway != "" {
		err = multierr.Append(err, pushMetrics(ctx, c.Pushgateway, reg))
	}
	return log, err
}

// CurrentVersion returns the version of the newest applied migration or "none".
func CurrentVersion(ctx context.Context, c icfg.Config, opts ...Option) (version string, err error) {
	err = withMigrator(ctx, c, nil, opts, func(m *im.Migrator) error {
		version, err = m.CurrentVersion(ctx)
		return err
	})
	return version, err
}

// Unlock frees the migration lock left behind by an interrupted run.
func Unlock(ctx context.Context, c icfg.Config, opts ...Option) error {
	return withMigrator(ctx, c, nil, opts, func(m *im.Migrator) error {
		return m.ForceFreeMigrationsLock(ctx)
	})
}

// Status lists migrations with their applied state.
func Status(ctx context.Context, c icfg.Config, opts ...Option) (rows []StatusRow, err error) {
	err = withMigrator(ctx, c, nil, opts, func(m *im.Migrator) error {
		rows, err = m.Status(ctx)
		return err
	})
	return rows, err
}

func withMigrator(ctx context.Context, c icfg.Config, reg prometheus.Registerer, opts []Option, fn func(*im.Migrator) error) (err error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	client := o.client
	if client == nil {
		if client, err = Open(ctx, c); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, client.Close()) }()
	}
	src := im.NewSource(c.Path, c.LoadExtensions, goReg)
	m := im.New(client, src,
		im.WithTable(c.Database, c.Collection),
		im.WithLogger(o.logger),
		im.WithMetrics(metrics.New(reg)),
		im.WithMaxRounds(c.MaxRounds),
	)
	return fn(m)
}

// Open connects to the store named by c.Store.
func Open(ctx context.Context, c icfg.Config) (docstore.Client, error) {
	switch c.Store {
	case icfg.StorePostgres:
		db, err := ipg.Connect(ctx, c.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return db, nil
	case icfg.StoreCosmos:
		client, err := cosmos.New(c.Connection.Host, c.Connection.MasterKey, &cosmos.Options{
			PartitionByID: c.Connection.PartitionByID,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, &icfg.ConfigError{Key: "store", Reason: fmt.Sprintf("unknown store %q", c.Store)}
}

func pushMetrics(ctx context.Context, url string, g prometheus.Gatherer) error {
	if err := push.New(url, "docmigrator").Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
