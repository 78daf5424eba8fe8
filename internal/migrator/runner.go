package migrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"docmigrator/internal/metrics"
)

// Runner applies a batch of pending migrations one at a time.
type Runner struct {
	resolver *Resolver
	procs    *ProcedureDriver
	ledger   *Ledger
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRunner wires a runner from its collaborators.
func NewRunner(r *Resolver, p *ProcedureDriver, l *Ledger, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Runner{resolver: r, procs: p, ledger: l, logger: logger, metrics: m}
}

// Validate checks every descriptor before anything runs and reports the
// first malformed one.
func Validate(batch []Migration) error {
	for _, m := range batch {
		var reason string
		switch {
		case strings.TrimSpace(m.ID) == "":
			reason = "must have 'id' specified"
		case strings.TrimSpace(m.Collection) == "":
			reason = "must have 'collection' specified"
		case strings.TrimSpace(m.Database) == "":
			reason = "must have 'database' specified"
		case m.Kind == KindScript && m.Script == nil:
			reason = "must have a 'script' body"
		case m.Kind == KindProcedure && strings.TrimSpace(m.Procedure) == "":
			reason = "must have a procedure 'body'"
		case m.Kind != KindScript && m.Kind != KindProcedure:
			reason = "has an unknown type"
		}
		if reason != "" {
			return &StructuralValidationError{Name: m.Name, Reason: reason}
		}
	}
	return nil
}

// Run validates pending, then applies it in ascending name order and
// records each success in the ledger before starting the next one. It
// stops at the first failure; migrations applied before it stay
// recorded and are returned in the log.
func (r *Runner) Run(ctx context.Context, pending []Migration) ([]LogEntry, error) {
	if err := Validate(pending); err != nil {
		return nil, err
	}
	batch := make([]Migration, len(pending))
	copy(batch, pending)
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Name < batch[j].Name })

	log := make([]LogEntry, 0, len(batch))
	for _, m := range batch {
		if err := ctx.Err(); err != nil {
			return log, err
		}
		if err := r.applyOne(ctx, m); err != nil {
			return log, err
		}
		log = append(log, LogEntry{Name: m.Name, Path: m.Path, Status: StatusDone})
	}
	return log, nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	started := time.Now()
	r.logEvent(m, "started")

	err := r.execute(ctx, m)
	if err == nil {
		err = r.ledger.Append(ctx, m.Name)
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	r.metrics.Applied.WithLabelValues(m.Kind.String(), result).Inc()
	r.metrics.Duration.WithLabelValues(m.Kind.String()).Observe(time.Since(started).Seconds())

	if err != nil {
		r.logger.Error("Migration failed", zap.String("migration_name", m.Name), zap.Error(err))
		return err
	}
	r.logEvent(m, "completed", zap.Duration("took", time.Since(started)))
	return nil
}

func (r *Runner) execute(ctx context.Context, m Migration) error {
	data, err := r.loadData(ctx, m)
	if err != nil {
		return err
	}
	switch m.Kind {
	case KindScript:
		if err := m.Script(ctx, r.resolver); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		return nil
	case KindProcedure:
		collLink, err := r.resolver.resolveTarget(ctx, m)
		if err != nil {
			return err
		}
		res, err := r.procs.Run(ctx, collLink, m, data)
		if err != nil {
			return err
		}
		r.logger.Info("Procedure finished",
			zap.String("migration_name", m.Name),
			zap.Int64("processed", res.Processed),
			zap.Int("rounds", res.Rounds),
		)
		return nil
	}
	return &StructuralValidationError{Name: m.Name, Reason: "has an unknown type"}
}

// loadData prefers the loader over static data.
func (r *Runner) loadData(ctx context.Context, m Migration) ([]any, error) {
	if m.Loader != nil {
		data, err := m.Loader(ctx, r.resolver)
		if err != nil {
			return nil, fmt.Errorf("migration %s: load data: %w", m.Name, err)
		}
		return data, nil
	}
	return m.Data, nil
}

func (r *Runner) logEvent(m Migration, event string, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("migration_name", m.Name),
		zap.String("migration_kind", m.Kind.String()),
		zap.String("migration_event", event),
	}, extra...)
	r.logger.Info("Executing migration", fields...)
}
