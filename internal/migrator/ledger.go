package migrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"docmigrator/internal/docstore"
)

// LedgerEntry marks one completed migration.
type LedgerEntry struct {
	ID string `json:"id"`
}

// Ledger records completed migrations in the migration collection.
type Ledger struct {
	client docstore.Client
	link   string
}

// NewLedger returns a ledger stored in the collection at link.
func NewLedger(c docstore.Client, link string) *Ledger { return &Ledger{client: c, link: link} }

// ListCompleted returns completed migration names in ascending order.
func (l *Ledger) ListCompleted(ctx context.Context) ([]string, error) {
	ids, err := l.client.ListDocumentIDs(ctx, l.link)
	if err != nil {
		return nil, fmt.Errorf("list completed migrations: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Append records name as completed. It does not check for an existing
// entry; a store conflict surfaces as DuplicateLedgerEntryError.
func (l *Ledger) Append(ctx context.Context, name string) error {
	err := l.client.CreateDocument(ctx, l.link, LedgerEntry{ID: name})
	if errors.Is(err, docstore.ErrConflict) {
		return &DuplicateLedgerEntryError{Name: name, Err: err}
	}
	if err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

// Diff returns the names in all that are not in completed, ascending.
// Every completed name must still be available; otherwise Diff returns
// CorruptLedgerError listing the missing ones. Inputs are not modified.
func Diff(all, completed []string) ([]string, error) {
	known := make(map[string]struct{}, len(all))
	for _, n := range all {
		known[n] = struct{}{}
	}
	done := make(map[string]struct{}, len(completed))
	var missing []string
	for _, n := range completed {
		done[n] = struct{}{}
		if _, ok := known[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &CorruptLedgerError{Missing: missing}
	}
	pending := make([]string, 0, len(all))
	for _, n := range all {
		if _, ok := done[n]; !ok {
			pending = append(pending, n)
		}
	}
	sort.Strings(pending)
	return pending, nil
}
