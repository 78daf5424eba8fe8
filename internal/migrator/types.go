// Package migrator applies ordered migrations against a document store.
package migrator

import (
	"context"
	"fmt"
	"strings"
)

// Kind tells how a migration body is executed.
type Kind int

const (
	// KindScript runs a Go function against the resolver.
	KindScript Kind = iota
	// KindProcedure installs and drives a server-side procedure.
	KindProcedure
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "SCRIPT"
	case KindProcedure:
		return "STOREDPROCEDURE"
	default:
		return "UNKNOWN"
	}
}

// ParseKind matches a descriptor type case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SCRIPT":
		return KindScript, nil
	case "STOREDPROCEDURE":
		return KindProcedure, nil
	}
	return 0, fmt.Errorf("unknown migration type %q", s)
}

// ScriptFunc is the body of a script migration.
type ScriptFunc func(ctx context.Context, r *Resolver) error

// DataLoader produces the initial working data of a migration.
type DataLoader func(ctx context.Context, r *Resolver) ([]any, error)

// Migration describes one migration loaded from the migration directory.
type Migration struct {
	Name         string
	Kind         Kind
	ID           string
	Database     string
	Collection   string
	ProcedureID  string
	PartitionKey string
	Path         string

	Data   []any
	Loader DataLoader

	Script    ScriptFunc
	Procedure string
}

// procedureID defaults to the migration name.
func (m Migration) procedureID() string {
	if m.ProcedureID != "" {
		return m.ProcedureID
	}
	return m.Name
}

// LogEntry reports a migration applied by a batch.
type LogEntry struct {
	Name   string
	Path   string
	Status string
}

// StatusRow reports whether an available migration has been applied.
type StatusRow struct {
	Name    string
	Applied bool
	// Missing marks a ledger entry without a descriptor file.
	Missing bool
}
