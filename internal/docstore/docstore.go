// Package docstore defines the document store capability the migrator drives.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when an addressed resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when a create collides with an existing id.
	ErrConflict = errors.New("resource already exists")
	// ErrPreconditionFailed is returned when a conditional write loses to a concurrent writer.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Resource is a database, collection or procedure handle.
// Link addresses the resource in subsequent calls.
type Resource struct {
	ID   string
	Link string
}

// Document is a stored document together with its concurrency tag.
type Document struct {
	ID   string
	ETag string
	Body json.RawMessage
}

// Param is a named query parameter.
type Param struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Query is a backend-native query. Cosmos takes SQL API text with @named
// parameters; Postgres takes SQL returning one jsonb column with
// positional $n parameters bound in Params order.
type Query struct {
	Text   string
	Params []Param
}

// ExecOptions tunes a procedure invocation.
type ExecOptions struct {
	PartitionKey string
}

// ProcedureResult is the payload and transport metadata of one invocation.
type ProcedureResult struct {
	Body      json.RawMessage
	ScriptLog string
	Metadata  map[string]string
}

// Client is the CRUD and procedure surface of a document store.
type Client interface {
	FindDatabase(ctx context.Context, id string) (*Resource, error)
	CreateDatabase(ctx context.Context, id string) (*Resource, error)

	FindCollection(ctx context.Context, dbLink, id string) (*Resource, error)
	CreateCollection(ctx context.Context, dbLink, id string) (*Resource, error)

	ReadDocument(ctx context.Context, collLink, id string) (*Document, error)
	ListDocumentIDs(ctx context.Context, collLink string) ([]string, error)
	QueryDocuments(ctx context.Context, collLink string, q Query) ([]json.RawMessage, error)
	CreateDocument(ctx context.Context, collLink string, doc any) error
	UpsertDocument(ctx context.Context, collLink string, doc any) error
	// ReplaceDocument overwrites document id. A non-empty etag makes the
	// write conditional and yields ErrPreconditionFailed on mismatch.
	ReplaceDocument(ctx context.Context, collLink, id, etag string, doc any) error
	DeleteDocument(ctx context.Context, collLink, id string) error

	FindProcedure(ctx context.Context, collLink, id string) (*Resource, error)
	CreateProcedure(ctx context.Context, collLink, id, body string) (*Resource, error)
	DeleteProcedure(ctx context.Context, procLink string) error
	ExecuteProcedure(ctx context.Context, procLink string, opts ExecOptions, args ...any) (*ProcedureResult, error)

	Close() error
}
