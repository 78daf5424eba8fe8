// Package postgres stores documents in PostgreSQL jsonb tables.
//
// A database is a schema, a collection is a table (id text primary key,
// doc jsonb) and a stored procedure is a PL/pgSQL function
// "<table>__<id>"(control jsonb, data jsonb) returning jsonb. RAISE NOTICE
// output of a procedure call is returned as its script log.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"docmigrator/internal/docstore"
)

const (
	bodyTag       = "$docmigrator$"
	maxIdentifier = 63
)

type DB struct {
	Pool *pgxpool.Pool

	// notices collects RAISE NOTICE output per backend pid while a
	// procedure runs on that connection.
	notices sync.Map
}

var _ docstore.Client = (*DB)(nil)

type noticeLog struct {
	mu    sync.Mutex
	lines []string
}

func (n *noticeLog) add(msg string) {
	n.mu.Lock()
	n.lines = append(n.lines, msg)
	n.mu.Unlock()
}

func (n *noticeLog) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return strings.Join(n.lines, "\n")
}

func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	db := &DB{}
	cfg.ConnConfig.OnNotice = func(c *pgconn.PgConn, n *pgconn.Notice) {
		if v, ok := db.notices.Load(c.PID()); ok {
			v.(*noticeLog).add(n.Message)
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	db.Pool = pool
	return db, nil
}

func (d *DB) Close() error {
	d.Pool.Close()
	return nil
}

func (d *DB) FindDatabase(ctx context.Context, id string) (*docstore.Resource, error) {
	var one int
	err := d.Pool.QueryRow(ctx,
		`SELECT 1 FROM information_schema.schemata WHERE schema_name = $1`, id).Scan(&one)
	if err != nil {
		return nil, mapError(err)
	}
	return &docstore.Resource{ID: id, Link: databaseLink(id)}, nil
}

func (d *DB) CreateDatabase(ctx context.Context, id string) (*docstore.Resource, error) {
	if _, err := d.Pool.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{id}.Sanitize()); err != nil {
		return nil, mapError(err)
	}
	return &docstore.Resource{ID: id, Link: databaseLink(id)}, nil
}

func (d *DB) FindCollection(ctx context.Context, dbLink, id string) (*docstore.Resource, error) {
	schema, err := parseDatabaseLink(dbLink)
	if err != nil {
		return nil, err
	}
	var one int
	err = d.Pool.QueryRow(ctx,
		`SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
		schema, id).Scan(&one)
	if err != nil {
		return nil, mapError(err)
	}
	return &docstore.Resource{ID: id, Link: collectionLink(schema, id)}, nil
}

func (d *DB) CreateCollection(ctx context.Context, dbLink, id string) (*docstore.Resource, error) {
	schema, err := parseDatabaseLink(dbLink)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`CREATE TABLE %s (
    id  TEXT PRIMARY KEY,
    doc JSONB NOT NULL
)`, pgx.Identifier{schema, id}.Sanitize())
	if _, err := d.Pool.Exec(ctx, sql); err != nil {
		return nil, mapError(err)
	}
	return &docstore.Resource{ID: id, Link: collectionLink(schema, id)}, nil
}

func (d *DB) ReadDocument(ctx context.Context, collLink, id string) (*docstore.Document, error) {
	table, err := tableOf(collLink)
	if err != nil {
		return nil, err
	}
	doc := &docstore.Document{ID: id}
	err = d.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc, xmin::text FROM %s WHERE id = $1`, table), id).Scan(&doc.Body, &doc.ETag)
	if err != nil {
		return nil, mapError(err)
	}
	return doc, nil
}

func (d *DB) ListDocumentIDs(ctx context.Context, collLink string) ([]string, error) {
	table, err := tableOf(collLink)
	if err != nil {
		return nil, err
	}
	rows, err := d.Pool.Query(ctx, fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, mapError(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}

// QueryDocuments runs q.Text with Params bound positionally. The query must
// return a single jsonb column. The collection link must name an existing
// table; the query text refers to tables itself.
func (d *DB) QueryDocuments(ctx context.Context, collLink string, q docstore.Query) ([]json.RawMessage, error) {
	if _, err := tableOf(collLink); err != nil {
		return nil, err
	}
	args := make([]any, len(q.Params))
	for i, p := range q.Params {
		args[i] = p.Value
	}
	rows, err := d.Pool.Query(ctx, q.Text, args...)
	if err != nil {
		return nil, mapError(err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var b []byte
		err := row.Scan(&b)
		return json.RawMessage(b), err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return docs, nil
}

func (d *DB) CreateDocument(ctx context.Context, collLink string, doc any) error {
	return d.write(ctx, collLink, doc, `INSERT INTO %s (id, doc) VALUES ($1, $2)`)
}

func (d *DB) UpsertDocument(ctx context.Context, collLink string, doc any) error {
	return d.write(ctx, collLink, doc,
		`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`)
}

// ReplaceDocument updates id only while its xmin still matches etag. An
// empty etag replaces unconditionally.
func (d *DB) ReplaceDocument(ctx context.Context, collLink, id, etag string, doc any) error {
	table, err := tableOf(collLink)
	if err != nil {
		return err
	}
	body, docID, err := encode(doc)
	if err != nil {
		return err
	}
	if docID != id {
		return fmt.Errorf("replace %s: document id %q does not match", id, docID)
	}
	tag, err := d.Pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET doc = $2 WHERE id = $1 AND ($3 = '' OR xmin::text = $3)`, table),
		id, body, etag)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := d.ReadDocument(ctx, collLink, id); err != nil {
		return err
	}
	return docstore.ErrPreconditionFailed
}

func (d *DB) DeleteDocument(ctx context.Context, collLink, id string) error {
	table, err := tableOf(collLink)
	if err != nil {
		return err
	}
	tag, err := d.Pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (d *DB) FindProcedure(ctx context.Context, collLink, id string) (*docstore.Resource, error) {
	schema, table, err := parseCollectionLink(collLink)
	if err != nil {
		return nil, err
	}
	var one int
	err = d.Pool.QueryRow(ctx, `
SELECT 1 FROM pg_proc p JOIN pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1 AND p.proname = $2`, schema, functionName(table, id)).Scan(&one)
	if err != nil {
		return nil, mapError(err)
	}
	return &docstore.Resource{ID: id, Link: procedureLink(collLink, id)}, nil
}

// CreateProcedure installs body as the PL/pgSQL block of the procedure
// function. The function sees its arguments as control and data.
func (d *DB) CreateProcedure(ctx context.Context, collLink, id, body string) (*docstore.Resource, error) {
	schema, table, err := parseCollectionLink(collLink)
	if err != nil {
		return nil, err
	}
	fn := functionName(table, id)
	if len(fn) > maxIdentifier {
		return nil, fmt.Errorf("procedure name %q exceeds %d bytes", fn, maxIdentifier)
	}
	if strings.Contains(body, bodyTag) {
		return nil, fmt.Errorf("procedure %s: body must not contain %s", id, bodyTag)
	}
	sql := fmt.Sprintf(`CREATE FUNCTION %s(control jsonb, data jsonb) RETURNS jsonb LANGUAGE plpgsql AS %s%s%s`,
		pgx.Identifier{schema, fn}.Sanitize(), bodyTag, body, bodyTag)
	if _, err := d.Pool.Exec(ctx, sql); err != nil {
		return nil, mapError(err)
	}
	return &docstore.Resource{ID: id, Link: procedureLink(collLink, id)}, nil
}

func (d *DB) DeleteProcedure(ctx context.Context, procLink string) error {
	fn, err := functionOf(procLink)
	if err != nil {
		return err
	}
	if _, err := d.Pool.Exec(ctx, fmt.Sprintf(`DROP FUNCTION %s(jsonb, jsonb)`, fn)); err != nil {
		return mapError(err)
	}
	return nil
}

// ExecuteProcedure calls the function with the first two args as control
// and data. Partition keys do not apply.
func (d *DB) ExecuteProcedure(ctx context.Context, procLink string, _ docstore.ExecOptions, args ...any) (*docstore.ProcedureResult, error) {
	fn, err := functionOf(procLink)
	if err != nil {
		return nil, err
	}
	params := make([][]byte, 2)
	for i := range params {
		var v any = map[string]any{}
		if i == 1 {
			v = []any{}
		}
		if i < len(args) && args[i] != nil {
			v = args[i]
		}
		if params[i], err = json.Marshal(v); err != nil {
			return nil, err
		}
	}

	conn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	pid := conn.Conn().PgConn().PID()
	log := &noticeLog{}
	d.notices.Store(pid, log)
	defer d.notices.Delete(pid)

	var body []byte
	err = conn.QueryRow(ctx, fmt.Sprintf(`SELECT %s($1::jsonb, $2::jsonb)`, fn), params[0], params[1]).Scan(&body)
	if err != nil {
		return nil, mapError(err)
	}
	return &docstore.ProcedureResult{
		Body:      body,
		ScriptLog: log.String(),
		Metadata:  map[string]string{"backend_pid": fmt.Sprint(pid)},
	}, nil
}

func (d *DB) write(ctx context.Context, collLink string, doc any, stmt string) error {
	table, err := tableOf(collLink)
	if err != nil {
		return err
	}
	body, id, err := encode(doc)
	if err != nil {
		return err
	}
	if _, err := d.Pool.Exec(ctx, fmt.Sprintf(stmt, table), id, body); err != nil {
		return mapError(err)
	}
	return nil
}

func encode(doc any) ([]byte, string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, "", err
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.ID == "" {
		return nil, "", errors.New("postgres: document must be an object with an id")
	}
	return body, head.ID, nil
}

// mapError translates missing rows and SQLSTATEs into docstore sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505", "42P06", "42P07", "42723":
		return fmt.Errorf("%w: %w", docstore.ErrConflict, err)
	case "3F000", "42P01", "42883":
		return fmt.Errorf("%w: %w", docstore.ErrNotFound, err)
	}
	return err
}
