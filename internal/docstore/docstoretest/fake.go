// Package docstoretest provides an in-memory docstore.Client for tests.
package docstoretest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"docmigrator/internal/docstore"
)

// Handler answers one procedure invocation.
type Handler func(control, data json.RawMessage) (*docstore.ProcedureResult, error)

// Call records one procedure invocation.
type Call struct {
	Link    string
	Control json.RawMessage
	Data    json.RawMessage
}

type storedDoc struct {
	body json.RawMessage
	etag int
}

type procedure struct {
	id   string
	body string
}

// Store is an in-memory document store. Fail injects errors by method name.
type Store struct {
	mu sync.Mutex

	dbs   map[string]bool
	colls map[string]bool
	docs  map[string]map[string]*storedDoc
	procs map[string]*procedure

	handlers map[string]Handler

	// Fail maps a method name (e.g. "CreateDocument") to the error it returns.
	Fail map[string]error

	Calls            []Call
	ProcedureCreates int
	ProcedureDeletes int
	Ops              []string
}

var _ docstore.Client = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		dbs:      map[string]bool{},
		colls:    map[string]bool{},
		docs:     map[string]map[string]*storedDoc{},
		procs:    map[string]*procedure{},
		handlers: map[string]Handler{},
		Fail:     map[string]error{},
	}
}

// DatabaseLink returns the link the store assigns to database id.
func DatabaseLink(id string) string { return "dbs/" + id }

// CollectionLink returns the link the store assigns to a collection.
func CollectionLink(db, coll string) string { return DatabaseLink(db) + "/colls/" + coll }

// ProcedureLink returns the link the store assigns to a procedure.
func ProcedureLink(collLink, id string) string { return collLink + "/sprocs/" + id }

// Seed creates a database and collection directly.
func (s *Store) Seed(db, coll string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs[DatabaseLink(db)] = true
	link := CollectionLink(db, coll)
	s.colls[link] = true
	if s.docs[link] == nil {
		s.docs[link] = map[string]*storedDoc{}
	}
	return link
}

// Handle installs the handler used when procedure id is executed in any collection.
func (s *Store) Handle(id string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[id] = h
}

// Respond installs a handler replaying bodies in order. Running past the
// end repeats the last body.
func (s *Store) Respond(id string, bodies ...string) {
	var n int
	s.Handle(id, func(_, _ json.RawMessage) (*docstore.ProcedureResult, error) {
		b := bodies[len(bodies)-1]
		if n < len(bodies) {
			b = bodies[n]
		}
		n++
		return &docstore.ProcedureResult{Body: json.RawMessage(b), ScriptLog: "round " + strconv.Itoa(n)}, nil
	})
}

// Procedures lists installed procedure links.
func (s *Store) Procedures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.procs))
	for k := range s.procs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Doc decodes document id of collLink into out.
func (s *Store) Doc(collLink, id string, out any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[collLink][id]
	if !ok {
		return false
	}
	return json.Unmarshal(d.body, out) == nil
}

// IDs lists document ids of collLink, sorted.
func (s *Store) IDs(collLink string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idsLocked(collLink)
}

func (s *Store) idsLocked(collLink string) []string {
	out := make([]string, 0, len(s.docs[collLink]))
	for k := range s.docs[collLink] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) op(name string) error {
	s.Ops = append(s.Ops, name)
	return s.Fail[name]
}

func (s *Store) FindDatabase(_ context.Context, id string) (*docstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("FindDatabase"); err != nil {
		return nil, err
	}
	if !s.dbs[DatabaseLink(id)] {
		return nil, docstore.ErrNotFound
	}
	return &docstore.Resource{ID: id, Link: DatabaseLink(id)}, nil
}

func (s *Store) CreateDatabase(_ context.Context, id string) (*docstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("CreateDatabase"); err != nil {
		return nil, err
	}
	link := DatabaseLink(id)
	if s.dbs[link] {
		return nil, docstore.ErrConflict
	}
	s.dbs[link] = true
	return &docstore.Resource{ID: id, Link: link}, nil
}

func (s *Store) FindCollection(_ context.Context, dbLink, id string) (*docstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("FindCollection"); err != nil {
		return nil, err
	}
	link := dbLink + "/colls/" + id
	if !s.colls[link] {
		return nil, docstore.ErrNotFound
	}
	return &docstore.Resource{ID: id, Link: link}, nil
}

func (s *Store) CreateCollection(_ context.Context, dbLink, id string) (*docstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("CreateCollection"); err != nil {
		return nil, err
	}
	if !s.dbs[dbLink] {
		return nil, docstore.ErrNotFound
	}
	link := dbLink + "/colls/" + id
	if s.colls[link] {
		return nil, docstore.ErrConflict
	}
	s.colls[link] = true
	s.docs[link] = map[string]*storedDoc{}
	return &docstore.Resource{ID: id, Link: link}, nil
}

func (s *Store) ReadDocument(_ context.Context, collLink, id string) (*docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("ReadDocument"); err != nil {
		return nil, err
	}
	d, ok := s.docs[collLink][id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return &docstore.Document{ID: id, ETag: strconv.Itoa(d.etag), Body: d.body}, nil
}

func (s *Store) ListDocumentIDs(_ context.Context, collLink string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("ListDocumentIDs"); err != nil {
		return nil, err
	}
	if !s.colls[collLink] {
		return nil, docstore.ErrNotFound
	}
	// unsorted on purpose: callers must sort
	ids := s.idsLocked(collLink)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func (s *Store) QueryDocuments(_ context.Context, collLink string, q docstore.Query) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("QueryDocuments"); err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, id := range s.idsLocked(collLink) {
		out = append(out, s.docs[collLink][id].body)
	}
	return out, nil
}

func (s *Store) CreateDocument(_ context.Context, collLink string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("CreateDocument"); err != nil {
		return err
	}
	id, body, err := s.encode(collLink, doc)
	if err != nil {
		return err
	}
	if _, ok := s.docs[collLink][id]; ok {
		return docstore.ErrConflict
	}
	s.docs[collLink][id] = &storedDoc{body: body, etag: 1}
	return nil
}

func (s *Store) UpsertDocument(_ context.Context, collLink string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("UpsertDocument"); err != nil {
		return err
	}
	id, body, err := s.encode(collLink, doc)
	if err != nil {
		return err
	}
	s.put(collLink, id, body)
	return nil
}

func (s *Store) ReplaceDocument(_ context.Context, collLink, id, etag string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("ReplaceDocument"); err != nil {
		return err
	}
	_, body, err := s.encode(collLink, doc)
	if err != nil {
		return err
	}
	cur, ok := s.docs[collLink][id]
	if !ok {
		return docstore.ErrNotFound
	}
	if etag != "" && etag != strconv.Itoa(cur.etag) {
		return docstore.ErrPreconditionFailed
	}
	s.put(collLink, id, body)
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, collLink, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("DeleteDocument"); err != nil {
		return err
	}
	if _, ok := s.docs[collLink][id]; !ok {
		return docstore.ErrNotFound
	}
	delete(s.docs[collLink], id)
	return nil
}

func (s *Store) FindProcedure(_ context.Context, collLink, id string) (*docstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("FindProcedure"); err != nil {
		return nil, err
	}
	link := ProcedureLink(collLink, id)
	if _, ok := s.procs[link]; !ok {
		return nil, docstore.ErrNotFound
	}
	return &docstore.Resource{ID: id, Link: link}, nil
}

func (s *Store) CreateProcedure(_ context.Context, collLink, id, body string) (*docstore.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("CreateProcedure"); err != nil {
		return nil, err
	}
	if !s.colls[collLink] {
		return nil, docstore.ErrNotFound
	}
	link := ProcedureLink(collLink, id)
	if _, ok := s.procs[link]; ok {
		return nil, docstore.ErrConflict
	}
	s.procs[link] = &procedure{id: id, body: body}
	s.ProcedureCreates++
	return &docstore.Resource{ID: id, Link: link}, nil
}

func (s *Store) DeleteProcedure(_ context.Context, procLink string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.op("DeleteProcedure"); err != nil {
		return err
	}
	if _, ok := s.procs[procLink]; !ok {
		return docstore.ErrNotFound
	}
	delete(s.procs, procLink)
	s.ProcedureDeletes++
	return nil
}

func (s *Store) ExecuteProcedure(_ context.Context, procLink string, _ docstore.ExecOptions, args ...any) (*docstore.ProcedureResult, error) {
	s.mu.Lock()
	if err := s.op("ExecuteProcedure"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	p, ok := s.procs[procLink]
	if !ok {
		s.mu.Unlock()
		return nil, docstore.ErrNotFound
	}
	h := s.handlers[p.id]
	call := Call{Link: procLink}
	if len(args) > 0 {
		call.Control, _ = json.Marshal(args[0])
	}
	if len(args) > 1 {
		call.Data, _ = json.Marshal(args[1])
	}
	s.Calls = append(s.Calls, call)
	s.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("no handler for procedure %q", p.id)
	}
	return h(call.Control, call.Data)
}

func (s *Store) Close() error { return nil }

func (s *Store) encode(collLink string, doc any) (string, json.RawMessage, error) {
	if !s.colls[collLink] {
		return "", nil, docstore.ErrNotFound
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", nil, err
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(head.ID) == "" {
		return "", nil, fmt.Errorf("document without id")
	}
	return head.ID, body, nil
}

func (s *Store) put(collLink, id string, body json.RawMessage) {
	cur, ok := s.docs[collLink][id]
	if !ok {
		s.docs[collLink][id] = &storedDoc{body: body, etag: 1}
		return
	}
	cur.body = body
	cur.etag++
}
