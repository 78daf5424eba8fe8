// Package cosmos is a docstore.Client for the Azure Cosmos DB SQL API,
// speaking its REST protocol through the azcore request pipeline.
//
// Collections are created without a partition key, so a stored procedure
// sees the whole collection. With Options.PartitionByID they are partitioned
// on /id instead and document operations send the id as the partition key.
package cosmos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/google/uuid"

	"docmigrator/internal/docstore"
)

const (
	moduleName    = "docmigrator/cosmos"
	moduleVersion = "v1.0.0"

	// APIVersion is sent as x-ms-version.
	APIVersion = "2018-12-31"

	headerContinuation = "x-ms-continuation"
	headerScriptLog    = "x-ms-documentdb-script-log-results"
	headerPartitionKey = "x-ms-documentdb-partitionkey"
)

// Options configures the client.
type Options struct {
	azcore.ClientOptions

	// PartitionByID creates collections partitioned on /id. Procedures on
	// such collections only see the partition named in ExecOptions.
	PartitionByID bool
}

// Client talks to one Cosmos DB account.
type Client struct {
	endpoint      string
	pl            runtime.Pipeline
	partitionByID bool
}

var _ docstore.Client = (*Client)(nil)

// New returns a client for endpoint authenticating with the base64 account master key.
func New(endpoint, masterKey string, opts *Options) (*Client, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("cosmos endpoint: %w", err)
	}
	auth, err := newMasterKeyPolicy(masterKey)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	pl := runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerRetry: []policy.Policy{auth},
	}, &opts.ClientOptions)
	return &Client{endpoint: strings.TrimRight(endpoint, "/"), pl: pl, partitionByID: opts.PartitionByID}, nil
}

// Close is a no-op; the pipeline holds no connections of its own.
func (c *Client) Close() error { return nil }

func databaseLink(id string) string { return "dbs/" + id }

func (c *Client) FindDatabase(ctx context.Context, id string) (*docstore.Resource, error) {
	return c.find(ctx, databaseLink(id))
}

func (c *Client) CreateDatabase(ctx context.Context, id string) (*docstore.Resource, error) {
	return c.create(ctx, "dbs", map[string]any{"id": id})
}

func (c *Client) FindCollection(ctx context.Context, dbLink, id string) (*docstore.Resource, error) {
	return c.find(ctx, dbLink+"/colls/"+id)
}

func (c *Client) CreateCollection(ctx context.Context, dbLink, id string) (*docstore.Resource, error) {
	coll := map[string]any{"id": id}
	if c.partitionByID {
		coll["partitionKey"] = map[string]any{"paths": []string{"/id"}, "kind": "Hash"}
	}
	return c.create(ctx, dbLink+"/colls", coll)
}

func (c *Client) FindProcedure(ctx context.Context, collLink, id string) (*docstore.Resource, error) {
	return c.find(ctx, collLink+"/sprocs/"+id)
}

func (c *Client) CreateProcedure(ctx context.Context, collLink, id, body string) (*docstore.Resource, error) {
	return c.create(ctx, collLink+"/sprocs", map[string]any{"id": id, "body": body})
}

func (c *Client) DeleteProcedure(ctx context.Context, procLink string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, procLink)
	if err != nil {
		return err
	}
	resp, err := c.do(req, http.StatusNoContent)
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) ExecuteProcedure(ctx context.Context, procLink string, opts docstore.ExecOptions, args ...any) (*docstore.ProcedureResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, procLink)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	if err := runtime.MarshalAsJSON(req, args); err != nil {
		return nil, err
	}
	h := req.Raw().Header
	h.Set("x-ms-documentdb-script-enable-logging", "true")
	if opts.PartitionKey != "" {
		if err := setPartitionKey(h, opts.PartitionKey); err != nil {
			return nil, err
		}
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	body, err := runtime.Payload(resp)
	if err != nil {
		return nil, err
	}
	scriptLog := resp.Header.Get(headerScriptLog)
	if unescaped, err := url.QueryUnescape(scriptLog); err == nil {
		scriptLog = unescaped
	}
	return &docstore.ProcedureResult{
		Body:      body,
		ScriptLog: scriptLog,
		Metadata: map[string]string{
			"activity-id":    resp.Header.Get("x-ms-activity-id"),
			"request-charge": resp.Header.Get("x-ms-request-charge"),
		},
	}, nil
}

func (c *Client) ReadDocument(ctx context.Context, collLink, id string) (*docstore.Document, error) {
	req, err := c.newRequest(ctx, http.MethodGet, collLink+"/docs/"+id)
	if err != nil {
		return nil, err
	}
	if err := c.setDocumentKey(req.Raw().Header, id); err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	body, err := runtime.Payload(resp)
	if err != nil {
		return nil, err
	}
	return &docstore.Document{ID: id, ETag: resp.Header.Get("etag"), Body: body}, nil
}

func (c *Client) ListDocumentIDs(ctx context.Context, collLink string) ([]string, error) {
	docs, err := c.QueryDocuments(ctx, collLink, docstore.Query{Text: "SELECT c.id FROM c"})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, raw := range docs {
		var d struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode document id: %w", err)
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

type queryBody struct {
	Query      string           `json:"query"`
	Parameters []docstore.Param `json:"parameters"`
}

type queryPage struct {
	Documents []json.RawMessage `json:"Documents"`
}

// QueryDocuments runs a cross-partition SQL query and follows continuation
// tokens until the result is exhausted.
func (c *Client) QueryDocuments(ctx context.Context, collLink string, q docstore.Query) ([]json.RawMessage, error) {
	params := q.Params
	if params == nil {
		params = []docstore.Param{}
	}
	payload, err := json.Marshal(queryBody{Query: q.Text, Parameters: params})
	if err != nil {
		return nil, err
	}
	var (
		out          []json.RawMessage
		continuation string
	)
	for {
		req, err := c.newRequest(ctx, http.MethodPost, collLink+"/docs")
		if err != nil {
			return nil, err
		}
		if err := req.SetBody(streaming.NopCloser(bytes.NewReader(payload)), "application/query+json"); err != nil {
			return nil, err
		}
		h := req.Raw().Header
		h.Set("x-ms-documentdb-isquery", "true")
		h.Set("x-ms-documentdb-query-enablecrosspartition", "true")
		if continuation != "" {
			h.Set(headerContinuation, continuation)
		}
		resp, err := c.do(req, http.StatusOK)
		if err != nil {
			return nil, err
		}
		var page queryPage
		if err := runtime.UnmarshalAsJSON(resp, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Documents...)
		continuation = resp.Header.Get(headerContinuation)
		if continuation == "" {
			return out, nil
		}
	}
}

func (c *Client) CreateDocument(ctx context.Context, collLink string, doc any) error {
	return c.writeDocument(ctx, http.MethodPost, collLink+"/docs", "", doc, false)
}

func (c *Client) UpsertDocument(ctx context.Context, collLink string, doc any) error {
	return c.writeDocument(ctx, http.MethodPost, collLink+"/docs", "", doc, true)
}

func (c *Client) ReplaceDocument(ctx context.Context, collLink, id, etag string, doc any) error {
	return c.writeDocument(ctx, http.MethodPut, collLink+"/docs/"+id, etag, doc, false)
}

func (c *Client) DeleteDocument(ctx context.Context, collLink, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, collLink+"/docs/"+id)
	if err != nil {
		return err
	}
	if err := c.setDocumentKey(req.Raw().Header, id); err != nil {
		return err
	}
	resp, err := c.do(req, http.StatusNoContent)
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) writeDocument(ctx context.Context, method, link, etag string, doc any, upsert bool) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.ID == "" {
		return errors.New("cosmos: document must be an object with an id")
	}
	req, err := c.newRequest(ctx, method, link)
	if err != nil {
		return err
	}
	if err := req.SetBody(streaming.NopCloser(bytes.NewReader(body)), "application/json"); err != nil {
		return err
	}
	h := req.Raw().Header
	if err := c.setDocumentKey(h, head.ID); err != nil {
		return err
	}
	if upsert {
		h.Set("x-ms-documentdb-is-upsert", "true")
	}
	if etag != "" {
		h.Set("If-Match", etag)
	}
	resp, err := c.do(req, http.StatusOK, http.StatusCreated)
	if err != nil {
		return err
	}
	return drain(resp)
}

func (c *Client) find(ctx context.Context, link string) (*docstore.Resource, error) {
	req, err := c.newRequest(ctx, http.MethodGet, link)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return decodeResource(resp, parentOf(link))
}

func (c *Client) create(ctx context.Context, feedLink string, body any) (*docstore.Resource, error) {
	req, err := c.newRequest(ctx, http.MethodPost, feedLink)
	if err != nil {
		return nil, err
	}
	if err := runtime.MarshalAsJSON(req, body); err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return decodeResource(resp, feedLink)
}

// decodeResource builds a name-based link from the returned id.
func decodeResource(resp *http.Response, feedLink string) (*docstore.Resource, error) {
	var r struct {
		ID string `json:"id"`
	}
	if err := runtime.UnmarshalAsJSON(resp, &r); err != nil {
		return nil, err
	}
	return &docstore.Resource{ID: r.ID, Link: feedLink + "/" + r.ID}, nil
}

func parentOf(link string) string {
	i := strings.LastIndex(link, "/")
	if i < 0 {
		return ""
	}
	return link[:i]
}

func (c *Client) newRequest(ctx context.Context, method, link string) (*policy.Request, error) {
	segments := strings.Split(link, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	req, err := runtime.NewRequest(ctx, method, c.endpoint+"/"+strings.Join(segments, "/"))
	if err != nil {
		return nil, err
	}
	h := req.Raw().Header
	h.Set("x-ms-version", APIVersion)
	h.Set("x-ms-activity-id", uuid.NewString())
	h.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *policy.Request, codes ...int) (*http.Response, error) {
	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, err
	}
	if runtime.HasStatusCode(resp, codes...) {
		return resp, nil
	}
	return nil, mapError(resp)
}

// mapError translates store status codes into docstore sentinels while
// keeping the azcore.ResponseError reachable with errors.As.
func mapError(resp *http.Response) error {
	respErr := runtime.NewResponseError(resp)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", docstore.ErrNotFound, respErr)
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", docstore.ErrConflict, respErr)
	case http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %w", docstore.ErrPreconditionFailed, respErr)
	}
	return respErr
}

// setDocumentKey sends id as the partition key on collections partitioned by id.
func (c *Client) setDocumentKey(h http.Header, id string) error {
	if !c.partitionByID {
		return nil
	}
	return setPartitionKey(h, id)
}

func setPartitionKey(h http.Header, key string) error {
	b, err := json.Marshal([]string{key})
	if err != nil {
		return err
	}
	h.Set(headerPartitionKey, string(b))
	return nil
}

func drain(resp *http.Response) error {
	defer resp.Body.Close()
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}
