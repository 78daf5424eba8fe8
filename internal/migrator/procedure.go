package migrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"docmigrator/internal/docstore"
	"docmigrator/internal/metrics"
)

// Statuses a remote procedure reports.
//
// StatusError does not mean failure: the procedure ran out of its
// execution budget and asks to be invoked again with the updated
// continuation and working data. StatusContinue is accepted as a
// clearer spelling of the same request.
const (
	StatusDone     = "DONE"
	StatusError    = "ERROR"
	StatusContinue = "CONTINUE"
)

// invalidStatusLabel counts rounds whose status is missing or unknown.
const invalidStatusLabel = "invalid"


// controlObject is the first invocation argument. The procedure resumes
// its server-side scan from Continuation.
type controlObject struct {
	Continuation json.RawMessage `json:"continuation,omitempty"`
}

type procedureResponse struct {
	Status       string          `json:"status"`
	Continuation json.RawMessage `json:"continuation"`
	Index        float64         `json:"index"`
	Processed    float64         `json:"processed"`
	Message      string          `json:"message"`
}

func (r procedureResponse) hasContinuation() bool {
	c := bytes.TrimSpace(r.Continuation)
	return len(c) > 0 && !bytes.Equal(c, []byte("null")) && !bytes.Equal(c, []byte(`""`))
}

// ExecutionResult aggregates every round of one procedure run.
type ExecutionResult struct {
	Processed int64
	Rounds    int
}

// ProcedureDriver installs a remote procedure, invokes it until it
// reports DONE and removes it again.
type ProcedureDriver struct {
	client    docstore.Client
	logger    *zap.Logger
	metrics   *metrics.Metrics
	maxRounds int
}

// NewProcedureDriver returns a driver. maxRounds <= 0 means no limit.
func NewProcedureDriver(c docstore.Client, logger *zap.Logger, m *metrics.Metrics, maxRounds int) *ProcedureDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &ProcedureDriver{client: c, logger: logger, metrics: m, maxRounds: maxRounds}
}

// Install replaces procedure id in collLink: an existing one is deleted
// before the new one is created.
func (d *ProcedureDriver) Install(ctx context.Context, collLink, id, body string) (*docstore.Resource, error) {
	existing, err := d.client.FindProcedure(ctx, collLink, id)
	switch {
	case err == nil:
		if err := d.client.DeleteProcedure(ctx, existing.Link); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("replace procedure %s: %w", id, err)
		}
	case errors.Is(err, docstore.ErrNotFound):
	default:
		return nil, fmt.Errorf("find procedure %s: %w", id, err)
	}
	proc, err := d.client.CreateProcedure(ctx, collLink, id, body)
	if err != nil {
		return nil, fmt.Errorf("create procedure %s: %w", id, err)
	}
	return proc, nil
}

// Run installs the procedure of m in collLink, drives it over data and
// deletes it on every exit path.
func (d *ProcedureDriver) Run(ctx context.Context, collLink string, m Migration, data []any) (res ExecutionResult, err error) {
	proc, err := d.Install(ctx, collLink, m.procedureID(), m.Procedure)
	if err != nil {
		return res, err
	}
	defer func() {
		if derr := d.client.DeleteProcedure(context.WithoutCancel(ctx), proc.Link); derr != nil {
			err = multierr.Append(err, fmt.Errorf("delete procedure %s: %w", proc.ID, derr))
		}
	}()
	return d.drive(ctx, proc.Link, m, data)
}

func (d *ProcedureDriver) drive(ctx context.Context, link string, m Migration, data []any) (ExecutionResult, error) {
	var (
		res     ExecutionResult
		control controlObject
		window  = data
	)
	if window == nil {
		window = []any{}
	}
	opts := docstore.ExecOptions{PartitionKey: m.PartitionKey}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if d.maxRounds > 0 && res.Rounds >= d.maxRounds {
			return res, fmt.Errorf("migration %s: %w (%d)", m.Name, ErrRoundLimit, d.maxRounds)
		}

		out, err := d.client.ExecuteProcedure(ctx, link, opts, control, window)
		res.Rounds++
		if err != nil {
			return res, fmt.Errorf("migration %s round %d: %w", m.Name, res.Rounds, err)
		}

		resp, err := decodeResponse(out)
		d.logRound(m.Name, res.Rounds, out, resp)
		if err != nil {
			d.metrics.Rounds.WithLabelValues(invalidStatusLabel).Inc()
			return res, &RemoteProtocolError{Migration: m.Name, Round: res.Rounds, Status: resp.Status, Err: err}
		}

		if resp.hasContinuation() {
			control.Continuation = resp.Continuation
		}
		if n := int(resp.Index); n > 0 {
			if n > len(window) {
				n = len(window)
			}
			window = window[n:]
		}
		if p := int64(resp.Processed); p != 0 {
			res.Processed += p
			if p > 0 {
				d.metrics.Processed.Add(float64(p))
			}
		}

		switch resp.Status {
		case StatusDone:
			d.metrics.Rounds.WithLabelValues(resp.Status).Inc()
			return res, nil
		case StatusError, StatusContinue:
			d.metrics.Rounds.WithLabelValues(resp.Status).Inc()
		default:
			d.metrics.Rounds.WithLabelValues(invalidStatusLabel).Inc()
			return res, &RemoteProtocolError{Migration: m.Name, Round: res.Rounds, Status: resp.Status, Err: ErrInvalidStatus}
		}
	}
}

func decodeResponse(out *docstore.ProcedureResult) (procedureResponse, error) {
	var resp procedureResponse
	if out == nil {
		return resp, ErrEmptyResponse
	}
	body := bytes.TrimSpace(out.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return resp, ErrEmptyResponse
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrEmptyStatus, err)
	}
	status := bytes.TrimSpace(fields["status"])
	if len(status) == 0 || bytes.Equal(status, []byte("null")) {
		return resp, ErrEmptyStatus
	}
	if err := json.Unmarshal(status, &resp.Status); err != nil {
		resp.Status = string(status)
		return resp, ErrInvalidStatus
	}
	if resp.Status == "" {
		return resp, ErrEmptyStatus
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp, nil
}

func (d *ProcedureDriver) logRound(name string, round int, out *docstore.ProcedureResult, resp procedureResponse) {
	if ce := d.logger.Check(zap.DebugLevel, "Procedure round"); ce != nil {
		fields := []zap.Field{
			zap.String("migration_name", name),
			zap.Int("round", round),
			zap.String("status", resp.Status),
		}
		if resp.Message != "" {
			fields = append(fields, zap.String("message", resp.Message))
		}
		if out != nil {
			fields = append(fields, zap.String("script_log", out.ScriptLog), zap.ByteString("response", out.Body))
			if len(out.Metadata) > 0 {
				fields = append(fields, zap.Any("metadata", out.Metadata))
			}
		}
		ce.Write(fields...)
	}
}
