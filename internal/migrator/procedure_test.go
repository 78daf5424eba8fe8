package migrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"docmigrator/internal/docstore"
	"docmigrator/internal/docstore/docstoretest"
	"docmigrator/internal/metrics"
)

func procMigration(name string) Migration {
	return Migration{
		Name:       name,
		Kind:       KindProcedure,
		ID:         name,
		Database:   "catalog",
		Collection: "main",
		Procedure:  "function (obj, data) {}",
	}
}

func TestProcedureDriver_ResumesUntilDone(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("20180116152229_country")
	store.Respond(m.Name,
		`{"status":"ERROR","continuation":"t1"}`,
		`{"status":"ERROR","continuation":"t2","processed":3}`,
		`{"status":"DONE","processed":2}`,
	)

	d := NewProcedureDriver(store, nil, nil, 0)
	res, err := d.Run(context.Background(), coll, m, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Rounds)
	assert.EqualValues(t, 5, res.Processed)
	require.Len(t, store.Calls, 3)
	assert.JSONEq(t, `{}`, string(store.Calls[0].Control))
	assert.JSONEq(t, `{"continuation":"t1"}`, string(store.Calls[1].Control))
	assert.JSONEq(t, `{"continuation":"t2"}`, string(store.Calls[2].Control))
	assert.JSONEq(t, `[]`, string(store.Calls[0].Data))

	assert.Equal(t, 1, store.ProcedureDeletes)
	assert.Empty(t, store.Procedures())
}

func TestProcedureDriver_ShrinksWorkingData(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_items")
	store.Respond(m.Name,
		`{"status":"ERROR","index":2,"processed":2}`,
		`{"status":"ERROR","index":10}`,
		`{"status":"DONE"}`,
	)

	d := NewProcedureDriver(store, nil, nil, 0)
	res, err := d.Run(context.Background(), coll, m, []any{"a", "b", "c"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Processed)

	require.Len(t, store.Calls, 3)
	assert.JSONEq(t, `["a","b","c"]`, string(store.Calls[0].Data))
	assert.JSONEq(t, `["c"]`, string(store.Calls[1].Data))
	assert.JSONEq(t, `[]`, string(store.Calls[2].Data))
}

func TestProcedureDriver_KeepsLastContinuation(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_keep")
	store.Respond(m.Name,
		`{"status":"ERROR","continuation":{"page":2}}`,
		`{"status":"ERROR"}`,
		`{"status":"DONE"}`,
	)

	_, err := NewProcedureDriver(store, nil, nil, 0).Run(context.Background(), coll, m, nil)
	require.NoError(t, err)
	require.Len(t, store.Calls, 3)
	assert.JSONEq(t, `{"continuation":{"page":2}}`, string(store.Calls[2].Control))
}

func TestProcedureDriver_ContinueAlias(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_alias")
	store.Respond(m.Name, `{"status":"CONTINUE","processed":1}`, `{"status":"DONE","processed":1}`)

	res, err := NewProcedureDriver(store, nil, nil, 0).Run(context.Background(), coll, m, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)
	assert.EqualValues(t, 2, res.Processed)
}

func TestProcedureDriver_FatalResponses(t *testing.T) {
	tests := []struct {
		name    string
		bodies  []string
		want    error
		rounds  int
		status  string
		partial int64
	}{
		{name: "missing status", bodies: []string{`{"processed":1}`, `{"status":"DONE"}`}, want: ErrEmptyStatus, rounds: 1},
		{name: "empty status", bodies: []string{`{"status":""}`}, want: ErrEmptyStatus, rounds: 1},
		{name: "not an object", bodies: []string{`"DONE"`}, want: ErrEmptyStatus, rounds: 1},
		{name: "null status", bodies: []string{`{"status":null}`}, want: ErrEmptyStatus, rounds: 1},
		{name: "numeric status", bodies: []string{`{"status":5}`}, want: ErrInvalidStatus, rounds: 1, status: "5"},
		{name: "string index", bodies: []string{`{"status":"ERROR","index":"2"}`}, want: ErrMalformedResponse, rounds: 1, status: "ERROR"},
		{name: "null body", bodies: []string{`null`}, want: ErrEmptyResponse, rounds: 1},
		{name: "empty body", bodies: []string{``}, want: ErrEmptyResponse, rounds: 1},
		{
			name:    "unknown status after retry",
			bodies:  []string{`{"status":"ERROR","processed":4}`, `{"status":"FAILED","processed":1}`},
			want:    ErrInvalidStatus,
			rounds:  2,
			status:  "FAILED",
			partial: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := docstoretest.New()
			coll := store.Seed("catalog", "main")
			m := procMigration("1_fatal")
			store.Respond(m.Name, tt.bodies...)

			res, err := NewProcedureDriver(store, nil, nil, 0).Run(context.Background(), coll, m, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var perr *RemoteProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.rounds, perr.Round)
			assert.Equal(t, tt.status, perr.Status)
			assert.Equal(t, tt.rounds, res.Rounds)
			assert.Equal(t, tt.partial, res.Processed)
			assert.Len(t, store.Calls, tt.rounds)

			// teardown runs on the error path too
			assert.Equal(t, 1, store.ProcedureDeletes)
			assert.Empty(t, store.Procedures())
		})
	}
}

func TestProcedureDriver_TransportErrorStillTearsDown(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_transport")
	boom := errors.New("connection reset")
	store.Handle(m.Name, func(_, _ json.RawMessage) (*docstore.ProcedureResult, error) { return nil, boom })

	_, err := NewProcedureDriver(store, nil, nil, 0).Run(context.Background(), coll, m, nil)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.Procedures())
}

func TestProcedureDriver_TeardownFailureIsJoined(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_teardown")
	store.Respond(m.Name, `{"status":"BROKEN"}`)
	gone := errors.New("delete refused")
	store.Fail["DeleteProcedure"] = gone

	_, err := NewProcedureDriver(store, nil, nil, 0).Run(context.Background(), coll, m, nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.ErrorIs(t, err, gone)
}

func TestProcedureDriver_RoundLimit(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_forever")
	store.Respond(m.Name, `{"status":"ERROR"}`)

	res, err := NewProcedureDriver(store, nil, nil, 4).Run(context.Background(), coll, m, nil)
	assert.ErrorIs(t, err, ErrRoundLimit)
	assert.Equal(t, 4, res.Rounds)
	assert.Empty(t, store.Procedures())
}

func TestProcedureDriver_Cancelled(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_cancel")
	ctx, cancel := context.WithCancel(context.Background())
	rounds := 0
	store.Handle(m.Name, func(_, _ json.RawMessage) (*docstore.ProcedureResult, error) {
		rounds++
		if rounds == 2 {
			cancel()
		}
		return &docstore.ProcedureResult{Body: json.RawMessage(`{"status":"ERROR"}`)}, nil
	})

	_, err := NewProcedureDriver(store, nil, nil, 0).Run(ctx, coll, m, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, rounds)
	assert.Empty(t, store.Procedures())
}

func TestProcedureDriver_InstallReplacesExisting(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	d := NewProcedureDriver(store, nil, nil, 0)

	_, err := d.Install(context.Background(), coll, "sp", "v1")
	require.NoError(t, err)
	_, err = d.Install(context.Background(), coll, "sp", "v2")
	require.NoError(t, err)

	assert.Equal(t, []string{docstoretest.ProcedureLink(coll, "sp")}, store.Procedures())
	assert.Equal(t, 2, store.ProcedureCreates)
	assert.Equal(t, 1, store.ProcedureDeletes)
}

func TestProcedureDriver_UsesProcedureID(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_named")
	m.ProcedureID = "custom"
	store.Respond("custom", `{"status":"DONE"}`)

	_, err := NewProcedureDriver(store, nil, nil, 0).Run(context.Background(), coll, m, nil)
	require.NoError(t, err)
	require.Len(t, store.Calls, 1)
	assert.Equal(t, docstoretest.ProcedureLink(coll, "custom"), store.Calls[0].Link)
}

func TestProcedureDriver_NegativeAndFractionalProcessed(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_processed")
	store.Respond(m.Name,
		`{"status":"ERROR","processed":-1}`,
		`{"status":"ERROR","processed":1.9}`,
		`{"status":"DONE","processed":3}`,
	)
	mt := metrics.New(prometheus.NewRegistry())

	var (
		res ExecutionResult
		err error
	)
	require.NotPanics(t, func() {
		res, err = NewProcedureDriver(store, nil, mt, 0).Run(context.Background(), coll, m, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds)
	assert.EqualValues(t, 3, res.Processed)
	assert.Equal(t, 4.0, testutil.ToFloat64(mt.Processed), "negative counts stay out of the counter")
}

func TestProcedureDriver_RoundStatusLabels(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	mt := metrics.New(prometheus.NewRegistry())
	d := NewProcedureDriver(store, nil, mt, 0)

	m := procMigration("1_labels")
	store.Respond(m.Name, `{"status":"CONTINUE"}`, `{"status":"DONE"}`)
	_, err := d.Run(context.Background(), coll, m, nil)
	require.NoError(t, err)

	for i, body := range []string{`{"status":"weird-1"}`, `{"status":"weird-2"}`, `{"status":7}`} {
		bad := procMigration("2_bad_" + string(rune('a'+i)))
		store.Respond(bad.Name, body)
		_, err := d.Run(context.Background(), coll, bad, nil)
		require.Error(t, err)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Rounds.WithLabelValues(StatusContinue)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Rounds.WithLabelValues(StatusDone)))
	assert.Equal(t, 3.0, testutil.ToFloat64(mt.Rounds.WithLabelValues("invalid")))
	assert.Equal(t, 3, testutil.CollectAndCount(mt.Rounds))
}

func TestProcedureDriver_LogsRoundMetadata(t *testing.T) {
	store := docstoretest.New()
	coll := store.Seed("catalog", "main")
	m := procMigration("1_logged")
	store.Handle(m.Name, func(_, _ json.RawMessage) (*docstore.ProcedureResult, error) {
		return &docstore.ProcedureResult{
			Body:      json.RawMessage(`{"status":"DONE","processed":1}`),
			ScriptLog: "done",
			Metadata:  map[string]string{"request-charge": "2.5"},
		}, nil
	})
	core, logs := observer.New(zapcore.DebugLevel)

	_, err := NewProcedureDriver(store, zap.New(core), nil, 0).Run(context.Background(), coll, m, nil)
	require.NoError(t, err)

	rounds := logs.FilterMessage("Procedure round").All()
	require.Len(t, rounds, 1)
	fields := rounds[0].ContextMap()
	assert.Equal(t, "done", fields["script_log"])
	assert.Equal(t, map[string]string{"request-charge": "2.5"}, fields["metadata"])
}
