package migrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWrite(t *testing.T, path, s string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(s), 0o644))
}

func procedureFile(db, coll, id string) string {
	return "type: storedprocedure\n" +
		"database: " + db + "\n" +
		"collection: " + coll + "\n" +
		"id: " + id + "\n" +
		"body: |\n  function (obj, data) { getContext().getResponse().setBody({status: 'DONE'}); }\n"
}

func TestSource_List(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "20180118083500_b.yaml"), procedureFile("d", "c", "b"))
	mustWrite(t, filepath.Join(dir, "20180116152229_a.json"), `{"type":"SCRIPT"}`)
	mustWrite(t, filepath.Join(dir, "README.md"), "notes")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "20180101000000_dir.yaml"), 0o755))

	names, err := NewSource(dir, nil, nil).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"20180116152229_a", "20180118083500_b"}, names)

	names, err = NewSource(dir, []string{"YAML"}, nil).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"20180118083500_b"}, names)
}

func TestSource_ListDuplicateName(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "1_a.yaml"), procedureFile("d", "c", "a"))
	mustWrite(t, filepath.Join(dir, "1_a.json"), `{}`)

	_, err := NewSource(dir, nil, nil).List()
	assert.ErrorContains(t, err, "defined twice")
}

func TestSource_ListMissingDir(t *testing.T) {
	_, err := NewSource(filepath.Join(t.TempDir(), "nope"), nil, nil).List()
	assert.Error(t, err)
}

func TestSource_LoadProcedure(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "20180116152229_country.yaml"), `
type: StoredProcedure
database: catalog
collection: main
id: 20180116152229_country
procedure: country_sp
partition_key: eu
data:
  - id: one
    n: 1
  - two
body: |
  function (obj, data) {}
`)
	got, err := NewSource(dir, nil, nil).Load([]string{"20180116152229_country"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	m := got[0]
	assert.Equal(t, "20180116152229_country", m.Name)
	assert.Equal(t, KindProcedure, m.Kind)
	assert.Equal(t, "catalog", m.Database)
	assert.Equal(t, "main", m.Collection)
	assert.Equal(t, "country_sp", m.procedureID())
	assert.Equal(t, "eu", m.PartitionKey)
	assert.Equal(t, "function (obj, data) {}\n", m.Procedure)
	assert.Equal(t, filepath.Join(dir, "20180116152229_country.yaml"), m.Path)
	require.Len(t, m.Data, 2)
	assert.Equal(t, "two", m.Data[1])
}

func TestSource_LoadScriptAndLoader(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	ran := false
	require.NoError(t, reg.RegisterScript("create_db", func(context.Context, *Resolver) error {
		ran = true
		return nil
	}))
	require.NoError(t, reg.RegisterLoader("ids", func(context.Context, *Resolver) ([]any, error) {
		return []any{"x"}, nil
	}))
	mustWrite(t, filepath.Join(dir, "1_script.json"),
		`{"type":"script","database":"states","collection":"states","id":"1_script","script":"create_db","loader":"ids"}`)

	got, err := NewSource(dir, nil, reg).Load([]string{"1_script"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindScript, got[0].Kind)
	require.NotNil(t, got[0].Script)
	require.NotNil(t, got[0].Loader)
	require.NoError(t, got[0].Script(context.Background(), nil))
	assert.True(t, ran)
	assert.Equal(t, "1_script", got[0].procedureID())
}

func TestSource_UnknownNameListsRegistered(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterScript("seed_b", func(context.Context, *Resolver) error { return nil }))
	require.NoError(t, reg.RegisterScript("seed_a", func(context.Context, *Resolver) error { return nil }))
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "1_seed.yaml"), "type: SCRIPT\nscript: seed\n")

	_, err := NewSource(dir, nil, reg).Load([]string{"1_seed"})
	var sve *StructuralValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, `references unknown script "seed" (registered: seed_a, seed_b)`, sve.Reason)
}

func TestSource_LoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		reason  string
	}{
		{name: "1_type", content: "type: VIEW\n", reason: "must have a valid 'type'"},
		{name: "2_yaml", content: "type: [unclosed\n", reason: "cannot be parsed"},
		{name: "3_script", content: "type: SCRIPT\nscript: nope\n", reason: `references unknown script "nope"`},
		{name: "4_loader", content: "type: SCRIPT\nloader: nope\n", reason: `references unknown loader "nope"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			mustWrite(t, filepath.Join(dir, tt.name+".yaml"), tt.content)
			_, err := NewSource(dir, nil, nil).Load([]string{tt.name})
			var sve *StructuralValidationError
			require.ErrorAs(t, err, &sve)
			assert.Equal(t, tt.name, sve.Name)
			assert.Equal(t, tt.reason, sve.Reason)
		})
	}
}
