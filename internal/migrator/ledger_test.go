package migrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docmigrator/internal/docstore/docstoretest"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		all       []string
		completed []string
		want      []string
	}{
		{name: "nothing done", all: []string{"1_a", "2_b"}, completed: nil, want: []string{"1_a", "2_b"}},
		{name: "prefix done", all: []string{"1_a", "2_b", "3_c"}, completed: []string{"1_a"}, want: []string{"2_b", "3_c"}},
		{name: "gap done", all: []string{"1_a", "2_b", "3_c"}, completed: []string{"2_b"}, want: []string{"1_a", "3_c"}},
		{name: "all done", all: []string{"1_a"}, completed: []string{"1_a"}, want: []string{}},
		{name: "unsorted input", all: []string{"3_c", "1_a", "2_b"}, completed: []string{"2_b"}, want: []string{"1_a", "3_c"}},
		{name: "empty", all: nil, completed: nil, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completed := append([]string(nil), tt.completed...)
			got, err := Diff(tt.all, completed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.completed, completed)
		})
	}
}

func TestDiff_CorruptLedger(t *testing.T) {
	_, err := Diff([]string{"1_a", "3_c"}, []string{"4_d", "1_a", "2_b"})
	var corrupt *CorruptLedgerError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, []string{"2_b", "4_d"}, corrupt.Missing)
	assert.Contains(t, err.Error(), "2_b, 4_d")
}

func TestLedger_ListAndAppend(t *testing.T) {
	ctx := context.Background()
	store := docstoretest.New()
	link := store.Seed("migrations", "migrations")
	l := NewLedger(store, link)

	for _, n := range []string{"2_b", "1_a", "3_c"} {
		require.NoError(t, l.Append(ctx, n))
	}
	got, err := l.ListCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1_a", "2_b", "3_c"}, got)

	err = l.Append(ctx, "2_b")
	var dup *DuplicateLedgerEntryError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "2_b", dup.Name)
}
