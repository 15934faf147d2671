package shape

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(Config{
		Columns:  []string{"id", "status", "payload", "output", "created_at", "runtime_environment_id"},
		Reserved: []string{"id", "status", "created_at", "runtime_environment_id"},
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b
}

func TestProjectionKeepsReservedColumns(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	cases := []struct {
		name string
		skip []string
		want []string
	}{
		{"none", nil, []string{"id", "status", "payload", "output", "created_at", "runtime_environment_id"}},
		{"optional", []string{"payload"}, []string{"id", "status", "output", "created_at", "runtime_environment_id"}},
		{"reserved ignored", []string{"id", "status"}, []string{"id", "status", "payload", "output", "created_at", "runtime_environment_id"}},
		{"mixed and unknown", []string{"output", "created_at", "nope", "payload"}, []string{"id", "status", "created_at", "runtime_environment_id"}},
	}
	for _, tc := range cases {
		if got := b.Projection(tc.skip); !slices.Equal(got, tc.want) {
			t.Fatalf("%s: Projection(%v) = %v, want %v", tc.name, tc.skip, got, tc.want)
		}
	}
}

func TestReservedAppendedToDefaults(t *testing.T) {
	t.Parallel()

	b, err := NewBuilder(Config{Columns: []string{"payload"}, Reserved: []string{"id"}})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if got := b.Projection([]string{"id", "payload"}); !slices.Equal(got, []string{"id"}) {
		t.Fatalf("unexpected projection %v", got)
	}
}

func TestNewBuilderRejectsBadIdentifiers(t *testing.T) {
	t.Parallel()

	if _, err := NewBuilder(Config{Columns: []string{"ok", "bad col"}}); err == nil {
		t.Fatal("expected error for invalid column")
	}
	if _, err := NewBuilder(Config{Tables: []string{"runs;drop"}}); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestValidateTable(t *testing.T) {
	t.Parallel()

	open := newTestBuilder(t)
	if err := open.ValidateTable("public.task_runs"); err != nil {
		t.Fatalf("expected valid table: %v", err)
	}
	if err := open.ValidateTable("runs where 1=1"); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
	restricted, _ := NewBuilder(Config{Tables: []string{"task_runs"}})
	if err := restricted.ValidateTable("other"); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected allow list rejection, got %v", err)
	}
}

func TestBuildWhereClause(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	tenant := Tenant{EnvironmentID: "env_1", OrganizationID: "org_1"}

	q := b.Build(tenant, Params{Table: "task_runs"}, time.Time{})
	if q.Where != `"runtime_environment_id" = 'env_1'` {
		t.Fatalf("unexpected tenant-only where: %s", q.Where)
	}

	cutoff := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	q = b.Build(tenant, Params{
		Table:    "task_runs",
		EntityID: "run_9",
		Tags:     []string{"a", "it's"},
		Live:     true,
		Handle:   "h-1",
	}, cutoff)
	want := `"runtime_environment_id" = 'env_1' AND "id" = 'run_9' AND "run_tags" @> ARRAY['a', 'it''s'] AND "created_at" >= '2026-04-01T10:00:00Z'`
	if q.Where != want {
		t.Fatalf("where mismatch\n got: %s\nwant: %s", q.Where, want)
	}
	if !q.Live || q.Handle != "h-1" || q.Table != "task_runs" {
		t.Fatalf("query fields not carried: %+v", q)
	}
}

func TestValuesUsesCallerHandleName(t *testing.T) {
	t.Parallel()

	q := Query{Table: "t", Where: "w", Columns: []string{"a", "b"}, Handle: "h", Offset: "0_0", Live: true}
	legacy := q.Values(ForVersion(""))
	if legacy.Get("shape_id") != "h" || legacy.Has("handle") {
		t.Fatalf("legacy values wrong: %v", legacy)
	}
	current := q.Values(ForVersion("1.2.0"))
	if current.Get("handle") != "h" || current.Has("shape_id") {
		t.Fatalf("current values wrong: %v", current)
	}
	if current.Get("columns") != "a,b" || current.Get("live") != "true" || current.Get("offset") != "0_0" {
		t.Fatalf("unexpected encoding: %s", current.Encode())
	}
	fresh := Query{Table: "t", Where: "w"}.Values(ForVersion("1"))
	if fresh.Has("live") || fresh.Has("handle") || strings.Contains(fresh.Encode(), "offset") {
		t.Fatalf("fresh query carries unexpected params: %s", fresh.Encode())
	}
}
