// Package shape turns caller shape requests into upstream change-feed
// queries: table, boolean filter expression and column projection.
package shape

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"pkt.systems/feedgate/api"
)

// Default column layout for the runs feed.
var (
	DefaultColumns = []string{
		"id", "friendly_id", "task_identifier", "status", "created_at", "updated_at",
		"started_at", "completed_at", "run_tags", "payload", "output", "error",
		"metadata", "cost_in_cents", "usage_duration_ms", "runtime_environment_id",
	}
	DefaultReserved = []string{"id", "status", "created_at", "updated_at", "runtime_environment_id"}
)

// Default filter columns.
const (
	DefaultTenantColumn = "runtime_environment_id"
	DefaultEntityColumn = "id"
	DefaultTagsColumn   = "run_tags"
	DefaultTimeColumn   = "created_at"
)

// ErrInvalidTable is returned for table names that are not plain
// identifiers or are not on the allow list.
var ErrInvalidTable = errors.New("shape: invalid table")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Tenant identifies the subscribing environment and its organization.
type Tenant struct {
	EnvironmentID  string
	OrganizationID string
}

// Config describes the columns the builder projects and filters on.
type Config struct {
	// Tables restricts which tables may be subscribed to; empty allows any
	// identifier.
	Tables       []string
	Columns      []string
	Reserved     []string
	TenantColumn string
	EntityColumn string
	TagsColumn   string
	TimeColumn   string
}

// Builder assembles upstream queries. It is immutable and safe for
// concurrent use.
type Builder struct {
	tables       map[string]struct{}
	columns      []string
	removable    map[string]struct{}
	tenantColumn string
	entityColumn string
	tagsColumn   string
	timeColumn   string
}

// NewBuilder validates cfg and returns a Builder. Empty fields take the
// package defaults. Reserved columns missing from the default set are
// appended to it.
func NewBuilder(cfg Config) (*Builder, error) {
	columns := cfg.Columns
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	reserved := cfg.Reserved
	if reserved == nil {
		reserved = DefaultReserved
	}
	b := &Builder{
		tables:       make(map[string]struct{}, len(cfg.Tables)),
		removable:    make(map[string]struct{}, len(columns)),
		tenantColumn: orDefault(cfg.TenantColumn, DefaultTenantColumn),
		entityColumn: orDefault(cfg.EntityColumn, DefaultEntityColumn),
		tagsColumn:   orDefault(cfg.TagsColumn, DefaultTagsColumn),
		timeColumn:   orDefault(cfg.TimeColumn, DefaultTimeColumn),
	}
	for _, table := range cfg.Tables {
		if !identifier.MatchString(table) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
		}
		b.tables[table] = struct{}{}
	}
	for _, col := range append(slices.Clone(columns), b.tenantColumn, b.entityColumn, b.tagsColumn, b.timeColumn) {
		if !identifier.MatchString(col) {
			return nil, fmt.Errorf("shape: invalid column %q", col)
		}
	}
	for _, col := range columns {
		if !slices.Contains(b.columns, col) {
			b.columns = append(b.columns, col)
			b.removable[col] = struct{}{}
		}
	}
	for _, col := range reserved {
		if !identifier.MatchString(col) {
			return nil, fmt.Errorf("shape: invalid reserved column %q", col)
		}
		delete(b.removable, col)
		if !slices.Contains(b.columns, col) {
			b.columns = append(b.columns, col)
		}
	}
	return b, nil
}

// ValidateTable checks table against identifier rules and the allow list.
func (b *Builder) ValidateTable(table string) error {
	if !identifier.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	if len(b.tables) > 0 {
		if _, ok := b.tables[table]; !ok {
			return fmt.Errorf("%w: %q is not served", ErrInvalidTable, table)
		}
	}
	return nil
}

// Projection returns the default columns minus those skip names that are
// not reserved. Order follows the default column set.
func (b *Builder) Projection(skip []string) []string {
	if len(skip) == 0 {
		return slices.Clone(b.columns)
	}
	drop := make(map[string]struct{}, len(skip))
	for _, col := range skip {
		if _, ok := b.removable[col]; ok {
			drop[col] = struct{}{}
		}
	}
	out := make([]string, 0, len(b.columns))
	for _, col := range b.columns {
		if _, skipped := drop[col]; !skipped {
			out = append(out, col)
		}
	}
	return out
}

// Query is the upstream request for one poll.
type Query struct {
	Table   string
	Where   string
	Columns []string
	Handle  string
	Offset  string
	Live    bool
}

// Build assembles the query for tenant. cutoff is the resolved lower time
// bound; a zero value omits the time clause.
func (b *Builder) Build(tenant Tenant, p Params, cutoff time.Time) Query {
	clauses := []string{fmt.Sprintf("%s = %s", quoteIdent(b.tenantColumn), quoteLiteral(tenant.EnvironmentID))}
	if p.EntityID != "" {
		clauses = append(clauses, fmt.Sprintf("%s = %s", quoteIdent(b.entityColumn), quoteLiteral(p.EntityID)))
	}
	if len(p.Tags) > 0 {
		quoted := make([]string, len(p.Tags))
		for i, tag := range p.Tags {
			quoted[i] = quoteLiteral(tag)
		}
		clauses = append(clauses, fmt.Sprintf("%s @> ARRAY[%s]", quoteIdent(b.tagsColumn), strings.Join(quoted, ", ")))
	}
	if !cutoff.IsZero() {
		clauses = append(clauses, fmt.Sprintf("%s >= %s", quoteIdent(b.timeColumn), quoteLiteral(cutoff.UTC().Format(time.RFC3339Nano))))
	}
	return Query{
		Table:   p.Table,
		Where:   strings.Join(clauses, " AND "),
		Columns: b.Projection(p.SkipColumns),
		Handle:  p.Handle,
		Offset:  p.Offset,
		Live:    p.Live,
	}
}

// Values encodes q as origin query parameters, naming the handle the way
// the caller's protocol does.
func (q Query) Values(a Adapter) url.Values {
	v := url.Values{}
	v.Set(api.OriginParamTable, q.Table)
	v.Set(api.OriginParamWhere, q.Where)
	v.Set(api.OriginParamColumns, strings.Join(q.Columns, ","))
	if q.Handle != "" {
		v.Set(a.HandleParam(), q.Handle)
	}
	if q.Offset != "" {
		v.Set(api.ParamOffset, q.Offset)
	}
	if q.Live {
		v.Set(api.ParamLive, "true")
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
