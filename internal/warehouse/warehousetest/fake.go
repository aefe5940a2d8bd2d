// Package warehousetest provides an in-memory warehouse for tests.
//
// Fake understands just enough SQL to model the pipeline's idempotency
// contract: CREATE TABLE IF NOT EXISTS creates a table once, DELETE FROM
// clears it, and SELECT COUNT(*) [WHERE col IS NULL] counts its rows.
// Everything else (COPY, INSERT ... SELECT) is routed to handlers that tests
// register by statement prefix.
package warehousetest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse"
)

// Record is one row keyed by column name.
type Record map[string]any

// HandlerFunc handles a statement the Fake does not model itself.
type HandlerFunc func(f *Fake, stmt string) error

var (
	createRe = regexp.MustCompile(`(?is)^CREATE TABLE IF NOT EXISTS\s+([\w."]+)`)
	deleteRe = regexp.MustCompile(`(?i)^DELETE FROM\s+([\w."]+)\s*;?$`)
	countRe  = regexp.MustCompile(`(?i)^SELECT COUNT\(\*\) FROM\s+([\w."]+)(?:\s+WHERE\s+([\w"]+)\s+IS NULL)?\s*;?$`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

type handler struct {
	prefix string
	fn     HandlerFunc
}

// Fake is a warehouse.Pool whose sessions share one in-memory table set.
type Fake struct {
	mu         sync.Mutex
	tables     map[string][]Record
	ddl        map[string]string
	statements []string
	handlers   []handler
	queryErr   map[string]error

	// AcquireErr, when set, is returned by Acquire.
	AcquireErr error

	opened int
	closed int
	active int
	peak   int
}

// NewFake returns an empty warehouse.
func NewFake() *Fake {
	return &Fake{
		tables:   make(map[string][]Record),
		ddl:      make(map[string]string),
		queryErr: make(map[string]error),
	}
}

// Normalize collapses whitespace so statements compare reliably.
func Normalize(stmt string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(stmt, " "))
}

// TableName strips schema qualifiers and quotes: public."time" -> time.
func TableName(ident string) string {
	ident = strings.ReplaceAll(ident, `"`, "")
	if i := strings.LastIndex(ident, "."); i >= 0 {
		ident = ident[i+1:]
	}
	return strings.ToLower(ident)
}

// Handle routes statements starting with prefix (compared after Normalize,
// case-insensitively) to fn. Later registrations win.
func (f *Fake) Handle(prefix string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append([]handler{{prefix: strings.ToUpper(Normalize(prefix)), fn: fn}}, f.handlers...)
}

// FailQuery makes every query whose normalized text contains substr fail with err.
func (f *Fake) FailQuery(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr[substr] = err
}

// CreateTable creates an empty table if it does not exist.
func (f *Fake) CreateTable(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = TableName(name)
	if _, ok := f.tables[name]; !ok {
		f.tables[name] = nil
	}
}

// Insert appends rows to table, creating it if needed.
func (f *Fake) Insert(table string, rows ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table = TableName(table)
	for _, r := range rows {
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		f.tables[table] = append(f.tables[table], cp)
	}
}

// Rows returns a copy of table's rows.
func (f *Fake) Rows(table string) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.tables[TableName(table)]
	out := make([]Record, len(src))
	for i, r := range src {
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// HasTable reports whether table exists.
func (f *Fake) HasTable(table string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[TableName(table)]
	return ok
}

// Schema returns the DDL each table was created with.
func (f *Fake) Schema() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.ddl))
	for k, v := range f.ddl {
		out[k] = v
	}
	return out
}

// Statements returns every statement seen, normalized, in order.
func (f *Fake) Statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statements...)
}

// CountStatements counts statements beginning with prefix.
func (f *Fake) CountStatements(prefix string) int {
	prefix = strings.ToUpper(Normalize(prefix))
	n := 0
	for _, s := range f.Statements() {
		if strings.HasPrefix(strings.ToUpper(s), prefix) {
			n++
		}
	}
	return n
}

// Sessions reports how many sessions were opened and closed.
func (f *Fake) Sessions() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

// PeakSessions is the largest number of sessions open at once.
func (f *Fake) PeakSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Acquire opens a session.
func (f *Fake) Acquire(ctx context.Context) (warehouse.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AcquireErr != nil {
		return nil, f.AcquireErr
	}
	f.opened++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	return &session{fake: f}, nil
}

// Close implements warehouse.Pool.
func (f *Fake) Close() error { return nil }

func (f *Fake) execute(ctx context.Context, stmt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	norm := Normalize(stmt)

	f.mu.Lock()
	f.statements = append(f.statements, norm)
	upper := strings.ToUpper(norm)
	for _, h := range f.handlers {
		if strings.HasPrefix(upper, h.prefix) {
			f.mu.Unlock()
			return h.fn(f, norm)
		}
	}
	defer f.mu.Unlock()

	if m := createRe.FindStringSubmatch(norm); m != nil {
		name := TableName(m[1])
		if _, ok := f.tables[name]; !ok {
			f.tables[name] = nil
			f.ddl[name] = norm
		}
		return nil
	}
	if m := deleteRe.FindStringSubmatch(norm); m != nil {
		name := TableName(m[1])
		if _, ok := f.tables[name]; !ok {
			return fmt.Errorf("relation %q does not exist", name)
		}
		f.tables[name] = nil
		return nil
	}
	return fmt.Errorf("warehousetest: no handler for statement %q", norm)
}

func (f *Fake) query(ctx context.Context, stmt string) ([]warehouse.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	norm := Normalize(stmt)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, norm)

	for substr, err := range f.queryErr {
		if strings.Contains(norm, substr) {
			return nil, err
		}
	}

	m := countRe.FindStringSubmatch(norm)
	if m == nil {
		return nil, fmt.Errorf("warehousetest: unsupported query %q", norm)
	}
	name := TableName(m[1])
	rows, ok := f.tables[name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", name)
	}
	if m[2] == "" {
		return []warehouse.Row{{int64(len(rows))}}, nil
	}
	col := strings.ToLower(strings.ReplaceAll(m[2], `"`, ""))
	var nulls int64
	for _, r := range rows {
		if r[col] == nil {
			nulls++
		}
	}
	return []warehouse.Row{{nulls}}, nil
}

type session struct {
	fake   *Fake
	once   sync.Once
	closed bool
}

func (s *session) Execute(ctx context.Context, query string) error {
	if s.closed {
		return fmt.Errorf("warehousetest: session closed")
	}
	return s.fake.execute(ctx, query)
}

func (s *session) Query(ctx context.Context, query string) ([]warehouse.Row, error) {
	if s.closed {
		return nil, fmt.Errorf("warehousetest: session closed")
	}
	return s.fake.query(ctx, query)
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.closed = true
		s.fake.mu.Lock()
		s.fake.closed++
		s.fake.active--
		s.fake.mu.Unlock()
	})
	return nil
}
