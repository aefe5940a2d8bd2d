package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind is the closed set of operations a Task can perform.
type Kind int

const (
	KindBegin Kind = iota // no-op entry marker
	KindEnd               // no-op exit marker
	KindCreateTables
	KindStageLoad
	KindFactLoad
	KindDimensionLoad
	KindQualityCheck
)

var kindNames = [...]string{
	KindBegin:         "begin",
	KindEnd:           "end",
	KindCreateTables:  "create_tables",
	KindStageLoad:     "stage_load",
	KindFactLoad:      "fact_load",
	KindDimensionLoad: "dimension_load",
	KindQualityCheck:  "quality_check",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a configuration name such as "stage_load" to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown task kind %q", s)
}

// TableDDL pairs a table with the statement that creates it.
type TableDDL struct {
	Table string `validate:"required,sqlident"`
	DDL   string `validate:"required"`
}

// CreateTablesConfig lists the tables to create, in order.
type CreateTablesConfig struct {
	Tables []TableDDL `validate:"min=1,dive"`
}

// StageLoadConfig copies JSON objects under s3://Bucket/Key into Table.
// Key is a text/template rendered with the run's scheduled time
// (fields Year, Month, Day, Hour, Date).
type StageLoadConfig struct {
	Table        string `validate:"required,sqlident"`
	Bucket       string `validate:"required"`
	Key          string `validate:"required"`
	Region       string
	Format       string `validate:"required"` // "auto" or an s3:// JSONPaths file
	CredentialID string `validate:"required"`
	Truncate     bool
}

// LoadConfig populates a fact or dimension table with INSERT ... SELECT.
type LoadConfig struct {
	Table   string   `validate:"required,sqlident"`
	Columns []string `validate:"min=1,dive,sqlident"`
	Select  string   `validate:"required"`
	// Truncate clears Table first. Nil means the kind's default: true for
	// dimensions, whose DISTINCT rows would duplicate on re-insert, false for facts.
	Truncate *bool
	// Sources must each hold at least one row before the insert runs.
	Sources []string `validate:"dive,sqlident"`
}

// NullCheck names a column that a quality check counts NULLs in.
type NullCheck struct {
	Table  string `validate:"required,sqlident"`
	Column string `validate:"required,sqlident"`
}

// QualityCheckConfig asserts each checked table is non-empty and that the
// number of NULLs in its column equals ExpectedNulls[column].
type QualityCheckConfig struct {
	Checks        []NullCheck `validate:"min=1,dive"`
	ExpectedNulls map[string]int
}

// Task is one node of the graph. Exactly one of the variant configs is set,
// matching Kind; Begin and End carry none.
type Task struct {
	ID            string
	Kind          Kind
	Retries       int
	RetryDelay    time.Duration
	DependsOnPast bool

	CreateTables *CreateTablesConfig
	Stage        *StageLoadConfig
	Load         *LoadConfig
	Quality      *QualityCheckConfig
}

// NewBegin returns the graph entry marker.
func NewBegin(id string) *Task { return &Task{ID: id, Kind: KindBegin} }

// NewEnd returns the graph exit marker.
func NewEnd(id string) *Task { return &Task{ID: id, Kind: KindEnd} }

// NewCreateTables returns a task applying DDL for each table.
func NewCreateTables(id string, cfg CreateTablesConfig) *Task {
	return &Task{ID: id, Kind: KindCreateTables, CreateTables: &cfg}
}

// NewStageLoad returns a task copying source objects into a staging table.
func NewStageLoad(id string, cfg StageLoadConfig) *Task {
	return &Task{ID: id, Kind: KindStageLoad, Stage: &cfg}
}

// NewFactLoad returns a task populating a fact table.
func NewFactLoad(id string, cfg LoadConfig) *Task {
	return &Task{ID: id, Kind: KindFactLoad, Load: &cfg}
}

// NewDimensionLoad returns a task populating a dimension table.
func NewDimensionLoad(id string, cfg LoadConfig) *Task {
	return &Task{ID: id, Kind: KindDimensionLoad, Load: &cfg}
}

// NewQualityCheck returns the data quality gate.
func NewQualityCheck(id string, cfg QualityCheckConfig) *Task {
	return &Task{ID: id, Kind: KindQualityCheck, Quality: &cfg}
}

// WithRetry sets the retry budget and the fixed delay between attempts.
func (t *Task) WithRetry(retries int, delay time.Duration) *Task {
	t.Retries = retries
	t.RetryDelay = delay
	return t
}

// WithDependsOnPast requires the previous interval's instance to have succeeded.
func (t *Task) WithDependsOnPast(v bool) *Task {
	t.DependsOnPast = v
	return t
}

// Bool returns a pointer to v, for LoadConfig.Truncate.
func Bool(v bool) *bool { return &v }

// Truncates reports whether a load clears its destination first.
func (c LoadConfig) Truncates(kind Kind) bool {
	if c.Truncate != nil {
		return *c.Truncate
	}
	return kind == KindDimensionLoad
}

// WritesTables lists the tables the task modifies.
func (t *Task) WritesTables() []string {
	switch t.Kind {
	case KindCreateTables:
		tables := make([]string, 0, len(t.CreateTables.Tables))
		for _, td := range t.CreateTables.Tables {
			tables = append(tables, td.Table)
		}
		return tables
	case KindStageLoad:
		return []string{t.Stage.Table}
	case KindFactLoad, KindDimensionLoad:
		return []string{t.Load.Table}
	default:
		return nil
	}
}

var (
	identRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the task eagerly so that malformed configuration fails
// graph construction instead of a run.
func (t *Task) Validate() error {
	if t == nil {
		return configErrorf("", "nil task")
	}
	if strings.TrimSpace(t.ID) == "" || strings.ContainsAny(t.ID, " \t\n") {
		return configErrorf(t.ID, "task id must be non-empty and contain no whitespace")
	}
	if t.Retries < 0 {
		return configErrorf(t.ID, "retries must be >= 0, got %d", t.Retries)
	}
	if t.RetryDelay < 0 {
		return configErrorf(t.ID, "retry delay must be >= 0, got %s", t.RetryDelay)
	}

	set := 0
	for _, present := range []bool{t.CreateTables != nil, t.Stage != nil, t.Load != nil, t.Quality != nil} {
		if present {
			set++
		}
	}

	var cfg any
	switch t.Kind {
	case KindBegin, KindEnd:
		if set != 0 {
			return configErrorf(t.ID, "%s marker takes no configuration", t.Kind)
		}
		return nil
	case KindCreateTables:
		cfg = t.CreateTables
	case KindStageLoad:
		cfg = t.Stage
	case KindFactLoad, KindDimensionLoad:
		cfg = t.Load
	case KindQualityCheck:
		cfg = t.Quality
	default:
		return configErrorf(t.ID, "unknown task kind %d", int(t.Kind))
	}

	if set != 1 || isNilConfig(cfg) {
		return configErrorf(t.ID, "%s task needs exactly its own configuration", t.Kind)
	}
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{TaskID: t.ID, Msg: t.Kind.String(), Err: err}
	}

	switch t.Kind {
	case KindStageLoad:
		return t.validateStage()
	case KindQualityCheck:
		return t.validateQuality()
	}
	return nil
}

func isNilConfig(cfg any) bool {
	switch c := cfg.(type) {
	case *CreateTablesConfig:
		return c == nil
	case *StageLoadConfig:
		return c == nil
	case *LoadConfig:
		return c == nil
	case *QualityCheckConfig:
		return c == nil
	}
	return true
}

func (t *Task) validateStage() error {
	s := t.Stage
	if strings.HasPrefix(s.Bucket, "s3://") || strings.Contains(s.Bucket, "/") {
		return configErrorf(t.ID, "malformed source bucket %q: give the bare bucket name", s.Bucket)
	}
	if s.Format != "auto" && !strings.HasPrefix(s.Format, "s3://") {
		return configErrorf(t.ID, "format must be \"auto\" or an s3:// JSONPaths file, got %q", s.Format)
	}
	if _, err := RenderKey(s.Key, time.Time{}); err != nil {
		return &ConfigError{TaskID: t.ID, Msg: "malformed source key", Err: err}
	}
	return nil
}

func (t *Task) validateQuality() error {
	for _, c := range t.Quality.Checks {
		want, ok := t.Quality.ExpectedNulls[c.Column]
		if !ok {
			return configErrorf(t.ID, "no expected null count for column %q of %q", c.Column, c.Table)
		}
		if want < 0 {
			return configErrorf(t.ID, "expected null count for %q must be >= 0", c.Column)
		}
	}
	return nil
}

// keyData is what a stage key template sees.
type keyData struct {
	Year  int
	Month int
	Day   int
	Hour  int
	Date  string
}

// RenderKey expands a stage key template for the scheduled time.
func RenderKey(key string, at time.Time) (string, error) {
	if !strings.Contains(key, "{{") {
		return key, nil
	}
	tmpl, err := template.New("key").Option("missingkey=error").Parse(key)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	at = at.UTC()
	err = tmpl.Execute(&b, keyData{
		Year:  at.Year(),
		Month: int(at.Month()),
		Day:   at.Day(),
		Hour:  at.Hour(),
		Date:  at.Format("2006-01-02"),
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
