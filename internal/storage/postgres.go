package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgx used by PostgresTable. Both *pgxpool.Pool and
// pgx.Tx satisfy it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresTable exposes one PostgreSQL table as a Table.
type PostgresTable struct {
	db     DB
	schema string
	name   string
}

var (
	_ Table         = (*PostgresTable)(nil)
	_ Transactional = (*PostgresTable)(nil)
	_ Table         = (*MemoryTable)(nil)
	_ Transactional = (*MemoryTable)(nil)
)

// NewPool opens a pgx connection pool and verifies it with a ping.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresTable binds table (optionally schema-qualified, "schema.table")
// on db.
func NewPostgresTable(db DB, table string) *PostgresTable {
	schema, name, found := strings.Cut(table, ".")
	if !found {
		schema, name = "", table
	}
	return &PostgresTable{db: db, schema: schema, name: name}
}

// Columns reads the column list from information_schema.
func (t *PostgresTable) Columns(ctx context.Context) ([]string, error) {
	query := `SELECT column_name FROM information_schema.columns
		WHERE table_name = $1 AND table_schema = COALESCE(NULLIF($2, ''), current_schema())
		ORDER BY ordinal_position`

	rows, err := t.db.Query(ctx, query, t.name, t.schema)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", t.ident(), err)
	}
	columns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", t.ident(), err)
	}
	return columns, nil
}

// All returns every row with each value rendered as text.
func (t *PostgresTable) All(ctx context.Context) ([]Row, error) {
	rows, err := t.db.Query(ctx, "SELECT * FROM "+t.ident())
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", t.ident(), err)
	}
	return collectTextRows(rows)
}

// FindFirst returns the first row whose column equals value.
func (t *PostgresTable) FindFirst(ctx context.Context, column, value string) (Row, bool, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 LIMIT 1", t.ident(), quote(column))

	rows, err := t.db.Query(ctx, query, value)
	if err != nil {
		return nil, false, fmt.Errorf("find in %s: %w", t.ident(), err)
	}
	found, err := collectTextRows(rows)
	if err != nil {
		return nil, false, err
	}
	if len(found) == 0 {
		return nil, false, nil
	}
	return found[0], true, nil
}

// Insert adds row.
func (t *PostgresTable) Insert(ctx context.Context, row Row) error {
	query, args := buildInsert(t.ident(), row)
	if _, err := t.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", t.ident(), err)
	}
	return nil
}

// Update sets fields on the rows whose column equals value.
func (t *PostgresTable) Update(ctx context.Context, column, value string, fields Row) error {
	query, args := buildUpdate(t.ident(), column, value, fields)
	tag, err := t.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", t.ident(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s = %q", ErrNoRows, column, value)
	}
	return nil
}

// InTx runs fn inside a database transaction, committing only when fn
// returns nil.
func (t *PostgresTable) InTx(ctx context.Context, fn func(Table) error) error {
	return pgx.BeginFunc(ctx, t.db, func(tx pgx.Tx) error {
		return fn(&PostgresTable{db: tx, schema: t.schema, name: t.name})
	})
}

func (t *PostgresTable) ident() string {
	if t.schema == "" {
		return pgx.Identifier{t.name}.Sanitize()
	}
	return pgx.Identifier{t.schema, t.name}.Sanitize()
}

func buildInsert(table string, row Row) (string, []any) {
	names := sortedNames(row)
	columns := make([]string, 0, len(names))
	params := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for idx, name := range names {
		columns = append(columns, quote(name))
		params = append(params, fmt.Sprintf("$%d", idx+1))
		args = append(args, row[name])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(params, ", "))
	return query, args
}

func buildUpdate(table, column, value string, fields Row) (string, []any) {
	names := sortedNames(fields)
	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+1)
	for idx, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", quote(name), idx+1))
		args = append(args, fields[name])
	}
	args = append(args, value)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		table, strings.Join(sets, ", "), quote(column), len(args))
	return query, args
}

func collectTextRows(rows pgx.Rows) ([]Row, error) {
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}

	out := make([]Row, 0, len(maps))
	for _, m := range maps {
		row := make(Row, len(m))
		for name, v := range m {
			row[name] = textValue(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func textValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sortedNames(row Row) []string {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
