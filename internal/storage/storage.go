package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownColumn indicates a row referenced a column the table does not have.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrNoRows indicates an update matched nothing.
	ErrNoRows = errors.New("no rows matched")
)

var defaultColumns = []string{"id", "keyname", "value", "value_format"}

// Row is one record keyed by column name. Values are kept in text form.
type Row map[string]string

// Table is the tabular source a settings registry reads from and writes to.
type Table interface {
	// Columns lists the column names the table knows about.
	Columns(ctx context.Context) ([]string, error)
	// All returns every row.
	All(ctx context.Context) ([]Row, error)
	// FindFirst returns the first row whose column equals value.
	FindFirst(ctx context.Context, column, value string) (Row, bool, error)
	// Insert adds a new row.
	Insert(ctx context.Context, row Row) error
	// Update sets fields on every row whose column equals value.
	Update(ctx context.Context, column, value string, fields Row) error
}

// Transactional is implemented by tables that can apply a batch of writes
// all-or-nothing.
type Transactional interface {
	InTx(ctx context.Context, fn func(Table) error) error
}

// MemoryTable keeps rows in-memory and guards access with a RWMutex.
type MemoryTable struct {
	mu      sync.RWMutex
	columns []string
	rows    []Row
	nextID  int
}

// NewMemoryTable creates an empty table. Without columns it uses
// id, keyname, value and value_format.
func NewMemoryTable(columns ...string) *MemoryTable {
	if len(columns) == 0 {
		columns = defaultColumns
	}
	return &MemoryTable{
		columns: slices.Clone(columns),
		nextID:  1,
	}
}

// Columns returns a copy of the column names.
func (t *MemoryTable) Columns(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.columns), nil
}

// All returns defensive copies of every row in insertion order.
func (t *MemoryTable) All(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Row, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, cloneRow(row))
	}
	return out, nil
}

// FindFirst returns a copy of the first row whose column equals value.
func (t *MemoryTable) FindFirst(ctx context.Context, column, value string) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.hasColumn(column) {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownColumn, column)
	}
	for _, row := range t.rows {
		if row[column] == value {
			return cloneRow(row), true, nil
		}
	}
	return nil, false, nil
}

// Insert validates and appends row. An id is assigned when the table has an
// id column and the row leaves it empty.
func (t *MemoryTable) Insert(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.insertLocked(row)
}

// Update applies fields to every row whose column equals value.
func (t *MemoryTable) Update(ctx context.Context, column, value string, fields Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.updateLocked(column, value, fields)
}

// Seed inserts rows, stopping at the first invalid one.
func (t *MemoryTable) Seed(rows ...Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, row := range rows {
		if err := t.insertLocked(row); err != nil {
			return err
		}
	}
	return nil
}

// InTx runs fn against a private copy of the table and publishes the copy
// only when fn succeeds.
func (t *MemoryTable) InTx(ctx context.Context, fn func(Table) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tx := &MemoryTable{
		columns: slices.Clone(t.columns),
		rows:    make([]Row, 0, len(t.rows)),
		nextID:  t.nextID,
	}
	for _, row := range t.rows {
		tx.rows = append(tx.rows, cloneRow(row))
	}

	if err := fn(tx); err != nil {
		return err
	}

	t.rows = tx.rows
	t.nextID = tx.nextID
	return nil
}

func (t *MemoryTable) insertLocked(row Row) error {
	if err := t.checkColumns(row); err != nil {
		return err
	}

	stored := cloneRow(row)
	if t.hasColumn("id") && stored["id"] == "" {
		stored["id"] = fmt.Sprint(t.nextID)
		t.nextID++
	}
	t.rows = append(t.rows, stored)
	return nil
}

func (t *MemoryTable) updateLocked(column, value string, fields Row) error {
	if !t.hasColumn(column) {
		return fmt.Errorf("%w: %s", ErrUnknownColumn, column)
	}
	if err := t.checkColumns(fields); err != nil {
		return err
	}

	matched := 0
	for _, row := range t.rows {
		if row[column] != value {
			continue
		}
		for name, v := range fields {
			row[name] = v
		}
		matched++
	}
	if matched == 0 {
		return fmt.Errorf("%w: %s = %q", ErrNoRows, column, value)
	}
	return nil
}

func (t *MemoryTable) checkColumns(row Row) error {
	for name := range row {
		if !t.hasColumn(name) {
			return fmt.Errorf("%w: %s", ErrUnknownColumn, name)
		}
	}
	return nil
}

func (t *MemoryTable) hasColumn(name string) bool {
	return slices.Contains(t.columns, name)
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
