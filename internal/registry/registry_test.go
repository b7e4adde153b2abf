package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/appconfig/internal/codec"
	"github.com/eugenenazirov/appconfig/internal/storage"
)

// failingTable wraps a table and fails selected operations.
type failingTable struct {
	storage.Table
	columnsErr error
	allErr     error
	insertErr  error
	delay      time.Duration
}

func (f *failingTable) Columns(ctx context.Context) ([]string, error) {
	if f.columnsErr != nil {
		return nil, f.columnsErr
	}
	return f.Table.Columns(ctx)
}

func (f *failingTable) All(ctx context.Context) ([]storage.Row, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.allErr != nil {
		return nil, f.allErr
	}
	return f.Table.All(ctx)
}

func (f *failingTable) Insert(ctx context.Context, row storage.Row) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.Table.Insert(ctx, row)
}

func seededTable(t *testing.T) *storage.MemoryTable {
	t.Helper()

	table := storage.NewMemoryTable()
	err := table.Seed(
		storage.Row{"keyname": "site_name", "value": "Acme", "value_format": "string"},
		storage.Row{"keyname": "enabled", "value": "true", "value_format": "boolean"},
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return table
}

func newRegistry(t *testing.T, table storage.Table) *Registry {
	t.Helper()

	reg := New(WithLogger(zaptest.NewLogger(t)))
	reg.Configure(Binding{Table: table})
	return reg
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	table := seededTable(t)
	reg := newRegistry(t, table)

	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if got, _ := reg.Get("site_name"); got != "Acme" {
		t.Fatalf("expected site_name Acme, got %#v", got)
	}
	if got, _ := reg.Get("enabled"); got != true {
		t.Fatalf("expected enabled true, got %#v", got)
	}
	if got, want := reg.Keys(), []string{"enabled", "site_name"}; !slices.Equal(got, want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}

	if err := reg.Set("enabled", false, codec.FormatBoolean); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if err := reg.Save(ctx); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	row, found, err := table.FindFirst(ctx, "keyname", "enabled")
	if err != nil || !found {
		t.Fatalf("expected enabled row, found=%v err=%v", found, err)
	}
	if row["value"] != "false" || row["value_format"] != "boolean" {
		t.Fatalf("unexpected stored row %v", row)
	}
}

func TestSaveInsertsNewKeys(t *testing.T) {
	ctx := context.Background()
	table := seededTable(t)
	reg := newRegistry(t, table)

	if err := reg.Set("hosts", []string{"a", "b"}, codec.FormatArray); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := reg.Set("limits", "cpu:2,mem:4G", codec.FormatHash); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := reg.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rows, _ := table.All(ctx)
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows after insert, got %d", len(rows))
	}

	hosts, _, _ := table.FindFirst(ctx, "keyname", "hosts")
	if hosts["value"] != "a,b" || hosts["value_format"] != "array" {
		t.Fatalf("unexpected hosts row %v", hosts)
	}
	limits, _, _ := table.FindFirst(ctx, "keyname", "limits")
	if limits["value"] != "cpu:2,mem:4G" || limits["value_format"] != "hash" {
		t.Fatalf("unexpected limits row %v", limits)
	}

	fresh := newRegistry(t, table)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, _ := fresh.Map("limits"); !reflect.DeepEqual(got, map[string]string{"cpu": "2", "mem": "4G"}) {
		t.Fatalf("unexpected limits after reload %v", got)
	}
}

func TestSaveIsAllOrNothingOnTransactionalTables(t *testing.T) {
	ctx := context.Background()
	table := storage.NewMemoryTable()
	reg := newRegistry(t, table)

	// Keys are saved in sorted order, so the second insert is the one rejected.
	_ = reg.Set("a_first", "1", codec.FormatString)
	_ = reg.Set("b_second", "2", codec.FormatString)

	counting := &countingTx{MemoryTable: table, failAfter: 1}
	reg.Configure(Binding{Table: counting})

	if err := reg.Save(ctx); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}

	rows, _ := table.All(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected rollback to leave table empty, got %v", rows)
	}
}

// countingTx fails the n+1th insert made inside a transaction.
type countingTx struct {
	*storage.MemoryTable
	failAfter int
}

func (c *countingTx) InTx(ctx context.Context, fn func(storage.Table) error) error {
	return c.MemoryTable.InTx(ctx, func(tx storage.Table) error {
		return fn(&limitedInserts{Table: tx, left: c.failAfter})
	})
}

type limitedInserts struct {
	storage.Table
	left int
}

func (l *limitedInserts) Insert(ctx context.Context, row storage.Row) error {
	if l.left == 0 {
		return errors.New("disk full")
	}
	l.left--
	return l.Table.Insert(ctx, row)
}

func TestRestrictedKeys(t *testing.T) {
	t.Parallel()

	reg := New()
	keys := RestrictedKeys()
	if len(keys) != 13 {
		t.Fatalf("expected 13 restricted keys, got %d", len(keys))
	}

	for _, key := range keys {
		if err := reg.Set(key, "x", codec.FormatString); !errors.Is(err, ErrInvalidKeyName) {
			t.Fatalf("expected ErrInvalidKeyName for %q, got %v", key, err)
		}
	}
	if !reg.Empty() {
		t.Fatalf("expected no entries after rejected sets, got %v", reg.Keys())
	}

	for _, key := range []string{"", "identity", "saved", "Load", "site_name"} {
		if err := reg.Set(key, "x", codec.FormatString); err != nil {
			t.Fatalf("expected %q to be accepted, got %v", key, err)
		}
	}
}

func TestLoadSkipsRestrictedStoredKeys(t *testing.T) {
	ctx := context.Background()
	table := storage.NewMemoryTable()
	_ = table.Seed(
		storage.Row{"keyname": "save", "value": "x"},
		storage.Row{"keyname": "", "value": "y"},
		storage.Row{"keyname": "ok", "value": "z"},
	)
	reg := newRegistry(t, table)

	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reg.Keys(); !slices.Equal(got, []string{"", "ok"}) {
		t.Fatalf("expected empty and ok keys, got %v", got)
	}
	if got, ok := reg.String(""); !ok || got != "y" {
		t.Fatalf("expected empty key to hold y, got (%q, %v)", got, ok)
	}
}

func TestEmptyKeySurvivesSave(t *testing.T) {
	ctx := context.Background()
	table := storage.NewMemoryTable()
	reg := newRegistry(t, table)

	if err := reg.Set("", "blank", codec.FormatString); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !reg.Exist("") {
		t.Fatal("expected empty key to exist")
	}
	if err := reg.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	row, found, err := table.FindFirst(ctx, "keyname", "")
	if err != nil || !found || row["value"] != "blank" {
		t.Fatalf("expected stored row for empty key, got (%v, %v, %v)", row, found, err)
	}

	reg.Flush()
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, ok := reg.String(""); !ok || got != "blank" {
		t.Fatalf("expected blank after reload, got (%q, %v)", got, ok)
	}
}

func TestExistVersusGet(t *testing.T) {
	t.Parallel()

	reg := New()
	if err := reg.Set("flag", false, codec.FormatBoolean); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if !reg.Exist("flag") {
		t.Fatalf("expected flag to exist")
	}
	value, ok := reg.Get("flag")
	if !ok || value != false {
		t.Fatalf("expected (false, true), got (%#v, %v)", value, ok)
	}
	if b, ok := reg.Bool("flag"); !ok || b {
		t.Fatalf("expected typed false, got (%v, %v)", b, ok)
	}

	if reg.Exist("missing") {
		t.Fatalf("expected missing key to not exist")
	}
	if value, ok := reg.Get("missing"); ok || value != nil {
		t.Fatalf("expected absent result, got (%#v, %v)", value, ok)
	}
}

func TestTypedAccessors(t *testing.T) {
	t.Parallel()

	reg := New()
	_ = reg.Set("name", "Acme", "")
	_ = reg.Set("tags", "a, b", codec.FormatArray)
	_ = reg.Set("db", "host:x", codec.FormatHash)
	_ = reg.Set("port", 5432, codec.FormatString)

	if s, ok := reg.String("name"); !ok || s != "Acme" {
		t.Fatalf("unexpected name (%q, %v)", s, ok)
	}
	if s, ok := reg.String("port"); !ok || s != "5432" {
		t.Fatalf("expected numeric value stringified, got (%q, %v)", s, ok)
	}
	if tags, ok := reg.Strings("tags"); !ok || !slices.Equal(tags, []string{"a", "b"}) {
		t.Fatalf("unexpected tags (%v, %v)", tags, ok)
	}
	if db, ok := reg.Map("db"); !ok || db["host"] != "x" {
		t.Fatalf("unexpected db (%v, %v)", db, ok)
	}
	if _, ok := reg.Bool("name"); ok {
		t.Fatalf("expected type mismatch to report false")
	}
}

func TestLoadFailuresKeepPreviousCache(t *testing.T) {
	ctx := context.Background()
	queryErr := errors.New(`relation "settings" does not exist`)

	testCases := []struct {
		name    string
		binding Binding
		wantMsg string
	}{
		{name: "no table", binding: Binding{}, wantMsg: "table is not defined"},
		{name: "schema lookup fails", binding: Binding{Table: &failingTable{Table: storage.NewMemoryTable(), columnsErr: queryErr}}, wantMsg: queryErr.Error()},
		{name: "missing column", binding: Binding{Table: storage.NewMemoryTable("keyname", "value")}, wantMsg: "value_format"},
		{name: "custom column missing", binding: Binding{Table: storage.NewMemoryTable(), KeyColumn: "name"}, wantMsg: "name"},
		{name: "query fails", binding: Binding{Table: &failingTable{Table: storage.NewMemoryTable(), allErr: queryErr}}, wantMsg: queryErr.Error()},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			reg := New(WithLogger(zaptest.NewLogger(t)))
			_ = reg.Set("existing", "kept", codec.FormatString)
			before := reg.Keys()

			reg.Configure(tc.binding)
			err := reg.Load(ctx)
			if !errors.Is(err, ErrInvalidSource) {
				t.Fatalf("expected ErrInvalidSource, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("expected error to mention %q, got %v", tc.wantMsg, err)
			}
			if got := reg.Keys(); !slices.Equal(got, before) {
				t.Fatalf("expected keys %v after failed load, got %v", before, got)
			}
		})
	}
}

func TestLoadPreservesStoreErrorForInspection(t *testing.T) {
	ctx := context.Background()
	queryErr := errors.New("connection refused")
	reg := newRegistry(t, &failingTable{Table: storage.NewMemoryTable(), allErr: queryErr})

	err := reg.Load(ctx)
	if !errors.Is(err, queryErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestReloadDegradesToEmptyCache(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, seededTable(t))

	if result := reg.Reload(ctx); result.Degraded() || result.Loaded != 2 {
		t.Fatalf("unexpected healthy reload result %+v", result)
	}

	reg.Configure(Binding{Table: &failingTable{Table: storage.NewMemoryTable(), allErr: errors.New("unreachable")}})

	if err := reg.Load(ctx); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected Load to fail with ErrInvalidSource, got %v", err)
	}
	if reg.Empty() {
		t.Fatalf("expected failed Load to keep cache")
	}

	result := reg.Reload(ctx)
	if !result.Degraded() || !errors.Is(result.Err, ErrInvalidSource) {
		t.Fatalf("expected degraded reload, got %+v", result)
	}
	if !reg.Empty() || len(reg.Keys()) != 0 {
		t.Fatalf("expected empty cache after failed reload, got %v", reg.Keys())
	}
}

func TestReloadWithoutBinding(t *testing.T) {
	t.Parallel()

	reg := New()
	_ = reg.Set("a", "b", codec.FormatString)

	if reg.Configured() {
		t.Fatalf("expected new registry to be unconfigured")
	}
	if result := reg.Reload(context.Background()); !result.Degraded() {
		t.Fatalf("expected degraded reload without binding")
	}
	if !reg.Empty() {
		t.Fatalf("expected empty cache")
	}
}

func TestLoadSurfacesTimeoutAsInvalidSource(t *testing.T) {
	reg := newRegistry(t, &failingTable{Table: seededTable(t), delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := reg.Load(ctx)
	if !errors.Is(err, ErrInvalidSource) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrInvalidSource wrapping deadline, got %v", err)
	}
}

func TestSavePreconditions(t *testing.T) {
	ctx := context.Background()

	reg := New()
	if err := reg.Save(ctx); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource without binding, got %v", err)
	}

	reg.Configure(Binding{Table: storage.NewMemoryTable("keyname")})
	if err := reg.Save(ctx); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource for missing columns, got %v", err)
	}

	insertErr := errors.New("permission denied")
	reg.Configure(Binding{Table: &failingTable{Table: storage.NewMemoryTable(), insertErr: insertErr}})
	_ = reg.Set("k", "v", codec.FormatString)
	err := reg.Save(ctx)
	if !errors.Is(err, ErrInvalidSource) || !errors.Is(err, insertErr) {
		t.Fatalf("expected wrapped insert error, got %v", err)
	}
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, seededTable(t))

	reg.Flush()
	if !reg.Empty() {
		t.Fatalf("expected empty after flush on empty registry")
	}

	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_ = reg.Set("extra", "x", codec.FormatString)

	reg.Flush()
	if !reg.Empty() || len(reg.Keys()) != 0 {
		t.Fatalf("expected empty after flush, got %v", reg.Keys())
	}
}

func TestConfigureReplacesBindingWithoutTouchingCache(t *testing.T) {
	t.Parallel()

	reg := New()
	table := storage.NewMemoryTable()
	reg.Configure(Binding{Table: table, KeyColumn: "name", ValueColumn: "data"})
	_ = reg.Set("a", "b", codec.FormatString)

	reg.Configure(Binding{Table: table})

	b := reg.Configuration()
	if b.KeyColumn != DefaultKeyColumn || b.ValueColumn != DefaultValueColumn || b.FormatColumn != DefaultFormatColumn {
		t.Fatalf("expected defaults after reconfigure, got %+v", b)
	}
	if !reg.Exist("a") {
		t.Fatalf("expected cache to survive reconfigure")
	}
}

func TestToHash(t *testing.T) {
	t.Parallel()

	reg := New()
	reg.Configure(Binding{ValueColumn: "data"})
	_ = reg.Set("enabled", "true", codec.FormatBoolean)
	_ = reg.Set("tags", "x,y", codec.FormatArray)

	got := reg.ToHash()
	want := map[string]map[string]any{
		"enabled": {"data": true},
		"tags":    {"data": []string{"x", "y"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestConcurrentLoadAndSet(t *testing.T) {
	ctx := context.Background()
	table := storage.NewMemoryTable()
	for i := 0; i < 50; i++ {
		_ = table.Seed(storage.Row{"keyname": fmt.Sprintf("stored-%d", i), "value": "v"})
	}
	reg := newRegistry(t, table)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if err := reg.Load(ctx); err != nil {
				t.Errorf("Load: %v", err)
			}
		}()
		go func(id int) {
			defer wg.Done()
			if err := reg.Set(fmt.Sprintf("local-%d", id), "x", codec.FormatString); err != nil {
				t.Errorf("Set: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = reg.Keys()
			_ = reg.ToHash()
			_ = reg.Save(ctx)
		}()
	}
	wg.Wait()

	stored := 0
	for _, key := range reg.Keys() {
		if strings.HasPrefix(key, "stored-") {
			stored++
		}
	}
	if stored != 50 {
		t.Fatalf("expected every stored key after loads, got %d", stored)
	}
}
