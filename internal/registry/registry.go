package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/appconfig/internal/codec"
	"github.com/eugenenazirov/appconfig/internal/storage"
)

const (
	DefaultKeyColumn    = "keyname"
	DefaultValueColumn  = "value"
	DefaultFormatColumn = "value_format"
)

var restrictedKeys = mapset.NewSet(
	"id",
	"to_s",
	"configure",
	"load",
	"flush",
	"reload",
	"keys",
	"empty?",
	"method_missing",
	"exist?",
	"source_model",
	"configuration",
	"save",
)

// RestrictedKeys returns the reserved names Set refuses.
func RestrictedKeys() []string {
	keys := restrictedKeys.ToSlice()
	sort.Strings(keys)
	return keys
}

// IsRestricted reports whether key may not be used for a setting.
func IsRestricted(key string) bool {
	return restrictedKeys.Contains(key)
}

// Binding links a Registry to a table and its column layout.
type Binding struct {
	Table        storage.Table
	KeyColumn    string
	ValueColumn  string
	FormatColumn string
}

func (b Binding) withDefaults() Binding {
	if b.KeyColumn == "" {
		b.KeyColumn = DefaultKeyColumn
	}
	if b.ValueColumn == "" {
		b.ValueColumn = DefaultValueColumn
	}
	if b.FormatColumn == "" {
		b.FormatColumn = DefaultFormatColumn
	}
	return b
}

func (b Binding) columns() []string {
	return []string{b.KeyColumn, b.ValueColumn, b.FormatColumn}
}

// ReloadResult reports the outcome of Reload. When Err is set the cache was
// emptied instead of refreshed.
type ReloadResult struct {
	Loaded int
	Err    error
}

// Degraded reports whether the reload failed and left the cache empty.
func (r ReloadResult) Degraded() bool {
	return r.Err != nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCodec overrides the separators used to encode and decode values.
func WithCodec(c codec.Codec) Option {
	return func(r *Registry) {
		r.codec = c
	}
}

// Registry caches typed settings keyed by name. It is safe for concurrent use.
type Registry struct {
	codec  codec.Codec
	logger *zap.Logger

	mu         sync.RWMutex
	binding    Binding
	configured bool
	entries    map[string]any
}

// New creates an unconfigured Registry with an empty cache.
func New(opts ...Option) *Registry {
	r := &Registry{
		codec:   codec.Default(),
		logger:  zap.NewNop(),
		entries: make(map[string]any),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure replaces the binding. Empty column names take the defaults.
// The cache is left untouched.
func (r *Registry) Configure(b Binding) {
	b = b.withDefaults()

	r.mu.Lock()
	r.binding = b
	r.configured = true
	r.mu.Unlock()

	r.logger.Debug("registry configured",
		zap.String("key_column", b.KeyColumn),
		zap.String("value_column", b.ValueColumn),
		zap.String("format_column", b.FormatColumn),
		zap.Bool("has_table", b.Table != nil),
	)
}

// Configuration returns the active binding.
func (r *Registry) Configuration() Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.binding
}

// Configured reports whether Configure has been called.
func (r *Registry) Configured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configured
}

// Load replaces the cache with the contents of the bound table. On failure
// the cache keeps its previous contents and the error wraps ErrInvalidSource.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.logger.Info("settings loaded", zap.Int("count", len(entries)))
	return nil
}

// Reload is Load that never fails: any error empties the cache and is
// reported through the result.
func (r *Registry) Reload(ctx context.Context) ReloadResult {
	entries, err := r.fetch(ctx)
	if err != nil {
		entries = make(map[string]any)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("settings reload failed, cache emptied", zap.Error(err))
		return ReloadResult{Err: err}
	}
	r.logger.Info("settings reloaded", zap.Int("count", len(entries)))
	return ReloadResult{Loaded: len(entries)}
}

// Flush empties the cache.
func (r *Registry) Flush() {
	r.mu.Lock()
	r.entries = make(map[string]any)
	r.mu.Unlock()
}

// Set stores value under key after coercing it to format. Non-string values
// are serialised first, so Set("flag", false, codec.FormatBoolean) stores
// false. The empty key is an ordinary key. Set never touches the table.
func (r *Registry) Set(key string, value any, format codec.Format) error {
	if IsRestricted(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyName, key)
	}

	raw, ok := value.(string)
	if !ok {
		raw, _ = r.codec.Encode(value)
	}
	decoded := r.codec.Decode(raw, format)

	r.mu.Lock()
	r.entries[key] = decoded
	r.mu.Unlock()
	return nil
}

// Get returns the cached value for key.
func (r *Registry) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.entries[key]
	return value, ok
}

// String returns the value for key when it is cached as a string.
func (r *Registry) String(key string) (string, bool) {
	return typed[string](r, key)
}

// Bool returns the value for key when it is cached as a boolean.
func (r *Registry) Bool(key string) (bool, bool) {
	return typed[bool](r, key)
}

// Strings returns the value for key when it is cached as an array.
func (r *Registry) Strings(key string) ([]string, bool) {
	return typed[[]string](r, key)
}

// Map returns the value for key when it is cached as a hash.
func (r *Registry) Map(key string) (map[string]string, bool) {
	return typed[map[string]string](r, key)
}

func typed[T any](r *Registry, key string) (T, bool) {
	value, ok := r.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := value.(T)
	return v, ok
}

// Keys returns the cached keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Empty reports whether the cache has no entries.
func (r *Registry) Empty() bool {
	return r.Len() == 0
}

// Exist reports whether key is cached, whatever its value.
func (r *Registry) Exist(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// ToHash returns a snapshot shaped as key -> {value column: value}.
func (r *Registry) ToHash() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	valueColumn := r.binding.withDefaults().ValueColumn
	out := make(map[string]map[string]any, len(r.entries))
	for key, value := range r.entries {
		out[key] = map[string]any{valueColumn: value}
	}
	return out
}

// Save writes every cached entry to the bound table, updating rows whose key
// already exists and inserting the rest. Tables implementing
// storage.Transactional are written in a single transaction.
func (r *Registry) Save(ctx context.Context) error {
	b, err := r.checkedBinding(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	snapshot := make(map[string]any, len(r.entries))
	for key, value := range r.entries {
		snapshot[key] = value
	}
	r.mu.RUnlock()

	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	write := func(table storage.Table) error {
		for _, key := range keys {
			if err := r.upsert(ctx, table, b, key, snapshot[key]); err != nil {
				return err
			}
		}
		return nil
	}

	if tx, ok := b.Table.(storage.Transactional); ok {
		err = tx.InTx(ctx, write)
	} else {
		err = write(b.Table)
	}
	if err != nil {
		return sourceError(err)
	}

	r.logger.Info("settings saved", zap.Int("count", len(keys)))
	return nil
}

func (r *Registry) upsert(ctx context.Context, table storage.Table, b Binding, key string, value any) error {
	raw, format := r.codec.Encode(value)

	_, found, err := table.FindFirst(ctx, b.KeyColumn, key)
	if err != nil {
		return err
	}
	if found {
		return table.Update(ctx, b.KeyColumn, key, storage.Row{
			b.ValueColumn:  raw,
			b.FormatColumn: string(format),
		})
	}
	return table.Insert(ctx, storage.Row{
		b.KeyColumn:    key,
		b.ValueColumn:  raw,
		b.FormatColumn: string(format),
	})
}

func (r *Registry) fetch(ctx context.Context) (map[string]any, error) {
	b, err := r.checkedBinding(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := b.Table.All(ctx)
	if err != nil {
		return nil, sourceError(err)
	}

	entries := make(map[string]any, len(rows))
	for _, row := range rows {
		key := row[b.KeyColumn]
		if IsRestricted(key) {
			r.logger.Warn("skipping stored setting with restricted key", zap.String("key", key))
			continue
		}
		entries[key] = r.codec.Decode(row[b.ValueColumn], codec.Format(row[b.FormatColumn]))
	}
	return entries, nil
}

// checkedBinding snapshots the binding and verifies the table exposes the
// three bound columns.
func (r *Registry) checkedBinding(ctx context.Context) (Binding, error) {
	r.mu.RLock()
	b := r.binding
	r.mu.RUnlock()

	if b.Table == nil {
		return Binding{}, fmt.Errorf("%w: table is not defined", ErrInvalidSource)
	}

	columns, err := b.Table.Columns(ctx)
	if err != nil {
		return Binding{}, sourceError(err)
	}
	known := mapset.NewSet(columns...)
	var missing []string
	for _, col := range b.columns() {
		if !known.Contains(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return Binding{}, fmt.Errorf("%w: table fields are invalid, missing %v", ErrInvalidSource, missing)
	}
	return b, nil
}

func sourceError(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidSource, err)
}
