package store

import (
	"errors"
	"fmt"

	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
)

// ErrTableUnknown indicates the table is not declared by the active schema.
var ErrTableUnknown = errors.New("table not declared by active schema")

// ErrRowUnknown indicates the primary key does not exist in the table.
var ErrRowUnknown = errors.New("row not found")

// ErrConstraintViolated indicates a unique-index collision.
var ErrConstraintViolated = errors.New("unique constraint violated")

// Row is one string-encoded record keyed by column name. Values use the
// canonical CSV encodings of their column types.
type Row map[string]string

// Clone returns a defensive copy of the row.
func (r Row) Clone() Row {
	clone := make(Row, len(r))
	for k, v := range r {
		clone[k] = v
	}
	return clone
}

type table struct {
	def *schema.TableDef
	// order preserves insertion order of primary keys for deterministic
	// scans and snapshots.
	order []string
	rows  map[string]Row
}

// Store is the authoritative typed projection of a tenant's data: one ordered
// table per entity and relationship. It is not safe for concurrent use; the
// tenant actor serializes access. Durability comes from snapshots plus the
// mutation log, not from the store itself.
type Store struct {
	compiled *schema.Compiled
	tables   map[string]*table
	// unique maps index name -> field value -> primary key of the live row.
	unique map[string]map[string]string
}

// New builds an empty store shaped by the compiled schema.
func New(compiled *schema.Compiled) *Store {
	s := &Store{
		compiled: compiled,
		tables:   make(map[string]*table),
		unique:   make(map[string]map[string]string),
	}
	for name, def := range compiled.Tables {
		s.tables[name] = &table{def: def, rows: make(map[string]Row)}
	}
	for _, idx := range compiled.Indexes {
		if idx.Unique {
			s.unique[idx.Name] = make(map[string]string)
		}
	}
	return s
}

// Schema returns the compiled schema currently shaping the store.
func (s *Store) Schema() *schema.Compiled {
	return s.compiled
}

// CheckMigrate verifies the store's data is forward-compatible with a
// candidate schema without mutating anything: every populated table must
// exist in the candidate, every required column must have a value or a
// default, and rebuilt unique indexes must not collide.
func (s *Store) CheckMigrate(compiled *schema.Compiled) error {
	for name, tbl := range s.tables {
		if len(tbl.rows) == 0 {
			continue
		}
		def, ok := compiled.Tables[name]
		if !ok {
			return fmt.Errorf("table %s has rows but is absent from the new schema", name)
		}
		for _, key := range tbl.order {
			if err := fillDefaults(def, tbl.rows[key].Clone()); err != nil {
				return fmt.Errorf("table %s row %s: %w", name, key, err)
			}
		}
	}
	for _, idx := range compiled.Indexes {
		if !idx.Unique {
			continue
		}
		tbl, ok := s.tables[idx.Entity]
		if !ok {
			continue
		}
		seen := make(map[string]string)
		for _, key := range tbl.order {
			value := tbl.rows[key][idx.Field]
			if value == "" {
				continue
			}
			if other, dup := seen[value]; dup {
				return fmt.Errorf("index %s: rows %s and %s collide on %q", idx.Name, other, key, value)
			}
			seen[value] = key
		}
	}
	return nil
}

// Migrate re-points the store at a new compiled schema after a successful
// forward-compatibility check: every existing table must exist in the new
// schema, and rows missing newly required fields take their defaults.
func (s *Store) Migrate(compiled *schema.Compiled) error {
	for name, tbl := range s.tables {
		if len(tbl.rows) == 0 {
			continue
		}
		def, ok := compiled.Tables[name]
		if !ok {
			return fmt.Errorf("table %s has rows but is absent from the new schema", name)
		}
		for _, key := range tbl.order {
			if err := fillDefaults(def, tbl.rows[key]); err != nil {
				return fmt.Errorf("table %s row %s: %w", name, key, err)
			}
		}
	}

	next := &Store{
		compiled: compiled,
		tables:   make(map[string]*table),
		unique:   make(map[string]map[string]string),
	}
	for name, def := range compiled.Tables {
		if existing, ok := s.tables[name]; ok {
			existing.def = def
			next.tables[name] = existing
		} else {
			next.tables[name] = &table{def: def, rows: make(map[string]Row)}
		}
	}
	for _, idx := range compiled.Indexes {
		if !idx.Unique {
			continue
		}
		index := make(map[string]string)
		if tbl, ok := next.tables[idx.Entity]; ok {
			for _, key := range tbl.order {
				if value := tbl.rows[key][idx.Field]; value != "" {
					if other, dup := index[value]; dup {
						return fmt.Errorf("index %s: rows %s and %s collide on %q", idx.Name, other, key, value)
					}
					index[value] = key
				}
			}
		}
		next.unique[idx.Name] = index
	}

	*s = *next
	return nil
}

// ValidateRow checks a prospective row for the given primary key against the
// table's column constraints and unique indexes without mutating anything.
// Defaults are filled on a copy. A unique value already held by key itself
// does not collide, so updates can revalidate their own row.
func (s *Store) ValidateRow(tableName, key string, row Row) error {
	tbl, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableUnknown, tableName)
	}
	probe := row.Clone()
	if err := s.validateRow(tbl.def, probe); err != nil {
		return err
	}
	for _, idx := range s.compiled.Indexes {
		if !idx.Unique || idx.Entity != tableName {
			continue
		}
		value := probe[idx.Field]
		if value == "" {
			continue
		}
		if holder, taken := s.unique[idx.Name][value]; taken && holder != key {
			return fmt.Errorf("%w: index %s value %q already held by %s", ErrConstraintViolated, idx.Name, value, holder)
		}
	}
	return nil
}

// Insert adds a new row under the given primary key.
func (s *Store) Insert(tableName, key string, row Row) error {
	tbl, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableUnknown, tableName)
	}
	if _, exists := tbl.rows[key]; exists {
		return fmt.Errorf("%w: duplicate primary key %s in %s", ErrConstraintViolated, key, tableName)
	}
	row = row.Clone()
	if err := s.validateRow(tbl.def, row); err != nil {
		return err
	}
	if err := s.claimIndexes(tableName, key, row, nil); err != nil {
		return err
	}
	tbl.rows[key] = row
	tbl.order = append(tbl.order, key)
	return nil
}

// Update patches an existing row; absent patch columns keep their values.
func (s *Store) Update(tableName, key string, patch Row) error {
	tbl, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableUnknown, tableName)
	}
	current, exists := tbl.rows[key]
	if !exists {
		return fmt.Errorf("%w: %s in %s", ErrRowUnknown, key, tableName)
	}
	next := current.Clone()
	for column, value := range patch {
		next[column] = value
	}
	if err := s.validateRow(tbl.def, next); err != nil {
		return err
	}
	if err := s.claimIndexes(tableName, key, next, current); err != nil {
		return err
	}
	tbl.rows[key] = next
	return nil
}

// Delete removes a row.
func (s *Store) Delete(tableName, key string) error {
	tbl, ok := s.tables[tableName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableUnknown, tableName)
	}
	row, exists := tbl.rows[key]
	if !exists {
		return fmt.Errorf("%w: %s in %s", ErrRowUnknown, key, tableName)
	}
	s.releaseIndexes(tableName, key, row)
	delete(tbl.rows, key)
	for i, k := range tbl.order {
		if k == key {
			tbl.order = append(tbl.order[:i], tbl.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get fetches a row copy by primary key.
func (s *Store) Get(tableName, key string) (Row, error) {
	tbl, ok := s.tables[tableName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableUnknown, tableName)
	}
	row, exists := tbl.rows[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s in %s", ErrRowUnknown, key, tableName)
	}
	return row.Clone(), nil
}

// Has reports whether the primary key exists in the table.
func (s *Store) Has(tableName, key string) bool {
	tbl, ok := s.tables[tableName]
	if !ok {
		return false
	}
	_, exists := tbl.rows[key]
	return exists
}

// Scan returns row copies in insertion order.
func (s *Store) Scan(tableName string) ([]Row, error) {
	tbl, ok := s.tables[tableName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableUnknown, tableName)
	}
	rows := make([]Row, 0, len(tbl.order))
	for _, key := range tbl.order {
		rows = append(rows, tbl.rows[key].Clone())
	}
	return rows, nil
}

// RowCount returns the number of rows in a table, zero for unknown tables.
func (s *Store) RowCount(tableName string) int {
	tbl, ok := s.tables[tableName]
	if !ok {
		return 0
	}
	return len(tbl.rows)
}

// EntityCount sums rows across entity tables.
func (s *Store) EntityCount() int {
	total := 0
	for _, name := range s.compiled.EntityNames() {
		total += s.RowCount(name)
	}
	return total
}

func (s *Store) validateRow(def *schema.TableDef, row Row) error {
	known := make(map[string]bool, len(def.Columns))
	for _, column := range def.Columns {
		known[column.Name] = true
		value, present := row[column.Name]
		if !present || value == "" {
			if column.Default != "" {
				row[column.Name] = column.Default
				continue
			}
			if column.Required {
				return fmt.Errorf("%w: column %s of %s is required", ErrConstraintViolated, column.Name, def.Name)
			}
			continue
		}
		if validator := def.Validator(column.Name); validator != nil {
			if err := validator(value); err != nil {
				return fmt.Errorf("%w: column %s of %s: %v", ErrConstraintViolated, column.Name, def.Name, err)
			}
		}
	}
	for column := range row {
		if !known[column] {
			return fmt.Errorf("%w: column %s is not declared by %s", ErrConstraintViolated, column, def.Name)
		}
	}
	return nil
}

func (s *Store) claimIndexes(tableName, key string, next Row, previous Row) error {
	for _, idx := range s.compiled.Indexes {
		if !idx.Unique || idx.Entity != tableName {
			continue
		}
		value := next[idx.Field]
		if value == "" {
			continue
		}
		if previous != nil && previous[idx.Field] == value {
			continue
		}
		index := s.unique[idx.Name]
		if holder, taken := index[value]; taken && holder != key {
			return fmt.Errorf("%w: index %s value %q already held by %s", ErrConstraintViolated, idx.Name, value, holder)
		}
	}
	// All claims validated; commit them.
	for _, idx := range s.compiled.Indexes {
		if !idx.Unique || idx.Entity != tableName {
			continue
		}
		index := s.unique[idx.Name]
		if previous != nil {
			if old := previous[idx.Field]; old != "" && old != next[idx.Field] {
				delete(index, old)
			}
		}
		if value := next[idx.Field]; value != "" {
			index[value] = key
		}
	}
	return nil
}

func (s *Store) releaseIndexes(tableName, key string, row Row) {
	for _, idx := range s.compiled.Indexes {
		if !idx.Unique || idx.Entity != tableName {
			continue
		}
		if value := row[idx.Field]; value != "" && s.unique[idx.Name][value] == key {
			delete(s.unique[idx.Name], value)
		}
	}
}

func fillDefaults(def *schema.TableDef, row Row) error {
	for _, column := range def.Columns {
		if value := row[column.Name]; value != "" {
			continue
		}
		if column.Default != "" {
			row[column.Name] = column.Default
			continue
		}
		if column.Required {
			return fmt.Errorf("required column %s has no value and no default", column.Name)
		}
	}
	return nil
}
