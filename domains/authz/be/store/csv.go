package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
)

// TableChecksum records the integrity data of one snapshot table.
type TableChecksum struct {
	SHA256 string `json:"sha256"`
	Rows   int    `json:"rows"`
}

// Manifest is the snapshot sidecar recording the version the snapshot is
// up-to with and per-table checksums.
type Manifest struct {
	Version       uint64                   `json:"version"`
	SchemaVersion int                      `json:"schema_version"`
	Tables        map[string]TableChecksum `json:"tables"`
	CreatedAt     time.Time                `json:"created_at"`
}

// EncodeManifest serializes the manifest for object storage.
func (m *Manifest) EncodeManifest() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// DecodeManifest parses a stored manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode snapshot manifest: %w", err)
	}
	return &m, nil
}

// Snapshot produces the canonical CSV serialization of every table plus the
// manifest. Column order is the schema's declared order; rows are emitted in
// insertion order with standard CSV quoting.
func (s *Store) Snapshot(version uint64) (map[string][]byte, *Manifest, error) {
	tables := make(map[string][]byte, len(s.tables))
	manifest := &Manifest{
		Version:       version,
		SchemaVersion: s.compiled.Version,
		Tables:        make(map[string]TableChecksum, len(s.tables)),
		CreatedAt:     time.Now().UTC(),
	}

	for _, name := range s.compiled.TableNames() {
		data, err := s.encodeTable(name)
		if err != nil {
			return nil, nil, err
		}
		sum := sha256.Sum256(data)
		tables[name] = data
		manifest.Tables[name] = TableChecksum{
			SHA256: hex.EncodeToString(sum[:]),
			Rows:   s.RowCount(name),
		}
	}
	return tables, manifest, nil
}

func (s *Store) encodeTable(name string) ([]byte, error) {
	tbl, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableUnknown, name)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := make([]string, len(tbl.def.Columns))
	for i, column := range tbl.def.Columns {
		header[i] = column.Name
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("write header of %s: %w", name, err)
	}

	record := make([]string, len(header))
	for _, key := range tbl.order {
		row := tbl.rows[key]
		for i, column := range header {
			record[i] = row[column]
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write row %s of %s: %w", key, name, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush table %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// LoadSnapshot rebuilds a store from snapshot tables, verifying checksums
// against the manifest. Tables listed in the manifest but absent from the
// schema, or checksum mismatches, fail the load.
func LoadSnapshot(compiled *schema.Compiled, manifest *Manifest, tables map[string][]byte) (*Store, error) {
	s := New(compiled)
	for name, checksum := range manifest.Tables {
		data, ok := tables[name]
		if !ok {
			return nil, fmt.Errorf("snapshot table %s listed in manifest but missing", name)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != checksum.SHA256 {
			return nil, fmt.Errorf("snapshot table %s checksum mismatch", name)
		}
		if err := s.loadTable(name, data, checksum.Rows); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadTable(name string, data []byte, expectRows int) error {
	tbl, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("%w: snapshot carries %s", ErrTableUnknown, name)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	header, err := reader.Read()
	if err == io.EOF {
		if expectRows != 0 {
			return fmt.Errorf("snapshot table %s is empty, manifest says %d rows", name, expectRows)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", name, err)
	}

	keyColumn := "id"
	if tbl.def.Relationship {
		keyColumn = "edge_id"
	}

	loaded := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read row of %s: %w", name, err)
		}
		row := make(Row, len(header))
		for i, column := range header {
			if i < len(record) && record[i] != "" {
				row[column] = record[i]
			}
		}
		key := row[keyColumn]
		if key == "" {
			return fmt.Errorf("snapshot row in %s lacks %s", name, keyColumn)
		}
		if err := s.Insert(name, key, row); err != nil {
			return fmt.Errorf("restore row %s of %s: %w", key, name, err)
		}
		loaded++
	}
	if loaded != expectRows {
		return fmt.Errorf("snapshot table %s has %d rows, manifest says %d", name, loaded, expectRows)
	}
	return nil
}
