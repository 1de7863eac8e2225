package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
)

const testSource = `{
	"entities": [
		{"name": "user", "fields": [
			{"name": "email", "type": "string", "required": true},
			{"name": "tier", "type": "enum", "values": ["free", "paid"], "default": "free"}
		]},
		{"name": "resource", "fields": [{"name": "name", "type": "string"}]}
	],
	"relationships": [
		{"name": "has_permission", "source": "user", "target": "resource", "authorization": "permission",
		 "properties": [{"name": "capability", "type": "string", "required": true}]}
	],
	"indexes": [
		{"name": "user_by_email", "entity": "user", "field": "email", "unique": true}
	]
}`

func compileTestSchema(t *testing.T, source string, version int) *schema.Compiled {
	t.Helper()
	src, issues, err := schema.Parse([]byte(source))
	require.NoError(t, err)
	require.False(t, issues.HasErrors())
	compiled, err := schema.Compile(src, version)
	require.NoError(t, err)
	return compiled
}

func TestStoreInsertGetUpdateDelete(t *testing.T) {
	t.Parallel()

	s := New(compileTestSchema(t, testSource, 1))

	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))

	row, err := s.Get("user", "u1")
	require.NoError(t, err)
	require.Equal(t, "a@acme.io", row["email"])
	require.Equal(t, "free", row["tier"], "defaults fill on insert")

	require.NoError(t, s.Update("user", "u1", Row{"tier": "paid"}))
	row, err = s.Get("user", "u1")
	require.NoError(t, err)
	require.Equal(t, "paid", row["tier"])
	require.Equal(t, "a@acme.io", row["email"], "patch keeps untouched columns")

	require.NoError(t, s.Delete("user", "u1"))
	_, err = s.Get("user", "u1")
	require.ErrorIs(t, err, ErrRowUnknown)
	require.ErrorIs(t, s.Delete("user", "u1"), ErrRowUnknown)
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()

	s := New(compileTestSchema(t, testSource, 1))

	tests := []struct {
		name string
		row  Row
	}{
		{"missing required column", Row{"id": "u1"}},
		{"enum member unknown", Row{"id": "u1", "email": "a@acme.io", "tier": "gold"}},
		{"undeclared column", Row{"id": "u1", "email": "a@acme.io", "nickname": "al"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, s.Insert("user", "u1", tc.row), ErrConstraintViolated)
		})
	}

	require.ErrorIs(t, s.Insert("ghost", "g1", Row{"id": "g1"}), ErrTableUnknown)
}

func TestStoreDuplicatePrimaryKey(t *testing.T) {
	t.Parallel()

	s := New(compileTestSchema(t, testSource, 1))
	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))
	require.ErrorIs(t, s.Insert("user", "u1", Row{"id": "u1", "email": "b@acme.io"}), ErrConstraintViolated)
}

func TestStoreUniqueIndex(t *testing.T) {
	t.Parallel()

	s := New(compileTestSchema(t, testSource, 1))
	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))

	require.ErrorIs(t, s.Insert("user", "u2", Row{"id": "u2", "email": "a@acme.io"}), ErrConstraintViolated)

	// Updating the holder to a new value releases the old one.
	require.NoError(t, s.Update("user", "u1", Row{"email": "moved@acme.io"}))
	require.NoError(t, s.Insert("user", "u2", Row{"id": "u2", "email": "a@acme.io"}))

	// Deleting the holder releases its claim.
	require.NoError(t, s.Delete("user", "u2"))
	require.NoError(t, s.Insert("user", "u3", Row{"id": "u3", "email": "a@acme.io"}))
}

func TestStoreValidateRowDoesNotMutate(t *testing.T) {
	t.Parallel()

	s := New(compileTestSchema(t, testSource, 1))
	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))

	// Revalidating a row against its own unique claim is not a collision.
	require.NoError(t, s.ValidateRow("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))
	// A different key claiming the same value is.
	require.ErrorIs(t, s.ValidateRow("user", "u2", Row{"id": "u2", "email": "a@acme.io"}), ErrConstraintViolated)

	// The probe fills defaults on a copy, never on the caller's row.
	probe := Row{"id": "u2", "email": "b@acme.io"}
	require.NoError(t, s.ValidateRow("user", "u2", probe))
	_, present := probe["tier"]
	require.False(t, present)
}

func TestStoreScanOrder(t *testing.T) {
	t.Parallel()

	s := New(compileTestSchema(t, testSource, 1))
	for _, id := range []string{"u3", "u1", "u2"} {
		require.NoError(t, s.Insert("user", id, Row{"id": id, "email": id + "@acme.io"}))
	}

	rows, err := s.Scan("user")
	require.NoError(t, err)
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row["id"]
	}
	require.Equal(t, []string{"u3", "u1", "u2"}, ids, "scan preserves insertion order")
	require.Equal(t, 3, s.RowCount("user"))
	require.Equal(t, 3, s.EntityCount())
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	compiled := compileTestSchema(t, testSource, 1)
	s := New(compiled)
	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))
	require.NoError(t, s.Insert("user", "u2", Row{"id": "u2", "email": "quoted,\"tricky\"@acme.io"}))
	require.NoError(t, s.Insert("resource", "r1", Row{"id": "r1", "name": "report"}))
	require.NoError(t, s.Insert("has_permission", "e1", Row{
		"source_id": "u1", "target_id": "r1", "edge_id": "e1",
		"created_version": "4", "capability": "viewer",
	}))

	tables, manifest, err := s.Snapshot(4)
	require.NoError(t, err)
	require.EqualValues(t, 4, manifest.Version)
	require.Equal(t, 1, manifest.SchemaVersion)
	require.Equal(t, 2, manifest.Tables["user"].Rows)

	restored, err := LoadSnapshot(compiled, manifest, tables)
	require.NoError(t, err)

	for _, table := range compiled.TableNames() {
		want, err := s.Scan(table)
		require.NoError(t, err)
		got, err := restored.Scan(table)
		require.NoError(t, err)
		require.Equal(t, want, got, table)
	}

	// The restored store rebuilt its unique indexes.
	require.ErrorIs(t, restored.Insert("user", "u9", Row{"id": "u9", "email": "a@acme.io"}), ErrConstraintViolated)
}

func TestLoadSnapshotDetectsCorruption(t *testing.T) {
	t.Parallel()

	compiled := compileTestSchema(t, testSource, 1)
	s := New(compiled)
	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))

	tables, manifest, err := s.Snapshot(1)
	require.NoError(t, err)

	t.Run("checksum mismatch", func(t *testing.T) {
		corrupted := make(map[string][]byte, len(tables))
		for name, data := range tables {
			corrupted[name] = data
		}
		corrupted["user"] = append([]byte(nil), tables["user"]...)
		corrupted["user"][len(corrupted["user"])-2] ^= 0xff

		_, err := LoadSnapshot(compiled, manifest, corrupted)
		require.ErrorContains(t, err, "checksum mismatch")
	})

	t.Run("missing table", func(t *testing.T) {
		partial := map[string][]byte{"user": tables["user"]}
		_, err := LoadSnapshot(compiled, manifest, partial)
		require.ErrorContains(t, err, "missing")
	})
}

func TestCheckMigrateAndMigrate(t *testing.T) {
	t.Parallel()

	const nextSource = `{
		"entities": [
			{"name": "user", "fields": [
				{"name": "email", "type": "string", "required": true},
				{"name": "tier", "type": "enum", "values": ["free", "paid"], "default": "free"},
				{"name": "region", "type": "string", "required": true, "default": "eu"}
			]},
			{"name": "resource", "fields": [{"name": "name", "type": "string"}]}
		],
		"relationships": [
			{"name": "has_permission", "source": "user", "target": "resource", "authorization": "permission",
			 "properties": [{"name": "capability", "type": "string", "required": true}]}
		]
	}`
	const incompatibleSource = `{
		"entities": [
			{"name": "user", "fields": [
				{"name": "email", "type": "string", "required": true},
				{"name": "tier", "type": "enum", "values": ["free", "paid"], "default": "free"},
				{"name": "region", "type": "string", "required": true}
			]},
			{"name": "resource", "fields": [{"name": "name", "type": "string"}]}
		],
		"relationships": [
			{"name": "has_permission", "source": "user", "target": "resource", "authorization": "permission",
			 "properties": [{"name": "capability", "type": "string", "required": true}]}
		]
	}`

	s := New(compileTestSchema(t, testSource, 1))
	require.NoError(t, s.Insert("user", "u1", Row{"id": "u1", "email": "a@acme.io"}))

	// Required without default cannot cover existing rows.
	require.Error(t, s.CheckMigrate(compileTestSchema(t, incompatibleSource, 2)))

	// A dropped table with live rows is rejected.
	require.Error(t, s.CheckMigrate(compileTestSchema(t, `{
		"entities": [{"name": "resource", "fields": [{"name": "name", "type": "string"}]}],
		"relationships": []
	}`, 2)))

	next := compileTestSchema(t, nextSource, 2)
	require.NoError(t, s.CheckMigrate(next))

	// CheckMigrate must not mutate rows.
	row, err := s.Get("user", "u1")
	require.NoError(t, err)
	_, present := row["region"]
	require.False(t, present)

	require.NoError(t, s.Migrate(next))
	require.Equal(t, 2, s.Schema().Version)
	row, err = s.Get("user", "u1")
	require.NoError(t, err)
	require.Equal(t, "eu", row["region"], "migrate fills the new default")
}
