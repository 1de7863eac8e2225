package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// stores runs the same contract suite against the memory and local backends;
// GCS shares the semantics but needs a real bucket.
func stores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory()
		},
		"local": func(t *testing.T) Store {
			store, err := NewLocal(t.TempDir())
			require.NoError(t, err)
			return store
		},
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	for name, open := range stores(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				store := open(t)
				_, err := store.Get(ctx, "tenants/acme/ghost")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put and get", func(t *testing.T) {
				store := open(t)
				gen, err := store.Put(ctx, "tenants/acme/schema/current.json", []byte("v1"))
				require.NoError(t, err)
				require.EqualValues(t, 1, gen)

				obj, err := store.Get(ctx, "tenants/acme/schema/current.json")
				require.NoError(t, err)
				require.Equal(t, []byte("v1"), obj.Data)
				require.Equal(t, gen, obj.Generation)

				gen, err = store.Put(ctx, "tenants/acme/schema/current.json", []byte("v2"))
				require.NoError(t, err)
				require.EqualValues(t, 2, gen, "generations advance on every write")
			})

			t.Run("conditional put", func(t *testing.T) {
				store := open(t)
				key := "tenants/acme/snapshots/manifest.json"

				// Zero asserts the key must not exist yet.
				gen, err := store.PutIfGeneration(ctx, key, []byte("first"), 0)
				require.NoError(t, err)
				_, err = store.PutIfGeneration(ctx, key, []byte("again"), 0)
				require.ErrorIs(t, err, ErrPreconditionFailed)

				// A matching generation wins; a stale one loses.
				next, err := store.PutIfGeneration(ctx, key, []byte("second"), gen)
				require.NoError(t, err)
				require.Greater(t, next, gen)
				_, err = store.PutIfGeneration(ctx, key, []byte("stale"), gen)
				require.ErrorIs(t, err, ErrPreconditionFailed)

				obj, err := store.Get(ctx, key)
				require.NoError(t, err)
				require.Equal(t, []byte("second"), obj.Data)
			})

			t.Run("delete", func(t *testing.T) {
				store := open(t)
				_, err := store.Put(ctx, "tenants/acme/tmp", []byte("x"))
				require.NoError(t, err)
				require.NoError(t, store.Delete(ctx, "tenants/acme/tmp"))
				_, err = store.Get(ctx, "tenants/acme/tmp")
				require.ErrorIs(t, err, ErrNotFound)

				require.NoError(t, store.Delete(ctx, "tenants/acme/never-existed"))
			})

			t.Run("list by prefix", func(t *testing.T) {
				store := open(t)
				for _, key := range []string{
					"tenants/acme/schema/versions/v2.json",
					"tenants/acme/schema/versions/v1.json",
					"tenants/acme/snapshots/user.csv",
					"tenants/globex/schema/versions/v1.json",
				} {
					_, err := store.Put(ctx, key, []byte("data"))
					require.NoError(t, err)
				}

				keys, err := store.List(ctx, "tenants/acme/schema/versions/")
				require.NoError(t, err)
				require.Equal(t, []string{
					"tenants/acme/schema/versions/v1.json",
					"tenants/acme/schema/versions/v2.json",
				}, keys)

				keys, err = store.List(ctx, "tenants/nobody/")
				require.NoError(t, err)
				require.Empty(t, keys)
			})
		})
	}
}

func TestLocalSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLocal(dir)
	require.NoError(t, err)
	gen, err := store.Put(ctx, "tenants/acme/schema/current.json", []byte("v1"))
	require.NoError(t, err)

	reopened, err := NewLocal(dir)
	require.NoError(t, err)
	obj, err := reopened.Get(ctx, "tenants/acme/schema/current.json")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), obj.Data)
	require.Equal(t, gen, obj.Generation, "generation index persists")

	// Conditional writes still see the persisted generation.
	_, err = reopened.PutIfGeneration(ctx, "tenants/acme/schema/current.json", []byte("v2"), 0)
	require.ErrorIs(t, err, ErrPreconditionFailed)
	_, err = reopened.PutIfGeneration(ctx, "tenants/acme/schema/current.json", []byte("v2"), gen)
	require.NoError(t, err)
}
