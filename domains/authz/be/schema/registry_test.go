package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/platform/go/objectstore"
)

const twoEntitySource = `{
	"entities": [{"name": "user"}, {"name": "document"}],
	"relationships": [
		{"name": "owns", "source": "user", "target": "document", "authorization": "permission",
		 "properties": [{"name": "capability", "type": "string", "required": true}]}
	]
}`

func TestRegistryLoadActiveMissing(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(objectstore.NewMemory(), "acme", nil)
	_, err := registry.LoadActive(context.Background())
	require.ErrorIs(t, err, ErrSchemaMissing)
}

func TestRegistryInstallDefault(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	registry := NewRegistry(store, "acme", nil)

	compiled, err := registry.InstallDefault(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, compiled.Version)

	// The active schema survives a registry restart.
	reloaded, err := NewRegistry(store, "acme", nil).LoadActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Version)
	require.Equal(t, compiled.RelationshipNames(), reloaded.RelationshipNames())
}

func TestRegistryUploadAssignsDenseVersions(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(objectstore.NewMemory(), "acme", nil)
	ctx := context.Background()

	first, issues, err := registry.Upload(ctx, []byte(DefaultSource))
	require.NoError(t, err)
	require.False(t, issues.HasErrors())
	require.Equal(t, 1, first)

	second, issues, err := registry.Upload(ctx, []byte(twoEntitySource))
	require.NoError(t, err)
	require.False(t, issues.HasErrors())
	require.Equal(t, 2, second)

	compiled, err := registry.Version(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"user", "document"}, compiled.EntityNames())
}

func TestRegistryUploadRejectsInvalidSource(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(objectstore.NewMemory(), "acme", nil)
	_, issues, err := registry.Upload(context.Background(), []byte(`{"entities": [{"name": "select"}], "relationships": []}`))
	require.NoError(t, err)
	require.True(t, issues.HasErrors())
}

func TestRegistryActivate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(objectstore.NewMemory(), "acme", nil)
	ctx := context.Background()

	version, _, err := registry.Upload(ctx, []byte(twoEntitySource))
	require.NoError(t, err)

	t.Run("unknown version", func(t *testing.T) {
		_, err := registry.Activate(ctx, version+7, nil)
		require.ErrorIs(t, err, ErrVersionUnknown)
	})

	t.Run("check failure blocks activation", func(t *testing.T) {
		blocked := errors.New("rows do not fit")
		_, err := registry.Activate(ctx, version, func(*Compiled) error { return blocked })
		require.ErrorIs(t, err, blocked)

		_, err = registry.LoadActive(ctx)
		require.ErrorIs(t, err, ErrSchemaMissing)
	})

	t.Run("check receives the candidate", func(t *testing.T) {
		var seen int
		_, err := registry.Activate(ctx, version, func(candidate *Compiled) error {
			seen = candidate.Version
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, version, seen)

		active, err := registry.LoadActive(ctx)
		require.NoError(t, err)
		require.Equal(t, version, active.Version)
	})
}

func TestRegistryRollbackIsActivateEarlier(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(objectstore.NewMemory(), "acme", nil)
	ctx := context.Background()

	for i, source := range []string{DefaultSource, twoEntitySource} {
		version, _, err := registry.Upload(ctx, []byte(source))
		require.NoError(t, err)
		require.Equal(t, i+1, version)
	}

	_, err := registry.Activate(ctx, 2, nil)
	require.NoError(t, err)

	rolled, err := registry.Activate(ctx, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rolled.Version)

	active, err := registry.LoadActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, active.Version)
	require.Equal(t, []string{"user", "group", "resource"}, active.EntityNames())
}
