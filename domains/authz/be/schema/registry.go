package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgewarden/edgewarden/platform/go/objectstore"
	"github.com/edgewarden/edgewarden/platform/go/tenant"
)

// ErrVersionUnknown indicates the requested schema version was never uploaded.
var ErrVersionUnknown = errors.New("schema version unknown")

// ForwardCompatCheck verifies a candidate schema against the tenant's current
// data and retained mutation log; it is supplied by the actor at activation.
type ForwardCompatCheck func(candidate *Compiled) error

// Registry owns a tenant's schema versions in object storage and gates
// activation through forward-compatibility checks.
type Registry struct {
	store    objectstore.Store
	tenantID string
	logger   *zap.Logger
}

// NewRegistry wires a registry for one tenant.
func NewRegistry(store objectstore.Store, tenantID string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, tenantID: tenantID, logger: logger}
}

type versionRecord struct {
	Version    int             `json:"version"`
	Source     json.RawMessage `json:"source"`
	UploadedAt time.Time       `json:"uploadedAt"`
}

type currentRecord struct {
	Version     int             `json:"version"`
	Source      json.RawMessage `json:"source"`
	Compiled    json.RawMessage `json:"compiled"`
	ActivatedAt time.Time       `json:"activatedAt"`
}

// LoadActive returns the tenant's active compiled schema, or ErrSchemaMissing.
func (r *Registry) LoadActive(ctx context.Context) (*Compiled, error) {
	obj, err := r.store.Get(ctx, tenant.SchemaKey(r.tenantID))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, ErrSchemaMissing
		}
		return nil, fmt.Errorf("load active schema: %w", err)
	}

	var record currentRecord
	if err := json.Unmarshal(obj.Data, &record); err != nil {
		return nil, fmt.Errorf("decode active schema: %w", err)
	}
	return r.compileRecord(record.Source, record.Version)
}

// InstallDefault uploads and activates the built-in default schema as version 1.
// It is invoked on first touch of a tenant with no schema.
func (r *Registry) InstallDefault(ctx context.Context) (*Compiled, error) {
	version, issues, err := r.Upload(ctx, []byte(DefaultSource))
	if err != nil {
		return nil, err
	}
	if issues.HasErrors() {
		return nil, issues
	}
	compiled, err := r.Activate(ctx, version, nil)
	if err != nil {
		return nil, err
	}
	r.logger.Info("installed default schema", zap.Int("version", version))
	return compiled, nil
}

// Upload validates, compiles and persists a new numbered schema version
// without activating it. Issues (including warnings) are returned alongside.
func (r *Registry) Upload(ctx context.Context, source []byte) (int, Issues, error) {
	parsed, issues, err := Parse(source)
	if err != nil {
		return 0, issues, err
	}
	if issues.HasErrors() {
		return 0, issues, nil
	}

	next, err := r.nextVersion(ctx)
	if err != nil {
		return 0, issues, err
	}
	if _, err := Compile(parsed, next); err != nil {
		return 0, issues, err
	}

	record := versionRecord{Version: next, Source: source, UploadedAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return 0, issues, err
	}
	key := tenant.SchemaVersionKey(r.tenantID, next)
	if _, err := r.store.PutIfGeneration(ctx, key, data, 0); err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return 0, issues, fmt.Errorf("schema version %d already uploaded concurrently", next)
		}
		return 0, issues, fmt.Errorf("persist schema version %d: %w", next, err)
	}

	r.logger.Info("uploaded schema version", zap.Int("version", next), zap.Int("warnings", len(issues)))
	return next, issues, nil
}

// Version loads and compiles a specific uploaded version.
func (r *Registry) Version(ctx context.Context, version int) (*Compiled, error) {
	obj, err := r.store.Get(ctx, tenant.SchemaVersionKey(r.tenantID, version))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, ErrVersionUnknown
		}
		return nil, fmt.Errorf("load schema version %d: %w", version, err)
	}
	var record versionRecord
	if err := json.Unmarshal(obj.Data, &record); err != nil {
		return nil, fmt.Errorf("decode schema version %d: %w", version, err)
	}
	return r.compileRecord(record.Source, record.Version)
}

// Activate switches the active version after running the forward-compatibility
// check. Rollback is Activate on an earlier version and shares this path.
func (r *Registry) Activate(ctx context.Context, version int, check ForwardCompatCheck) (*Compiled, error) {
	compiled, err := r.Version(ctx, version)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(compiled); err != nil {
			return nil, err
		}
	}

	obj, err := r.store.Get(ctx, tenant.SchemaVersionKey(r.tenantID, version))
	if err != nil {
		return nil, fmt.Errorf("reload schema version %d: %w", version, err)
	}
	var record versionRecord
	if err := json.Unmarshal(obj.Data, &record); err != nil {
		return nil, fmt.Errorf("decode schema version %d: %w", version, err)
	}

	compiledJSON, err := json.Marshal(compiled)
	if err != nil {
		return nil, err
	}
	current := currentRecord{
		Version:     version,
		Source:      record.Source,
		Compiled:    compiledJSON,
		ActivatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Put(ctx, tenant.SchemaKey(r.tenantID), data); err != nil {
		return nil, fmt.Errorf("activate schema version %d: %w", version, err)
	}

	r.logger.Info("activated schema version", zap.Int("version", version))
	return compiled, nil
}

func (r *Registry) compileRecord(source json.RawMessage, version int) (*Compiled, error) {
	parsed, issues, err := Parse(source)
	if err != nil {
		return nil, err
	}
	if issues.HasErrors() {
		return nil, fmt.Errorf("stored schema no longer validates: %w", issues)
	}
	return Compile(parsed, version)
}

func (r *Registry) nextVersion(ctx context.Context) (int, error) {
	prefix := tenant.BasePrefix(r.tenantID) + "schema/versions/"
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list schema versions: %w", err)
	}
	max := 0
	for _, key := range keys {
		var n int
		if _, err := fmt.Sscanf(key[len(prefix):], "v%d.json", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}
