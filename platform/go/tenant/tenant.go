package tenant

import (
	"fmt"
	"regexp"
	"strings"
)

// idPattern bounds tenant identifiers to URL- and object-key-safe slugs.
var idPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

const maxIDLength = 64

// NormalizeID lowercases, trims and validates an opaque tenant identifier.
func NormalizeID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	if len(id) > maxIDLength {
		return "", fmt.Errorf("tenant id exceeds %d characters", maxIDLength)
	}
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("tenant id %q must match %s", raw, idPattern.String())
	}
	return id, nil
}

// BasePrefix returns the object-store prefix owned by a tenant, always with a
// trailing slash (e.g. "acme/").
func BasePrefix(tenantID string) string {
	return strings.TrimSuffix(tenantID, "/") + "/"
}

// SchemaKey returns the object key of the active compiled schema.
func SchemaKey(tenantID string) string {
	return BasePrefix(tenantID) + "schema/current.json"
}

// SchemaVersionKey returns the object key of a historical schema version.
func SchemaVersionKey(tenantID string, version int) string {
	return fmt.Sprintf("%sschema/versions/v%d.json", BasePrefix(tenantID), version)
}

// TableKey returns the object key of a snapshot table.
func TableKey(tenantID, table string) string {
	return BasePrefix(tenantID) + "data/" + table + ".csv"
}

// ManifestKey returns the object key of the snapshot manifest sidecar.
func ManifestKey(tenantID string) string {
	return BasePrefix(tenantID) + "data/_manifest.json"
}
