package schema

import (
	"errors"
	"fmt"
)

// ErrSchemaMissing indicates the tenant has no schema installed yet; the
// caller should install the default schema.
var ErrSchemaMissing = errors.New("tenant has no active schema")

// FieldType is the closed set of field types a schema may declare.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeEnum      FieldType = "enum"
	TypeReference FieldType = "reference"
	TypeJSON      FieldType = "json"
)

// RelKind classifies a relationship for authorization traversal. Schema-level
// relationship names are free-form; the core only needs this classification.
type RelKind string

const (
	KindMemberOf     RelKind = "member_of"
	KindInheritsFrom RelKind = "inherits_from"
	KindContains     RelKind = "contains"
	KindPermission   RelKind = "permission"
	KindNone         RelKind = "none"
)

// Source is the uploaded schema document. Entities, relationships and indexes
// are arrays so the declared order survives into compiled column order.
type Source struct {
	Entities      []EntityDef       `json:"entities"`
	Relationships []RelationshipDef `json:"relationships"`
	Indexes       []IndexDef        `json:"indexes,omitempty"`
}

// EntityDef declares one entity table.
type EntityDef struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields,omitempty"`
}

// FieldDef declares a typed attribute of an entity or a relationship property.
type FieldDef struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  string    `json:"default,omitempty"`
	Pattern  string    `json:"pattern,omitempty"`
	// Values enumerates the legal members for enum fields.
	Values []string `json:"values,omitempty"`
	// Entity names the target entity for reference fields.
	Entity string `json:"entity,omitempty"`
}

// RelationshipDef declares one relationship type between two entities.
type RelationshipDef struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Target string `json:"target"`
	// Authorization classifies the relationship for the traversal engine;
	// empty means "none" (data-only relationship).
	Authorization RelKind `json:"authorization,omitempty"`
	// Traversable opts a contains-classified relationship into permission
	// cascade; ignored for other kinds (member_of and inherits_from always
	// traverse, permission edges never chain).
	Traversable bool       `json:"traversable,omitempty"`
	Properties  []FieldDef `json:"properties,omitempty"`
}

// IndexDef declares a secondary index over an entity field.
type IndexDef struct {
	Name   string `json:"name"`
	Entity string `json:"entity"`
	Field  string `json:"field"`
	Unique bool   `json:"unique,omitempty"`
}

// FieldValidator checks one string-encoded value against its field definition.
type FieldValidator func(value string) error

// Column is one typed column of a compiled table definition.
type Column struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  string    `json:"default,omitempty"`
}

// TableDef is the compiled tabular shape of an entity or relationship.
// Column order is the serialization order for CSV snapshots.
type TableDef struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	// Relationship is true for relationship tables, whose fixed prefix
	// columns are source_id, target_id, edge_id, created_version,
	// revoked_version.
	Relationship bool `json:"relationship,omitempty"`

	validators map[string]FieldValidator
}

// Validator returns the compiled validator for a column, nil when the column
// carries no constraints beyond its presence.
func (t *TableDef) Validator(column string) FieldValidator {
	return t.validators[column]
}

// CompiledRelationship pairs a relationship's table with its authorization
// classification and endpoint entity types.
type CompiledRelationship struct {
	Name        string  `json:"name"`
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Kind        RelKind `json:"kind"`
	Traversable bool    `json:"traversable,omitempty"`
	Table       string  `json:"table"`
}

// Compiled is the active runtime form of a schema version.
type Compiled struct {
	Version       int                             `json:"version"`
	Tables        map[string]*TableDef            `json:"tables"`
	Relationships map[string]CompiledRelationship `json:"relationships"`
	Indexes       []IndexDef                      `json:"indexes,omitempty"`
	// entityOrder and relationshipOrder preserve declared order for
	// deterministic snapshots.
	entityOrder       []string
	relationshipOrder []string
}

// EntityNames returns entity table names in declared order.
func (c *Compiled) EntityNames() []string {
	return append([]string(nil), c.entityOrder...)
}

// RelationshipNames returns relationship names in declared order.
func (c *Compiled) RelationshipNames() []string {
	return append([]string(nil), c.relationshipOrder...)
}

// TableNames returns every table name, entities first, in declared order.
func (c *Compiled) TableNames() []string {
	names := make([]string, 0, len(c.entityOrder)+len(c.relationshipOrder))
	names = append(names, c.entityOrder...)
	names = append(names, c.relationshipOrder...)
	return names
}

// Relationship looks up a relationship by name.
func (c *Compiled) Relationship(name string) (CompiledRelationship, bool) {
	rel, ok := c.Relationships[name]
	return rel, ok
}

// Traversable reports whether edges of the named relationship participate in
// the closure phase of authorization traversal.
func (c *Compiled) Traversable(name string) bool {
	rel, ok := c.Relationships[name]
	if !ok {
		return false
	}
	switch rel.Kind {
	case KindMemberOf, KindInheritsFrom:
		return true
	case KindContains:
		return rel.Traversable
	default:
		return false
	}
}

// PermissionBearing reports whether edges of the named relationship carry a
// capability and terminate an authorization path.
func (c *Compiled) PermissionBearing(name string) bool {
	rel, ok := c.Relationships[name]
	return ok && rel.Kind == KindPermission
}

// relationshipPrefix is the fixed column prefix of every relationship table.
var relationshipPrefix = []Column{
	{Name: "source_id", Type: TypeString, Required: true},
	{Name: "target_id", Type: TypeString, Required: true},
	{Name: "edge_id", Type: TypeString, Required: true},
	{Name: "created_version", Type: TypeNumber, Required: true},
	{Name: "revoked_version", Type: TypeNumber},
}

// ReservedIdentifiers is the deny-list for entity, relationship, field and
// index names.
var ReservedIdentifiers = map[string]bool{
	"id": true, "source_id": true, "target_id": true, "edge_id": true,
	"created_version": true, "revoked_version": true,
	"table": true, "schema": true, "tenant": true,
	"select": true, "insert": true, "update": true, "delete": true,
}

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeTimestamp, TypeEnum, TypeReference, TypeJSON:
		return true
	}
	return false
}

func (k RelKind) valid() bool {
	switch k {
	case KindMemberOf, KindInheritsFrom, KindContains, KindPermission, KindNone, "":
		return true
	}
	return false
}

// String implements fmt.Stringer for log fields.
func (k RelKind) String() string {
	if k == "" {
		return string(KindNone)
	}
	return string(k)
}

var _ fmt.Stringer = KindNone
