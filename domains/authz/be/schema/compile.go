package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Compile lowers a validated Source into its runtime form. The source must
// have passed Parse; Compile trusts it and only fails on internal errors.
func Compile(src *Source, version int) (*Compiled, error) {
	compiled := &Compiled{
		Version:       version,
		Tables:        make(map[string]*TableDef, len(src.Entities)+len(src.Relationships)),
		Relationships: make(map[string]CompiledRelationship, len(src.Relationships)),
		Indexes:       append([]IndexDef(nil), src.Indexes...),
	}

	for _, entity := range src.Entities {
		table := &TableDef{
			Name:       entity.Name,
			Columns:    make([]Column, 0, len(entity.Fields)+1),
			validators: make(map[string]FieldValidator),
		}
		table.Columns = append(table.Columns, Column{Name: "id", Type: TypeString, Required: true})
		for _, field := range entity.Fields {
			column, validator, err := compileField(field)
			if err != nil {
				return nil, fmt.Errorf("entity %s field %s: %w", entity.Name, field.Name, err)
			}
			table.Columns = append(table.Columns, column)
			if validator != nil {
				table.validators[field.Name] = validator
			}
		}
		compiled.Tables[entity.Name] = table
		compiled.entityOrder = append(compiled.entityOrder, entity.Name)
	}

	for _, rel := range src.Relationships {
		table := &TableDef{
			Name:         rel.Name,
			Columns:      append([]Column(nil), relationshipPrefix...),
			Relationship: true,
			validators:   make(map[string]FieldValidator),
		}
		for _, prop := range rel.Properties {
			column, validator, err := compileField(prop)
			if err != nil {
				return nil, fmt.Errorf("relationship %s property %s: %w", rel.Name, prop.Name, err)
			}
			table.Columns = append(table.Columns, column)
			if validator != nil {
				table.validators[prop.Name] = validator
			}
		}
		compiled.Tables[rel.Name] = table
		compiled.Relationships[rel.Name] = CompiledRelationship{
			Name:        rel.Name,
			Source:      rel.Source,
			Target:      rel.Target,
			Kind:        normalizeKind(rel.Authorization),
			Traversable: rel.Traversable,
			Table:       rel.Name,
		}
		compiled.relationshipOrder = append(compiled.relationshipOrder, rel.Name)
	}

	return compiled, nil
}

func normalizeKind(kind RelKind) RelKind {
	if kind == "" {
		return KindNone
	}
	return kind
}

func compileField(field FieldDef) (Column, FieldValidator, error) {
	column := Column{
		Name:     field.Name,
		Type:     field.Type,
		Required: field.Required,
		Default:  field.Default,
	}

	var validator FieldValidator
	switch field.Type {
	case TypeString:
		if field.Pattern != "" {
			pattern, err := regexp.Compile(field.Pattern)
			if err != nil {
				return Column{}, nil, fmt.Errorf("compile pattern: %w", err)
			}
			validator = func(value string) error {
				if !pattern.MatchString(value) {
					return fmt.Errorf("value %q does not match pattern %s", value, pattern.String())
				}
				return nil
			}
		}
	case TypeNumber:
		validator = func(value string) error {
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return fmt.Errorf("value %q is not a number", value)
			}
			return nil
		}
	case TypeBoolean:
		validator = func(value string) error {
			if value != "true" && value != "false" {
				return fmt.Errorf("value %q is not a boolean", value)
			}
			return nil
		}
	case TypeTimestamp:
		validator = func(value string) error {
			if _, err := time.Parse(time.RFC3339, value); err != nil {
				return fmt.Errorf("value %q is not an RFC3339 timestamp", value)
			}
			return nil
		}
	case TypeEnum:
		members := make(map[string]bool, len(field.Values))
		for _, v := range field.Values {
			members[v] = true
		}
		validator = func(value string) error {
			if !members[value] {
				return fmt.Errorf("value %q is not a member of the enum", value)
			}
			return nil
		}
	case TypeJSON:
		validator = func(value string) error {
			if !json.Valid([]byte(value)) {
				return fmt.Errorf("value is not valid JSON")
			}
			return nil
		}
	case TypeReference:
		// Referential existence is checked by the store against live rows;
		// the field validator only rejects empty ids.
		validator = func(value string) error {
			if value == "" {
				return fmt.Errorf("reference value is required")
			}
			return nil
		}
	}

	return column, validator, nil
}

// DefaultSource is the schema installed for tenants that have never uploaded
// one: the minimal subjects/groups/resources model with the standard
// authorization relationships.
const DefaultSource = `{
  "entities": [
    {"name": "user", "fields": [{"name": "name", "type": "string"}]},
    {"name": "group", "fields": [{"name": "name", "type": "string"}]},
    {"name": "resource", "fields": [{"name": "name", "type": "string"}]}
  ],
  "relationships": [
    {"name": "member_of", "source": "user", "target": "group", "authorization": "member_of"},
    {"name": "inherits_from", "source": "group", "target": "group", "authorization": "inherits_from"},
    {"name": "contains", "source": "resource", "target": "resource", "authorization": "contains", "traversable": true},
    {"name": "has_permission", "source": "user", "target": "resource", "authorization": "permission",
     "properties": [{"name": "capability", "type": "string", "required": true}]},
    {"name": "group_permission", "source": "group", "target": "resource", "authorization": "permission",
     "properties": [{"name": "capability", "type": "string", "required": true}]}
  ]
}`

// DefaultSchema parses and compiles DefaultSource as version 1.
func DefaultSchema() (*Compiled, error) {
	src, issues, err := Parse([]byte(DefaultSource))
	if err != nil {
		return nil, err
	}
	if issues.HasErrors() {
		return nil, issues
	}
	return Compile(src, 1)
}
