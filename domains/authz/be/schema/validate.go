package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/agext/levenshtein"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Issue is one schema validation finding with a JSON-pointer-ish location.
type Issue struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Warning    bool   `json:"warning,omitempty"`
}

func (i Issue) String() string {
	msg := i.Path + ": " + i.Message
	if i.Suggestion != "" {
		msg += " (did you mean " + i.Suggestion + "?)"
	}
	return msg
}

// Issues aggregates validation findings. It is an error only when at least
// one finding is not a warning.
type Issues []Issue

func (e Issues) Error() string {
	parts := make([]string, 0, len(e))
	for _, issue := range e {
		if !issue.Warning {
			parts = append(parts, issue.String())
		}
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether any finding is fatal.
func (e Issues) HasErrors() bool {
	for _, issue := range e {
		if !issue.Warning {
			return true
		}
	}
	return false
}

// metaSchema structurally validates uploaded schema documents before the
// semantic pass. Semantic rules (deny-list, endpoint existence, cycles) are
// checked separately so they can carry suggestions.
const metaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entities", "relationships"],
  "additionalProperties": false,
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string"},
          "fields": {"type": "array", "items": {"$ref": "#/$defs/field"}}
        }
      }
    },
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "source", "target"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string"},
          "source": {"type": "string"},
          "target": {"type": "string"},
          "authorization": {"enum": ["member_of", "inherits_from", "contains", "permission", "none"]},
          "traversable": {"type": "boolean"},
          "properties": {"type": "array", "items": {"$ref": "#/$defs/field"}}
        }
      }
    },
    "indexes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "entity", "field"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string"},
          "entity": {"type": "string"},
          "field": {"type": "string"},
          "unique": {"type": "boolean"}
        }
      }
    }
  },
  "$defs": {
    "field": {
      "type": "object",
      "required": ["name", "type"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "type": {"enum": ["string", "number", "boolean", "timestamp", "enum", "reference", "json"]},
        "required": {"type": "boolean"},
        "default": {"type": "string"},
        "pattern": {"type": "string"},
        "values": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "entity": {"type": "string"}
      }
    }
  }
}`

var (
	metaOnce     sync.Once
	metaCompiled *jsonschema.Schema
	metaErr      error
)

func compiledMetaSchema() (*jsonschema.Schema, error) {
	metaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("memory://schemas/meta.json", bytes.NewReader([]byte(metaSchema))); err != nil {
			metaErr = fmt.Errorf("register meta schema: %w", err)
			return
		}
		metaCompiled, metaErr = compiler.Compile("memory://schemas/meta.json")
	})
	return metaCompiled, metaErr
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Parse decodes and fully validates a schema document. The returned Issues
// may include warnings even when err is nil.
func Parse(source []byte) (*Source, Issues, error) {
	meta, err := compiledMetaSchema()
	if err != nil {
		return nil, nil, err
	}

	var document any
	if err := json.Unmarshal(source, &document); err != nil {
		return nil, Issues{{Path: "/", Message: "document is not valid JSON: " + err.Error()}}, nil
	}
	if err := meta.Validate(document); err != nil {
		return nil, Issues{{Path: "/", Message: err.Error()}}, nil
	}

	var parsed Source
	if err := json.Unmarshal(source, &parsed); err != nil {
		return nil, nil, fmt.Errorf("decode schema source: %w", err)
	}

	issues := validateSemantics(&parsed)
	if issues.HasErrors() {
		return nil, issues, nil
	}
	return &parsed, issues, nil
}

func validateSemantics(src *Source) Issues {
	var issues Issues
	report := func(path, message string, defined []string, name string) {
		issue := Issue{Path: path, Message: message}
		if name != "" {
			issue.Suggestion = suggest(name, defined)
		}
		issues = append(issues, issue)
	}

	entityNames := make(map[string]bool, len(src.Entities))
	var definedEntities []string
	for i, entity := range src.Entities {
		path := fmt.Sprintf("/entities/%d/name", i)
		if !checkIdentifier(entity.Name, path, &issues) {
			continue
		}
		if entityNames[entity.Name] {
			report(path, fmt.Sprintf("duplicate entity %q", entity.Name), nil, "")
			continue
		}
		entityNames[entity.Name] = true
		definedEntities = append(definedEntities, entity.Name)
	}

	for i, entity := range src.Entities {
		fieldNames := make(map[string]bool, len(entity.Fields))
		for j, field := range entity.Fields {
			path := fmt.Sprintf("/entities/%d/fields/%d", i, j)
			validateField(field, path, entityNames, definedEntities, fieldNames, &issues)
		}
	}

	relNames := make(map[string]bool, len(src.Relationships))
	for i, rel := range src.Relationships {
		basePath := fmt.Sprintf("/relationships/%d", i)
		if !checkIdentifier(rel.Name, basePath+"/name", &issues) {
			continue
		}
		if relNames[rel.Name] {
			report(basePath+"/name", fmt.Sprintf("duplicate relationship %q", rel.Name), nil, "")
			continue
		}
		if entityNames[rel.Name] {
			report(basePath+"/name", fmt.Sprintf("relationship %q collides with an entity name", rel.Name), nil, "")
			continue
		}
		relNames[rel.Name] = true
		if !rel.Authorization.valid() {
			report(basePath+"/authorization", fmt.Sprintf("unknown authorization kind %q", rel.Authorization), nil, "")
		}
		if !entityNames[rel.Source] {
			report(basePath+"/source", fmt.Sprintf("source entity %q is not defined", rel.Source), definedEntities, rel.Source)
		}
		if !entityNames[rel.Target] {
			report(basePath+"/target", fmt.Sprintf("target entity %q is not defined", rel.Target), definedEntities, rel.Target)
		}
		propNames := make(map[string]bool, len(rel.Properties))
		for j, prop := range rel.Properties {
			path := fmt.Sprintf("%s/properties/%d", basePath, j)
			validateField(prop, path, entityNames, definedEntities, propNames, &issues)
		}
	}

	for i, idx := range src.Indexes {
		basePath := fmt.Sprintf("/indexes/%d", i)
		if !checkIdentifier(idx.Name, basePath+"/name", &issues) {
			continue
		}
		entity := findEntity(src, idx.Entity)
		if entity == nil {
			report(basePath+"/entity", fmt.Sprintf("entity %q is not defined", idx.Entity), definedEntities, idx.Entity)
			continue
		}
		var fieldNames []string
		found := false
		for _, field := range entity.Fields {
			fieldNames = append(fieldNames, field.Name)
			if field.Name == idx.Field {
				found = true
			}
		}
		if !found {
			report(basePath+"/field", fmt.Sprintf("entity %q declares no field %q", idx.Entity, idx.Field), fieldNames, idx.Field)
		}
	}

	issues = append(issues, checkReferenceCycles(src)...)
	return issues
}

func validateField(field FieldDef, path string, entities map[string]bool, definedEntities []string, seen map[string]bool, issues *Issues) {
	if !checkIdentifier(field.Name, path+"/name", issues) {
		return
	}
	if seen[field.Name] {
		*issues = append(*issues, Issue{Path: path + "/name", Message: fmt.Sprintf("duplicate field %q", field.Name)})
		return
	}
	seen[field.Name] = true

	if !field.Type.valid() {
		*issues = append(*issues, Issue{Path: path + "/type", Message: fmt.Sprintf("unknown type %q", field.Type)})
		return
	}
	switch field.Type {
	case TypeEnum:
		if len(field.Values) == 0 {
			*issues = append(*issues, Issue{Path: path + "/values", Message: "enum fields require at least one value"})
		}
	case TypeReference:
		if field.Entity == "" {
			*issues = append(*issues, Issue{Path: path + "/entity", Message: "reference fields require a target entity"})
		} else if !entities[field.Entity] {
			*issues = append(*issues, Issue{
				Path:       path + "/entity",
				Message:    fmt.Sprintf("referenced entity %q is not defined", field.Entity),
				Suggestion: suggest(field.Entity, definedEntities),
			})
		}
	}
	if field.Pattern != "" {
		if _, err := regexp.Compile(field.Pattern); err != nil {
			*issues = append(*issues, Issue{Path: path + "/pattern", Message: "pattern does not compile: " + err.Error()})
		}
	}
}

func checkIdentifier(name, path string, issues *Issues) bool {
	if strings.TrimSpace(name) == "" {
		*issues = append(*issues, Issue{Path: path, Message: "identifier is required"})
		return false
	}
	if ReservedIdentifiers[name] {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("%q is a reserved identifier", name)})
		return false
	}
	if !identifierPattern.MatchString(name) {
		*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("%q must match %s", name, identifierPattern.String())})
		return false
	}
	return true
}

// checkReferenceCycles walks the entity→entity reference graph. A cycle that
// spans multiple entities prevents topological instantiation and is fatal;
// self-references are tolerated and flagged as warnings.
func checkReferenceCycles(src *Source) Issues {
	var issues Issues
	refs := make(map[string][]string)
	for i, entity := range src.Entities {
		for j, field := range entity.Fields {
			if field.Type != TypeReference || field.Entity == "" {
				continue
			}
			if field.Entity == entity.Name {
				issues = append(issues, Issue{
					Path:    fmt.Sprintf("/entities/%d/fields/%d/entity", i, j),
					Message: fmt.Sprintf("entity %q references itself", entity.Name),
					Warning: true,
				})
				continue
			}
			refs[entity.Name] = append(refs[entity.Name], field.Entity)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)
	var visit func(name string, trail []string) []string
	visit = func(name string, trail []string) []string {
		switch state[name] {
		case visiting:
			return append(trail, name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, next := range refs[name] {
			if cycle := visit(next, append(trail, name)); cycle != nil {
				return cycle
			}
		}
		state[name] = done
		return nil
	}
	for _, entity := range src.Entities {
		if cycle := visit(entity.Name, nil); cycle != nil {
			issues = append(issues, Issue{
				Path:    "/entities",
				Message: "reference cycle: " + strings.Join(cycle, " -> "),
			})
			break
		}
	}
	return issues
}

// suggest returns the closest defined name within edit distance 2, empty when
// nothing is close enough.
func suggest(name string, defined []string) string {
	best := ""
	bestDistance := 3
	for _, candidate := range defined {
		if d := levenshtein.Distance(name, candidate, nil); d < bestDistance {
			best = candidate
			bestDistance = d
		}
	}
	return best
}

func findEntity(src *Source, name string) *EntityDef {
	for i := range src.Entities {
		if src.Entities[i].Name == name {
			return &src.Entities[i]
		}
	}
	return nil
}
