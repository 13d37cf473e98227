package openapi

import "github.com/getkin/kin-openapi/openapi3"

// TypeMapping maps a Go field kind used by the API to an OpenAPI
// type/format pair.
type TypeMapping struct {
	Type     string // OpenAPI type: string, integer, boolean, array
	Format   string // OpenAPI format: int64, date-time, etc.
	Nullable bool
}

// fieldKinds lists the field kinds that appear in request and response
// bodies.
var fieldKinds = map[string]TypeMapping{
	"string":     {"string", "", false},
	"int":        {"integer", "int32", false},
	"int64":      {"integer", "int64", false},
	"*int64":     {"integer", "int64", true},
	"bool":       {"boolean", "", false},
	"time":       {"string", "date-time", false},
	"*time":      {"string", "date-time", true},
	"[]string":   {"array", "", false},
	"*[]string":  {"array", "", true},
	"map":        {"object", "", false},
	"tier":       {"string", "", false},
	"status":     {"string", "", false},
	"*status":    {"string", "", true},
	"*string":    {"string", "", true},
	"enum:month": {"string", "", false},
}

// MapKind returns the mapping for kind, falling back to a plain string.
func MapKind(kind string) TypeMapping {
	if m, ok := fieldKinds[kind]; ok {
		return m
	}
	return TypeMapping{Type: "string"}
}

// kindSchema builds a property schema for kind.
func kindSchema(kind, description string) *openapi3.SchemaRef {
	m := MapKind(kind)
	s := &openapi3.Schema{
		Type:        &openapi3.Types{m.Type},
		Format:      m.Format,
		Nullable:    m.Nullable,
		Description: description,
	}
	switch kind {
	case "[]string", "*[]string":
		s.Items = &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
	case "tier":
		s.Enum = []interface{}{"free", "premium"}
	case "status", "*status":
		s.Enum = []interface{}{"active", "inactive", "revoked", "expired"}
	case "enum:month":
		s.Pattern = `^\d{4}-\d{2}$`
	}
	return &openapi3.SchemaRef{Value: s}
}

// field is one property of an object schema.
type field struct {
	name     string
	kind     string
	desc     string
	required bool
}

// objectSchema assembles an object schema from fields.
func objectSchema(description string, fields ...field) *openapi3.SchemaRef {
	s := &openapi3.Schema{
		Type:        &openapi3.Types{"object"},
		Description: description,
		Properties:  openapi3.Schemas{},
	}
	for _, f := range fields {
		s.Properties[f.name] = kindSchema(f.kind, f.desc)
		if f.required {
			s.Required = append(s.Required, f.name)
		}
	}
	return &openapi3.SchemaRef{Value: s}
}
