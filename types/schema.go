package types

import (
	"fmt"
	"slices"
)

// SourceKind records where a field definition originated.
type SourceKind uint8

const (
	// SourceDynamic is a field with no traceable origin.
	SourceDynamic SourceKind = iota
	// SourceTable is a field read from a named source table.
	SourceTable
	// SourceAlias is a field produced under an alias.
	SourceAlias
)

// SourceDefinition describes the origin of a field.
type SourceDefinition struct {
	Kind       SourceKind
	Connection string
	Name       string
}

// FieldDefinition describes one column of a schema.
type FieldDefinition struct {
	Name     string
	Type     FieldType
	Nullable bool
	Source   SourceDefinition
}

// Schema is an ordered field list plus the positions of the primary index.
// An empty primary index is valid; the cache then falls back to its
// surrogate row identity.
type Schema struct {
	Fields       []FieldDefinition
	PrimaryIndex []int
}

// Field appends a field definition, optionally marking it part of the
// primary index, and returns the schema for chaining.
func (s *Schema) Field(def FieldDefinition, primaryKey bool) *Schema {
	s.Fields = append(s.Fields, def)
	if primaryKey {
		s.PrimaryIndex = append(s.PrimaryIndex, len(s.Fields)-1)
	}
	return s
}

// FieldNotFoundError reports a field name that is not part of a schema.
type FieldNotFoundError struct {
	Name string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("field %q not found", e.Name)
}

// FieldIndex resolves a field name to its position and definition.
func (s *Schema) FieldIndex(name string) (int, *FieldDefinition, error) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i, &s.Fields[i], nil
		}
	}
	return 0, nil, &FieldNotFoundError{Name: name}
}

// Equal reports whether two schemas have the same fields and primary index.
func (s *Schema) Equal(other *Schema) bool {
	return slices.Equal(s.Fields, other.Fields) && slices.Equal(s.PrimaryIndex, other.PrimaryIndex)
}

// IndexKind discriminates the two supported index shapes.
type IndexKind uint8

const (
	IndexSortedInverted IndexKind = iota
	IndexFullText
)

// IndexDefinition declares a secondary index over schema field positions.
// A sorted inverted index spans one or more fields; a full-text index
// covers exactly one.
type IndexDefinition struct {
	Kind   IndexKind
	Fields []int
}

// SortedInverted builds a sorted inverted index definition.
func SortedInverted(fields ...int) IndexDefinition {
	return IndexDefinition{Kind: IndexSortedInverted, Fields: fields}
}

// FullText builds a full-text index definition over a single field.
func FullText(field int) IndexDefinition {
	return IndexDefinition{Kind: IndexFullText, Fields: []int{field}}
}

// Equal reports whether two index definitions are identical.
func (d IndexDefinition) Equal(other IndexDefinition) bool {
	return d.Kind == other.Kind && slices.Equal(d.Fields, other.Fields)
}

// SchemaWithIndex pairs a schema with its secondary index definitions.
type SchemaWithIndex struct {
	Schema  Schema
	Indexes []IndexDefinition
}
