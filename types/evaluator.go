package types

// Expression is an opaque handle to a compiled expression. The evaluator
// that produced it is the only component that inspects it.
type Expression interface{}

// ExpressionType is the inferred type of an expression against a schema.
type ExpressionType struct {
	ReturnType   FieldType
	Nullable     bool
	Source       SourceDefinition
	IsPrimaryKey bool
}

// Evaluator is the expression-evaluation contract consumed by the core.
// Evaluation must be pure with respect to the record and schema, and type
// inference must be total on well-typed inputs.
type Evaluator interface {
	Evaluate(expr Expression, record Record, schema *Schema) (Field, error)
	Type(expr Expression, schema *Schema) (ExpressionType, error)
}

// ExpressionBuilder parses a SQL expression against a schema into an
// Expression the paired Evaluator understands.
type ExpressionBuilder interface {
	Build(sql string, schema *Schema) (Expression, error)
}
