package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/streamweld/streamweld/types"
)

// Operator is a filter comparison operator.
type Operator uint8

const (
	OpLT Operator = iota
	OpLTE
	OpEQ
	OpGT
	OpGTE
	OpContains
	OpMatchesAny
	OpMatchesAll
)

// SortDirection orders a result column.
type SortDirection uint8

const (
	Ascending SortDirection = iota
	Descending
)

// SortOption is one order-by entry.
type SortOption struct {
	FieldName string
	Direction SortDirection
}

// SkipKind discriminates the pagination modes. Offset skipping and
// skip-after are mutually exclusive in one query.
type SkipKind uint8

const (
	SkipNone SkipKind = iota
	SkipCount
	SkipAfter
)

// Skip selects how many leading rows to drop, either by count or by
// resuming strictly after a surrogate id.
type Skip struct {
	Kind  SkipKind
	Count uint64
	After uint64
}

// FilterExpression is either a simple comparison or a conjunction.
// Disjunction is not part of the contract.
type FilterExpression struct {
	// Simple
	FieldName string
	Operator  Operator
	Value     types.Field

	// And; non-empty means this node is a conjunction.
	And []FilterExpression
}

// Filter builds a simple comparison.
func Filter(field string, op Operator, value types.Field) FilterExpression {
	return FilterExpression{FieldName: field, Operator: op, Value: value}
}

// And builds a conjunction of filters.
func And(filters ...FilterExpression) FilterExpression {
	return FilterExpression{And: filters}
}

// QueryExpression selects records: an optional filter, an order, and
// pagination.
type QueryExpression struct {
	Filter  *FilterExpression
	OrderBy []SortOption
	// Limit of nil means unbounded.
	Limit *uint64
	Skip  Skip
}

// WithNoLimit is an unfiltered, unbounded query.
func WithNoLimit() QueryExpression {
	return QueryExpression{}
}

// WithLimit is an unfiltered query bounded to n records.
func WithLimit(n uint64) QueryExpression {
	return QueryExpression{Limit: &n}
}

type planStmt struct {
	mu   sync.Mutex
	stmt *sql.Stmt
}

// buildFilter lowers one filter node to a SQL predicate, appending its
// bind parameters to params.
func (c *Cache) buildFilter(filter *FilterExpression, params *[]any) (string, error) {
	if len(filter.And) > 0 {
		parts := make([]string, 0, len(filter.And))
		for i := range filter.And {
			part, err := c.buildFilter(&filter.And[i], params)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	}

	colIdx, def, err := c.schema.FieldIndex(filter.FieldName)
	if err != nil {
		return "", &PlanError{Err: err}
	}
	col := quoteIdent(filter.FieldName)
	value, err := coerceLiteral(filter.Value, def.Type)
	if err != nil {
		return "", &PlanError{Err: err}
	}

	switch filter.Operator {
	case OpLT:
		return c.pushParam(params, value, col+" < ?")
	case OpLTE:
		return c.pushParam(params, value, col+" <= ?")
	case OpEQ:
		return c.pushParam(params, value, col+" = ?")
	case OpGT:
		return c.pushParam(params, value, col+" > ?")
	case OpGTE:
		return c.pushParam(params, value, col+" >= ?")
	case OpContains:
		if c.hasFullTextIndex(colIdx) {
			return c.pushParam(params, types.String(ftsPhrase(value)), c.ftsSubquery(filter.FieldName))
		}
		// Substring match on the main relation. SQLite's concatenation
		// operator is ||; engines where + is numeric addition must not use
		// it here.
		return c.pushParam(params, value, col+" LIKE '%' || ? || '%'")
	case OpMatchesAny, OpMatchesAll:
		if !c.hasFullTextIndex(colIdx) {
			return "", &PlanError{Err: fmt.Errorf("operator requires a full-text index on field %q", filter.FieldName)}
		}
		sep := " OR "
		if filter.Operator == OpMatchesAll {
			sep = " AND "
		}
		return c.pushParam(params, types.String(ftsTerms(value, sep)), c.ftsSubquery(filter.FieldName))
	default:
		return "", &PlanError{Err: fmt.Errorf("unknown operator %d", filter.Operator)}
	}
}

func (c *Cache) pushParam(params *[]any, value types.Field, predicate string) (string, error) {
	arg, err := fieldToSQL(value)
	if err != nil {
		return "", &PlanError{Err: err}
	}
	*params = append(*params, arg)
	return predicate, nil
}

func (c *Cache) hasFullTextIndex(colIdx int) bool {
	for _, ix := range c.indexes {
		if ix.Kind == types.IndexFullText && ix.Fields[0] == colIdx {
			return true
		}
	}
	return false
}

func (c *Cache) ftsSubquery(fieldName string) string {
	return fmt.Sprintf("_rowid_ IN (SELECT rowid FROM %s WHERE %s MATCH ?)",
		ftsTableName(c.name, fieldName), quoteIdent(fieldName))
}

// ftsPhrase quotes a literal as a full-text phrase, doubling embedded
// quote characters.
func ftsPhrase(value types.Field) string {
	return `"` + strings.ReplaceAll(literalString(value), `"`, `""`) + `"`
}

// ftsTerms quotes each whitespace-separated term of the literal and joins
// them with the given boolean operator.
func ftsTerms(value types.Field, sep string) string {
	terms := strings.Fields(literalString(value))
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, sep)
}

func literalString(value types.Field) string {
	switch v := value.(type) {
	case types.String:
		return string(v)
	case types.Text:
		return string(v)
	default:
		return fmt.Sprint(value)
	}
}

// coerceLiteral converts a filter literal to the column's declared type
// where a lossless conversion exists.
func coerceLiteral(value types.Field, typ types.FieldType) (types.Field, error) {
	if types.IsNull(value) {
		return value, nil
	}
	got, _ := types.TypeOf(value)
	if got == typ {
		return value, nil
	}
	switch typ {
	case types.TypeUInt:
		if v, ok := value.(types.Int); ok && v >= 0 {
			return types.UInt(v), nil
		}
	case types.TypeInt:
		if v, ok := value.(types.UInt); ok {
			return types.Int(v), nil
		}
	case types.TypeFloat:
		switch v := value.(type) {
		case types.Int:
			return types.Float(v), nil
		case types.UInt:
			return types.Float(v), nil
		}
	case types.TypeText:
		if v, ok := value.(types.String); ok {
			return types.Text(v), nil
		}
	case types.TypeString:
		if v, ok := value.(types.Text); ok {
			return types.String(v), nil
		}
	case types.TypeDecimal:
		switch v := value.(type) {
		case types.String:
			return types.NewDecimal(string(v)), nil
		case types.Int:
			return types.NewDecimal(fmt.Sprint(int64(v))), nil
		}
	}
	return nil, fmt.Errorf("cannot use %T literal for %s field", value, typ)
}

// buildQuery lowers a query expression to SQL plus its bind parameters.
// The SQL string covers the full plan shape and doubles as the plan-cache
// fingerprint; literals are always bind parameters.
func (c *Cache) buildQuery(expr *QueryExpression) (string, []any, error) {
	var params []any
	filterClause := "1"
	if expr.Filter != nil {
		var err error
		filterClause, err = c.buildFilter(expr.Filter, &params)
		if err != nil {
			return "", nil, err
		}
	}
	if expr.Skip.Kind == SkipAfter {
		filterClause += " AND _rowid_ > ?"
		params = append(params, int64(expr.Skip.After))
	}

	orderExpr := "_rowid_"
	if len(expr.OrderBy) > 0 {
		parts := make([]string, 0, len(expr.OrderBy))
		for _, order := range expr.OrderBy {
			if _, _, err := c.schema.FieldIndex(order.FieldName); err != nil {
				return "", nil, &PlanError{Err: err}
			}
			direction := "ASC"
			if order.Direction == Descending {
				direction = "DESC"
			}
			parts = append(parts, quoteIdent(order.FieldName)+" "+direction)
		}
		orderExpr = strings.Join(parts, ", ")
	}

	// An absent limit is bound as -1 so the statement shape is stable.
	limit := int64(-1)
	if expr.Limit != nil {
		limit = int64(*expr.Limit)
	}
	params = append(params, limit)
	if expr.Skip.Kind == SkipCount {
		params = append(params, int64(expr.Skip.Count))
	} else {
		params = append(params, int64(0))
	}

	query := fmt.Sprintf("SELECT %s, %s, _rowid_ FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		c.columnList(), versionCol, c.name, filterClause, orderExpr)
	return query, params, nil
}

// preparedPlan returns the cached prepared statement for the given SQL,
// preparing and caching it on miss.
func (c *Cache) preparedPlan(query string) (*planStmt, error) {
	if plan, ok := c.plans.Get(query); ok {
		return plan, nil
	}
	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, storageErr(err)
	}
	plan := &planStmt{stmt: stmt}
	c.plans.Add(query, plan)
	return plan, nil
}

func (c *Cache) queryRows(query string, params []any) (*sql.Rows, func(), error) {
	// The open implicit transaction may hold the pool's only connection, so
	// reads inside it run directly on the transaction, without a cached plan.
	if tx := c.currentTx(); tx != nil {
		rows, err := tx.Query(query, params...)
		if err != nil {
			return nil, nil, storageErr(err)
		}
		return rows, func() {}, nil
	}
	plan, err := c.preparedPlan(query)
	if err != nil {
		return nil, nil, err
	}
	// Prepared-plan handles are serialized per plan.
	plan.mu.Lock()
	rows, err := plan.stmt.Query(params...)
	if err != nil {
		plan.mu.Unlock()
		return nil, nil, storageErr(err)
	}
	return rows, plan.mu.Unlock, nil
}

// Query returns the records selected by the query expression.
func (c *Cache) Query(expr *QueryExpression) ([]types.CacheRecord, error) {
	query, params, err := c.buildQuery(expr)
	if err != nil {
		return nil, err
	}
	rows, release, err := c.queryRows(query, params)
	if err != nil {
		return nil, err
	}
	defer release()
	defer rows.Close()

	var records []types.CacheRecord
	for rows.Next() {
		rec, err := c.scanCacheRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return records, nil
}

// Count returns the number of records the query expression selects,
// preserving its limit and offset.
func (c *Cache) Count(expr *QueryExpression) (uint64, error) {
	query, params, err := c.buildQuery(expr)
	if err != nil {
		return 0, err
	}
	query = fmt.Sprintf("SELECT COUNT(*) FROM (%s)", query)
	rows, release, err := c.queryRows(query, params)
	if err != nil {
		return 0, err
	}
	defer release()
	defer rows.Close()

	var count int64
	if !rows.Next() {
		return 0, storageErr(rows.Err())
	}
	if err := rows.Scan(&count); err != nil {
		return 0, storageErr(err)
	}
	return uint64(count), nil
}
