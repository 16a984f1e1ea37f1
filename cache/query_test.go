package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamweld/streamweld/types"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenOrCreate("plans", schema1(), openTestDB(t))
	require.NoError(t, err)
	return cache
}

func TestBuildQueryShapes(t *testing.T) {
	cache := testCache(t)

	q := WithNoLimit()
	query, params, err := cache.buildQuery(&q)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "name", "amount", __record_version, _rowid_ FROM plans WHERE 1 ORDER BY _rowid_ LIMIT ? OFFSET ?`,
		query)
	// An absent limit is a stable -1 marker, skip none is offset 0.
	assert.Equal(t, []any{int64(-1), int64(0)}, params)

	filter := And(
		Filter("name", OpEQ, types.String("x")),
		Filter("id", OpGTE, types.Int(10)),
	)
	limit := uint64(5)
	q = QueryExpression{
		Filter:  &filter,
		OrderBy: []SortOption{{FieldName: "name", Direction: Descending}},
		Limit:   &limit,
		Skip:    Skip{Kind: SkipCount, Count: 3},
	}
	query, params, err = cache.buildQuery(&q)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "name", "amount", __record_version, _rowid_ FROM plans WHERE ("name" = ? AND "id" >= ?) ORDER BY "name" DESC LIMIT ? OFFSET ?`,
		query)
	assert.Equal(t, []any{"x", int64(10), int64(5), int64(3)}, params)
}

func TestBuildQuerySkipAfter(t *testing.T) {
	cache := testCache(t)
	q := QueryExpression{Skip: Skip{Kind: SkipAfter, After: 17}}
	query, params, err := cache.buildQuery(&q)
	require.NoError(t, err)
	assert.Contains(t, query, "WHERE 1 AND _rowid_ > ?")
	assert.Equal(t, []any{int64(17), int64(-1), int64(0)}, params)
}

func TestBuildQueryUnknownOrderField(t *testing.T) {
	cache := testCache(t)
	q := QueryExpression{OrderBy: []SortOption{{FieldName: "nope"}}}
	_, _, err := cache.buildQuery(&q)
	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	var notFound *types.FieldNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestBuildFilterUnknownField(t *testing.T) {
	cache := testCache(t)
	filter := Filter("ghost", OpEQ, types.String("x"))
	q := QueryExpression{Filter: &filter}
	_, _, err := cache.buildQuery(&q)
	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
}

func TestContainsLowering(t *testing.T) {
	fts, err := OpenOrCreate("fts_plans", schemaFullText(), openTestDB(t))
	require.NoError(t, err)

	// On a full-text indexed column, Contains becomes a companion-table
	// subquery with the literal quoted as a phrase.
	filter := Filter("foo", OpContains, types.String(`say "hi"`))
	q := QueryExpression{Filter: &filter}
	query, params, err := fts.buildQuery(&q)
	require.NoError(t, err)
	assert.Contains(t, query, `_rowid_ IN (SELECT rowid FROM fts_fts_plans_foo WHERE "foo" MATCH ?)`)
	assert.Equal(t, `"say ""hi"""`, params[0])

	// On other columns it is substring matching on the main relation.
	filter = Filter("bar", OpContains, types.Text("needle"))
	q = QueryExpression{Filter: &filter}
	query, params, err = fts.buildQuery(&q)
	require.NoError(t, err)
	assert.Contains(t, query, `"bar" LIKE '%' || ? || '%'`)
	assert.Equal(t, "needle", params[0])
}

func TestMatchesOperators(t *testing.T) {
	fts, err := OpenOrCreate("match_plans", schemaFullText(), openTestDB(t))
	require.NoError(t, err)

	filter := Filter("foo", OpMatchesAny, types.String("quick fox"))
	q := QueryExpression{Filter: &filter}
	_, params, err := fts.buildQuery(&q)
	require.NoError(t, err)
	assert.Equal(t, `"quick" OR "fox"`, params[0])

	filter = Filter("foo", OpMatchesAll, types.String("quick fox"))
	q = QueryExpression{Filter: &filter}
	_, params, err = fts.buildQuery(&q)
	require.NoError(t, err)
	assert.Equal(t, `"quick" AND "fox"`, params[0])

	// Without a full-text index the operators cannot be planned.
	filter = Filter("bar", OpMatchesAny, types.String("quick"))
	q = QueryExpression{Filter: &filter}
	_, _, err = fts.buildQuery(&q)
	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
}

func TestQueryCountAgree(t *testing.T) {
	cache := testCache(t)
	for i := 1; i <= 5; i++ {
		_, err := cache.Insert(types.NewRecord(types.Int(i), types.String("n"), types.NewDecimal("1")))
		require.NoError(t, err)
	}

	filter := Filter("id", OpGT, types.Int(2))
	limit := uint64(2)
	q := QueryExpression{Filter: &filter, Limit: &limit}
	records, err := cache.Query(&q)
	require.NoError(t, err)
	count, err := cache.Count(&q)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(records)), count)
	assert.Equal(t, uint64(2), count)
}

func TestSkipAfterPagination(t *testing.T) {
	cache := testCache(t)
	for i := 1; i <= 3; i++ {
		_, err := cache.Insert(types.NewRecord(types.Int(i), types.String("n"), types.NewDecimal("1")))
		require.NoError(t, err)
	}
	q := WithNoLimit()
	all, err := cache.Query(&q)
	require.NoError(t, err)
	require.Len(t, all, 3)

	after := QueryExpression{Skip: Skip{Kind: SkipAfter, After: all[0].ID}}
	rest, err := cache.Query(&after)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, all[1].ID, rest[0].ID)
	assert.Equal(t, all[2].ID, rest[1].ID)
}

func TestPlanCacheReuse(t *testing.T) {
	cache := testCache(t)
	filter := Filter("id", OpEQ, types.Int(1))
	q := QueryExpression{Filter: &filter}
	query, _, err := cache.buildQuery(&q)
	require.NoError(t, err)

	first, err := cache.preparedPlan(query)
	require.NoError(t, err)
	second, err := cache.preparedPlan(query)
	require.NoError(t, err)
	// Same shape, same prepared plan; literals are bind parameters.
	assert.Same(t, first, second)
}
