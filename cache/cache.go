package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/streamweld/streamweld/types"
)

const commitStateTable = "_streamweld_commit_state"

// CommitState is the durable marker recorded on commit: the source
// position every change up to the commit originates from.
type CommitState struct {
	Filename []byte
	Position uint64
}

// Cache is a schema-bound record store backed by one SQLite relation.
//
// Reads may run concurrently on a shared handle; writes require exclusive
// access. The first write after open or commit begins an implicit
// transaction which the next Commit ends.
type Cache struct {
	name    string
	schema  types.Schema
	indexes []types.IndexDefinition
	db      *sql.DB

	mu sync.Mutex
	tx *sql.Tx

	getStmt    *sql.Stmt
	insertStmt *sql.Stmt
	updateStmt *sql.Stmt
	deleteStmt *sql.Stmt

	plans *lru.Cache[string, *planStmt]
}

// planCacheSize bounds the number of prepared read plans kept per cache.
const planCacheSize = 128

// OpenOrCreate opens the cache relation named name on db, creating it
// when a schema is supplied and nothing is stored yet. When both a stored
// and a supplied schema exist they must match; differences in the index
// set are reconciled in place, removals before creations.
func OpenOrCreate(name string, schemaWithIndex *types.SchemaWithIndex, db *sql.DB) (*Cache, error) {
	RegisterCollations()

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return nil, storageErr(err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		slog.Warn("sqlite WAL journal mode not supported for cache, concurrency and performance may be suboptimal",
			"cache", name, "journal_mode", journalMode)
	}

	storedSchema, err := tryLoadSchema(db, name)
	if err != nil {
		return nil, storageErr(err)
	}
	var storedIndexes []namedIndex
	if storedSchema != nil {
		storedIndexes, err = tryLoadIndexes(db, name, storedSchema)
		if err != nil {
			return nil, storageErr(err)
		}
	}

	var schema types.Schema
	var indexes []types.IndexDefinition
	switch {
	case schemaWithIndex != nil && storedSchema != nil:
		if !schemaWithIndex.Schema.Equal(storedSchema) {
			stored := &types.SchemaWithIndex{Schema: *storedSchema}
			for _, ix := range storedIndexes {
				stored.Indexes = append(stored.Indexes, ix.def)
			}
			return nil, &SchemaMismatchError{Name: name, Given: schemaWithIndex, Stored: stored}
		}
		schema = schemaWithIndex.Schema
		indexes = schemaWithIndex.Indexes
		if err := reconcileIndexes(db, name, &schema, indexes, storedIndexes); err != nil {
			return nil, err
		}
	case schemaWithIndex != nil:
		schema = schemaWithIndex.Schema
		indexes = schemaWithIndex.Indexes
		if err := createTable(db, name, &schema); err != nil {
			return nil, storageErr(err)
		}
		for _, ix := range indexes {
			if err := createIndex(db, name, ix, &schema); err != nil {
				return nil, storageErr(err)
			}
		}
	case storedSchema != nil:
		schema = *storedSchema
		for _, ix := range storedIndexes {
			indexes = append(indexes, ix.def)
		}
	default:
		return nil, ErrSchemaNotFound
	}

	if err := createCommitStateTable(db); err != nil {
		return nil, storageErr(err)
	}

	c := &Cache{
		name:    name,
		schema:  schema,
		indexes: indexes,
		db:      db,
	}
	c.plans, _ = lru.NewWithEvict[string, *planStmt](planCacheSize, func(_ string, p *planStmt) {
		p.stmt.Close()
	})
	if err := c.prepareStatements(); err != nil {
		return nil, storageErr(err)
	}
	return c, nil
}

// Name returns the cache's logical name.
func (c *Cache) Name() string {
	return c.name
}

// Schema returns the cache's schema and index definitions.
func (c *Cache) Schema() (*types.Schema, []types.IndexDefinition) {
	return &c.schema, c.indexes
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTable(db *sql.DB, name string, schema *types.Schema) error {
	cols := make([]string, 0, len(schema.Fields)+1)
	for _, field := range schema.Fields {
		col := quoteIdent(field.Name) + " " + fieldTypeToStorageClass(field.Type)
		if field.Type == types.TypeDecimal {
			col += decimalCollationPhrase
		}
		if !field.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	cols = append(cols, versionCol+" INTEGER NOT NULL DEFAULT 1")

	var constraints string
	if len(schema.PrimaryIndex) > 0 {
		pk := make([]string, 0, len(schema.PrimaryIndex))
		for _, i := range schema.PrimaryIndex {
			pk = append(pk, quoteIdent(schema.Fields[i].Name))
		}
		constraints = fmt.Sprintf(", PRIMARY KEY (%s)", strings.Join(pk, ", "))
	}
	// Without a primary key the table still has a rowid acting as one.

	_, err := db.Exec(fmt.Sprintf("CREATE TABLE %s (%s%s)", name, strings.Join(cols, ", "), constraints))
	return err
}

func createCommitStateTable(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY CHECK (id = 0), filename BLOB NOT NULL, position INTEGER NOT NULL)",
		commitStateTable))
	return err
}

func tryLoadSchema(db *sql.DB, name string) (*types.Schema, error) {
	// The version column is not part of the schema.
	rows, err := db.Query(
		`SELECT name, type, "notnull", pk FROM pragma_table_info(?) WHERE name != ?`,
		name, versionCol,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schema := &types.Schema{}
	for rows.Next() {
		var colName, colType string
		var notNull, pk int
		if err := rows.Scan(&colName, &colType, &notNull, &pk); err != nil {
			return nil, err
		}
		typ, err := fieldTypeFromStorageClass(colType)
		if err != nil {
			return nil, err
		}
		schema.Field(types.FieldDefinition{
			Name:     colName,
			Type:     typ,
			Nullable: notNull == 0,
			Source:   types.SourceDefinition{Kind: types.SourceDynamic},
		}, pk != 0)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Fields) == 0 {
		return nil, nil
	}
	return schema, nil
}

type namedIndex struct {
	name string
	def  types.IndexDefinition
}

func tryLoadIndexes(db *sql.DB, name string, schema *types.Schema) ([]namedIndex, error) {
	rows, err := db.Query(`SELECT name FROM pragma_index_list(?) WHERE origin != 'pk'`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexNames []string
	for rows.Next() {
		var ixName string
		if err := rows.Scan(&ixName); err != nil {
			return nil, err
		}
		indexNames = append(indexNames, ixName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var indexes []namedIndex
	for _, ixName := range indexNames {
		fieldRows, err := db.Query(`SELECT cid FROM pragma_index_info(?) ORDER BY seqno`, ixName)
		if err != nil {
			return nil, err
		}
		var fields []int
		for fieldRows.Next() {
			var cid int
			if err := fieldRows.Scan(&cid); err != nil {
				fieldRows.Close()
				return nil, err
			}
			fields = append(fields, cid)
		}
		if err := fieldRows.Err(); err != nil {
			fieldRows.Close()
			return nil, err
		}
		fieldRows.Close()
		indexes = append(indexes, namedIndex{name: ixName, def: types.SortedInverted(fields...)})
	}

	// Full-text indexes live in companion virtual tables.
	ftsRows, err := db.Query(
		`SELECT name FROM pragma_table_list WHERE type='virtual' AND name LIKE ?`,
		fmt.Sprintf("fts_%s_%%", name),
	)
	if err != nil {
		return nil, err
	}
	defer ftsRows.Close()
	var ftsTables []string
	for ftsRows.Next() {
		var tblName string
		if err := ftsRows.Scan(&tblName); err != nil {
			return nil, err
		}
		ftsTables = append(ftsTables, tblName)
	}
	if err := ftsRows.Err(); err != nil {
		return nil, err
	}
	for _, tblName := range ftsTables {
		var colName string
		if err := db.QueryRow(`SELECT name FROM pragma_table_info(?)`, tblName).Scan(&colName); err != nil {
			return nil, err
		}
		colIdx, _, err := schema.FieldIndex(colName)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, namedIndex{name: tblName, def: types.FullText(colIdx)})
	}
	return indexes, nil
}

func ftsTableName(cache, column string) string {
	return fmt.Sprintf("fts_%s_%s", cache, column)
}

func createIndex(db *sql.DB, name string, index types.IndexDefinition, schema *types.Schema) error {
	switch index.Kind {
	case types.IndexSortedInverted:
		fieldNames := make([]string, 0, len(index.Fields))
		ixParts := make([]string, 0, len(index.Fields))
		for _, fieldIdx := range index.Fields {
			fieldNames = append(fieldNames, quoteIdent(schema.Fields[fieldIdx].Name))
			ixParts = append(ixParts, fmt.Sprint(fieldIdx))
		}
		ixName := fmt.Sprintf("ix_%s_%s", name, strings.Join(ixParts, "_"))
		_, err := db.Exec(fmt.Sprintf("CREATE INDEX %s ON %s (%s)", ixName, name, strings.Join(fieldNames, ", ")))
		return err
	case types.IndexFullText:
		columnName := schema.Fields[index.Fields[0]].Name
		ftsName := ftsTableName(name, columnName)
		script := fmt.Sprintf(`
CREATE VIRTUAL TABLE %[1]s USING fts5(%[2]s, content='', contentless_delete=1);
CREATE TRIGGER trig_%[1]s_insert AFTER INSERT ON %[3]s BEGIN
    INSERT INTO %[1]s(rowid, %[2]s) VALUES (new.rowid, new.%[2]s);
END;
CREATE TRIGGER trig_%[1]s_update AFTER UPDATE ON %[3]s BEGIN
    UPDATE %[1]s SET %[2]s = new.%[2]s WHERE %[1]s.rowid = new.rowid;
END;
CREATE TRIGGER trig_%[1]s_delete AFTER DELETE ON %[3]s BEGIN
    DELETE FROM %[1]s WHERE rowid = old.rowid;
END;`, ftsName, columnName, name)
		_, err := db.Exec(script)
		return err
	default:
		return fmt.Errorf("unknown index kind %d", index.Kind)
	}
}

func removeIndex(db *sql.DB, index namedIndex) error {
	if index.def.Kind == types.IndexFullText {
		// Dropping the virtual table also invalidates its triggers.
		for _, suffix := range []string{"insert", "update", "delete"} {
			if _, err := db.Exec(fmt.Sprintf("DROP TRIGGER trig_%s_%s", index.name, suffix)); err != nil {
				return err
			}
		}
		_, err := db.Exec(fmt.Sprintf("DROP TABLE %s", index.name))
		return err
	}
	_, err := db.Exec(fmt.Sprintf("DROP INDEX %s", index.name))
	return err
}

// reconcileIndexes diffs the supplied index set against the stored one,
// applying removals before creations so names cannot conflict. Data is
// never rewritten.
func reconcileIndexes(db *sql.DB, name string, schema *types.Schema, want []types.IndexDefinition, stored []namedIndex) error {
	remaining := append([]namedIndex(nil), stored...)
	var create []types.IndexDefinition
	for _, ix := range want {
		found := -1
		for i, old := range remaining {
			if old.def.Equal(ix) {
				found = i
				break
			}
		}
		if found >= 0 {
			remaining[found] = remaining[len(remaining)-1]
			remaining = remaining[:len(remaining)-1]
		} else {
			create = append(create, ix)
		}
	}
	for _, old := range remaining {
		if err := removeIndex(db, old); err != nil {
			return storageErr(err)
		}
	}
	for _, ix := range create {
		if err := createIndex(db, name, ix, schema); err != nil {
			return storageErr(err)
		}
	}
	return nil
}

// pkFieldIndexes returns the field positions record identity is derived
// from: the primary index, or every field when no primary index exists.
func (c *Cache) pkFieldIndexes() []int {
	if len(c.schema.PrimaryIndex) > 0 {
		return c.schema.PrimaryIndex
	}
	all := make([]int, len(c.schema.Fields))
	for i := range all {
		all[i] = i
	}
	return all
}

func (c *Cache) pkPredicate() string {
	parts := make([]string, 0, len(c.pkFieldIndexes()))
	for _, i := range c.pkFieldIndexes() {
		parts = append(parts, fmt.Sprintf("%s = ?", quoteIdent(c.schema.Fields[i].Name)))
	}
	return strings.Join(parts, " AND ")
}

func (c *Cache) columnList() string {
	cols := make([]string, 0, len(c.schema.Fields))
	for _, f := range c.schema.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	return strings.Join(cols, ", ")
}

func (c *Cache) prepareStatements() error {
	pk := c.pkPredicate()

	getSQL := fmt.Sprintf("SELECT %s, %s, _rowid_ FROM %s WHERE %s",
		c.columnList(), versionCol, c.name, pk)
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.name, c.columnList(), strings.TrimSuffix(strings.Repeat("?, ", len(c.schema.Fields)), ", "))

	sets := make([]string, 0, len(c.schema.Fields))
	for _, f := range c.schema.Fields {
		sets = append(sets, fmt.Sprintf("%s = ?", quoteIdent(f.Name)))
	}
	updateSQL := fmt.Sprintf("UPDATE %s SET %s, %s = %s + 1 WHERE %s RETURNING %s, _rowid_",
		c.name, strings.Join(sets, ", "), versionCol, versionCol, pk, versionCol)
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING %s, _rowid_",
		c.name, pk, versionCol)

	var err error
	if c.getStmt, err = c.db.Prepare(getSQL); err != nil {
		return err
	}
	if c.insertStmt, err = c.db.Prepare(insertSQL); err != nil {
		return err
	}
	if c.updateStmt, err = c.db.Prepare(updateSQL); err != nil {
		return err
	}
	c.deleteStmt, err = c.db.Prepare(deleteSQL)
	return err
}

// transaction returns the implicit transaction, beginning one if none is
// in flight.
func (c *Cache) transaction() (*sql.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		tx, err := c.db.Begin()
		if err != nil {
			return nil, storageErr(err)
		}
		c.tx = tx
	}
	return c.tx, nil
}

// currentTx returns the in-flight transaction, or nil.
func (c *Cache) currentTx() *sql.Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

func (c *Cache) keyParams(record types.Record) ([]any, error) {
	params := make([]any, 0, len(c.pkFieldIndexes()))
	for _, i := range c.pkFieldIndexes() {
		arg, err := fieldToSQL(record.Values[i])
		if err != nil {
			return nil, err
		}
		params = append(params, arg)
	}
	return params, nil
}

func recordParams(record types.Record) ([]any, error) {
	params := make([]any, 0, len(record.Values))
	for _, f := range record.Values {
		arg, err := fieldToSQL(f)
		if err != nil {
			return nil, err
		}
		params = append(params, arg)
	}
	return params, nil
}

// Insert stores a new record, assigning a fresh surrogate id at version 1.
func (c *Cache) Insert(record types.Record) (types.RecordMeta, error) {
	tx, err := c.transaction()
	if err != nil {
		return types.RecordMeta{}, err
	}
	params, err := recordParams(record)
	if err != nil {
		return types.RecordMeta{}, err
	}
	res, err := tx.Stmt(c.insertStmt).Exec(params...)
	if err != nil {
		return types.RecordMeta{}, storageErr(err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return types.RecordMeta{}, storageErr(err)
	}
	return types.RecordMeta{ID: uint64(rowid), Version: 1}, nil
}

// Delete removes the record identified by record's primary key and
// returns its prior meta, or nil if it was absent.
func (c *Cache) Delete(record types.Record) (*types.RecordMeta, error) {
	tx, err := c.transaction()
	if err != nil {
		return nil, err
	}
	params, err := c.keyParams(record)
	if err != nil {
		return nil, err
	}
	var version, rowid int64
	err = tx.Stmt(c.deleteStmt).QueryRow(params...).Scan(&version, &rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &types.RecordMeta{ID: uint64(rowid), Version: uint64(version)}, nil
}

// Update replaces the record identified by old's primary key with record.
// The primary key must not change; the version increments by one and the
// surrogate id is preserved.
func (c *Cache) Update(old, record types.Record) (oldMeta, newMeta types.RecordMeta, err error) {
	oldKey := old.KeyFields(&c.schema)
	newKey := record.KeyFields(&c.schema)
	if !types.FieldsEqual(oldKey, newKey) {
		return types.RecordMeta{}, types.RecordMeta{}, &PrimaryKeyChangedError{Old: oldKey, New: newKey}
	}
	tx, err := c.transaction()
	if err != nil {
		return types.RecordMeta{}, types.RecordMeta{}, err
	}
	params, err := recordParams(record)
	if err != nil {
		return types.RecordMeta{}, types.RecordMeta{}, err
	}
	keyParams, err := c.keyParams(old)
	if err != nil {
		return types.RecordMeta{}, types.RecordMeta{}, err
	}
	params = append(params, keyParams...)
	var version, rowid int64
	if err := tx.Stmt(c.updateStmt).QueryRow(params...).Scan(&version, &rowid); err != nil {
		return types.RecordMeta{}, types.RecordMeta{}, storageErr(err)
	}
	return types.RecordMeta{ID: uint64(rowid), Version: uint64(version) - 1},
		types.RecordMeta{ID: uint64(rowid), Version: uint64(version)},
		nil
}

// Get returns the record with the given primary-key tuple.
func (c *Cache) Get(key []types.Field) (types.CacheRecord, error) {
	params := make([]any, 0, len(key))
	for _, f := range key {
		arg, err := fieldToSQL(f)
		if err != nil {
			return types.CacheRecord{}, err
		}
		params = append(params, arg)
	}
	stmt := c.getStmt
	if tx := c.currentTx(); tx != nil {
		stmt = tx.Stmt(c.getStmt)
	}
	row := stmt.QueryRow(params...)
	rec, err := c.scanCacheRecord(row)
	if err != nil {
		return types.CacheRecord{}, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (c *Cache) scanCacheRecord(row rowScanner) (types.CacheRecord, error) {
	nCols := len(c.schema.Fields)
	dest := make([]any, nCols+2)
	raw := make([]any, nCols)
	for i := range raw {
		dest[i] = &raw[i]
	}
	var version, rowid int64
	dest[nCols] = &version
	dest[nCols+1] = &rowid
	if err := row.Scan(dest...); err != nil {
		return types.CacheRecord{}, storageErr(err)
	}
	values := make([]types.Field, nCols)
	for i, field := range c.schema.Fields {
		f, err := fieldFromSQL(raw[i], field.Type)
		if err != nil {
			return types.CacheRecord{}, err
		}
		values[i] = f
	}
	return types.CacheRecord{
		RecordMeta: types.RecordMeta{ID: uint64(rowid), Version: uint64(version)},
		Record:     types.Record{Values: values},
	}, nil
}

// Commit makes all pending changes durable, records the commit state and
// ends the implicit transaction.
func (c *Cache) Commit(state *CommitState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		if state == nil {
			return nil
		}
		tx, err := c.db.Begin()
		if err != nil {
			return storageErr(err)
		}
		c.tx = tx
	}
	if state != nil {
		_, err := c.tx.Exec(fmt.Sprintf(
			"INSERT INTO %s (id, filename, position) VALUES (0, ?, ?) ON CONFLICT (id) DO UPDATE SET filename = excluded.filename, position = excluded.position",
			commitStateTable), state.Filename, int64(state.Position))
		if err != nil {
			c.tx.Rollback()
			c.tx = nil
			return storageErr(err)
		}
	}
	err := c.tx.Commit()
	c.tx = nil
	return storageErr(err)
}

// GetCommitState returns the last committed marker, or nil if none was
// recorded yet.
func (c *Cache) GetCommitState() (*CommitState, error) {
	var filename []byte
	var position int64
	err := c.db.QueryRow(fmt.Sprintf("SELECT filename, position FROM %s WHERE id = 0", commitStateTable)).
		Scan(&filename, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &CommitState{Filename: filename, Position: uint64(position)}, nil
}

// Close releases the prepared statements. The caller owns the database
// handle.
func (c *Cache) Close() error {
	c.plans.Purge()
	for _, stmt := range []*sql.Stmt{c.getStmt, c.insertStmt, c.updateStmt, c.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
