package denorm

import (
	"github.com/streamweld/streamweld/remote"
	"github.com/streamweld/streamweld/types"
)

// manyListBin is the list bin an aggregated node's records are stored
// under in the remote store.
const manyListBin = "data"

// cachedRecord is one versioned entry of a one-to-one batch. A nil record
// with dirty set is a pending delete; a nil record from a remote read is a
// confirmed miss.
type cachedRecord struct {
	dirty   bool
	version int
	record  []types.Field
}

// oneToOneBatch maps primary-key tuples to short sequences of versioned
// entries, kept sorted ascending by version.
type oneToOneBatch struct {
	m indexMap[[]cachedRecord]
}

func newOneToOneBatch() *oneToOneBatch {
	return &oneToOneBatch{m: newIndexMap[[]cachedRecord]()}
}

func (b *oneToOneBatch) insertLocal(key []types.Field, value []types.Field, version int) (int, error) {
	return b.insertImpl(key, value, version, true, true)
}

func (b *oneToOneBatch) insertImpl(key []types.Field, value []types.Field, version int, replace, dirty bool) (int, error) {
	idx, versions, err := b.m.entry(key)
	if err != nil {
		return 0, err
	}
	rec := cachedRecord{dirty: dirty, version: version, record: value}
	insertPoint := len(*versions)
	for i, cur := range *versions {
		if cur.version >= version {
			insertPoint = i
			break
		}
	}
	if insertPoint < len(*versions) && (*versions)[insertPoint].version == version {
		if replace {
			(*versions)[insertPoint] = rec
		}
	} else {
		*versions = append(*versions, cachedRecord{})
		copy((*versions)[insertPoint+1:], (*versions)[insertPoint:])
		(*versions)[insertPoint] = rec
	}
	return idx, nil
}

// insertRemote installs a remote read result as the version-0 baseline of
// the entry at the given insertion index.
func (b *oneToOneBatch) insertRemote(index int, value []types.Field) {
	_, versions, ok := b.m.getIndex(index)
	if !ok {
		return
	}
	*versions = append([]cachedRecord{{dirty: false, version: 0, record: value}}, *versions...)
}

// get returns the last entry with version <= the queried version.
func (b *oneToOneBatch) get(key []types.Field, version int) (*cachedRecord, error) {
	versions, ok, err := b.m.get(key)
	if err != nil || !ok {
		return nil, err
	}
	return lastAtVersion(*versions, version), nil
}

func (b *oneToOneBatch) getIndex(index, version int) *cachedRecord {
	_, versions, ok := b.m.getIndex(index)
	if !ok {
		return nil
	}
	return lastAtVersion(*versions, version)
}

func lastAtVersion(versions []cachedRecord, version int) *cachedRecord {
	var last *cachedRecord
	for i := range versions {
		if versions[i].version > version {
			break
		}
		last = &versions[i]
	}
	return last
}

// indexOrDefault returns the insertion index for key, creating an empty
// entry if needed, and whether a value usable at the given version already
// exists.
func (b *oneToOneBatch) indexOrDefault(key []types.Field, version int) (int, bool, error) {
	idx, versions, err := b.m.entry(key)
	if err != nil {
		return 0, false, err
	}
	exists := len(*versions) > 0 && (*versions)[0].version <= version
	return idx, exists, nil
}

func (b *oneToOneBatch) clear() {
	b.m.clear()
}

func (b *oneToOneBatch) len() int {
	return b.m.len()
}

// write stages the last version of every dirty entry: an overwrite when a
// record is present, a delete when it is a tombstone. The batch itself is
// left untouched so a failed flush can be retried.
func (b *oneToOneBatch) write(batch *remote.WriteBatch, schema *sinkSchema) error {
	for i := 0; i < b.m.len(); i++ {
		key, versions, _ := b.m.getIndex(i)
		if len(*versions) == 0 {
			continue
		}
		last := (*versions)[len(*versions)-1]
		if !last.dirty {
			continue
		}
		if last.record != nil {
			batch.AddWrite(schema.namespace, schema.set, schema.bins, key, last.record)
		} else {
			batch.AddRemove(schema.namespace, schema.set, key)
		}
	}
	return nil
}

type dirtyRecord struct {
	idx     int
	key     []types.Field
	version int
}

func (b *oneToOneBatch) iterDirty() []dirtyRecord {
	var dirty []dirtyRecord
	for i := 0; i < b.m.len(); i++ {
		key, versions, _ := b.m.getIndex(i)
		if len(*versions) == 0 {
			continue
		}
		last := (*versions)[len(*versions)-1]
		if last.dirty {
			dirty = append(dirty, dirtyRecord{idx: i, key: key, version: last.version})
		}
	}
	return dirty
}

// manyOp is one element of an aggregated entry's op log.
type manyOp struct {
	add    bool
	values []types.Field
}

// manyRecord groups the ops applied at one version.
type manyRecord struct {
	version int
	ops     []manyOp
}

// oneToManyEntry is the batch entry of an aggregated node: the remotely
// fetched baseline plus an ordered op log. hasBase distinguishes a fetched
// empty baseline from one that still needs fetching.
type oneToManyEntry struct {
	hasBase bool
	base    [][]types.Field
	ops     []manyRecord
}

type oneToManyBatch struct {
	m indexMap[oneToManyEntry]
}

func newOneToManyBatch() *oneToManyBatch {
	return &oneToManyBatch{m: newIndexMap[oneToManyEntry]()}
}

func (b *oneToManyBatch) insertPoint(key []types.Field, version int) (*oneToManyEntry, int, int, error) {
	idx, entry, err := b.m.entry(key)
	if err != nil {
		return nil, 0, 0, err
	}
	insertPoint := len(entry.ops)
	for i, rec := range entry.ops {
		if rec.version >= version {
			insertPoint = i
			break
		}
	}
	return entry, idx, insertPoint, nil
}

func (b *oneToManyBatch) insertLocal(key []types.Field, value []types.Field, version int) (int, error) {
	entry, idx, insertPoint, err := b.insertPoint(key, version)
	if err != nil {
		return 0, err
	}
	if insertPoint < len(entry.ops) && entry.ops[insertPoint].version == version {
		entry.ops[insertPoint].ops = append(entry.ops[insertPoint].ops, manyOp{add: true, values: value})
	} else {
		entry.insertOpsAt(insertPoint, manyRecord{version: version, ops: []manyOp{{add: true, values: value}}})
	}
	return idx, nil
}

func (b *oneToManyBatch) removeLocal(key []types.Field, oldValue []types.Field, version int) (int, error) {
	entry, idx, insertPoint, err := b.insertPoint(key, version)
	if err != nil {
		return 0, err
	}
	if insertPoint < len(entry.ops) && entry.ops[insertPoint].version == version {
		rec := &entry.ops[insertPoint]
		if added := rec.findAdd(oldValue); added >= 0 {
			rec.ops[added] = rec.ops[len(rec.ops)-1]
			rec.ops = rec.ops[:len(rec.ops)-1]
		} else {
			rec.ops = append(rec.ops, manyOp{add: false, values: oldValue})
		}
	} else {
		entry.insertOpsAt(insertPoint, manyRecord{version: version, ops: []manyOp{{add: false, values: oldValue}}})
	}
	return idx, nil
}

// replaceLocal rewrites an add of the old value in place when one exists
// at this version, keeping the op log bounded under repeated updates.
func (b *oneToManyBatch) replaceLocal(key []types.Field, oldValue, newValue []types.Field, version int) (int, error) {
	entry, idx, insertPoint, err := b.insertPoint(key, version)
	if err != nil {
		return 0, err
	}
	if insertPoint < len(entry.ops) && entry.ops[insertPoint].version == version {
		rec := &entry.ops[insertPoint]
		if added := rec.findAdd(oldValue); added >= 0 {
			rec.ops[added] = manyOp{add: true, values: newValue}
		} else {
			rec.ops = append(rec.ops, manyOp{add: false, values: oldValue}, manyOp{add: true, values: newValue})
		}
	} else {
		entry.insertOpsAt(insertPoint, manyRecord{version: version, ops: []manyOp{
			{add: false, values: oldValue},
			{add: true, values: newValue},
		}})
	}
	return idx, nil
}

func (e *oneToManyEntry) insertOpsAt(i int, rec manyRecord) {
	e.ops = append(e.ops, manyRecord{})
	copy(e.ops[i+1:], e.ops[i:])
	e.ops[i] = rec
}

func (r *manyRecord) findAdd(value []types.Field) int {
	for i, op := range r.ops {
		if op.add && types.FieldsEqual(op.values, value) {
			return i
		}
	}
	return -1
}

func (b *oneToManyBatch) insertRemote(index int, rows [][]types.Field) {
	_, entry, ok := b.m.getIndex(index)
	if !ok {
		return
	}
	entry.hasBase = true
	entry.base = rows
}

func (b *oneToManyBatch) get(key []types.Field, version int) ([][]types.Field, error) {
	entry, ok, err := b.m.get(key)
	if err != nil || !ok {
		return nil, err
	}
	return entry.valuesAt(version), nil
}

func (b *oneToManyBatch) getIndex(index, version int) [][]types.Field {
	_, entry, ok := b.m.getIndex(index)
	if !ok {
		return nil
	}
	return entry.valuesAt(version)
}

// valuesAt applies the op log up to the given version on top of the
// baseline. A nil result means no values (or no baseline yet).
func (e *oneToManyEntry) valuesAt(version int) [][]types.Field {
	if !e.hasBase {
		return nil
	}
	recs := make([][]types.Field, len(e.base))
	copy(recs, e.base)
	for _, rec := range e.ops {
		if rec.version > version {
			break
		}
		recs = applyManyOps(recs, rec.ops)
	}
	return recs
}

func applyManyOps(recs [][]types.Field, ops []manyOp) [][]types.Field {
	for _, op := range ops {
		if op.add {
			recs = append(recs, op.values)
			continue
		}
		for i, rec := range recs {
			if types.FieldsEqual(rec, op.values) {
				recs[i] = recs[len(recs)-1]
				recs = recs[:len(recs)-1]
				break
			}
		}
	}
	return recs
}

func (b *oneToManyBatch) clear() {
	b.m.clear()
}

func (b *oneToManyBatch) len() int {
	return b.m.len()
}

// write stages every entry as a whole-list overwrite computed from the
// baseline plus the full op log. Entries must all have a baseline by the
// time this is called.
func (b *oneToManyBatch) write(batch *remote.WriteBatch, schema *sinkSchema) error {
	for i := 0; i < b.m.len(); i++ {
		key, entry, _ := b.m.getIndex(i)
		record := make([][]types.Field, len(entry.base))
		copy(record, entry.base)
		for _, rec := range entry.ops {
			record = applyManyOps(record, rec.ops)
		}
		batch.AddWriteList(schema.namespace, schema.set, manyListBin, key, schema.bins, record)
	}
	return nil
}

// shouldUpdateAt reports whether the entry at key needs a remote read
// before it can serve values at the given version, creating the entry if
// absent.
func (b *oneToOneBatch) shouldUpdateAt(key []types.Field, version int) (bool, int, error) {
	idx, exists, err := b.indexOrDefault(key, version)
	return !exists, idx, err
}

func (b *oneToManyBatch) shouldUpdateAt(key []types.Field, _ int) (bool, int, error) {
	// An aggregated entry always needs the remote baseline.
	idx, entry, err := b.m.entry(key)
	if err != nil {
		return false, 0, err
	}
	return !entry.hasBase, idx, nil
}
