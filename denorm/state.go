package denorm

import (
	"context"
	"fmt"

	"github.com/streamweld/streamweld/remote"
	"github.com/streamweld/streamweld/types"
)

// DenormalizedTable is the materialized join product of one base node.
type DenormalizedTable struct {
	BinNames  []string
	Namespace string
	Set       string
	Records   [][]types.Field
	PK        []int
}

type baseTable struct {
	node     int
	binNames []string
	pk       []int
}

// State owns the denormalization graph and all per-node batches. It is
// single-writer: Process, Commit, Clear, Persist and PerformDenorm must
// not overlap.
type State struct {
	dag                *dag
	baseTables         []baseTable
	currentTransaction *uint64
	transactionCounter int
	batchCapacity      int
}

// NewState builds the denormalization state from sink table declarations.
// The port index of incoming operations addresses tables in declaration
// order.
func NewState(tables []TableWithSchema) (*State, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no sink tables declared")
	}
	d, err := buildDag(tables)
	if err != nil {
		return nil, err
	}

	var baseTables []baseTable
	for nid := range d.nodes {
		n := &d.nodes[nid]
		if n.denormalizeTo == nil {
			continue
		}
		if n.many != nil {
			return nil, fmt.Errorf("sink table %s.%s cannot both aggregate by primary key and write a denormalized projection",
				n.sink.namespace, n.sink.set)
		}
		// All bin names the join product will carry, found with a
		// depth-first walk in edge processing order.
		bins := append([]string(nil), n.sink.bins...)
		d.binNamesRecursive(nid, &bins)
		pk := make([]int, 0, len(n.denormalizeTo.primaryKey))
		for _, key := range n.denormalizeTo.primaryKey {
			pos := -1
			for i, bin := range bins {
				if bin == key {
					pos = i
					break
				}
			}
			if pos < 0 {
				return nil, &FieldNotFoundError{Name: key}
			}
			pk = append(pk, pos)
		}
		baseTables = append(baseTables, baseTable{node: nid, binNames: bins, pk: pk})
	}

	return &State{
		dag:        d,
		baseTables: baseTables,
	}, nil
}

// SetBatchCapacity overrides the remote batch chunk size.
func (s *State) SetBatchCapacity(capacity int) {
	s.batchCapacity = capacity
}

// Process applies one table operation to the node addressed by its port.
// Repeated mutations of the same key within one uncommitted transaction
// coalesce into a single entry at the current version.
func (s *State) Process(op types.TableOperation) error {
	if op.ID != nil {
		txid := op.ID.TxID
		s.currentTransaction = &txid
	}
	if op.Port < 0 || op.Port >= len(s.dag.nodes) {
		return fmt.Errorf("operation port %d does not address a sink table", op.Port)
	}
	n := &s.dag.nodes[op.Port]
	switch o := op.Op.(type) {
	case types.Insert:
		return s.doInsert(n, o.New)
	case types.Delete:
		key := o.Old.KeyFields(&n.schema)
		_, err := n.batch().removeLocal(key, o.Old.Values, s.transactionCounter)
		return err
	case types.Update:
		oldKey := o.Old.KeyFields(&n.schema)
		newKey := o.New.KeyFields(&n.schema)
		if !types.FieldsEqual(oldKey, newKey) {
			return &PrimaryKeyChangedError{Old: oldKey, New: newKey}
		}
		_, err := n.batch().replaceLocal(newKey, o.Old.Values, o.New.Values, s.transactionCounter)
		return err
	case types.BatchInsert:
		for _, rec := range o.New {
			if err := s.doInsert(n, rec); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %T", op.Op)
	}
}

func (s *State) doInsert(n *node, rec types.Record) error {
	key := rec.KeyFields(&n.schema)
	_, err := n.batch().insertLocal(key, rec.Values, s.transactionCounter)
	return err
}

// Commit ends the current transaction; subsequent mutations land on a new
// version.
func (s *State) Commit() {
	s.transactionCounter++
}

// Clear drops all batch state.
func (s *State) Clear() {
	for i := range s.dag.nodes {
		s.dag.nodes[i].batch().clear()
	}
}

// batchLookup tracks one scheduled read: which node entry it belongs to,
// the version it was observed at, where its result lands in the read
// batch, and whether its outgoing edges should be followed.
type batchLookup struct {
	node         int
	nodebatchIdx int
	version      int
	readbatchIdx int
	hasRead      bool
	follow       bool
}

// Persist writes every batch entry to the remote store: whole-record
// overwrites or deletes for one-to-one nodes, whole-list overwrites for
// aggregated nodes (baseline fetched first when missing). On success the
// batch state is drained and the transaction counter reset; on remote
// failure the state is kept so the caller can retry.
func (s *State) Persist(ctx context.Context, client remote.Client) error {
	readBatch := remote.NewReadBatch(client, 0, s.batchCapacity)
	var lookups []batchLookup
	if err := s.addManyNodeBaseLookups(readBatch, &lookups); err != nil {
		return err
	}
	readResults, err := readBatch.Execute(ctx)
	if err != nil {
		return remoteErr(err)
	}
	for _, lookup := range lookups {
		if err := s.updateFromLookup(lookup.readbatchIdx, lookup.node, readResults, lookup.nodebatchIdx); err != nil {
			return err
		}
	}

	sizeUpperBound := 0
	for i := range s.dag.nodes {
		sizeUpperBound += s.dag.nodes[i].batch().len()
	}
	writeBatch := remote.NewWriteBatch(client, sizeUpperBound, s.batchCapacity)

	for i := range s.dag.nodes {
		n := &s.dag.nodes[i]
		if n.many != nil {
			if err := n.many.write(writeBatch, &n.sink); err != nil {
				return err
			}
		} else {
			if err := n.one.write(writeBatch, &n.sink); err != nil {
				return err
			}
		}
	}

	if err := writeBatch.Execute(ctx); err != nil {
		return remoteErr(err)
	}
	s.Clear()
	s.transactionCounter = 0
	return nil
}

// PerformDenorm materializes the join product for every dirty record of
// each base node, batching all remote reads breadth-first.
func (s *State) PerformDenorm(ctx context.Context, client remote.Client) ([]DenormalizedTable, error) {
	var lookups []batchLookup
	for _, base := range s.baseTables {
		n := &s.dag.nodes[base.node]
		for _, dirty := range n.one.iterDirty() {
			lookups = append(lookups, batchLookup{
				node:         base.node,
				nodebatchIdx: dirty.idx,
				version:      dirty.version,
				follow:       true,
			})
		}
	}

	rounds := 0
	readBatch := remote.NewReadBatch(client, 0, s.batchCapacity)
	for len(lookups) > 0 {
		batchResults, err := readBatch.Execute(ctx)
		if err != nil {
			return nil, remoteErr(err)
		}
		newLookups := make([]batchLookup, 0, len(lookups))
		newBatch := remote.NewReadBatch(client, len(lookups), s.batchCapacity)

		// Baselines for aggregated nodes are needed for persisting, so
		// fetch them in the first round.
		if rounds == 0 {
			if err := s.addManyNodeBaseLookups(newBatch, &newLookups); err != nil {
				return nil, err
			}
		}
		for _, lookup := range lookups {
			if lookup.hasRead {
				if err := s.updateFromLookup(lookup.readbatchIdx, lookup.node, batchResults, lookup.nodebatchIdx); err != nil {
					return nil, err
				}
			}
			if !lookup.follow {
				continue
			}
			values := s.dag.nodes[lookup.node].valuesIndex(lookup.nodebatchIdx, lookup.version)
			if len(values) == 0 {
				continue
			}
			for _, ei := range s.dag.outgoing(lookup.node) {
				e := &s.dag.edges[ei]
				target := &s.dag.nodes[e.to]
				for _, value := range values {
					key := make([]types.Field, 0, len(e.keyFields))
					for _, i := range e.keyFields {
						key = append(key, value[i])
					}
					shouldUpdate, batchIdx, err := target.batch().shouldUpdateAt(key, lookup.version)
					if err != nil {
						return nil, err
					}
					next := batchLookup{
						node:         e.to,
						nodebatchIdx: batchIdx,
						version:      lookup.version,
						follow:       true,
					}
					if shouldUpdate {
						next.readbatchIdx = newBatch.AddReadAll(target.sink.namespace, target.sink.set, key)
						next.hasRead = true
					}
					newLookups = append(newLookups, next)
				}
			}
		}
		lookups = newLookups
		readBatch = newBatch
		rounds++
	}

	var res []DenormalizedTable
	for _, base := range s.baseTables {
		n := &s.dag.nodes[base.node]
		var records [][]types.Field
		for _, dirty := range n.one.iterDirty() {
			fieldIndices := make([]int, len(n.schema.Fields))
			for i := range fieldIndices {
				fieldIndices[i] = i
			}
			records = append(records, s.recurseLookup(fieldIndices, base.node, dirty.key, dirty.version)...)
		}
		res = append(res, DenormalizedTable{
			BinNames:  base.binNames,
			Namespace: n.denormalizeTo.namespace,
			Set:       n.denormalizeTo.set,
			Records:   records,
			PK:        base.pk,
		})
	}
	return res, nil
}

// addManyNodeBaseLookups schedules a baseline read for every aggregated
// entry whose base has not been fetched yet.
func (s *State) addManyNodeBaseLookups(readBatch *remote.ReadBatch, lookups *[]batchLookup) error {
	for nid := range s.dag.nodes {
		n := &s.dag.nodes[nid]
		if n.many == nil {
			continue
		}
		for i := 0; i < n.many.m.len(); i++ {
			key, entry, _ := n.many.m.getIndex(i)
			if entry.hasBase {
				continue
			}
			readIdx := readBatch.AddReadAll(n.sink.namespace, n.sink.set, key)
			*lookups = append(*lookups, batchLookup{
				node:         nid,
				nodebatchIdx: i,
				version:      0,
				readbatchIdx: readIdx,
				hasRead:      true,
				follow:       false,
			})
		}
	}
	return nil
}

// updateFromLookup installs a remote read result into a node's batch. A
// missing remote record installs a nil baseline for one-to-one nodes and
// an empty baseline for aggregated ones.
func (s *State) updateFromLookup(readbatchIdx, nid int, results *remote.ReadBatchResults, nodebatchIdx int) error {
	n := &s.dag.nodes[nid]
	row, err := results.Get(readbatchIdx)
	if err != nil {
		return err
	}
	if n.many != nil {
		n.many.insertRemote(nodebatchIdx, parseRecordMany(row, manyListBin, n.sink.bins))
		return nil
	}
	n.one.insertRemote(nodebatchIdx, parseRecord(row, n.sink.bins))
	return nil
}

// recurseLookup collects the join product for one record: the record's own
// columns, Cartesian-multiplied with the results of every outgoing edge in
// the order outgoing returns them (most recently declared first). A missing value yields a single all-null row so the
// product keeps its shape.
func (s *State) recurseLookup(fieldIndices []int, nid int, key []types.Field, version int) [][]types.Field {
	n := &s.dag.nodes[nid]
	records, err := n.values(key, version)
	if err != nil || len(records) == 0 {
		nullRow := make([]types.Field, len(n.schema.Fields))
		for i := range nullRow {
			nullRow[i] = types.Null{}
		}
		records = [][]types.Field{nullRow}
	}

	var result [][]types.Field
	for _, record := range records {
		var resultsPerEdge [][][]types.Field
		for _, ei := range s.dag.outgoing(nid) {
			e := &s.dag.edges[ei]
			edgeKey := make([]types.Field, 0, len(e.keyFields))
			for _, i := range e.keyFields {
				edgeKey = append(edgeKey, record[i])
			}
			resultsPerEdge = append(resultsPerEdge, s.recurseLookup(e.fieldIndices, e.to, edgeKey, version))
		}

		projected := make([]types.Field, 0, len(fieldIndices))
		for _, i := range fieldIndices {
			projected = append(projected, record[i])
		}
		recordResult := [][]types.Field{projected}
		for _, edgeResult := range resultsPerEdge {
			product := make([][]types.Field, 0, len(recordResult)*len(edgeResult))
			for _, old := range recordResult {
				for _, new_ := range edgeResult {
					row := make([]types.Field, 0, len(old)+len(new_))
					row = append(row, old...)
					row = append(row, new_...)
					product = append(product, row)
				}
			}
			recordResult = product
		}
		result = append(result, recordResult...)
	}
	return result
}

// parseRecord projects a remote row onto bin names, null-filling missing
// bins. A nil row decodes to nil.
func parseRecord(row *remote.Row, bins []string) []types.Field {
	if row == nil {
		return nil
	}
	record := make([]types.Field, len(bins))
	for i, bin := range bins {
		if v, ok := row.Bins[bin]; ok {
			record[i] = v
		} else {
			record[i] = types.Null{}
		}
	}
	return record
}

// parseRecordMany decodes an aggregated node's list bin into rows aligned
// with the node's bin names. A nil or binless row decodes to an empty
// baseline.
func parseRecordMany(row *remote.Row, listBin string, bins []string) [][]types.Field {
	if row == nil {
		return nil
	}
	list, ok := row.Lists[listBin]
	if !ok {
		return nil
	}
	elementIdx := make(map[string]int, len(list.ElementBins))
	for i, name := range list.ElementBins {
		elementIdx[name] = i
	}
	records := make([][]types.Field, 0, len(list.Rows))
	for _, elem := range list.Rows {
		record := make([]types.Field, len(bins))
		for i, bin := range bins {
			if j, ok := elementIdx[bin]; ok && j < len(elem) {
				record[i] = elem[j]
			} else {
				record[i] = types.Null{}
			}
		}
		records = append(records, record)
	}
	return records
}
