package denorm

import (
	"strings"

	"github.com/streamweld/streamweld/types"
)

// sinkSchema is the remote addressing of one node: namespace, set and the
// record's bin names in schema field order.
type sinkSchema struct {
	namespace string
	set       string
	bins      []string
}

// denormTarget is where a base node writes its denormalized projection.
type denormTarget struct {
	namespace  string
	set        string
	primaryKey []string
}

// batch is the versioned per-node record store. The two implementations
// are oneToOneBatch and oneToManyBatch.
type batch interface {
	insertLocal(key, value []types.Field, version int) (int, error)
	removeLocal(key, oldValue []types.Field, version int) (int, error)
	replaceLocal(key, oldValue, newValue []types.Field, version int) (int, error)
	shouldUpdateAt(key []types.Field, version int) (bool, int, error)
	clear()
	len() int
}

func (b *oneToOneBatch) removeLocal(key, oldValue []types.Field, version int) (int, error) {
	return b.insertLocal(key, nil, version)
}

func (b *oneToOneBatch) replaceLocal(key, _, newValue []types.Field, version int) (int, error) {
	return b.insertImpl(key, newValue, version, true, true)
}

type node struct {
	schema        types.Schema
	sink          sinkSchema
	denormalizeTo *denormTarget

	one  *oneToOneBatch
	many *oneToManyBatch
}

func (n *node) batch() batch {
	if n.many != nil {
		return n.many
	}
	return n.one
}

// values returns the record(s) for key at the given version: one record
// for a one-to-one node, the aggregated multiset for a one-to-many node.
// An empty result means no value is known.
func (n *node) values(key []types.Field, version int) ([][]types.Field, error) {
	if n.many != nil {
		return n.many.get(key, version)
	}
	rec, err := n.one.get(key, version)
	if err != nil || rec == nil || rec.record == nil {
		return nil, err
	}
	return [][]types.Field{rec.record}, nil
}

func (n *node) valuesIndex(index, version int) [][]types.Field {
	if n.many != nil {
		return n.many.getIndex(index, version)
	}
	rec := n.one.getIndex(index, version)
	if rec == nil || rec.record == nil {
		return nil
	}
	return [][]types.Field{rec.record}
}

// edge is a lookup from a denormalizing node to the node it pulls columns
// from. Edges hold metadata only; the nodes own all record state.
type edge struct {
	from, to int
	// keyFields are positions in the source node's schema that form the
	// lookup key.
	keyFields []int
	// bins are the result bin names added to the join product.
	bins []string
	// fieldIndices are the positions in the target node's schema the bins
	// are read from.
	fieldIndices []int
}

type dag struct {
	nodes []node
	edges []edge
	// out holds the outgoing edge indices per node, in insertion order.
	out [][]int
}

func (d *dag) addNode(n node) int {
	d.nodes = append(d.nodes, n)
	d.out = append(d.out, nil)
	return len(d.nodes) - 1
}

// addEdge inserts an edge, rejecting it if it would close a cycle.
func (d *dag) addEdge(e edge) error {
	if d.reaches(e.to, e.from) {
		return &CycleError{
			Namespace:     d.nodes[e.from].sink.namespace,
			Set:           d.nodes[e.from].sink.set,
			FromNamespace: d.nodes[e.to].sink.namespace,
			FromSet:       d.nodes[e.to].sink.set,
		}
	}
	d.edges = append(d.edges, e)
	d.out[e.from] = append(d.out[e.from], len(d.edges)-1)
	return nil
}

// reaches reports whether target is reachable from start along edges.
func (d *dag) reaches(start, target int) bool {
	if start == target {
		return true
	}
	stack := []int{start}
	seen := make([]bool, len(d.nodes))
	seen[start] = true
	for len(stack) > 0 {
		nid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, ei := range d.out[nid] {
			next := d.edges[ei].to
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// outgoing yields a node's outgoing edge indices in processing order:
// most-recently-declared first. Join products and the recursive bin-name
// concatenation both follow this order.
func (d *dag) outgoing(nid int) []int {
	edges := d.out[nid]
	out := make([]int, len(edges))
	for i, ei := range edges {
		out[len(edges)-1-i] = ei
	}
	return out
}

// binNamesRecursive appends, depth-first in edge processing order, the bin
// names every outgoing lookup contributes to a base node's join product.
func (d *dag) binNamesRecursive(nid int, bins *[]string) {
	for _, ei := range d.outgoing(nid) {
		e := &d.edges[ei]
		*bins = append(*bins, e.bins...)
		d.binNamesRecursive(e.to, bins)
	}
}

func validBinName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return &InvalidNameError{Name: name}
	}
	return nil
}

func binNames(fields []types.FieldDefinition) ([]string, error) {
	names := make([]string, len(fields))
	for i, f := range fields {
		if err := validBinName(f.Name); err != nil {
			return nil, err
		}
		names[i] = f.Name
	}
	return names, nil
}

// buildDag constructs the graph from sink table declarations, validating
// set references, lookup keys and acyclicity.
func buildDag(tables []TableWithSchema) (*dag, error) {
	d := &dag{}
	type setKey struct{ namespace, set string }
	nodeByName := make(map[setKey]int)

	for i := range tables {
		table, schema := &tables[i].Config, &tables[i].Schema
		bins, err := binNames(schema.Fields)
		if err != nil {
			return nil, err
		}
		// The declared primary_key names take over when the schema itself
		// does not mark a primary index.
		if len(schema.PrimaryIndex) == 0 && len(table.PrimaryKey) > 0 {
			for _, name := range table.PrimaryKey {
				idx, _, err := schema.FieldIndex(name)
				if err != nil {
					return nil, &FieldNotFoundError{Name: name}
				}
				schema.PrimaryIndex = append(schema.PrimaryIndex, idx)
			}
		}
		var target *denormTarget
		if to := table.WriteDenormalizedTo; to != nil {
			target = &denormTarget{
				namespace:  to.Namespace,
				set:        to.Set,
				primaryKey: append([]string(nil), to.PrimaryKey...),
			}
		}
		n := node{
			schema: *schema,
			sink: sinkSchema{
				namespace: table.Namespace,
				set:       table.SetName,
				bins:      bins,
			},
			denormalizeTo: target,
		}
		if table.AggregateByPK {
			n.many = newOneToManyBatch()
		} else {
			n.one = newOneToOneBatch()
		}
		idx := d.addNode(n)
		key := setKey{table.Namespace, table.SetName}
		if _, dup := nodeByName[key]; dup {
			return nil, &DuplicateSinkTableError{Namespace: table.Namespace, Set: table.SetName}
		}
		nodeByName[key] = idx
	}

	for i := range tables {
		table, schema := &tables[i].Config, &tables[i].Schema
		fromIdx := nodeByName[setKey{table.Namespace, table.SetName}]

		for _, rule := range table.Denormalize {
			toIdx, ok := nodeByName[setKey{rule.FromNamespace, rule.FromSet}]
			if !ok {
				return nil, &SetNotFoundError{Namespace: rule.FromNamespace, Set: rule.FromSet}
			}
			toSchema := &d.nodes[toIdx].schema

			keyIdx := make([]int, 0, len(rule.Key.Fields))
			for _, name := range rule.Key.Fields {
				idx, _, err := schema.FieldIndex(name)
				if err != nil {
					return nil, &FieldNotFoundError{Name: name}
				}
				keyIdx = append(keyIdx, idx)
			}

			mismatch := &MismatchedKeysError{
				LookupNamespace: rule.FromNamespace,
				LookupSet:       rule.FromSet,
				DenormNamespace: table.Namespace,
				DenormSet:       table.SetName,
			}
			if len(keyIdx) != len(toSchema.PrimaryIndex) {
				return nil, mismatch
			}
			for i, denormIdx := range keyIdx {
				if schema.Fields[denormIdx].Type != toSchema.Fields[toSchema.PrimaryIndex[i]].Type {
					return nil, mismatch
				}
			}

			bins := make([]string, 0, len(rule.Columns))
			fieldIndices := make([]int, 0, len(rule.Columns))
			for _, col := range rule.Columns {
				if err := validBinName(col.Target); err != nil {
					return nil, err
				}
				idx, _, err := toSchema.FieldIndex(col.Source)
				if err != nil {
					return nil, &FieldNotFoundError{Name: col.Source}
				}
				bins = append(bins, col.Target)
				fieldIndices = append(fieldIndices, idx)
			}

			if err := d.addEdge(edge{
				from:         fromIdx,
				to:           toIdx,
				keyFields:    keyIdx,
				bins:         bins,
				fieldIndices: fieldIndices,
			}); err != nil {
				return nil, err
			}
		}
	}

	return d, nil
}
