// Package adjacency holds host-side (concrete, non-graph) representations of
// the connectivity of a graph, used to preprocess edge sets before they are
// fed to the attention layers.
//
// Two representations are supported: a plain [EdgeList] (a pair of
// source/target index vectors, the "COO pair" form) and a [COO] sparse
// adjacency matrix with optional explicit per-edge values. Both implement
// [Adjacency], so code that needs to adjust self-loops or upload edges to a
// computation graph is written once.
package adjacency

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
)

// Adjacency is the capability set shared by the edge representations:
// enumeration of the edge pairs, self-loop adjustment, and upload to host
// tensors ready to be fed to a computation graph.
//
// Duplicate edges are permitted in any representation: they simply
// contribute multiple message terms during aggregation.
type Adjacency interface {
	// NumEdges returns the number of edges, counting duplicates.
	NumEdges() int

	// EdgePairs returns the source and target node index of each edge.
	// The returned slices are owned by the receiver and must not be modified.
	EdgePairs() (sources, targets []int32)

	// WithoutSelfLoops returns a copy with every self-loop (edges i->i)
	// removed.
	WithoutSelfLoops() Adjacency

	// WithSelfLoops returns a copy where every node in [0, numNodes) has
	// exactly one self-loop, regardless of how many (if any) existed before;
	// self-loops of nodes outside that range are removed. It is idempotent:
	// applying it twice with the same numNodes gives the same edge set.
	// Representations with a fixed dimension ([COO]) panic when numNodes
	// exceeds it.
	WithSelfLoops(numNodes int) Adjacency

	// Tensors uploads the source and target index vectors as host tensors,
	// both shaped [NumEdges()] of int32.
	Tensors() (sources, targets *tensors.Tensor)
}

// EdgeList is the plain "pair of index vectors" representation: edge i goes
// from Sources[i] to Targets[i]. There is no guaranteed ordering by target.
type EdgeList struct {
	Sources, Targets []int32
}

// NewEdgeList creates an EdgeList from the given source and target index
// slices. It panics if the slices have different lengths or contain negative
// indices: malformed connectivity is a construction-time contract violation.
func NewEdgeList(sources, targets []int32) *EdgeList {
	validateEdges(sources, targets)
	return &EdgeList{Sources: sources, Targets: targets}
}

// NumEdges returns the number of edges, counting duplicates.
func (e *EdgeList) NumEdges() int { return len(e.Sources) }

// EdgePairs returns the source and target node index of each edge.
func (e *EdgeList) EdgePairs() (sources, targets []int32) { return e.Sources, e.Targets }

// WithoutSelfLoops returns a copy of the edge list with every self-loop
// removed.
func (e *EdgeList) WithoutSelfLoops() Adjacency {
	sources, targets := dropSelfLoops(e.Sources, e.Targets)
	return &EdgeList{Sources: sources, Targets: targets}
}

// WithSelfLoops strips any existing self-loops and appends exactly one
// self-loop per node in [0, numNodes).
func (e *EdgeList) WithSelfLoops(numNodes int) Adjacency {
	sources, targets := dropSelfLoops(e.Sources, e.Targets)
	sources, targets = appendDiagonal(sources, targets, numNodes)
	return &EdgeList{Sources: sources, Targets: targets}
}

// Tensors uploads the source and target index vectors as int32 host tensors.
func (e *EdgeList) Tensors() (sources, targets *tensors.Tensor) {
	return tensors.FromValue(e.Sources), tensors.FromValue(e.Targets)
}

// InferNumNodes returns 1 plus the largest node index referenced by any
// edge, or 0 for an empty edge list. Isolated trailing nodes are not seen by
// any edge, so callers that know the true node count should use it instead.
func (e *EdgeList) InferNumNodes() int {
	var maxIdx int32 = -1
	for _, s := range e.Sources {
		maxIdx = max(maxIdx, s)
	}
	for _, t := range e.Targets {
		maxIdx = max(maxIdx, t)
	}
	return int(maxIdx) + 1
}

// COO is a sparse adjacency matrix in coordinate form: entry i connects node
// Rows[i] to node Cols[i], optionally carrying the explicit value Values[i]
// (nil Values means an implicit value of 1 per edge -- an unweighted graph).
type COO struct {
	// NumNodes is the (square) dimension of the adjacency matrix.
	NumNodes int

	Rows, Cols []int32

	// Values is either nil or aligned with Rows/Cols.
	Values []float32
}

// NewCOO creates a COO adjacency for a graph with numNodes nodes. values may
// be nil. It panics on mismatched slice lengths, negative indices or indices
// >= numNodes.
func NewCOO(numNodes int, rows, cols []int32, values []float32) *COO {
	validateEdges(rows, cols)
	if values != nil && len(values) != len(rows) {
		Panicf("values has %d entries, expected %d (one per edge)", len(values), len(rows))
	}
	for i := range rows {
		if int(rows[i]) >= numNodes || int(cols[i]) >= numNodes {
			Panicf("edge %d (%d->%d) out of range for a %d-node adjacency",
				i, rows[i], cols[i], numNodes)
		}
	}
	return &COO{NumNodes: numNodes, Rows: rows, Cols: cols, Values: values}
}

// NumEdges returns the number of stored entries, counting duplicates.
func (c *COO) NumEdges() int { return len(c.Rows) }

// EdgePairs returns the source (row) and target (column) node index of each
// entry.
func (c *COO) EdgePairs() (sources, targets []int32) { return c.Rows, c.Cols }

// WithoutSelfLoops returns a copy with all diagonal entries removed.
func (c *COO) WithoutSelfLoops() Adjacency {
	rows, cols, values := dropDiagonal(c.Rows, c.Cols, c.Values)
	return &COO{NumNodes: c.NumNodes, Rows: rows, Cols: cols, Values: values}
}

// WithSelfLoops strips all diagonal entries and stores one entry (i, i) with
// value 1 for every node i in [0, numNodes). numNodes must not exceed the
// matrix dimension; use [COO.SetDiag] to fill the whole diagonal.
func (c *COO) WithSelfLoops(numNodes int) Adjacency {
	if numNodes > c.NumNodes {
		Panicf("WithSelfLoops(numNodes=%d) out of range for a %d-node COO adjacency", numNodes, c.NumNodes)
	}
	rows, cols, values := dropDiagonal(c.Rows, c.Cols, c.Values)
	for i := range int32(numNodes) {
		rows = append(rows, i)
		cols = append(cols, i)
		if values != nil {
			values = append(values, 1)
		}
	}
	return &COO{NumNodes: c.NumNodes, Rows: rows, Cols: cols, Values: values}
}

// SetDiag returns a copy where the diagonal is fully set: any existing
// diagonal entries are dropped, and one entry (i, i) with the given value is
// stored for every node i.
func (c *COO) SetDiag(value float32) *COO {
	rows, cols, values := dropDiagonal(c.Rows, c.Cols, c.Values)
	for i := range int32(c.NumNodes) {
		rows = append(rows, i)
		cols = append(cols, i)
		if values != nil {
			values = append(values, value)
		}
	}
	return &COO{NumNodes: c.NumNodes, Rows: rows, Cols: cols, Values: values}
}

// WithValues returns a copy annotated with the given per-edge values, e.g.
// the attention coefficients computed by a layer. It panics if values is not
// aligned with the stored edges.
func (c *COO) WithValues(values []float32) *COO {
	if len(values) != len(c.Rows) {
		Panicf("values has %d entries, expected %d (one per edge)", len(values), len(c.Rows))
	}
	return &COO{NumNodes: c.NumNodes, Rows: c.Rows, Cols: c.Cols, Values: values}
}

// Tensors uploads the row and column index vectors as int32 host tensors.
func (c *COO) Tensors() (sources, targets *tensors.Tensor) {
	return tensors.FromValue(c.Rows), tensors.FromValue(c.Cols)
}

// ValuesTensor uploads the per-edge values as a float32 host tensor, filling
// in the implicit 1s if no explicit values are stored.
func (c *COO) ValuesTensor() *tensors.Tensor {
	values := c.Values
	if values == nil {
		values = make([]float32, len(c.Rows))
		for i := range values {
			values[i] = 1
		}
	}
	return tensors.FromValue(values)
}

func validateEdges(sources, targets []int32) {
	if len(sources) != len(targets) {
		Panicf("sources has %d entries, targets has %d, they must pair up", len(sources), len(targets))
	}
	for i := range sources {
		if sources[i] < 0 || targets[i] < 0 {
			Panicf("edge %d (%d->%d) has a negative node index", i, sources[i], targets[i])
		}
	}
}

func dropSelfLoops(sources, targets []int32) (outSources, outTargets []int32) {
	outSources = make([]int32, 0, len(sources))
	outTargets = make([]int32, 0, len(targets))
	for i := range sources {
		if sources[i] == targets[i] {
			continue
		}
		outSources = append(outSources, sources[i])
		outTargets = append(outTargets, targets[i])
	}
	return
}

func appendDiagonal(sources, targets []int32, numNodes int) (outSources, outTargets []int32) {
	outSources, outTargets = sources, targets
	for i := range int32(numNodes) {
		outSources = append(outSources, i)
		outTargets = append(outTargets, i)
	}
	return
}

func dropDiagonal(rows, cols []int32, values []float32) (outRows, outCols []int32, outValues []float32) {
	outRows = make([]int32, 0, len(rows))
	outCols = make([]int32, 0, len(cols))
	if values != nil {
		outValues = make([]float32, 0, len(values))
	}
	for i := range rows {
		if rows[i] == cols[i] {
			continue
		}
		outRows = append(outRows, rows[i])
		outCols = append(outCols, cols[i])
		if values != nil {
			outValues = append(outValues, values[i])
		}
	}
	return
}
