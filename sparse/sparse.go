// Package sparse implements segmented graph operations used by graph neural
// network layers: softmax and sum reductions grouped by an index vector
// (typically the destination node of each edge), and self-loop adjustment of
// edge sets.
//
// A "segmented" reduction is keyed by an index array rather than performed
// over a dense axis: group sizes vary per segment, and segments may be empty.
package sparse

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Softmax takes logits and the segment indices where they should normalize,
// and returns the probabilities:
//
//	denominator[j] = \sum_{i \in set{indices[i] = j}}(exp(logits[i]))
//	softmax[i] = exp(logits[i]) / denominator[indices[i]]
//
// If logitsMask is not nil, exp(logits[i]) is replaced with 0 where
// logitsMask is false, so masked entries get probability 0 and do not
// contribute to their segment's denominator.
//
// Args:
//   - logits: shaped [n] or [n, numHeads] of some float dtype. With the
//     rank-2 form each head ("column") is normalized independently.
//   - logitsMask: nil or a vector shaped [n] of bools; with rank-2 logits it
//     applies to all heads of an entry.
//   - indices: shaped [n, 1], with the segment each logit belongs to.
//   - numSegments: static number of segments, required at graph building
//     time because the per-segment reductions use temporary nodes with this
//     dimension. All indices must be in [0, numSegments).
//   - sorted: set to true only if indices are sorted (ascending), it allows
//     a faster runtime in some platforms. In doubt, leave it false.
//
// It returns the probabilities with the same shape and dtype as logits.
//
// It is numerically stable: the per-segment maximum is subtracted (with its
// gradient stopped) before exponentiation. Empty segments yield no output
// entries and do not produce NaNs.
//
// Example:
//
//	logits := Const(g, []float32{ln1, ln2, ln1, ln2, ln1})
//	indices := Const(g, [][]int32{{0}, {0}, {0}, {1}, {1}})
//	probs := sparse.Softmax(logits, nil, indices, 2, false)
//	// probs == []float32{1.0 / 4, 2.0 / 4, 1.0 / 4, 2.0 / 3, 1.0 / 3}
func Softmax(logits, logitsMask, indices *graph.Node, numSegments int, sorted bool) *graph.Node {
	if !logits.DType().IsFloat() {
		Panicf("invalid logits dtype %s, it must be float", logits.DType())
	}
	if logits.Rank() != 1 && logits.Rank() != 2 {
		Panicf("invalid logits rank, it must be 1 or 2, got shape %s", logits.Shape())
	}
	n := logits.Shape().Dim(0)
	if !indices.DType().IsInt() {
		Panicf("invalid indices dtype %s, it must be an int or uint", indices.DType())
	}
	if indices.Shape().CheckDims(n, 1) != nil {
		Panicf("indices must be shaped [n=%d, 1], got shape %s", n, indices.Shape())
	}
	if logitsMask != nil {
		if logitsMask.DType() != dtypes.Bool {
			Panicf("invalid logitsMask dtype %s, if set it must be a bool", logitsMask.DType())
		}
		if logitsMask.Shape().CheckDims(n) != nil {
			Panicf("logitsMask must be shaped [n=%d], got shape %s", n, logitsMask.Shape())
		}
	}
	if numSegments <= 0 {
		Panicf("numSegments must be positive, got %d", numSegments)
	}

	g := logits.Graph()
	dtype := logits.DType()
	zero := graph.ScalarZero(g, dtype)
	one := graph.ScalarOne(g, dtype)
	lowest := graph.Const(g, dtype.LowestValue())

	// Internally work on the rank-2 form [n, numHeads].
	squeezeBack := false
	if logits.Rank() == 1 {
		logits = graph.InsertAxes(logits, -1)
		squeezeBack = true
	}
	numHeads := logits.Shape().Dim(1)
	var mask *graph.Node
	if logitsMask != nil {
		mask = graph.BroadcastToDims(graph.InsertAxes(logitsMask, -1), n, numHeads)
	}

	// Normalize the logits by subtracting the per-segment maximum: improved
	// numeric stability without any change in the result.
	normalizingMax := graph.BroadcastToDims(lowest, numSegments, numHeads)
	tmpLogits := logits
	if mask != nil {
		// Values masked out must not participate in the calculation of the max.
		tmpLogits = graph.Where(mask, logits, lowest)
	}
	normalizingMax = graph.ScatterMax(normalizingMax, indices, tmpLogits, sorted, false)
	// Segments whose entries are all masked out never got an update: leave
	// them at 0 so the subtraction below doesn't overflow.
	normalizingMax = graph.Where(graph.Equal(normalizingMax, lowest), zero, normalizingMax)
	normalizingMax = graph.Gather(normalizingMax, indices, sorted)
	normalizingMax = graph.StopGradient(normalizingMax)
	normalizedLogits := graph.Sub(logits, normalizingMax)

	// Numerator for the softmax:
	expLogits := graph.Exp(normalizedLogits)
	if mask != nil {
		expLogits = graph.Where(mask, expLogits, zero)
	}

	// Denominators:
	sumExpLogits := graph.Zeros(g, shapes.Make(dtype, numSegments, numHeads))
	sumExpLogits = graph.ScatterSum(sumExpLogits, indices, expLogits, sorted, false)
	sumExpLogits = graph.Where(graph.Equal(sumExpLogits, zero), one, sumExpLogits) // Avoid division by 0 (NaN) even in masked out values.
	sumExpLogits = graph.Gather(sumExpLogits, indices, sorted)

	probs := graph.Div(expLogits, sumExpLogits)
	if squeezeBack {
		probs = graph.Squeeze(probs, -1)
	}
	return probs
}

// Sum aggregates data per segment: it returns a tensor shaped
// [numSegments, ...] where entry j is the sum of data[i] over all i with
// indices[i] == j. Empty segments are zero.
//
// Args:
//   - data: shaped [n, ...], any number dtype.
//   - indices: shaped [n, 1], some integer dtype, values in [0, numSegments).
//   - numSegments: static number of segments, required at graph building time.
//   - sorted: set to true only if indices are sorted (ascending).
func Sum(data, indices *graph.Node, numSegments int, sorted bool) *graph.Node {
	if data.Rank() < 1 {
		Panicf("data must have rank >= 1, got shape %s", data.Shape())
	}
	n := data.Shape().Dim(0)
	if !indices.DType().IsInt() {
		Panicf("invalid indices dtype %s, it must be an int or uint", indices.DType())
	}
	if indices.Shape().CheckDims(n, 1) != nil {
		Panicf("indices must be shaped [n=%d, 1], got shape %s", n, indices.Shape())
	}
	if numSegments <= 0 {
		Panicf("numSegments must be positive, got %d", numSegments)
	}
	g := data.Graph()
	dims := make([]int, data.Rank())
	dims[0] = numSegments
	copy(dims[1:], data.Shape().Dimensions[1:])
	operand := graph.Zeros(g, shapes.Make(data.DType(), dims...))
	return graph.ScatterSum(operand, indices, data, sorted, false)
}

// AddSelfLoopEdges adjusts an edge set so that every node has exactly one
// live self-loop: it appends one self-loop per node in [0, numNodes) and
// returns a boolean mask that disables any self-loops already present in the
// input edges.
//
// Because graph shapes are static, pre-existing self-loops are masked out
// rather than removed: the returned edge vectors always have
// numEdges+numNodes entries, of which the masked-out ones must be ignored by
// downstream segmented reductions (pass the mask to [Softmax]).
//
// Args:
//   - edgesSource, edgesTarget: both shaped [numEdges] with the same integer
//     dtype, the source and target node of each edge.
//   - numNodes: number of nodes to add self-loops for. For a bipartite graph
//     this should be the smaller of the two node set sizes.
//
// It returns the adjusted source and target vectors, both shaped
// [numEdges+numNodes], and the mask of live edges with the same shape.
func AddSelfLoopEdges(edgesSource, edgesTarget *graph.Node, numNodes int) (src, tgt, mask *graph.Node) {
	if edgesSource.Rank() != 1 || !edgesSource.Shape().Equal(edgesTarget.Shape()) {
		Panicf("edgesSource and edgesTarget must both be shaped [numEdges], got %s and %s",
			edgesSource.Shape(), edgesTarget.Shape())
	}
	if !edgesSource.DType().IsInt() {
		Panicf("invalid edges dtype %s, it must be an int or uint", edgesSource.DType())
	}
	if numNodes <= 0 {
		Panicf("numNodes must be positive, got %d", numNodes)
	}
	g := edgesSource.Graph()
	dtype := edgesSource.DType()

	liveOriginals := graph.NotEqual(edgesSource, edgesTarget)
	diagonal := graph.Iota(g, shapes.Make(dtype, numNodes), 0)
	src = graph.Concatenate([]*graph.Node{edgesSource, diagonal}, 0)
	tgt = graph.Concatenate([]*graph.Node{edgesTarget, diagonal}, 0)
	allTrue := graph.BroadcastToDims(graph.Const(g, true), numNodes)
	mask = graph.Concatenate([]*graph.Node{liveOriginals, allTrue}, 0)
	return
}
