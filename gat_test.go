package gat

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/ctxtest"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvolutionShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "shapes")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 5, 3))
	edgesSource := Const(g, []int32{0, 1, 2, 3})
	edgesTarget := Const(g, []int32{1, 2, 3, 4})

	out := Convolution(ctx.In("concat"), x, edgesSource, edgesTarget, 2).
		NumHeads(3).Done()
	assert.EqualValues(t, []int{5, 6}, out.Shape().Dimensions, "concatenated heads")

	out, coefficients := Convolution(ctx.In("averaged"), x, edgesSource, edgesTarget, 2).
		NumHeads(3).ConcatHeads(false).DoneWithCoefficients()
	assert.EqualValues(t, []int{5, 2}, out.Shape().Dimensions, "averaged heads")
	// 4 input edges plus 5 appended self-loops.
	assert.EqualValues(t, []int{9, 3}, coefficients.Shape().Dimensions, "coefficients")

	// Bipartite: 5 source nodes, 2 target nodes, self-loops bounded by the
	// smaller side.
	targetX := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4))
	bipartiteTarget := Const(g, []int32{0, 0, 1, 1})
	out, coefficients = Convolution(ctx.In("bipartite"), x, edgesSource, bipartiteTarget, 2).
		NumHeads(2).TargetFeatures(targetX).DoneWithCoefficients()
	assert.EqualValues(t, []int{2, 4}, out.Shape().Dimensions, "bipartite output")
	assert.EqualValues(t, []int{6, 2}, coefficients.Shape().Dimensions, "bipartite coefficients")
}

func TestConvolutionRejectsBatchedInput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "batched")
	x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 4))
	edgesSource := Const(g, []int32{0})
	edgesTarget := Const(g, []int32{1})
	require.Panics(t, func() {
		Convolution(ctx, x, edgesSource, edgesTarget, 2).Done()
	})
}

func TestConvolutionZeroEdges(t *testing.T) {
	// With no input edges and self-loops enabled every node attends only to
	// itself: the output is the head-combined projection of its own features.
	// With all-ones weights each projected channel is the node's feature sum.
	ctxtest.RunTestGraphFn(t, "zero-edge graph attends only to self",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			ctx = ctx.WithInitializer(initializers.One)
			x := IotaFull(g, shapes.Make(dtypes.Float32, 3, 2))
			edgesSource := Zeros(g, shapes.Make(dtypes.Int32, 0))
			edgesTarget := Zeros(g, shapes.Make(dtypes.Int32, 0))
			out := Convolution(ctx, x, edgesSource, edgesTarget, 2).
				NumHeads(2).Done()
			inputs = []*Node{x}
			outputs = []*Node{out}
			return
		}, []any{
			[][]float32{{1, 1, 1, 1}, {5, 5, 5, 5}, {9, 9, 9, 9}},
		}, xslices.Epsilon)
}

// A 4-node path graph (0-1-2-3) with both edge directions supplied and the 4
// self-loops the convolution appends.
var pathGraphSources = []int{0, 1, 1, 2, 2, 3, 0, 1, 2, 3}
var pathGraphTargets = []int{1, 0, 2, 1, 3, 2, 0, 1, 2, 3}

// softmaxAggregate is a plain-float64 reference for the attention
// aggregation: it normalizes scores per target segment (with the stabilizing
// per-segment max subtraction) and sums the per-edge source values weighted
// by the resulting coefficients.
func softmaxAggregate(scores, sourceValues []float64, targets []int, numTargets int) (coefficients, out []float64) {
	coefficients = make([]float64, len(scores))
	out = make([]float64, numTargets)
	for target := range numTargets {
		maxScore := math.Inf(-1)
		for e := range scores {
			if targets[e] == target {
				maxScore = math.Max(maxScore, scores[e])
			}
		}
		var sumExp float64
		for e := range scores {
			if targets[e] == target {
				coefficients[e] = math.Exp(scores[e] - maxScore)
				sumExp += coefficients[e]
			}
		}
		for e := range scores {
			if targets[e] == target {
				coefficients[e] /= sumExp
				out[target] += coefficients[e] * sourceValues[e]
			}
		}
	}
	return
}

// pathGraphReference computes the expected coefficients and outputs for the
// path graph under all-ones weights: the projection of node i is its feature
// sum s[i] in every channel and its raw attention term is 2*s[i] per side.
func pathGraphReference(s []float64, negativeSlope float64) (coefficients []float64, out []float64) {
	numEdges := len(pathGraphSources)
	scores := make([]float64, numEdges)
	sourceValues := make([]float64, numEdges)
	for e := range numEdges {
		score := 2 * (s[pathGraphSources[e]] + s[pathGraphTargets[e]])
		if score < 0 {
			score *= negativeSlope
		}
		scores[e] = score
		sourceValues[e] = s[pathGraphSources[e]]
	}
	return softmaxAggregate(scores, sourceValues, pathGraphTargets, len(s))
}

func pathGraphFn(ctx *context.Context, g *Graph) []*Node {
	ctx = ctx.WithInitializer(initializers.One)
	x := IotaFull(g, shapes.Make(dtypes.Float32, 4, 3))
	edgesSource := Const(g, []int32{0, 1, 1, 2, 2, 3})
	edgesTarget := Const(g, []int32{1, 0, 2, 1, 3, 2})
	out, coefficients := Convolution(ctx, x, edgesSource, edgesTarget, 2).
		DoneWithCoefficients()
	return []*Node{out, coefficients}
}

func TestConvolutionPathGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, pathGraphFn)
	results := exec.Call()
	out := results[0].Value().([][]float32)
	coefficients := results[1].Value().([][]float32)

	// Features are IotaFull([4, 3]): per-node feature sums.
	s := []float64{3, 12, 21, 30}
	wantCoefficients, wantOut := pathGraphReference(s, 0.2)

	require.Len(t, out, 4)
	for node := range 4 {
		for _, channel := range out[node] {
			assert.InDeltaf(t, wantOut[node], float64(channel), 1e-3,
				"output of node %d", node)
		}
	}

	require.Len(t, coefficients, len(pathGraphSources))
	perTargetSum := make([]float64, 4)
	perTargetLive := make([]int, 4)
	for e := range coefficients {
		coefficient := float64(coefficients[e][0])
		assert.InDeltaf(t, wantCoefficients[e], coefficient, 1e-4,
			"coefficient of edge %d->%d", pathGraphSources[e], pathGraphTargets[e])
		perTargetSum[pathGraphTargets[e]] += coefficient
		if coefficient > 0 {
			perTargetLive[pathGraphTargets[e]]++
		}
	}
	for target := range 4 {
		assert.InDeltaf(t, 1.0, perTargetSum[target], 1e-5,
			"attention mass of node %d", target)
	}
	// End nodes split mass between 2 edges (neighbor + self-loop), middle
	// nodes among 3.
	assert.Equal(t, []int{2, 3, 3, 2}, perTargetLive)
}

func TestConvolutionBipartite(t *testing.T) {
	// 3 source nodes with 2 features, 2 target nodes with 3 features, all-ones
	// weights: the projected channels are the per-node feature sums and each
	// side contributes 2*sum to the raw attention score.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		ctx = ctx.WithInitializer(initializers.One)
		x := IotaFull(g, shapes.Make(dtypes.Float32, 3, 2))
		targetX := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3))
		out, coefficients := Convolution(ctx, x,
			Const(g, []int32{0, 1, 2}), Const(g, []int32{1, 0, 1}), 2).
			TargetFeatures(targetX).
			DoneWithCoefficients()
		return []*Node{out, coefficients}
	})
	results := exec.Call()
	out := results[0].Value().([][]float32)
	coefficients := results[1].Value().([][]float32)

	sourceSums := []float64{1, 5, 9}
	targetSums := []float64{3, 12}
	// The input edges followed by one self-loop per node of the smaller
	// (target) side.
	sources := []int{0, 1, 2, 0, 1}
	targets := []int{1, 0, 1, 0, 1}
	scores := make([]float64, len(sources))
	sourceValues := make([]float64, len(sources))
	for e := range scores {
		scores[e] = 2*sourceSums[sources[e]] + 2*targetSums[targets[e]]
		sourceValues[e] = sourceSums[sources[e]]
	}
	wantCoefficients, wantOut := softmaxAggregate(scores, sourceValues, targets, 2)

	require.Len(t, out, 2)
	for node := range out {
		for _, channel := range out[node] {
			assert.InDeltaf(t, wantOut[node], float64(channel), 1e-3,
				"output of target node %d", node)
		}
	}
	require.Len(t, coefficients, len(sources))
	for e := range coefficients {
		assert.InDeltaf(t, wantCoefficients[e], float64(coefficients[e][0]), 1e-4,
			"coefficient of edge %d->%d", sources[e], targets[e])
	}
}

func TestConvolutionNumTargetNodes(t *testing.T) {
	// Aggregating into target nodes that have no features of their own: the
	// attention score of an edge carries only its source term.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		ctx = ctx.WithInitializer(initializers.One)
		x := IotaFull(g, shapes.Make(dtypes.Float32, 3, 2))
		out, coefficients := Convolution(ctx, x,
			Const(g, []int32{0, 1, 2, 2}), Const(g, []int32{1, 0, 1, 0}), 2).
			NumTargetNodes(2).
			DoneWithCoefficients()
		return []*Node{out, coefficients}
	})
	results := exec.Call()
	out := results[0].Value().([][]float32)
	coefficients := results[1].Value().([][]float32)

	sourceSums := []float64{1, 5, 9}
	sources := []int{0, 1, 2, 2, 0, 1}
	targets := []int{1, 0, 1, 0, 0, 1}
	scores := make([]float64, len(sources))
	sourceValues := make([]float64, len(sources))
	for e := range scores {
		scores[e] = 2 * sourceSums[sources[e]]
		sourceValues[e] = sourceSums[sources[e]]
	}
	wantCoefficients, wantOut := softmaxAggregate(scores, sourceValues, targets, 2)

	require.Len(t, out, 2)
	for node := range out {
		for _, channel := range out[node] {
			assert.InDeltaf(t, wantOut[node], float64(channel), 1e-3,
				"output of target node %d", node)
		}
	}
	require.Len(t, coefficients, len(sources))
	perTargetSum := make([]float64, 2)
	for e := range coefficients {
		assert.InDeltaf(t, wantCoefficients[e], float64(coefficients[e][0]), 1e-4,
			"coefficient of edge %d->%d", sources[e], targets[e])
		perTargetSum[targets[e]] += float64(coefficients[e][0])
	}
	for target := range perTargetSum {
		assert.InDeltaf(t, 1.0, perTargetSum[target], 1e-5,
			"attention mass of target node %d", target)
	}
}

func TestConvolutionDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, pathGraphFn)
	first := exec.Call()
	second := exec.Call()
	assert.Equal(t, first[0].Value(), second[0].Value(), "outputs")
	assert.Equal(t, first[1].Value(), second[1].Value(), "coefficients")
}

func TestConvolutionNormalizationWithGlorot(t *testing.T) {
	// The per-destination attention mass must be 1 whatever the weights: use
	// the recommended random (Glorot) initialization and an edge set with
	// duplicates and a pre-existing self-loop.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	sources := []int32{0, 0, 1, 2, 4, 4, 3}
	targets := []int32{1, 1, 2, 2, 0, 4, 1}
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
		x := IotaFull(g, shapes.Make(dtypes.Float32, 5, 3))
		_, coefficients := Convolution(ctx, x, Const(g, sources), Const(g, targets), 4).
			NumHeads(2).DoneWithCoefficients()
		return coefficients
	})
	coefficients := exec.Call()[0].Value().([][]float32)
	require.Len(t, coefficients, len(sources)+5)

	adjustedTargets := make([]int32, 0, len(targets)+5)
	adjustedTargets = append(adjustedTargets, targets...)
	for node := range int32(5) {
		adjustedTargets = append(adjustedTargets, node)
	}
	numHeads := len(coefficients[0])
	for head := range numHeads {
		perTargetSum := make([]float64, 5)
		for e, headCoefficients := range coefficients {
			perTargetSum[adjustedTargets[e]] += float64(headCoefficients[head])
		}
		for target := range perTargetSum {
			assert.InDeltaf(t, 1.0, perTargetSum[target], 1e-5,
				"attention mass of node %d, head %d", target, head)
		}
	}

	// The input self-loop 4->4 was replaced by the appended one: its
	// coefficient must be exactly 0.
	for head := range numHeads {
		assert.Zero(t, coefficients[5][head], "masked-out input self-loop")
	}
}
