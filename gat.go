// Package gat implements the graph attentional operator from the
// "Graph Attention Networks" paper (https://arxiv.org/abs/1710.10903) for
// GoMLX:
//
//	x'_i = \sum_{j \in N(i) \cup {i}} \alpha_{i,j} \Theta x_j
//
// where the attention coefficients \alpha_{i,j} are a softmax, over each
// node's incoming edges, of a leaky-ReLU attention score between the
// projected source and target node features.
//
// The convolution is built with [Convolution], configured with the returned
// [Config]'s methods, and finished with [Config.Done] or, to also read back
// the per-edge attention coefficients, [Config.DoneWithCoefficients].
//
// Stacked model variants composed from this layer live in the models
// subpackage; the segmented (per-destination) softmax and sum primitives in
// the sparse subpackage; host-side edge-set preprocessing in the adjacency
// subpackage.
package gat

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/gomlx/gat/sparse"
)

const (
	// ParamNumHeads is the context hyperparameter that defines the default
	// number of attention heads. The default is 1.
	ParamNumHeads = "gat_num_heads"

	// ParamNegativeSlope is the context hyperparameter that defines the
	// default negative slope of the leaky-ReLU applied to the raw attention
	// scores. The default is 0.2.
	ParamNegativeSlope = "gat_negative_slope"

	// ParamDropoutRate is the context hyperparameter that defines the default
	// dropout rate of the normalized attention coefficients, which exposes
	// each node to a stochastically sampled neighborhood. Only applied during
	// training. The default is 0.0, meaning no dropout.
	ParamDropoutRate = "gat_dropout_rate"

	// ParamAddSelfLoops is the context hyperparameter that defines whether
	// the edge set is adjusted so every node has exactly one self-loop before
	// the attention computation. The default is true.
	ParamAddSelfLoops = "gat_add_self_loops"
)

// Config is built by [Convolution], configured with its methods and consumed
// by [Config.Done] or [Config.DoneWithCoefficients].
type Config struct {
	ctx                      *context.Context
	x, targetX               *Node
	edgesSource, edgesTarget *Node
	outChannels              int

	numHeads       int
	concatHeads    bool
	negativeSlope  float64
	dropoutRate    float64
	addSelfLoops   bool
	useBias        bool
	sourceSize     int
	targetSize     int
	targetNodesSet bool

	built bool
}

// Convolution prepares a graph attention convolution of the node features x
// along the given edge set, projecting each node to outChannels channels per
// head.
//
// Args:
//   - ctx: context scoped to this layer; its variables ("att_source",
//     "att_target", the projection kernels and bias) are created here. Use a
//     Glorot(Xavier) initializer (initializers.GlorotUniformFn) for the usual
//     variance-scaling initialization; the bias is always zero-initialized.
//   - x: node feature matrix shaped [numNodes, numFeatures]. Exactly rank-2:
//     batched graphs are not supported. For a bipartite graph x holds the
//     source-side features and the target side is given with
//     [Config.TargetFeatures] or [Config.NumTargetNodes].
//   - edgesSource, edgesTarget: the edge set as a pair of index vectors, both
//     shaped [numEdges] with the same integer dtype; edge i sends a message
//     from node edgesSource[i] to node edgesTarget[i]. Duplicate edges are
//     allowed and simply contribute multiple message terms. See the adjacency
//     package to preprocess edge sets on the host.
//   - outChannels: number of output channels per head. The layer output has
//     numHeads*outChannels channels when heads are concatenated (default), or
//     outChannels when averaged (see [Config.ConcatHeads]).
//
// The default configuration (1 head, concatenated; negative slope 0.2; no
// coefficient dropout; self-loops added; bias) can be overridden by the
// Param* context hyperparameters and by the [Config] methods.
func Convolution(ctx *context.Context, x, edgesSource, edgesTarget *Node, outChannels int) *Config {
	c := &Config{
		ctx:           ctx,
		x:             x,
		edgesSource:   edgesSource,
		edgesTarget:   edgesTarget,
		outChannels:   outChannels,
		numHeads:      context.GetParamOr(ctx, ParamNumHeads, 1),
		concatHeads:   true,
		negativeSlope: context.GetParamOr(ctx, ParamNegativeSlope, 0.2),
		dropoutRate:   context.GetParamOr(ctx, ParamDropoutRate, 0.0),
		addSelfLoops:  context.GetParamOr(ctx, ParamAddSelfLoops, true),
		useBias:       true,
	}
	return c
}

// NumHeads sets the number of independent attention heads. Default is 1, or
// the [ParamNumHeads] hyperparameter.
func (c *Config) NumHeads(numHeads int) *Config {
	c.numHeads = numHeads
	return c
}

// ConcatHeads sets how the outputs of the heads are combined: concatenated
// along the channels axis (true, the default) or averaged (false).
func (c *Config) ConcatHeads(concat bool) *Config {
	c.concatHeads = concat
	return c
}

// NegativeSlope sets the leaky-ReLU angle of the negative slope applied to
// the raw attention scores. Default is 0.2, or the [ParamNegativeSlope]
// hyperparameter.
func (c *Config) NegativeSlope(negativeSlope float64) *Config {
	c.negativeSlope = negativeSlope
	return c
}

// DropoutRate sets the dropout probability of the normalized attention
// coefficients. It is only applied when the context is marked as training.
// Default is 0, or the [ParamDropoutRate] hyperparameter.
func (c *Config) DropoutRate(rate float64) *Config {
	c.dropoutRate = rate
	return c
}

// AddSelfLoops sets whether the edge set is adjusted so that every node has
// exactly one self-loop -- no more, no less, independently of the self-loops
// present in the input -- before the attention computation. Default is true,
// or the [ParamAddSelfLoops] hyperparameter.
func (c *Config) AddSelfLoops(enabled bool) *Config {
	c.addSelfLoops = enabled
	return c
}

// UseBias sets whether a zero-initialized additive bias is applied to the
// combined output. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// TargetFeatures marks the graph as bipartite: x given to [Convolution]
// holds the source-side features, targetX the target-side ones, and the two
// sides get separate projection kernels. targetX must be rank-2.
func (c *Config) TargetFeatures(targetX *Node) *Config {
	c.targetX = targetX
	c.targetNodesSet = true
	return c
}

// NumTargetNodes marks the graph as bipartite without target-side features:
// messages are aggregated into numNodes target nodes and the attention score
// of an edge carries only its source term.
func (c *Config) NumTargetNodes(numNodes int) *Config {
	c.targetSize = numNodes
	c.targetNodesSet = true
	return c
}

// Sizes overrides the node counts of the source and target sides, used to
// bound the self-loop adjustment on a bipartite graph. By default they are
// taken from the feature matrices.
func (c *Config) Sizes(sourceNodes, targetNodes int) *Config {
	c.sourceSize = sourceNodes
	c.targetSize = targetNodes
	return c
}

// Done builds the convolution and returns the output features, shaped
// [numTargetNodes, numHeads*outChannels] if heads are concatenated, else
// [numTargetNodes, outChannels].
func (c *Config) Done() *Node {
	output, _ := c.build()
	return output
}

// DoneWithCoefficients builds the convolution and returns the output
// features along with the normalized attention coefficients, shaped
// [numAdjustedEdges, numHeads], aligned with the self-loop-adjusted edge
// set.
//
// When self-loops are enabled the adjusted edge set is the input edges
// followed by one self-loop per node, in node order (see
// [sparse.AddSelfLoopEdges]); input edges that were themselves self-loops
// are masked out of the computation and report coefficient 0. With
// self-loops disabled the coefficients align with the input edges.
func (c *Config) DoneWithCoefficients() (output, coefficients *Node) {
	return c.build()
}

func (c *Config) build() (output, coefficients *Node) {
	if c.built {
		Panicf("gat.Convolution was already built, create a new one for every layer invocation")
	}
	c.built = true
	ctx := c.ctx
	x := c.x
	g := x.Graph()
	if x.Rank() != 2 {
		Panicf("node features must be shaped [numNodes, numFeatures], batched graphs are not "+
			"supported in gat.Convolution, got %s", x.Shape())
	}
	if c.targetX != nil && c.targetX.Rank() != 2 {
		Panicf("target node features must be shaped [numNodes, numFeatures], got %s", c.targetX.Shape())
	}
	if c.edgesSource.Rank() != 1 || !c.edgesSource.Shape().Equal(c.edgesTarget.Shape()) {
		Panicf("edgesSource and edgesTarget must both be shaped [numEdges], got %s and %s",
			c.edgesSource.Shape(), c.edgesTarget.Shape())
	}
	if !c.edgesSource.DType().IsInt() {
		Panicf("invalid edges dtype %s, it must be an int or uint", c.edgesSource.DType())
	}
	if c.numHeads < 1 || c.outChannels < 1 {
		Panicf("numHeads=%d and outChannels=%d must both be at least 1", c.numHeads, c.outChannels)
	}
	dtype := x.DType()
	numHeads, outChannels := c.numHeads, c.outChannels

	// Projection to [numNodes, numHeads, outChannels]: shared kernel when the
	// graph is homogeneous, separate source/target kernels when bipartite.
	var xSource, xTarget *Node
	if !c.targetNodesSet {
		xSource = layers.Dense(ctx.In("projection"), x, false, numHeads*outChannels)
		xSource = Reshape(xSource, x.Shape().Dim(0), numHeads, outChannels)
		xTarget = xSource
	} else {
		xSource = layers.Dense(ctx.In("source_projection"), x, false, numHeads*outChannels)
		xSource = Reshape(xSource, x.Shape().Dim(0), numHeads, outChannels)
		if c.targetX != nil {
			xTarget = layers.Dense(ctx.In("target_projection"), c.targetX, false, numHeads*outChannels)
			xTarget = Reshape(xTarget, c.targetX.Shape().Dim(0), numHeads, outChannels)
		}
	}
	numSourceNodes := xSource.Shape().Dim(0)
	numTargetNodes := c.targetSize
	if numTargetNodes == 0 {
		if xTarget == nil {
			Panicf("bipartite convolution without target features needs NumTargetNodes (or Sizes)")
		}
		numTargetNodes = xTarget.Shape().Dim(0)
	}

	// Raw per-node attention terms: alpha[i, h] = sum_c(x[i, h, c] * att[h, c]).
	attSource := ctx.VariableWithShape("att_source", shapes.Make(dtype, numHeads, outChannels)).ValueGraph(g)
	alphaSource := ReduceSum(Mul(xSource, InsertAxes(attSource, 0)), -1)
	var alphaTarget *Node
	if xTarget != nil {
		attTarget := ctx.VariableWithShape("att_target", shapes.Make(dtype, numHeads, outChannels)).ValueGraph(g)
		alphaTarget = ReduceSum(Mul(xTarget, InsertAxes(attTarget, 0)), -1)
	}

	// Self-loop adjustment, bounded by the smaller side of a bipartite graph.
	edgesSource, edgesTarget := c.edgesSource, c.edgesTarget
	var edgesMask *Node
	if c.addSelfLoops {
		selfLoopNodes := min(numSourceNodes, numTargetNodes)
		if c.sourceSize > 0 && c.targetSize > 0 {
			selfLoopNodes = min(c.sourceSize, c.targetSize)
		}
		edgesSource, edgesTarget, edgesMask = sparse.AddSelfLoopEdges(edgesSource, edgesTarget, selfLoopNodes)
	}
	sourceIndices := InsertAxes(edgesSource, -1)
	targetIndices := InsertAxes(edgesTarget, -1)

	// Per-edge score, normalized per target node and per head.
	score := Gather(alphaSource, sourceIndices)
	if alphaTarget != nil {
		score = Add(score, Gather(alphaTarget, targetIndices))
	}
	score = activations.LeakyReluWithAlpha(score, c.negativeSlope)
	coefficients = sparse.Softmax(score, edgesMask, targetIndices, numTargetNodes, false)
	alpha := coefficients
	if c.dropoutRate > 0 {
		alpha = layers.DropoutStatic(ctx, alpha, c.dropoutRate)
	}

	// Messages scaled by their coefficient, summed per target node.
	messages := Mul(Gather(xSource, sourceIndices), InsertAxes(alpha, -1))
	output = sparse.Sum(messages, targetIndices, numTargetNodes, false)

	if c.concatHeads {
		output = Reshape(output, numTargetNodes, numHeads*outChannels)
	} else {
		output = ReduceMean(output, 1)
	}
	if c.useBias {
		biasCtx := ctx.WithInitializer(initializers.Zero)
		bias := biasCtx.VariableWithShape("biases", shapes.Make(dtype, output.Shape().Dim(-1))).ValueGraph(g)
		output = Add(output, InsertAxes(bias, 0))
	}
	return
}
