// Package models assembles stacked node-classification models from GAT
// convolutions: a single-layer baseline, the standard two-layer GAT, an
// arbitrary-depth variant, and an encoder/classifier pair, plus a factory
// that selects a variant by layer count.
//
// All variants are pure forward-pass compositions of gat.Convolution with
// ReLU/ELU activations and dropout in between; the variables of every layer
// live in the context passed to Forward, under the scopes reported by
// [Model.RegularizedScopes] and [Model.NonRegularizedScopes]. That split is
// the contract for an external optimizer that applies weight decay only to
// the earlier layers -- see [RegularizedVariables] and
// [NonRegularizedVariables].
package models

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gat"
)

// Config holds the dimensions shared by the model variants. The input
// feature dimension is not configured: it is inferred from the feature
// matrix given to Forward.
type Config struct {
	// NumLayers selects the variant in [New]: 1 OneLayer, 2 TwoLayer,
	// 3 Encoder, 4 Classifier. Deeper stacks are built directly with
	// [NewDeep].
	NumLayers int

	// HiddenDim is the width of the hidden node states, split across the
	// attention heads of the hidden layers.
	HiddenDim int

	// NumClasses is the output dimension of the classification variants.
	NumClasses int

	// EmbedDim is the embedding width produced by the Encoder variant.
	// Defaults to 64.
	EmbedDim int

	// DropoutRate is applied between layers, and 0 disables it. Dropout only
	// takes effect while the context is marked as training.
	DropoutRate float64

	// DisableSelfLoops turns off the self-loop adjustment in every
	// convolution. The zero value keeps the default behavior of adding
	// exactly one self-loop per node.
	DisableSelfLoops bool
}

func (cfg Config) withDefaults() Config {
	if cfg.EmbedDim == 0 {
		cfg.EmbedDim = 64
	}
	return cfg
}

// Model is a stacked GAT variant: a pure forward-pass graph builder plus the
// scope split consumed by the optimizer's selective weight-decay policy.
//
// Forward takes the node features shaped [numNodes, numFeatures] and the
// edge set as a pair of [numEdges] integer index vectors, and returns the
// model outputs (a single output node for most variants; the Classifier
// returns four, see [Classifier.Forward]).
//
// A model's variables are created in the context on the first Forward call;
// reusing the same context across calls reuses the variables.
type Model interface {
	Forward(ctx *context.Context, x, edgesSource, edgesTarget *Node) []*Node

	// RegularizedScopes lists the context scopes (relative to the context
	// given to Forward) whose variables the optimizer should weight-decay.
	RegularizedScopes() []string

	// NonRegularizedScopes lists the scopes excluded from weight decay,
	// typically the final layer.
	NonRegularizedScopes() []string
}

// New selects a model variant by cfg.NumLayers: 1 is [OneLayer], 2 is
// [TwoLayer], 3 is [Encoder] and 4 is [Classifier]. Any other value is a
// configuration error.
func New(cfg Config) (Model, error) {
	cfg = cfg.withDefaults()
	var model Model
	switch cfg.NumLayers {
	case 1:
		model = &OneLayer{cfg: cfg}
	case 2:
		model = &TwoLayer{cfg: cfg}
	case 3:
		model = &Encoder{cfg: cfg}
	case 4:
		model = &Classifier{cfg: cfg}
	default:
		return nil, errors.Errorf("invalid NumLayers=%d for models.New: valid values are 1 to 4", cfg.NumLayers)
	}
	klog.V(2).Infof("models.New: built %T (hidden=%d, classes=%d, embed=%d, dropout=%g)",
		model, cfg.HiddenDim, cfg.NumClasses, cfg.EmbedDim, cfg.DropoutRate)
	return model, nil
}

// RegularizedVariables returns the variables of m created under ctx (the
// same context given to Forward) that belong to the weight-decayed group.
func RegularizedVariables(ctx *context.Context, m Model) []*context.Variable {
	return variablesInScopes(ctx, m.RegularizedScopes())
}

// NonRegularizedVariables returns the variables of m created under ctx that
// are excluded from weight decay.
func NonRegularizedVariables(ctx *context.Context, m Model) []*context.Variable {
	return variablesInScopes(ctx, m.NonRegularizedScopes())
}

func variablesInScopes(ctx *context.Context, scopes []string) []*context.Variable {
	var vars []*context.Variable
	for _, scope := range scopes {
		ctx.In(scope).EnumerateVariablesInScope(func(v *context.Variable) {
			vars = append(vars, v)
		})
	}
	return vars
}

// OneLayer is the single-layer baseline: one 1-head convolution projecting
// the features directly to the class dimension, followed by ReLU.
type OneLayer struct {
	cfg Config
}

// NewOneLayer creates the single-layer baseline variant.
func NewOneLayer(cfg Config) *OneLayer { return &OneLayer{cfg: cfg.withDefaults()} }

func (m *OneLayer) Forward(ctx *context.Context, x, edgesSource, edgesTarget *Node) []*Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	out := gat.Convolution(ctx.In("conv1"), x, edgesSource, edgesTarget, m.cfg.NumClasses).
		AddSelfLoops(!m.cfg.DisableSelfLoops).
		Done()
	out = activations.Relu(out)
	return []*Node{out}
}

func (m *OneLayer) RegularizedScopes() []string    { return nil }
func (m *OneLayer) NonRegularizedScopes() []string { return []string{"conv1"} }

// TwoLayer is the standard two-layer GAT: a 4-head hidden convolution with
// concatenated heads, ReLU and dropout, then a single averaged head
// projecting to the class dimension.
type TwoLayer struct {
	cfg Config
}

// NewTwoLayer creates the two-layer variant.
func NewTwoLayer(cfg Config) *TwoLayer { return &TwoLayer{cfg: cfg.withDefaults()} }

func (m *TwoLayer) Forward(ctx *context.Context, x, edgesSource, edgesTarget *Node) []*Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	const numHeads = 4
	headDim := headChannels(m.cfg.HiddenDim, numHeads)
	addSelfLoops := !m.cfg.DisableSelfLoops
	hidden := gat.Convolution(ctx.In("conv1"), x, edgesSource, edgesTarget, headDim).
		NumHeads(numHeads).
		AddSelfLoops(addSelfLoops).
		Done()
	hidden = activations.Relu(hidden)
	hidden = layers.DropoutStatic(ctx, hidden, m.cfg.DropoutRate)
	out := gat.Convolution(ctx.In("conv2"), hidden, edgesSource, edgesTarget, m.cfg.NumClasses).
		NumHeads(1).ConcatHeads(false).
		AddSelfLoops(addSelfLoops).
		Done()
	return []*Node{out}
}

func (m *TwoLayer) RegularizedScopes() []string    { return []string{"conv1"} }
func (m *TwoLayer) NonRegularizedScopes() []string { return []string{"conv2"} }

// Deep is the arbitrary-depth variant: like [TwoLayer], but with
// cfg.NumLayers-2 extra 4-head hidden layers in the middle, each preceded by
// dropout and followed by ReLU. cfg.NumLayers must be at least 2.
type Deep struct {
	cfg Config
}

// NewDeep creates the variant with cfg.NumLayers layers (at least 2).
func NewDeep(cfg Config) *Deep {
	if cfg.NumLayers < 2 {
		Panicf("models.NewDeep needs NumLayers >= 2, got %d", cfg.NumLayers)
	}
	return &Deep{cfg: cfg.withDefaults()}
}

func (m *Deep) Forward(ctx *context.Context, x, edgesSource, edgesTarget *Node) []*Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	const numHeads = 4
	headDim := headChannels(m.cfg.HiddenDim, numHeads)
	addSelfLoops := !m.cfg.DisableSelfLoops
	hidden := gat.Convolution(ctx.In("conv1"), x, edgesSource, edgesTarget, headDim).
		NumHeads(numHeads).
		AddSelfLoops(addSelfLoops).
		Done()
	hidden = activations.Relu(hidden)
	for layer := range m.cfg.NumLayers - 2 {
		hidden = layers.DropoutStatic(ctx, hidden, m.cfg.DropoutRate)
		hidden = gat.Convolution(ctx.In(middleScope(layer)), hidden, edgesSource, edgesTarget, headDim).
			NumHeads(numHeads).
			AddSelfLoops(addSelfLoops).
			Done()
		hidden = activations.Relu(hidden)
	}
	hidden = layers.DropoutStatic(ctx, hidden, m.cfg.DropoutRate)
	out := gat.Convolution(ctx.In("conv2"), hidden, edgesSource, edgesTarget, m.cfg.NumClasses).
		NumHeads(1).
		AddSelfLoops(addSelfLoops).
		Done()
	return []*Node{out}
}

func (m *Deep) RegularizedScopes() []string {
	scopes := []string{"conv1"}
	for layer := range m.cfg.NumLayers - 2 {
		scopes = append(scopes, middleScope(layer))
	}
	return scopes
}

func (m *Deep) NonRegularizedScopes() []string { return []string{"conv2"} }

func middleScope(layer int) string { return fmt.Sprintf("conv_middle_%d", layer) }

// Encoder produces a node embedding: a single 8-head convolution to
// cfg.EmbedDim/8 channels per head (concatenated), followed by dropout and
// ELU. It has no normalization or classification head -- pair it with
// [Classifier] on top of the embeddings.
type Encoder struct {
	cfg Config
}

// NewEncoder creates the embedding encoder variant.
func NewEncoder(cfg Config) *Encoder { return &Encoder{cfg: cfg.withDefaults()} }

func (m *Encoder) Forward(ctx *context.Context, x, edgesSource, edgesTarget *Node) []*Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	const numHeads = 8
	headDim := headChannels(m.cfg.EmbedDim, numHeads)
	out := gat.Convolution(ctx.In("conv1"), x, edgesSource, edgesTarget, headDim).
		NumHeads(numHeads).
		AddSelfLoops(!m.cfg.DisableSelfLoops).
		Done()
	out = layers.DropoutStatic(ctx, out, m.cfg.DropoutRate)
	out = elu(out)
	return []*Node{out}
}

func (m *Encoder) RegularizedScopes() []string    { return nil }
func (m *Encoder) NonRegularizedScopes() []string { return []string{"conv1"} }

// Classifier classifies nodes from embeddings (e.g. the [Encoder] output):
// an 8-head hidden convolution with ReLU and dropout, a single averaged head
// producing the class logits, and an auxiliary linear "real/fake" head over
// the hidden state.
type Classifier struct {
	cfg Config
}

// NewClassifier creates the classifier variant.
func NewClassifier(cfg Config) *Classifier { return &Classifier{cfg: cfg.withDefaults()} }

// Forward returns four outputs: the class logits shaped
// [numNodes, NumClasses], the auxiliary real/fake score shaped
// [numNodes, 2], and the log-softmax of each.
func (m *Classifier) Forward(ctx *context.Context, x, edgesSource, edgesTarget *Node) []*Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	const numHeads = 8
	headDim := headChannels(m.cfg.HiddenDim, numHeads)
	addSelfLoops := !m.cfg.DisableSelfLoops
	hidden := gat.Convolution(ctx.In("conv1"), x, edgesSource, edgesTarget, headDim).
		NumHeads(numHeads).
		AddSelfLoops(addSelfLoops).
		Done()
	hidden = activations.Relu(hidden)
	hidden = layers.DropoutStatic(ctx, hidden, m.cfg.DropoutRate)
	logits := gat.Convolution(ctx.In("conv2"), hidden, edgesSource, edgesTarget, m.cfg.NumClasses).
		NumHeads(1).ConcatHeads(false).
		AddSelfLoops(addSelfLoops).
		Done()
	// Only the auxiliary head's weights get the normal(0.05) initialization;
	// its bias starts at zero.
	fakeRealCtx := ctx.In("fakereal")
	weightsCtx := fakeRealCtx.WithInitializer(initializers.RandomNormalFn(ctx, 0.05))
	fakeReal := layers.Dense(weightsCtx, hidden, false, 2)
	fakeRealBias := fakeRealCtx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(fakeReal.DType(), 2)).
		ValueGraph(fakeReal.Graph())
	fakeReal = Add(fakeReal, InsertAxes(fakeRealBias, 0))
	return []*Node{logits, fakeReal, LogSoftmax(logits), LogSoftmax(fakeReal)}
}

func (m *Classifier) RegularizedScopes() []string    { return []string{"conv1"} }
func (m *Classifier) NonRegularizedScopes() []string { return []string{"conv2", "fakereal"} }

// headChannels splits a state width across attention heads, using integer
// division: the concatenated output is numHeads*(width/numHeads), slightly
// narrower than width when not divisible.
func headChannels(width, numHeads int) int {
	channels := width / numHeads
	if channels < 1 {
		Panicf("state width %d is too narrow for %d attention heads", width, numHeads)
	}
	return channels
}

// elu is the exponential linear unit, x for x > 0 else e^x-1, used by the
// Encoder. The framework's activations package doesn't carry it.
func elu(x *Node) *Node {
	return Where(GreaterThan(x, ScalarZero(x.Graph(), x.DType())), x, Expm1(x))
}
