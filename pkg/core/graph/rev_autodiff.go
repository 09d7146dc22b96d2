// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
)

// This file implements reverse-mode automatic differentiation, using VJPs (Vector Jacobian Products).
//
// Conventions:
//
//   - root node: the scalar output of the graph, whose gradient is requested.
//   - selected gradient nodes: the nodes with respect to which we want the gradient, typically parameters.
//   - VJP (or adjoint): the accumulated gradient of the root node with respect to the output of the current node.
//     They are generated in reverse order of the tape, from the root back to the inputs.
//
// Since the graph is evaluated eagerly, VJPs are tensors computed directly, and not new nodes in the graph.

// reverseGraph stores information of the Graph in reverse order.
type reverseGraph struct {
	Graph *Graph
	Root  *Node

	ReverseNodes []*reverseNode
}

type reverseNode struct {
	Node *Node

	// Consumers is the list of nodes that use the output of this node.
	Consumers []*reverseNode

	// Selected indicates whether this is one of the nodes for which we want the gradient.
	Selected bool

	// Included is true for nodes the root node depends on.
	Included bool

	// Useful is true when this node is in a path from the root to one of the selected nodes.
	// VJPs are only computed for useful nodes.
	Useful bool

	// AccumulatedVJP is the gradient of the root node with respect to the output of this node: the sum
	// of the VJPs back-propagated by all its consumers.
	AccumulatedVJP *tensors.Tensor
}

// Gradient returns the gradient of output with respect to each of the gradientNodes.
// The output must be a scalar, and all nodes must belong to the same graph.
//
// Each gradient has the same shape as the corresponding gradient node. If output doesn't depend
// on a gradient node, its gradient is zero.
//
// It panics if the graph has a node in the path from output to a gradient node for which there is no
// VJP registered (see VJPRegistration).
func Gradient(output *Node, gradientNodes ...*Node) []*tensors.Tensor {
	allInputNodes := make([]*Node, 0, len(gradientNodes)+1)
	allInputNodes = append(allInputNodes, output)
	allInputNodes = append(allInputNodes, gradientNodes...)
	g := validateBuildingGraphFromInputs(allInputNodes...)
	if !output.Shape().IsScalar() {
		exceptions.Panicf("only gradients of a scalar with respect to tensors are accepted, not jacobians, "+
			"that is, output must be a scalar, got %s", output.Shape())
	}

	rg := newReverseGraph(g, output, gradientNodes)
	rg.ReverseNodes[output.Id()].AccumulatedVJP = tensors.FromScalar(1)

	// Loop from the root backwards: by the time node #nodeIdx is reached all its consumers, which were created
	// after it, have already contributed their VJPs.
	for nodeIdx := output.Id(); nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		rNode := rg.ReverseNodes[nodeIdx]
		if !rNode.Included || !rNode.Useful || rNode.AccumulatedVJP == nil || len(node.inputNodes) == 0 {
			continue
		}
		vjpFn, ok := VJPRegistration[node.Type()]
		if !ok {
			exceptions.Panicf("graph has node %s, for which no gradient is defined yet, cannot generate graph gradient", node)
		}
		inputsVJPs := vjpFn(node, rNode.AccumulatedVJP)
		if len(inputsVJPs) != len(node.inputNodes) {
			exceptions.Panicf("VJP(%s) returned %d VJPs, but it has %d inputs, implementation of auto-differentiation for node failed",
				node, len(inputsVJPs), len(node.inputNodes))
		}
		for ii, input := range node.inputNodes {
			vjp := inputsVJPs[ii]
			rInput := rg.ReverseNodes[input.Id()]
			if vjp == nil || !rInput.Useful {
				continue
			}
			if !vjp.Shape().Equal(input.Shape()) {
				exceptions.Panicf("invalid Gradient calculation for node %s: invalid shape for calculated VJP for "+
					"input #%d (out of %d): input shape=%s, calculated VJP shape=%s"+
					" -- this probably indicates a bug in the code, please report the issue.",
					node, ii, len(node.inputNodes), input.Shape(), vjp.Shape())
			}
			if rInput.AccumulatedVJP == nil {
				rInput.AccumulatedVJP = vjp
			} else {
				rInput.AccumulatedVJP = zipElements(g, rInput.AccumulatedVJP, vjp,
					func(a, b float32) float32 { return a + b })
			}
		}
		// Release intermediary VJPs as soon as they are consumed.
		if !rNode.Selected {
			rNode.AccumulatedVJP = nil
		}
	}

	gradients := make([]*tensors.Tensor, len(gradientNodes))
	for ii, node := range gradientNodes {
		rNode := rg.ReverseNodes[node.Id()]
		if rNode.AccumulatedVJP == nil {
			gradients[ii] = tensors.FromShape(node.Shape())
		} else {
			gradients[ii] = rNode.AccumulatedVJP
		}
	}
	return gradients
}

func newReverseGraph(g *Graph, root *Node, gradientNodes []*Node) *reverseGraph {
	numNodes := len(g.nodes)
	rg := &reverseGraph{
		Graph:        g,
		Root:         root,
		ReverseNodes: make([]*reverseNode, numNodes),
	}

	// Stitch reverse "consumer" links to graph.
	for ii, node := range g.nodes {
		rg.ReverseNodes[ii] = &reverseNode{Node: node}
	}
	for ii, node := range g.nodes {
		rNode := rg.ReverseNodes[ii]
		for _, input := range node.inputNodes {
			rInput := rg.ReverseNodes[input.Id()]
			rInput.Consumers = append(rInput.Consumers, rNode)
		}
	}

	// Mark nodes with a path from root as Included.
	recursivePathFromRoot(rg, root)

	// Mark gradient nodes as selected, and recursively mark all the nodes
	// in a path from root to the selected gradient nodes as Useful.
	for _, selected := range gradientNodes {
		rNode := rg.ReverseNodes[selected.Id()]
		rNode.Selected = true
		recursiveMarkAsUseful(rg, rNode)
	}
	return rg
}

// recursivePathFromRoot mark nodes and its inputs recursively as Included.
func recursivePathFromRoot(rg *reverseGraph, node *Node) {
	rNode := rg.ReverseNodes[node.Id()]
	if rNode.Included {
		return
	}
	rNode.Included = true
	for _, input := range node.inputNodes {
		recursivePathFromRoot(rg, input)
	}
}

func recursiveMarkAsUseful(rg *reverseGraph, rNode *reverseNode) {
	if !rNode.Included || rNode.Useful {
		return
	}
	rNode.Useful = true
	for _, consumer := range rNode.Consumers {
		recursiveMarkAsUseful(rg, consumer)
	}
}

// VJP returns the "vector-jacobian product" of the given node with respect to each of its inputs
// (given by node.Inputs()). v is the gradient of the root with respect to the output of node, and
// has the node's shape.
//
// It returns one tensor per input, shaped as the input, or nil for inputs that receive no gradient.
type VJP func(node *Node, v *tensors.Tensor) []*tensors.Tensor

// VJPRegistration maps each node type to its implementation of VJP.
// Parameters and constants have no inputs, and are not listed.
var VJPRegistration = map[NodeType]VJP{
	NodeTypeAdd:           addVJP,
	NodeTypeSub:           subVJP,
	NodeTypeMul:           mulVJP,
	NodeTypeSquare:        squareVJP,
	NodeTypeMulScalar:     mulScalarVJP,
	NodeTypeRelu:          reluVJP,
	NodeTypeTanh:          tanhVJP,
	NodeTypeReshape:       reshapeVJP,
	NodeTypeReduceAllSum:  reduceAllSumVJP,
	NodeTypeReduceAllMean: reduceAllMeanVJP,
	NodeTypeConv2D:        conv2DVJP,
	NodeTypeAddBias:       addBiasVJP,
	NodeTypeMeanPool:      meanPoolVJP,
	NodeTypeGram:          gramVJP,
}

func addVJP(_ *Node, v *tensors.Tensor) []*tensors.Tensor {
	return []*tensors.Tensor{v, v}
}

func subVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	return []*tensors.Tensor{v, mapElements(node.graph, v, func(x float32) float32 { return -x })}
}

func mulVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	lhs, rhs := node.inputNodes[0].value, node.inputNodes[1].value
	mul := func(a, b float32) float32 { return a * b }
	return []*tensors.Tensor{zipElements(node.graph, v, rhs, mul), zipElements(node.graph, v, lhs, mul)}
}

func squareVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	x := node.inputNodes[0].value
	return []*tensors.Tensor{zipElements(node.graph, v, x, func(a, b float32) float32 { return 2 * a * b })}
}

func mulScalarVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	c := float32(node.attr.(float64))
	return []*tensors.Tensor{mapElements(node.graph, v, func(x float32) float32 { return x * c })}
}

func reluVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	// node holds the output of relu(x): it is > 0 exactly where x > 0.
	return []*tensors.Tensor{zipElements(node.graph, v, node.value, func(a, y float32) float32 {
		if y > 0 {
			return a
		}
		return 0
	})}
}

func tanhVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	// node holds the output of tanh(x).
	return []*tensors.Tensor{zipElements(node.graph, v, node.value, func(a, y float32) float32 {
		return a * (1 - y*y)
	})}
}

func reshapeVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	return []*tensors.Tensor{v.Reshape(node.inputNodes[0].Shape().Dimensions...)}
}

func reduceAllSumVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	x := node.inputNodes[0]
	return []*tensors.Tensor{tensors.Full(v.Value(), x.Shape().Dimensions...)}
}

func reduceAllMeanVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	x := node.inputNodes[0]
	return []*tensors.Tensor{tensors.Full(v.Value()/float32(x.value.Size()), x.Shape().Dimensions...)}
}

// conv2DVJP: the gradient with respect to the input of a stride 1 "same" convolution is the "same"
// convolution of v with the transposed kernel, padded on the opposite sides.
func conv2DVJP(node *Node, v *tensors.Tensor) []*tensors.Tensor {
	attr := node.attr.(*convAttr)
	kDims := attr.kernel.kernel.Shape().Dimensions
	padTop := kDims[0] - 1 - attr.padTop
	padLeft := kDims[1] - 1 - attr.padLeft
	return []*tensors.Tensor{convolveSame(node.graph.pool, v, attr.kernel.transposedKernel(), padTop, padLeft)}
}

func addBiasVJP(_ *Node, v *tensors.Tensor) []*tensors.Tensor {
	return []*tensors.Tensor{v}
}
