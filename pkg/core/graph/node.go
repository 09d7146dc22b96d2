// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/styletransfer/pkg/core/shapes"
	"github.com/gomlx/styletransfer/pkg/core/tensors"
)

// Node represents the result of an operation in the graph, and can be used as input to further operations.
//
// Its value is computed when the node is created, and it keeps track of its inputs and static attributes,
// which are later used for auto-differentiation (see Gradient).
type Node struct {
	graph    *Graph
	id       NodeId
	nodeType NodeType
	name     string

	// inputNodes are the edges of the computation graph.
	inputNodes []*Node

	// attr holds the static (non-differentiable) inputs of the operation, e.g. a frozen convolution kernel.
	attr any

	value *tensors.Tensor
}

func (g *Graph) newNode(nodeType NodeType, value *tensors.Tensor, attr any, inputs ...*Node) *Node {
	node := &Node{
		graph:      g,
		id:         NodeId(len(g.nodes)),
		nodeType:   nodeType,
		inputNodes: inputs,
		attr:       attr,
		value:      value,
	}
	g.nodes = append(g.nodes, node)
	return node
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node, unique within its graph.
func (n *Node) Id() NodeId { return n.id }

// Type of the operation that created the node.
func (n *Node) Type() NodeType { return n.nodeType }

// Inputs returns the input nodes of the operation.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// Value returns the value computed by the node. It must not be modified.
func (n *Node) Value() *tensors.Tensor { return n.value }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.value.Shape() }

// Rank of the node's value.
func (n *Node) Rank() int { return n.value.Rank() }

// Name of the node, only set for parameters and nodes named with SetName.
func (n *Node) Name() string { return n.name }

// SetName sets a name to the node, used when printing. It returns the node itself.
func (n *Node) SetName(name string) *Node {
	n.name = name
	return n
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	if n.name != "" {
		return fmt.Sprintf("#%d %s(%q): %s", n.id, n.nodeType, n.name, n.Shape())
	}
	return fmt.Sprintf("#%d %s: %s", n.id, n.nodeType, n.Shape())
}
