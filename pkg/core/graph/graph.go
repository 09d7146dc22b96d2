// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements an eagerly evaluated computation graph with reverse-mode
// automatic differentiation.
//
// Each operation (Conv2D, Relu, MeanPool, Gram, ...) computes its value immediately when it is
// created, and the Graph records it (the "tape"), with its inputs, so Gradient can later
// back-propagate through it. Node values are read with Node.Value.
//
// Example: the gradient of the mean squared value of a convolution with respect to its input:
//
//	g := graph.NewGraph("example")
//	x := graph.Parameter(g, "x", image)
//	y := graph.Conv2D(x, graph.NewFrozenKernel(kernel))
//	loss := graph.ReduceAllMean(graph.Square(y))
//	grads := graph.Gradient(loss, x) // grads[0] has the same shape as image.
//
// Frozen values (convolution kernels and biases) are attributes of the operations and not nodes,
// so gradients are never computed for them.
//
// Graph building functions panic (with exceptions.Panicf) on invalid inputs. Use
// exceptions.TryCatch at API boundaries to convert those into errors.
//
// A Graph is not safe for concurrent use. Operations parallelize internally using
// a workerspool.Pool, partitioning outputs in disjoint ranges, so results are deterministic.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/styletransfer/internal/workerspool"
)

// NodeId is a unique identifier of a Node within its Graph. It is also its position in the tape.
type NodeId int

// Graph records the nodes created for one evaluation, in creation order.
type Graph struct {
	name  string
	nodes []*Node
	pool  *workerspool.Pool
}

// NewGraph creates an empty Graph. The name is only used for printing and logging.
func NewGraph(name string) *Graph {
	return &Graph{name: name, pool: workerspool.Default}
}

// WithPool sets the pool of workers used by the operations of the graph.
// It returns the Graph, so calls can be cascaded.
func (g *Graph) WithPool(pool *workerspool.Pool) *Graph {
	g.pool = pool
	return g
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes recorded so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the nodes recorded in the graph, in creation order.
// The returned slice should not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// String lists the nodes of the graph.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// validateBuildingGraphFromInputs checks that all inputs are valid and belong to the same graph,
// and returns that graph. It panics otherwise.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes given")
	}
	var g *Graph
	for ii, node := range inputs {
		if node == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		if g == nil {
			g = node.graph
		} else if node.graph != g {
			exceptions.Panicf("input node #%d (%s) belongs to graph %q, but previous inputs belong to graph %q",
				ii, node, node.graph.name, g.name)
		}
	}
	return g
}
