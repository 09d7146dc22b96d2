// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stylize

import (
	"iter"
	"sort"

	"github.com/gomlx/styletransfer/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Priority for hooks, the lesser values are run first. Default is 0, negative values are ok.
type Priority int

// OnStartFn is called once, before the first iteration.
type OnStartFn func(loop *Loop) error

// OnStepFn is called after each iteration, with its metrics.
// If it returns an error, the optimization is interrupted.
type OnStepFn func(loop *Loop, metrics Metrics) error

// OnSnapshotFn is called every Config.SnapshotEvery iterations, with a snapshot of the image (see Loop.Snapshot).
type OnSnapshotFn func(loop *Loop, snapshot *tensors.Tensor) error

// OnEndFn is called once, after the last iteration, with the metrics of the last completed iteration
// (zero if none completed). It is also called if the optimization fails, with Loop.Err set.
type OnEndFn func(loop *Loop, metrics Metrics) error

// OnStart adds a hook with given priority and name (for error reporting) to the start of the optimization.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each iteration.
// The function `fn` is called after the image is updated.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnSnapshot adds a hook with given priority and name (for error reporting), called every
// Config.SnapshotEvery iterations.
func (loop *Loop) OnSnapshot(name string, priority Priority, fn OnSnapshotFn) {
	loop.onSnapshot.Add(priority, &hookWithName[OnSnapshotFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of the optimization,
// after the last iteration.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) postStep(metrics Metrics) error {
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "stylize.Loop.OnStep(hook %q)", hook.name)
		}
	}
	every := loop.config.SnapshotEvery
	if every <= 0 || (metrics.Iteration+1)%every != 0 || loop.onSnapshot.Len() == 0 {
		return nil
	}
	snapshot := loop.Snapshot()
	for hook := range loop.onSnapshot.All() {
		if err := hook.fn(loop, snapshot); err != nil {
			return errors.WithMessagef(err, "stylize.Loop.OnSnapshot(hook %q)", hook.name)
		}
	}
	return nil
}

// end runs all the OnEnd hooks, even if some fail, and returns the first error.
func (loop *Loop) end(metrics Metrics) (firstErr error) {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type H per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Len returns the number of hooks registered.
func (h *priorityHooks[H]) Len() int {
	var count int
	for _, list := range h.hooks {
		count += len(list)
	}
	return count
}

// All returns an iterator over all registered hooks in priority order.
// Hooks with the same priority are run in the order they were added.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
